package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"persona-relay/pkg/chat"
)

type commandRegistration struct {
	moduleName string
	spec       chat.CommandSpec
}

// commandCatalog is the kernel-owned command registry exposed as a service.
type commandCatalog struct {
	mu       sync.RWMutex
	commands map[string]commandRegistration
}

func newCommandCatalog() *commandCatalog {
	return &commandCatalog{commands: make(map[string]commandRegistration)}
}

// register validates and adds every command of one module atomically.
func (c *commandCatalog) register(moduleName string, commands []chat.CommandSpec) error {
	if len(commands) == 0 {
		return nil
	}

	normalized := make(map[string]chat.CommandSpec, len(commands))
	for index, command := range commands {
		if err := command.Validate(); err != nil {
			return fmt.Errorf("register command[%d]: %w", index, err)
		}
		command = cloneCommandSpec(command)
		key := commandKey(command.Prefix, command.Name)
		if _, exists := normalized[key]; exists {
			return fmt.Errorf("register command %s: duplicate declaration", key)
		}
		normalized[key] = command
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range normalized {
		if existing, exists := c.commands[key]; exists {
			return fmt.Errorf("register command %s: already registered by module %s", key, existing.moduleName)
		}
	}
	for key, command := range normalized {
		c.commands[key] = commandRegistration{moduleName: moduleName, spec: command}
	}

	return nil
}

// unregister removes every command owned by one module.
func (c *commandCatalog) unregister(moduleName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, registration := range c.commands {
		if registration.moduleName == moduleName {
			delete(c.commands, key)
		}
	}
}

// lookup resolves one command spec by prefix and name.
func (c *commandCatalog) lookup(prefix chat.CommandPrefix, name string) (chat.CommandSpec, bool) {
	c.mu.RLock()
	registration, exists := c.commands[commandKey(prefix, name)]
	c.mu.RUnlock()
	if !exists {
		return chat.CommandSpec{}, false
	}

	return cloneCommandSpec(registration.spec), true
}

// ListCommands returns all registered command entries sorted by command then module.
func (c *commandCatalog) ListCommands(ctx context.Context) ([]chat.RegisteredCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}

	c.mu.RLock()
	commands := make([]chat.RegisteredCommand, 0, len(c.commands))
	for _, registration := range c.commands {
		commands = append(commands, chat.RegisteredCommand{
			ModuleName: registration.moduleName,
			Command:    cloneCommandSpec(registration.spec),
		})
	}
	c.mu.RUnlock()

	sort.Slice(commands, func(i, j int) bool {
		left := commandKey(commands[i].Command.Prefix, commands[i].Command.Name)
		right := commandKey(commands[j].Command.Prefix, commands[j].Command.Name)
		if left == right {
			return commands[i].ModuleName < commands[j].ModuleName
		}
		return left < right
	})

	return commands, nil
}

// HasCommand reports whether prefix+name is registered.
func (c *commandCatalog) HasCommand(ctx context.Context, prefix chat.CommandPrefix, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("has command: %w", err)
	}
	_, exists := c.lookup(prefix, name)

	return exists, nil
}

func commandKey(prefix chat.CommandPrefix, name string) string {
	return string(prefix) + strings.ToLower(strings.TrimSpace(name))
}

func cloneCommandSpec(spec chat.CommandSpec) chat.CommandSpec {
	cloned := spec
	cloned.Name = strings.ToLower(strings.TrimSpace(spec.Name))
	if len(spec.Options) > 0 {
		cloned.Options = append([]chat.CommandOptionSpec(nil), spec.Options...)
	}

	return cloned
}

var _ chat.CommandCatalog = (*commandCatalog)(nil)
