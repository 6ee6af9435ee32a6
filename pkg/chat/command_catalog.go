package chat

import (
	"context"
	"fmt"
)

// ServiceCommandCatalog is the canonical service registry key for command discovery.
const ServiceCommandCatalog = "chat.command_catalog"

// RegisteredCommand describes one runtime command registration entry.
type RegisteredCommand struct {
	// ModuleName identifies which module registered this command.
	ModuleName string
	// Command is the registered command specification.
	Command CommandSpec
}

// CommandCatalog provides read access to registered command specifications.
//
// Implementations must be concurrency-safe because modules query it from
// multiple workers at the same time.
type CommandCatalog interface {
	// ListCommands returns a defensive copy of all registered command entries.
	ListCommands(ctx context.Context) ([]RegisteredCommand, error)
	// HasCommand reports whether prefix+name is a registered command.
	HasCommand(ctx context.Context, prefix CommandPrefix, name string) (bool, error)
}

// IsCommandInvocation reports whether text invokes a command registered in
// catalog, under the addressing rules of address.
func IsCommandInvocation(
	ctx context.Context,
	catalog CommandCatalog,
	text string,
	address CommandAddress,
) (bool, error) {
	candidate, matched, _ := ParseAddressedCommandCandidate(text, address)
	if !matched || candidate.Name == "" {
		return false, nil
	}

	registered, err := catalog.HasCommand(ctx, candidate.Prefix, candidate.Name)
	if err != nil {
		return false, fmt.Errorf("lookup command %s%s: %w", candidate.Prefix, candidate.Name, err)
	}

	return registered, nil
}
