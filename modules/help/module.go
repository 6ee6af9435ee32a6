package help

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"persona-relay/pkg/chat"
)

const helpCommandName = "help"

// Module replies with the registered command reference when it receives /help.
type Module struct {
	dispatcher     chat.OutboundDispatcher
	commandCatalog chat.CommandCatalog
}

// New creates a help module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "help"
}

// Spec declares interest in ordinary help command events.
func (m *Module) Spec() chat.ModuleSpec {
	return chat.ModuleSpec{
		Handlers: []chat.ModuleHandler{
			{
				Capability: chat.Capability{
					Name:        "help-command-handler",
					Description: "renders registered command help for /help",
					Interest: chat.InterestSet{
						Kinds:          []chat.EventKind{chat.EventKindCommandReceived},
						RequireCommand: true,
						CommandNames:   []string{helpCommandName},
						RequireMessage: true,
					},
					RequiredServices: []string{
						chat.ServiceOutboundDispatcher,
						chat.ServiceCommandCatalog,
					},
				},
				Subscription: chat.NewDefaultSubscriptionSpec("help-commands"),
				Handler:      m.handleCommand,
			},
		},
		Commands: []chat.CommandSpec{
			{
				Prefix:      chat.CommandPrefixOrdinary,
				Name:        helpCommandName,
				Description: "show all available commands",
			},
		},
	}
}

// OnRegister resolves dependencies required by this module.
func (m *Module) OnRegister(_ context.Context, runtime chat.ModuleRuntime) error {
	dispatcher, err := chat.ResolveAs[chat.OutboundDispatcher](
		runtime.Services(),
		chat.ServiceOutboundDispatcher,
	)
	if err != nil {
		return fmt.Errorf("help resolve outbound dispatcher: %w", err)
	}
	commandCatalog, err := chat.ResolveAs[chat.CommandCatalog](
		runtime.Services(),
		chat.ServiceCommandCatalog,
	)
	if err != nil {
		return fmt.Errorf("help resolve command catalog: %w", err)
	}

	m.dispatcher = dispatcher
	m.commandCatalog = commandCatalog

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

func (m *Module) handleCommand(ctx context.Context, event *chat.Event) error {
	if event == nil || event.Command == nil || event.Message == nil {
		return nil
	}
	if event.Kind != chat.EventKindCommandReceived || event.Command.Name != helpCommandName {
		return nil
	}
	if m.dispatcher == nil || m.commandCatalog == nil {
		return fmt.Errorf("help handle command: module not registered")
	}

	commands, err := m.commandCatalog.ListCommands(ctx)
	if err != nil {
		return fmt.Errorf("help list commands: %w", err)
	}

	target, err := chat.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("help derive outbound target: %w", err)
	}
	_, err = m.dispatcher.SendMessage(ctx, chat.SendMessageRequest{
		Target:           target,
		Text:             renderHelp(commands),
		ReplyToMessageID: event.Message.ID,
	})
	if err != nil {
		return fmt.Errorf("help send help message: %w", err)
	}

	return nil
}

// renderHelp groups commands by module, each line showing usage and description.
func renderHelp(commands []chat.RegisteredCommand) string {
	if len(commands) == 0 {
		return "Available commands:\n(none)"
	}

	sorted := slices.Clone(commands)
	slices.SortFunc(sorted, func(a, b chat.RegisteredCommand) int {
		return cmp.Or(
			cmp.Compare(moduleLabel(a.ModuleName), moduleLabel(b.ModuleName)),
			cmp.Compare(commandLabel(a.Command), commandLabel(b.Command)),
		)
	})

	var builder strings.Builder
	builder.WriteString("Available commands:")
	currentModule := ""
	for _, command := range sorted {
		if module := moduleLabel(command.ModuleName); module != currentModule {
			currentModule = module
			fmt.Fprintf(&builder, "\n\n**%s**", module)
		}
		fmt.Fprintf(&builder, "\n`%s`", chat.CommandUsage(command.Command))
		if description := strings.TrimSpace(command.Command.Description); description != "" {
			builder.WriteString(" ")
			builder.WriteString(description)
		}
	}

	return builder.String()
}

func moduleLabel(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return "unknown"
	}

	return name
}

func commandLabel(command chat.CommandSpec) string {
	return string(command.Prefix) + strings.ToLower(strings.TrimSpace(command.Name))
}

var (
	_ chat.Module          = (*Module)(nil)
	_ chat.ModuleRegistrar = (*Module)(nil)
)
