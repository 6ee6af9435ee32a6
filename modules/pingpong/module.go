package pingpong

import (
	"context"
	"fmt"

	"persona-relay/pkg/chat"
)

const (
	pingCommandName = "ping"
	pongText        = "Pong"
)

// Module answers "/ping" with "Pong".
type Module struct {
	dispatcher chat.OutboundDispatcher
}

// New creates a ping-pong module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "pingpong"
}

// Spec declares interest in ping command events.
func (m *Module) Spec() chat.ModuleSpec {
	return chat.ModuleSpec{
		Handlers: []chat.ModuleHandler{
			{
				Capability: chat.Capability{
					Name:        "ping-command-handler",
					Description: "responds with Pong for /ping commands",
					Interest: chat.InterestSet{
						Kinds:          []chat.EventKind{chat.EventKindCommandReceived},
						RequireCommand: true,
						CommandNames:   []string{pingCommandName},
						RequireMessage: true,
					},
					RequiredServices: []string{chat.ServiceOutboundDispatcher},
				},
				Subscription: chat.NewDefaultSubscriptionSpec("pingpong-commands"),
				Handler:      m.handleCommand,
			},
		},
		Commands: []chat.CommandSpec{
			{
				Prefix:      chat.CommandPrefixOrdinary,
				Name:        pingCommandName,
				Description: "check that the bot is alive",
			},
		},
	}
}

// OnRegister resolves outbound dependencies required by this module.
func (m *Module) OnRegister(_ context.Context, runtime chat.ModuleRuntime) error {
	dispatcher, err := chat.ResolveAs[chat.OutboundDispatcher](
		runtime.Services(),
		chat.ServiceOutboundDispatcher,
	)
	if err != nil {
		return fmt.Errorf("pingpong resolve outbound dispatcher: %w", err)
	}

	m.dispatcher = dispatcher

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
	if event.Kind != chat.EventKindCommandReceived || event.Command.Name != pingCommandName {
		return nil
	}

	target, err := chat.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("pingpong derive outbound target: %w", err)
	}
	_, err = m.dispatcher.SendMessage(ctx, chat.SendMessageRequest{
		Target: target,
		Text:   pongText,
	})
	if err != nil {
		return fmt.Errorf("pingpong send pong message: %w", err)
	}

	return nil
}
