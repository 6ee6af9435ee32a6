package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"persona-relay/internal/persona"
	"persona-relay/internal/proxy"
	"persona-relay/pkg/chat"
)

// DefaultHandlerTimeout bounds one relay, including a stale-proxy retry.
const DefaultHandlerTimeout = 15 * time.Second

// Option mutates relay module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithHandlerTimeout overrides DefaultHandlerTimeout.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(module *Module) {
		if timeout > 0 {
			module.handlerTimeout = timeout
		}
	}
}

// Module relays created and edited messages of users with an applied persona.
type Module struct {
	logger         *slog.Logger
	handlerTimeout time.Duration
	engine         *Engine
}

// New creates a relay module.
func New(options ...Option) *Module {
	module := &Module{
		logger:         slog.Default(),
		handlerTimeout: DefaultHandlerTimeout,
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "relay"
}

// Spec subscribes one sequential worker to created and edited messages.
func (m *Module) Spec() chat.ModuleSpec {
	subscription := chat.NewDefaultSubscriptionSpec("relay-messages")
	subscription.Workers = 1
	subscription.HandlerTimeout = m.handlerTimeout

	return chat.ModuleSpec{
		Handlers: []chat.ModuleHandler{
			{
				Capability: chat.Capability{
					Name:        "persona-relay",
					Description: "re-posts messages under the sender's persona",
					Interest: chat.InterestSet{
						Kinds: []chat.EventKind{
							chat.EventKindMessageCreated,
							chat.EventKindMessageEdited,
						},
						RequireMessage: true,
					},
					RequiredServices: []string{
						chat.ServiceOutboundDispatcher,
						chat.ServiceProxyPlatform,
						chat.ServiceCommandCatalog,
						persona.ServiceName,
						proxy.ServiceName,
					},
				},
				Subscription: subscription,
				Handler:      m.handleMessage,
			},
		},
	}
}

// OnRegister resolves dependencies and builds the relay engine.
func (m *Module) OnRegister(_ context.Context, runtime chat.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := chat.ResolveAs[*slog.Logger](services, chat.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, chat.ErrServiceNotFound):
	default:
		return fmt.Errorf("relay resolve logger: %w", err)
	}

	dispatcher, err := chat.ResolveAs[chat.OutboundDispatcher](services, chat.ServiceOutboundDispatcher)
	if err != nil {
		return fmt.Errorf("relay resolve outbound dispatcher: %w", err)
	}
	platform, err := chat.ResolveAs[chat.ProxyPlatform](services, chat.ServiceProxyPlatform)
	if err != nil {
		return fmt.Errorf("relay resolve proxy platform: %w", err)
	}
	commands, err := chat.ResolveAs[chat.CommandCatalog](services, chat.ServiceCommandCatalog)
	if err != nil {
		return fmt.Errorf("relay resolve command catalog: %w", err)
	}
	store, err := chat.ResolveAs[*persona.Store](services, persona.ServiceName)
	if err != nil {
		return fmt.Errorf("relay resolve persona store: %w", err)
	}
	cache, err := chat.ResolveAs[*proxy.Cache](services, proxy.ServiceName)
	if err != nil {
		return fmt.Errorf("relay resolve proxy cache: %w", err)
	}

	engine, err := NewEngine(store, cache, platform, dispatcher, commands, m.logger)
	if err != nil {
		return fmt.Errorf("relay register: %w", err)
	}
	m.engine = engine

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

func (m *Module) handleMessage(ctx context.Context, event *chat.Event) error {
	if m.engine == nil {
		return fmt.Errorf("relay handle message: module not registered")
	}

	outcome := m.engine.Relay(ctx, event)
	switch outcome.Status {
	case StatusSkipped:
		m.logger.DebugContext(ctx, "relay skipped",
			"event_id", event.ID,
			"reason", string(outcome.Reason),
		)
	case StatusRelayed:
		m.logger.DebugContext(ctx, "relay delivered",
			"event_id", event.ID,
			"persona_id", outcome.Persona.ID,
			"proxy_message_id", outcome.ProxyMessageID,
		)
	case StatusFailed:
		return fmt.Errorf("relay event %s: %w", event.ID, outcome.Err)
	}

	return nil
}

var (
	_ chat.Module          = (*Module)(nil)
	_ chat.ModuleRegistrar = (*Module)(nil)
)
