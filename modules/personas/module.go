package personas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"persona-relay/internal/persona"
	"persona-relay/internal/proxy"
	"persona-relay/pkg/chat"
)

const (
	personaCommandName      = "persona"
	personaAliasCommandName = "p"
	dmCommandName           = "dm"
)

// ProxyCache hands out the proxy identity previews are posted through.
type ProxyCache interface {
	GetOrCreate(ctx context.Context, conversationID string) (chat.ProxyIdentity, error)
	Invalidate(conversationID string)
}

// Option mutates personas module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithManagerRoleID sets the role allowed to create, edit, and delete personas
// and to toggle dm mode. Without it those commands are refused for everyone.
func WithManagerRoleID(roleID string) Option {
	return func(module *Module) {
		module.managerRoleID = roleID
	}
}

// Module implements the persona management commands and the ~dm toggle.
type Module struct {
	logger        *slog.Logger
	managerRoleID string

	dispatcher chat.OutboundDispatcher
	platform   chat.ProxyPlatform
	store      *persona.Store
	proxies    ProxyCache

	// dmMode sends "use" confirmations to the user's direct messages.
	dmMode atomic.Bool
}

// New creates a personas module.
func New(options ...Option) *Module {
	module := &Module{logger: slog.Default()}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "personas"
}

// Spec declares the /persona (alias /p) and ~dm commands.
func (m *Module) Spec() chat.ModuleSpec {
	services := []string{
		chat.ServiceOutboundDispatcher,
		chat.ServiceProxyPlatform,
		persona.ServiceName,
		proxy.ServiceName,
	}
	options := []chat.CommandOptionSpec{
		{Name: "name", Alias: "n", HasValue: true, Description: "new persona name for edit"},
		{Name: "avatar", Alias: "a", HasValue: true, Description: "new avatar url for edit"},
	}

	return chat.ModuleSpec{
		Handlers: []chat.ModuleHandler{
			{
				Capability: chat.Capability{
					Name:        "persona-commands",
					Description: "lists, creates, edits, deletes, and applies personas",
					Interest: chat.InterestSet{
						Kinds:          []chat.EventKind{chat.EventKindCommandReceived},
						RequireCommand: true,
						CommandNames:   []string{personaCommandName, personaAliasCommandName},
						RequireMessage: true,
					},
					RequiredServices: services,
				},
				Subscription: chat.NewDefaultSubscriptionSpec("persona-commands"),
				Handler:      m.handlePersonaCommand,
			},
			{
				Capability: chat.Capability{
					Name:        "persona-dm-mode",
					Description: "toggles where persona confirmations are sent",
					Interest: chat.InterestSet{
						Kinds:          []chat.EventKind{chat.EventKindSystemCommandReceived},
						RequireCommand: true,
						CommandNames:   []string{dmCommandName},
						RequireMessage: true,
					},
					RequiredServices: []string{chat.ServiceOutboundDispatcher},
				},
				Subscription: chat.NewDefaultSubscriptionSpec("persona-dm-mode"),
				Handler:      m.handleDMCommand,
			},
		},
		Commands: []chat.CommandSpec{
			{
				Prefix:      chat.CommandPrefixOrdinary,
				Name:        personaCommandName,
				Usage:       subcommandUsage,
				Description: "persona management",
				Options:     options,
			},
			{
				Prefix:      chat.CommandPrefixOrdinary,
				Name:        personaAliasCommandName,
				Usage:       subcommandUsage,
				Description: "alias of /persona",
				Options:     options,
			},
			{
				Prefix:      chat.CommandPrefixSystem,
				Name:        dmCommandName,
				Usage:       "<0|1>",
				Description: "send persona confirmations to chat (0) or DM (1)",
			},
		},
	}
}

// OnRegister resolves dependencies required by this module.
func (m *Module) OnRegister(_ context.Context, runtime chat.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := chat.ResolveAs[*slog.Logger](services, chat.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, chat.ErrServiceNotFound):
	default:
		return fmt.Errorf("personas resolve logger: %w", err)
	}

	dispatcher, err := chat.ResolveAs[chat.OutboundDispatcher](services, chat.ServiceOutboundDispatcher)
	if err != nil {
		return fmt.Errorf("personas resolve outbound dispatcher: %w", err)
	}
	platform, err := chat.ResolveAs[chat.ProxyPlatform](services, chat.ServiceProxyPlatform)
	if err != nil {
		return fmt.Errorf("personas resolve proxy platform: %w", err)
	}
	store, err := chat.ResolveAs[*persona.Store](services, persona.ServiceName)
	if err != nil {
		return fmt.Errorf("personas resolve persona store: %w", err)
	}
	cache, err := chat.ResolveAs[*proxy.Cache](services, proxy.ServiceName)
	if err != nil {
		return fmt.Errorf("personas resolve proxy cache: %w", err)
	}

	m.dispatcher = dispatcher
	m.platform = platform
	m.store = store
	m.proxies = cache

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle. The store is owned by the caller.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

// DMMode reports whether "use" confirmations go to direct messages.
func (m *Module) DMMode() bool {
	return m.dmMode.Load()
}

func (m *Module) registered() bool {
	return m.dispatcher != nil && m.platform != nil && m.store != nil && m.proxies != nil
}

var (
	_ chat.Module          = (*Module)(nil)
	_ chat.ModuleRegistrar = (*Module)(nil)
)
