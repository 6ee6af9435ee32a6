package help

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"persona-relay/pkg/chat"
)

func TestModuleHandleCommand(t *testing.T) {
	tests := []struct {
		name             string
		event            *chat.Event
		catalogCommands  []chat.RegisteredCommand
		catalogErr       error
		sendErr          error
		wantErr          bool
		wantSentHelp     bool
		wantTextContains []string
	}{
		{
			name:  "help command renders registered commands",
			event: newCommandEvent("/help"),
			catalogCommands: []chat.RegisteredCommand{
				{
					ModuleName: "personas",
					Command: chat.CommandSpec{
						Prefix:      chat.CommandPrefixOrdinary,
						Name:        "persona",
						Usage:       "<subcommand> [args]",
						Description: "manage personas",
						Options: []chat.CommandOptionSpec{
							{Name: "name", Alias: "n", HasValue: true},
						},
					},
				},
				{
					ModuleName: "personas",
					Command: chat.CommandSpec{
						Prefix:      chat.CommandPrefixSystem,
						Name:        "dm",
						Usage:       "<0|1>",
						Description: "toggle dm confirmations",
					},
				},
				{
					ModuleName: "pingpong",
					Command: chat.CommandSpec{
						Prefix:      chat.CommandPrefixOrdinary,
						Name:        "ping",
						Description: "check that the bot is alive",
					},
				},
				{
					ModuleName: "help",
					Command: chat.CommandSpec{
						Prefix:      chat.CommandPrefixOrdinary,
						Name:        "help",
						Description: "show all available commands",
					},
				},
			},
			wantSentHelp: true,
			wantTextContains: []string{
				"Available commands:",
				"**help**\n`/help` show all available commands",
				"**personas**\n`/persona <subcommand> [args] [--name <value>]` manage personas\n`~dm <0|1>` toggle dm confirmations",
				"**pingpong**\n`/ping` check that the bot is alive",
			},
		},
		{
			name:         "non-help command ignored",
			event:        newCommandEvent("/ping"),
			wantSentHelp: false,
		},
		{
			name:         "system help command ignored",
			event:        newCommandEvent("~help"),
			wantSentHelp: false,
		},
		{
			name:         "missing command payload ignored",
			event:        newMissingCommandPayloadEvent(),
			wantSentHelp: false,
		},
		{
			name:         "catalog error returns error",
			event:        newCommandEvent("/help"),
			catalogErr:   errors.New("catalog failure"),
			wantErr:      true,
			wantSentHelp: false,
		},
		{
			name:         "send error returns error",
			event:        newCommandEvent("/help"),
			catalogErr:   nil,
			sendErr:      errors.New("dispatcher failure"),
			wantErr:      true,
			wantSentHelp: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := New()
			dispatcher := &captureDispatcher{
				messageID: "sent-1",
				sendErr:   testCase.sendErr,
			}
			commandCatalog := &captureCommandCatalog{
				commands: testCase.catalogCommands,
				err:      testCase.catalogErr,
			}
			module.dispatcher = dispatcher
			module.commandCatalog = commandCatalog

			err := module.handleCommand(context.Background(), testCase.event)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			sentHelp := dispatcher.calls.Load() > 0
			if sentHelp != testCase.wantSentHelp {
				t.Fatalf("sent help = %v, want %v", sentHelp, testCase.wantSentHelp)
			}
			if !sentHelp {
				return
			}

			if dispatcher.lastRequest.ReplyToMessageID != testCase.event.Message.ID {
				t.Fatalf(
					"reply_to = %q, want %q",
					dispatcher.lastRequest.ReplyToMessageID,
					testCase.event.Message.ID,
				)
			}
			if dispatcher.lastRequest.Target.Conversation.ID != "c-1" {
				t.Fatalf("target conversation = %q, want c-1", dispatcher.lastRequest.Target.Conversation.ID)
			}
			for _, wantSubstring := range testCase.wantTextContains {
				if !strings.Contains(dispatcher.lastRequest.Text, wantSubstring) {
					t.Fatalf("text = %q, missing substring %q", dispatcher.lastRequest.Text, wantSubstring)
				}
			}
		})
	}
}

func TestModuleOnRegister(t *testing.T) {
	tests := []struct {
		name             string
		services         map[string]any
		wantErrSubstring string
	}{
		{
			name: "resolve dependencies succeeds",
			services: map[string]any{
				chat.ServiceOutboundDispatcher: &captureDispatcher{},
				chat.ServiceCommandCatalog:     &captureCommandCatalog{},
			},
		},
		{
			name: "missing outbound dispatcher fails",
			services: map[string]any{
				chat.ServiceCommandCatalog: &captureCommandCatalog{},
			},
			wantErrSubstring: "help resolve outbound dispatcher",
		},
		{
			name: "missing command catalog fails",
			services: map[string]any{
				chat.ServiceOutboundDispatcher: &captureDispatcher{},
			},
			wantErrSubstring: "help resolve command catalog",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := New()
			registry := serviceRegistryStub{values: testCase.services}
			err := module.OnRegister(context.Background(), moduleRuntimeStub{registry: registry})

			if testCase.wantErrSubstring == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErrSubstring != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", testCase.wantErrSubstring)
				}
				if !strings.Contains(err.Error(), testCase.wantErrSubstring) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
				}
			}
		})
	}
}

func TestModuleSpecUsesCommandCapability(t *testing.T) {
	t.Parallel()

	module := New()
	spec := module.Spec()
	if len(spec.Handlers) != 1 {
		t.Fatalf("handler count = %d, want 1", len(spec.Handlers))
	}
	if len(spec.Commands) != 1 {
		t.Fatalf("command count = %d, want 1", len(spec.Commands))
	}

	handler := spec.Handlers[0]
	if !handler.Capability.Interest.RequireCommand {
		t.Fatal("expected RequireCommand to be true")
	}
	if !handler.Capability.Interest.RequireMessage {
		t.Fatal("expected RequireMessage to be true")
	}
	if len(handler.Capability.Interest.Kinds) != 1 || handler.Capability.Interest.Kinds[0] != chat.EventKindCommandReceived {
		t.Fatalf("kinds = %v, want [%s]", handler.Capability.Interest.Kinds, chat.EventKindCommandReceived)
	}
	if len(handler.Capability.Interest.CommandNames) != 1 || handler.Capability.Interest.CommandNames[0] != helpCommandName {
		t.Fatalf("command names = %v, want [%s]", handler.Capability.Interest.CommandNames, helpCommandName)
	}
}

func newCommandEvent(text string) *chat.Event {
	candidate, matched, err := chat.ParseCommandCandidate(text)
	if err != nil {
		panic(err)
	}
	if !matched {
		panic("newCommandEvent expects command text")
	}
	commandKind := chat.EventKindCommandReceived
	if candidate.Prefix == chat.CommandPrefixSystem {
		commandKind = chat.EventKindSystemCommandReceived
	}

	return &chat.Event{
		ID:         "m-1#command",
		Kind:       commandKind,
		OccurredAt: time.Unix(1, 0).UTC(),
		Platform:   chat.PlatformDiscord,
		TenantID:   "g-1",
		Conversation: chat.Conversation{
			ID:   "c-1",
			Type: chat.ConversationTypeGroup,
		},
		Message: &chat.Message{
			ID:   "m-1",
			Text: text,
		},
		Command: &chat.CommandInvocation{
			Name:            candidate.Name,
			Mention:         candidate.Mention,
			Value:           strings.Join(candidate.Tokens, " "),
			SourceEventID:   "m-1",
			SourceEventKind: chat.EventKindMessageCreated,
			RawInput:        text,
		},
	}
}

func newMissingCommandPayloadEvent() *chat.Event {
	return &chat.Event{
		ID:         "m-1#command",
		Kind:       chat.EventKindCommandReceived,
		OccurredAt: time.Unix(1, 0).UTC(),
		Platform:   chat.PlatformDiscord,
		TenantID:   "g-1",
		Conversation: chat.Conversation{
			ID:   "c-1",
			Type: chat.ConversationTypeGroup,
		},
		Message: &chat.Message{
			ID:   "m-1",
			Text: "/help",
		},
	}
}

type captureDispatcher struct {
	calls       atomic.Int64
	messageID   string
	sendErr     error
	lastRequest chat.SendMessageRequest
}

func (d *captureDispatcher) SendMessage(
	_ context.Context,
	request chat.SendMessageRequest,
) (*chat.OutboundMessage, error) {
	d.calls.Add(1)
	d.lastRequest = request
	if d.sendErr != nil {
		return nil, d.sendErr
	}

	return &chat.OutboundMessage{ID: d.messageID, Target: request.Target}, nil
}

func (*captureDispatcher) DeleteMessage(context.Context, chat.DeleteMessageRequest) error {
	return nil
}

type captureCommandCatalog struct {
	commands []chat.RegisteredCommand
	err      error
}

func (c *captureCommandCatalog) ListCommands(context.Context) ([]chat.RegisteredCommand, error) {
	if c.err != nil {
		return nil, c.err
	}

	return append([]chat.RegisteredCommand(nil), c.commands...), nil
}

func (c *captureCommandCatalog) HasCommand(_ context.Context, prefix chat.CommandPrefix, name string) (bool, error) {
	for _, command := range c.commands {
		if command.Command.Prefix == prefix && command.Command.Name == name {
			return true, nil
		}
	}

	return false, c.err
}

type moduleRuntimeStub struct {
	registry chat.ServiceRegistry
}

func (s moduleRuntimeStub) Services() chat.ServiceRegistry {
	return s.registry
}

func (moduleRuntimeStub) Subscribe(
	context.Context,
	chat.InterestSet,
	chat.SubscriptionSpec,
	chat.EventHandler,
) (chat.Subscription, error) {
	return nil, nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func (s serviceRegistryStub) Register(string, any) error {
	return nil
}

func (s serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, chat.ErrServiceNotFound
	}

	return value, nil
}
