package pingpong

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
		name         string
		event        *chat.Event
		sendErr      error
		wantErr      bool
		wantSentPong bool
	}{
		{
			name:         "ordinary ping command triggers pong",
			event:        newCommandEvent("/ping"),
			wantSentPong: true,
		},
		{
			name:         "ping command with mention triggers pong",
			event:        newCommandEvent("/ping@personas"),
			wantSentPong: true,
		},
		{
			name:         "system ping command is ignored",
			event:        newCommandEvent("~ping"),
			wantSentPong: false,
		},
		{
			name:         "non-ping command is ignored",
			event:        newCommandEvent("/persona"),
			wantSentPong: false,
		},
		{
			name:         "missing command payload is ignored",
			event:        newMissingCommandPayloadEvent(),
			wantSentPong: false,
		},
		{
			name:         "ping send failure returns error",
			event:        newCommandEvent("/ping"),
			sendErr:      errors.New("dispatcher failure"),
			wantErr:      true,
			wantSentPong: true,
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
			module.dispatcher = dispatcher

			err := module.handleCommand(context.Background(), testCase.event)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			sentPong := dispatcher.calls.Load() > 0
			if sentPong != testCase.wantSentPong {
				t.Fatalf("sent pong = %v, want %v", sentPong, testCase.wantSentPong)
			}
			if !sentPong {
				return
			}

			if dispatcher.lastRequest.Text != pongText {
				t.Fatalf("sent text = %q, want %q", dispatcher.lastRequest.Text, pongText)
			}
			if dispatcher.lastRequest.Target.Conversation.ID != "c-1" {
				t.Fatalf("target conversation = %q, want c-1", dispatcher.lastRequest.Target.Conversation.ID)
			}
		})
	}
}

func TestModuleOnRegister(t *testing.T) {
	t.Parallel()

	module := New()
	runtime := moduleRuntimeStub{
		registry: serviceRegistryStub{
			values: map[string]any{
				chat.ServiceOutboundDispatcher: &captureDispatcher{messageID: "sent-1"},
			},
		},
	}

	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}
	if module.dispatcher == nil {
		t.Fatal("expected outbound dispatcher to be configured")
	}

	missing := New()
	err := missing.OnRegister(context.Background(), moduleRuntimeStub{registry: serviceRegistryStub{}})
	if !errors.Is(err, chat.ErrServiceNotFound) {
		t.Fatalf("OnRegister error = %v, want %v", err, chat.ErrServiceNotFound)
	}
}

func TestModuleSpecUsesCommandCapability(t *testing.T) {
	t.Parallel()

	spec := New().Spec()
	if len(spec.Handlers) != 1 {
		t.Fatalf("handler count = %d, want 1", len(spec.Handlers))
	}
	if len(spec.Commands) != 1 {
		t.Fatalf("command count = %d, want 1", len(spec.Commands))
	}
	if spec.Commands[0].Prefix != chat.CommandPrefixOrdinary {
		t.Fatalf("command prefix = %q, want %q", spec.Commands[0].Prefix, chat.CommandPrefixOrdinary)
	}
	if err := spec.Commands[0].Validate(); err != nil {
		t.Fatalf("command spec invalid: %v", err)
	}

	interest := spec.Handlers[0].Capability.Interest
	if !interest.Matches(newCommandEvent("/ping")) {
		t.Fatal("interest does not match /ping command event")
	}
	if interest.Matches(newCommandEvent("/help")) {
		t.Fatal("interest matches /help command event")
	}
}

func newCommandEvent(text string) *chat.Event {
	candidate, _, _ := chat.ParseCommandCandidate(text)
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
			Args:            candidate.Tokens,
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
		Conversation: chat.Conversation{
			ID:   "c-1",
			Type: chat.ConversationTypeGroup,
		},
		Message: &chat.Message{
			ID:   "m-1",
			Text: "/ping",
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

	return &chat.OutboundMessage{ID: d.messageID}, nil
}

func (d *captureDispatcher) DeleteMessage(context.Context, chat.DeleteMessageRequest) error {
	return nil
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
