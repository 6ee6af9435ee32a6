package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"persona-relay/internal/persona"
	"persona-relay/pkg/chat"
)

type mapResolver map[int64]persona.Persona

func (r mapResolver) Resolve(userID int64) (persona.Persona, bool) {
	p, ok := r[userID]
	return p, ok
}

// fakePlatform keeps proxy identities per conversation. Identities listed in
// broken fail every send with chat.ErrProxyUnavailable.
type fakePlatform struct {
	mu          sync.Mutex
	selfName    string
	permissions chat.Permission
	proxies     map[string][]chat.ProxyIdentity
	broken      map[string]bool
	sendErr     error
	creates     int
	sends       []sentProxyMessage
}

type sentProxyMessage struct {
	identity chat.ProxyIdentity
	request  chat.ProxySendRequest
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		selfName:    "Personas",
		permissions: chat.RelayPermissions | chat.PermissionMentionEveryone,
		proxies:     make(map[string][]chat.ProxyIdentity),
		broken:      make(map[string]bool),
	}
}

func (p *fakePlatform) SelfName(context.Context) (string, error) {
	return p.selfName, nil
}

func (p *fakePlatform) ListProxies(_ context.Context, conversationID string) ([]chat.ProxyIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]chat.ProxyIdentity(nil), p.proxies[conversationID]...), nil
}

func (p *fakePlatform) CreateProxy(_ context.Context, conversationID string, name string) (chat.ProxyIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.creates++
	identity := chat.ProxyIdentity{
		ID:             fmt.Sprintf("proxy-%d", p.creates),
		Token:          "token",
		Name:           name,
		ConversationID: conversationID,
	}
	p.proxies[conversationID] = append(p.proxies[conversationID], identity)

	return identity, nil
}

// deleteProxy simulates someone removing the identity on the platform.
func (p *fakePlatform) deleteProxy(conversationID string, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.broken[id] = true
	kept := p.proxies[conversationID][:0]
	for _, identity := range p.proxies[conversationID] {
		if identity.ID != id {
			kept = append(kept, identity)
		}
	}
	p.proxies[conversationID] = kept
}

func (p *fakePlatform) SendAsProxy(
	_ context.Context,
	identity chat.ProxyIdentity,
	request chat.ProxySendRequest,
) (*chat.OutboundMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sends = append(p.sends, sentProxyMessage{identity: identity, request: request})
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	if p.broken[identity.ID] {
		return nil, &chat.OutboundError{
			Operation: chat.OutboundOperationSendAsProxy,
			Kind:      chat.OutboundErrorKindPermanent,
			Platform:  chat.PlatformDiscord,
			Code:      404,
			Sentinel:  chat.ErrProxyUnavailable,
			Cause:     errors.New("unknown webhook"),
		}
	}

	return &chat.OutboundMessage{
		ID:     fmt.Sprintf("relayed-%d", len(p.sends)),
		Target: chat.OutboundTarget{Conversation: chat.Conversation{ID: identity.ConversationID, Type: chat.ConversationTypeGroup}},
	}, nil
}

func (p *fakePlatform) Permissions(context.Context, string) (chat.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.permissions, nil
}

func (p *fakePlatform) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.sends)
}

func (p *fakePlatform) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.creates
}

func (p *fakePlatform) lastSend() sentProxyMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sends[len(p.sends)-1]
}

type recordingDispatcher struct {
	mu        sync.Mutex
	sent      []chat.SendMessageRequest
	deleted   []chat.DeleteMessageRequest
	deleteErr error
}

func (d *recordingDispatcher) SendMessage(
	_ context.Context,
	request chat.SendMessageRequest,
) (*chat.OutboundMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sent = append(d.sent, request)

	return &chat.OutboundMessage{ID: "notice-1", Target: request.Target}, nil
}

func (d *recordingDispatcher) DeleteMessage(_ context.Context, request chat.DeleteMessageRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deleted = append(d.deleted, request)

	return d.deleteErr
}

func (d *recordingDispatcher) sentTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	texts := make([]string, 0, len(d.sent))
	for _, request := range d.sent {
		texts = append(texts, request.Text)
	}

	return texts
}

func (d *recordingDispatcher) deletedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.deleted))
	for _, request := range d.deleted {
		ids = append(ids, request.MessageID)
	}

	return ids
}

type staticCatalog struct {
	commands []chat.RegisteredCommand
}

func (c staticCatalog) ListCommands(context.Context) ([]chat.RegisteredCommand, error) {
	return append([]chat.RegisteredCommand(nil), c.commands...), nil
}

func (c staticCatalog) HasCommand(_ context.Context, prefix chat.CommandPrefix, name string) (bool, error) {
	for _, command := range c.commands {
		if command.Command.Prefix == prefix && command.Command.Name == name {
			return true, nil
		}
	}

	return false, nil
}

func pingCatalog() staticCatalog {
	return staticCatalog{commands: []chat.RegisteredCommand{
		{
			ModuleName: "pingpong",
			Command:    chat.CommandSpec{Prefix: chat.CommandPrefixOrdinary, Name: "ping"},
		},
	}}
}

// guildMessage is a relay-eligible message from user 42 in channel c-1.
func guildMessage(text string) *chat.Event {
	return &chat.Event{
		ID:         "m-1",
		Kind:       chat.EventKindMessageCreated,
		OccurredAt: time.Unix(1, 0).UTC(),
		Platform:   chat.PlatformDiscord,
		TenantID:   "g-1",
		Conversation: chat.Conversation{
			ID:   "c-1",
			Type: chat.ConversationTypeGroup,
		},
		Actor: chat.Actor{
			ID:          "42",
			Username:    "frodo",
			DisplayName: "Frodo",
		},
		Message: &chat.Message{
			ID:   "m-1",
			Text: text,
		},
	}
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
