package personas

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-relay/internal/persona"
	"persona-relay/internal/proxy"
	"persona-relay/pkg/chat"
)

const managerRole = "role-gm"

type previewPlatform struct {
	mu          sync.Mutex
	permissions chat.Permission
	sendErr     error
	previews    []chat.ProxySendRequest
	creates     int
}

func (p *previewPlatform) SelfName(context.Context) (string, error) {
	return "Personas", nil
}

func (p *previewPlatform) ListProxies(context.Context, string) ([]chat.ProxyIdentity, error) {
	return nil, nil
}

func (p *previewPlatform) CreateProxy(_ context.Context, conversationID string, name string) (chat.ProxyIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.creates++

	return chat.ProxyIdentity{
		ID:             fmt.Sprintf("proxy-%d", p.creates),
		Token:          "token",
		Name:           name,
		ConversationID: conversationID,
	}, nil
}

func (p *previewPlatform) SendAsProxy(
	_ context.Context,
	_ chat.ProxyIdentity,
	request chat.ProxySendRequest,
) (*chat.OutboundMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.previews = append(p.previews, request)
	if p.sendErr != nil {
		return nil, p.sendErr
	}

	return &chat.OutboundMessage{ID: "preview-1"}, nil
}

func (p *previewPlatform) Permissions(context.Context, string) (chat.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.permissions, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []chat.SendMessageRequest
}

func (d *recordingDispatcher) SendMessage(
	_ context.Context,
	request chat.SendMessageRequest,
) (*chat.OutboundMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sent = append(d.sent, request)

	return &chat.OutboundMessage{ID: fmt.Sprintf("sent-%d", len(d.sent)), Target: request.Target}, nil
}

func (*recordingDispatcher) DeleteMessage(context.Context, chat.DeleteMessageRequest) error {
	return nil
}

func (d *recordingDispatcher) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	texts := make([]string, 0, len(d.sent))
	for _, request := range d.sent {
		texts = append(texts, request.Text)
	}

	return texts
}

func (d *recordingDispatcher) last() chat.SendMessageRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.sent[len(d.sent)-1]
}

type moduleFixture struct {
	module     *Module
	store      *persona.Store
	platform   *previewPlatform
	dispatcher *recordingDispatcher
}

func newModuleFixture(t *testing.T) moduleFixture {
	t.Helper()

	ctx := context.Background()
	backend := persona.NewJSONBackend(filepath.Join(t.TempDir(), "personas.json"), slog.Default())
	store, err := persona.Open(ctx, backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	platform := &previewPlatform{permissions: chat.RelayPermissions}
	cache, err := proxy.NewCache(platform)
	require.NoError(t, err)
	dispatcher := &recordingDispatcher{}

	module := New(WithManagerRoleID(managerRole))
	require.NoError(t, module.OnRegister(ctx, moduleRuntimeStub{registry: serviceRegistryStub{values: map[string]any{
		chat.ServiceOutboundDispatcher: dispatcher,
		chat.ServiceProxyPlatform:      platform,
		persona.ServiceName:            store,
		proxy.ServiceName:              cache,
	}}}))

	return moduleFixture{module: module, store: store, platform: platform, dispatcher: dispatcher}
}

func (f moduleFixture) seed(t *testing.T, names ...string) []persona.Persona {
	t.Helper()

	created := make([]persona.Persona, 0, len(names))
	for _, name := range names {
		p, err := f.store.Create(context.Background(), persona.Draft{
			Name:      name,
			AvatarURL: "https://example.com/" + strings.ToLower(strings.ReplaceAll(name, " ", "-")) + ".png",
		})
		require.NoError(t, err)
		created = append(created, p)
	}

	return created
}

// commandEvent builds a derived command event from text sent by user 42 in
// guild g-1, binding it against the module's registered command specs.
func commandEvent(t *testing.T, text string, roles ...string) *chat.Event {
	t.Helper()

	source := &chat.Event{
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
			Roles:       roles,
		},
		Message: &chat.Message{ID: "m-1", Text: text},
	}

	candidate, matched, err := chat.ParseCommandCandidate(text)
	require.NoError(t, err)
	require.True(t, matched)

	var spec chat.CommandSpec
	for _, candidateSpec := range New().Spec().Commands {
		if candidateSpec.Prefix == candidate.Prefix && candidateSpec.Name == candidate.Name {
			spec = candidateSpec
		}
	}
	require.NotEmpty(t, spec.Name, "command %q not registered", text)

	invocation, err := chat.BindCommand(candidate, spec, source)
	require.NoError(t, err)

	kind := chat.EventKindCommandReceived
	if candidate.Prefix == chat.CommandPrefixSystem {
		kind = chat.EventKindSystemCommandReceived
	}
	event := *source
	event.ID = "m-1#command"
	event.Kind = kind
	event.Command = &invocation

	return &event
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
