package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persona-relay/internal/persona"
	"persona-relay/internal/proxy"
	"persona-relay/pkg/chat"
)

var gandalf = persona.Persona{ID: 0, Name: "Gandalf", AvatarURL: "https://example.com/gandalf.png"}

type relayFixture struct {
	engine     *Engine
	platform   *fakePlatform
	cache      *proxy.Cache
	dispatcher *recordingDispatcher
}

func newRelayFixture(t *testing.T) relayFixture {
	t.Helper()

	platform := newFakePlatform()
	cache, err := proxy.NewCache(platform)
	require.NoError(t, err)
	dispatcher := &recordingDispatcher{}
	engine, err := NewEngine(
		mapResolver{42: gandalf},
		cache,
		platform,
		dispatcher,
		pingCatalog(),
		nil,
	)
	require.NoError(t, err)

	return relayFixture{engine: engine, platform: platform, cache: cache, dispatcher: dispatcher}
}

func TestEngineEligibility(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(event *chat.Event)
		permissions chat.Permission
		want        SkipReason
	}{
		{
			name:   "bot author",
			mutate: func(event *chat.Event) { event.Actor.IsBot = true },
			want:   SkipBotAuthor,
		},
		{
			name: "direct message",
			mutate: func(event *chat.Event) {
				event.TenantID = ""
				event.Conversation.Type = chat.ConversationTypePrivate
			},
			want: SkipNotInGuild,
		},
		{
			name:   "empty text",
			mutate: func(event *chat.Event) { event.Message.Text = "" },
			want:   SkipEmptyText,
		},
		{
			name: "attachment",
			mutate: func(event *chat.Event) {
				event.Message.Media = []chat.MediaAttachment{{ID: "a-1", Type: chat.MediaTypePhoto}}
			},
			want: SkipAttachments,
		},
		{
			name:   "reply",
			mutate: func(event *chat.Event) { event.Message.ReplyToID = "m-0" },
			want:   SkipReply,
		},
		{
			name:   "sender without persona",
			mutate: func(event *chat.Event) { event.Actor.ID = "7" },
			want:   SkipNoPersona,
		},
		{
			name:   "non numeric sender",
			mutate: func(event *chat.Event) { event.Actor.ID = "someone" },
			want:   SkipNoPersona,
		},
		{
			name:        "missing manage proxies",
			mutate:      func(*chat.Event) {},
			permissions: chat.PermissionSendMessages | chat.PermissionManageMessages,
			want:        SkipMissingPermissions,
		},
		{
			name:   "registered command",
			mutate: func(event *chat.Event) { event.Message.Text = "/ping" },
			want:   SkipCommand,
		},
		{
			name: "command addressed by bot mention",
			mutate: func(event *chat.Event) {
				event.SelfID = "999"
				event.Message.Text = "<@999> ping"
			},
			want: SkipCommand,
		},
		{
			name: "command addressed by nickname mention",
			mutate: func(event *chat.Event) {
				event.SelfID = "999"
				event.Message.Text = "<@!999> /ping"
			},
			want: SkipCommand,
		},
		{
			name:   "bot check precedes persona lookup",
			mutate: func(event *chat.Event) { event.Actor = chat.Actor{ID: "webhook-1", IsBot: true} },
			want:   SkipBotAuthor,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fixture := newRelayFixture(t)
			if testCase.permissions != 0 {
				fixture.platform.permissions = testCase.permissions
			}
			event := guildMessage("hello there")
			testCase.mutate(event)

			outcome := fixture.engine.Relay(context.Background(), event)

			assert.Equal(t, StatusSkipped, outcome.Status)
			assert.Equal(t, testCase.want, outcome.Reason)
			assert.NoError(t, outcome.Err)
			assert.Zero(t, fixture.platform.sendCount())
			assert.Empty(t, fixture.dispatcher.deletedIDs())
			assert.Empty(t, fixture.dispatcher.sentTexts())
		})
	}
}

func TestEngineUnregisteredCommandTextIsRelayed(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	outcome := fixture.engine.Relay(context.Background(), guildMessage("/shrug sure"))

	assert.Equal(t, StatusRelayed, outcome.Status)
}

func TestEngineMentionOfOtherUserIsRelayed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		selfID string
		text   string
	}{
		{name: "other user mentioned", selfID: "999", text: "<@123> ping"},
		{name: "self id unknown", text: "<@999> ping"},
		{name: "mention with unregistered command", selfID: "999", text: "<@999> hello there"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fixture := newRelayFixture(t)
			event := guildMessage(testCase.text)
			event.SelfID = testCase.selfID

			outcome := fixture.engine.Relay(context.Background(), event)

			require.NoError(t, outcome.Err)
			assert.Equal(t, StatusRelayed, outcome.Status)
			assert.Equal(t, 1, fixture.platform.sendCount())
		})
	}
}

func TestEngineRelaysMessage(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	event := guildMessage("You shall not pass <@123>")
	event.Message.Embeds = []chat.Embed{{
		Title:  "Moria",
		Fields: []chat.EmbedField{{Name: "depth", Value: "deep"}},
	}}

	outcome := fixture.engine.Relay(context.Background(), event)

	require.Equal(t, StatusRelayed, outcome.Status)
	require.NoError(t, outcome.Err)
	assert.Equal(t, gandalf, outcome.Persona)
	assert.Equal(t, "relayed-1", outcome.ProxyMessageID)

	sent := fixture.platform.lastSend()
	assert.Equal(t, "proxy-1", sent.identity.ID)
	assert.Equal(t, "Personas bot personas webhook", sent.identity.Name)
	assert.Equal(t, "Gandalf", sent.request.Username)
	assert.Equal(t, gandalf.AvatarURL, sent.request.AvatarURL)
	assert.Equal(t, "You shall not pass <@123>", sent.request.Text)
	assert.Equal(t, chat.AllowedMentions{Users: true, Roles: true}, sent.request.AllowedMentions)
	require.Len(t, sent.request.Embeds, 1)
	assert.Equal(t, event.Message.Embeds, sent.request.Embeds)

	event.Message.Embeds[0].Fields[0].Value = "changed"
	assert.Equal(t, "deep", sent.request.Embeds[0].Fields[0].Value)

	assert.Equal(t, []string{"m-1"}, fixture.dispatcher.deletedIDs())
	assert.Empty(t, fixture.dispatcher.sentTexts())
}

func TestEngineMentionEveryoneFollowsAuthor(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	event := guildMessage("@everyone dinner")
	event.Actor.CanMentionEveryone = true

	outcome := fixture.engine.Relay(context.Background(), event)

	require.Equal(t, StatusRelayed, outcome.Status)
	assert.Equal(
		t,
		chat.AllowedMentions{Users: true, Roles: true, Everyone: true},
		fixture.platform.lastSend().request.AllowedMentions,
	)
}

func TestEngineRelaysEdits(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	event := guildMessage("edited text")
	event.ID = "m-1:edit:1"
	event.Kind = chat.EventKindMessageEdited
	event.Mutation = &chat.Mutation{Type: chat.MutationTypeEdit, TargetMessageID: "m-1"}

	outcome := fixture.engine.Relay(context.Background(), event)

	require.Equal(t, StatusRelayed, outcome.Status)
	assert.Equal(t, []string{"m-1"}, fixture.dispatcher.deletedIDs())
}

func TestEngineReusesCachedProxy(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	for range 3 {
		outcome := fixture.engine.Relay(context.Background(), guildMessage("again"))
		require.Equal(t, StatusRelayed, outcome.Status)
	}

	assert.Equal(t, 1, fixture.platform.createCount())
	assert.Equal(t, 3, fixture.platform.sendCount())
}

func TestEngineRecoversFromStaleProxy(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	identity, err := fixture.cache.GetOrCreate(context.Background(), "c-1")
	require.NoError(t, err)
	fixture.platform.deleteProxy("c-1", identity.ID)

	outcome := fixture.engine.Relay(context.Background(), guildMessage("still here"))

	require.Equal(t, StatusRelayed, outcome.Status)
	require.NoError(t, outcome.Err)
	assert.Equal(t, 2, fixture.platform.createCount())
	assert.Equal(t, 2, fixture.platform.sendCount())
	assert.Equal(t, "proxy-2", fixture.platform.lastSend().identity.ID)
	assert.Equal(t, []string{"m-1"}, fixture.dispatcher.deletedIDs())
	assert.Empty(t, fixture.dispatcher.sentTexts())

	cached, err := fixture.cache.GetOrCreate(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "proxy-2", cached.ID)
}

func TestEngineReportsDoubleFailure(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	fixture.platform.sendErr = &chat.OutboundError{
		Operation: chat.OutboundOperationSendAsProxy,
		Kind:      chat.OutboundErrorKindPermanent,
		Platform:  chat.PlatformDiscord,
		Sentinel:  chat.ErrProxyUnavailable,
		Cause:     errors.New("webhook owned by another application"),
	}

	outcome := fixture.engine.Relay(context.Background(), guildMessage("lost"))

	require.Equal(t, StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, chat.ErrProxyUnavailable)
	assert.Equal(t, 2, fixture.platform.sendCount())
	assert.Equal(t, 1, fixture.platform.createCount(), "retry adopts the listed identity")
	assert.Empty(t, fixture.dispatcher.deletedIDs())

	texts := fixture.dispatcher.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Persona error: unable to deliver message after invalidating cache: **")
	assert.Contains(t, texts[0], "webhook owned by another application")
	assert.Contains(t, texts[0], "\nTry deleting webhook **Personas bot personas webhook** manually.")
}

func TestEngineDoesNotRetryOtherFailures(t *testing.T) {
	t.Parallel()

	fixture := newRelayFixture(t)
	fixture.platform.sendErr = fmt.Errorf("gateway timeout")

	outcome := fixture.engine.Relay(context.Background(), guildMessage("hello"))

	require.Equal(t, StatusFailed, outcome.Status)
	assert.EqualError(t, outcome.Err, "relay send as proxy proxy-1: gateway timeout")
	assert.Equal(t, 1, fixture.platform.sendCount())
	assert.Empty(t, fixture.dispatcher.sentTexts())
	assert.Empty(t, fixture.dispatcher.deletedIDs())
}

func TestEngineDeleteFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		deleteErr  error
		wantStatus Status
	}{
		{
			name:       "original already gone",
			deleteErr:  fmt.Errorf("delete: %w", chat.ErrMessageNotFound),
			wantStatus: StatusRelayed,
		},
		{
			name:       "missing permission",
			deleteErr:  errors.New("missing access"),
			wantStatus: StatusFailed,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fixture := newRelayFixture(t)
			fixture.dispatcher.deleteErr = testCase.deleteErr

			outcome := fixture.engine.Relay(context.Background(), guildMessage("hello"))

			assert.Equal(t, testCase.wantStatus, outcome.Status)
			assert.Equal(t, 1, fixture.platform.sendCount())
		})
	}
}

func TestDeliveryFailureText(t *testing.T) {
	t.Parallel()

	got := DeliveryFailureText(errors.New("boom"), "Personas bot personas webhook")

	assert.Equal(
		t,
		"Persona error: unable to deliver message after invalidating cache: **boom**.\nTry deleting webhook **Personas bot personas webhook** manually.",
		got,
	)
}

func TestNewEngineRejectsMissingDependencies(t *testing.T) {
	t.Parallel()

	platform := newFakePlatform()
	cache, err := proxy.NewCache(platform)
	require.NoError(t, err)

	_, err = NewEngine(nil, cache, platform, &recordingDispatcher{}, nil, nil)
	assert.ErrorContains(t, err, "nil persona resolver")
	_, err = NewEngine(mapResolver{}, nil, platform, &recordingDispatcher{}, nil, nil)
	assert.ErrorContains(t, err, "nil proxy cache")
	_, err = NewEngine(mapResolver{}, cache, nil, &recordingDispatcher{}, nil, nil)
	assert.ErrorContains(t, err, "nil proxy platform")
	_, err = NewEngine(mapResolver{}, cache, platform, nil, nil, nil)
	assert.ErrorContains(t, err, "nil dispatcher")
}
