package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"persona-relay/internal/persona"
	"persona-relay/pkg/chat"
)

// Status classifies one relay attempt.
type Status string

const (
	// StatusRelayed means the message was re-posted and the original removed.
	StatusRelayed Status = "relayed"
	// StatusSkipped means the message was not eligible and left untouched.
	StatusSkipped Status = "skipped"
	// StatusFailed means an eligible message could not be relayed.
	StatusFailed Status = "failed"
)

// SkipReason explains why a message was not relayed.
type SkipReason string

// Skip reasons in the order they are checked.
const (
	SkipBotAuthor          SkipReason = "author is a bot or webhook"
	SkipNotInGuild         SkipReason = "not in a guild"
	SkipEmptyText          SkipReason = "empty text"
	SkipAttachments        SkipReason = "message has attachments"
	SkipReply              SkipReason = "message is a reply"
	SkipNoPersona          SkipReason = "sender has no persona"
	SkipMissingPermissions SkipReason = "bot lacks relay permissions"
	SkipCommand            SkipReason = "message is a command"
)

// Outcome is the result of one Relay call.
type Outcome struct {
	Status  Status
	Reason  SkipReason
	Persona persona.Persona
	// ProxyMessageID identifies the re-posted message on success.
	ProxyMessageID string
	Err            error
}

func skipped(reason SkipReason) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

func failed(p persona.Persona, err error) Outcome {
	return Outcome{Status: StatusFailed, Persona: p, Err: err}
}

// PersonaResolver finds the persona applied to a user.
type PersonaResolver interface {
	Resolve(userID int64) (persona.Persona, bool)
}

// ProxyCache hands out proxy identities per conversation.
type ProxyCache interface {
	Name(ctx context.Context) (string, error)
	GetOrCreate(ctx context.Context, conversationID string) (chat.ProxyIdentity, error)
	Invalidate(conversationID string)
}

// Engine re-posts messages of users with an applied persona through a proxy
// identity and removes the originals.
type Engine struct {
	personas   PersonaResolver
	proxies    ProxyCache
	platform   chat.ProxyPlatform
	dispatcher chat.OutboundDispatcher
	commands   chat.CommandCatalog
	logger     *slog.Logger
}

// NewEngine creates a relay engine. commands may be nil, in which case no
// message is treated as a command.
func NewEngine(
	personas PersonaResolver,
	proxies ProxyCache,
	platform chat.ProxyPlatform,
	dispatcher chat.OutboundDispatcher,
	commands chat.CommandCatalog,
	logger *slog.Logger,
) (*Engine, error) {
	switch {
	case personas == nil:
		return nil, fmt.Errorf("new relay engine: nil persona resolver")
	case proxies == nil:
		return nil, fmt.Errorf("new relay engine: nil proxy cache")
	case platform == nil:
		return nil, fmt.Errorf("new relay engine: nil proxy platform")
	case dispatcher == nil:
		return nil, fmt.Errorf("new relay engine: nil dispatcher")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		personas:   personas,
		proxies:    proxies,
		platform:   platform,
		dispatcher: dispatcher,
		commands:   commands,
		logger:     logger,
	}, nil
}

// Relay runs the eligibility checks and, when they pass, the relay itself.
func (e *Engine) Relay(ctx context.Context, event *chat.Event) Outcome {
	if event == nil || event.Message == nil {
		return failed(persona.Persona{}, fmt.Errorf("relay: missing message payload"))
	}

	applied, reason, err := e.eligible(ctx, event)
	if err != nil {
		return failed(persona.Persona{}, err)
	}
	if reason != "" {
		return skipped(reason)
	}

	request := chat.ProxySendRequest{
		Username:  applied.Name,
		AvatarURL: applied.AvatarURL,
		Text:      event.Message.Text,
		Embeds:    chat.CloneEmbeds(event.Message.Embeds),
		AllowedMentions: chat.AllowedMentions{
			Users:    true,
			Roles:    true,
			Everyone: event.Actor.CanMentionEveryone,
		},
	}
	sent, err := e.send(ctx, event, request)
	if err != nil {
		return failed(applied, err)
	}

	err = e.dispatcher.DeleteMessage(ctx, chat.DeleteMessageRequest{
		Target:    chat.OutboundTarget{Conversation: event.Conversation},
		MessageID: event.Message.ID,
	})
	if err != nil && !errors.Is(err, chat.ErrMessageNotFound) {
		return failed(applied, fmt.Errorf("relay delete original %s: %w", event.Message.ID, err))
	}

	outcome := Outcome{Status: StatusRelayed, Persona: applied}
	if sent != nil {
		outcome.ProxyMessageID = sent.ID
	}

	return outcome
}

// eligible returns the sender's persona, or the first reason the message must
// be left alone.
func (e *Engine) eligible(ctx context.Context, event *chat.Event) (persona.Persona, SkipReason, error) {
	message := event.Message
	switch {
	case event.Actor.IsBot:
		return persona.Persona{}, SkipBotAuthor, nil
	case !event.InGuild():
		return persona.Persona{}, SkipNotInGuild, nil
	case message.Text == "":
		return persona.Persona{}, SkipEmptyText, nil
	case len(message.Media) > 0:
		return persona.Persona{}, SkipAttachments, nil
	case message.ReplyToID != "":
		return persona.Persona{}, SkipReply, nil
	}

	userID, err := strconv.ParseInt(event.Actor.ID, 10, 64)
	if err != nil {
		return persona.Persona{}, SkipNoPersona, nil
	}
	applied, ok := e.personas.Resolve(userID)
	if !ok {
		return persona.Persona{}, SkipNoPersona, nil
	}

	permissions, err := e.platform.Permissions(ctx, event.Conversation.ID)
	if err != nil {
		return persona.Persona{}, "", fmt.Errorf("relay check permissions in %s: %w", event.Conversation.ID, err)
	}
	if !permissions.Has(chat.RelayPermissions) {
		return persona.Persona{}, SkipMissingPermissions, nil
	}

	if e.commands != nil {
		isCommand, err := chat.IsCommandInvocation(ctx, e.commands, message.Text, chat.CommandAddressFromEvent(event))
		if err != nil {
			return persona.Persona{}, "", fmt.Errorf("relay command check: %w", err)
		}
		if isCommand {
			return persona.Persona{}, SkipCommand, nil
		}
	}

	return applied, "", nil
}

// send posts request through the conversation's proxy identity. A stale
// identity is invalidated and the send retried exactly once; when the retry
// fails too, the channel is told which identity to remove by hand.
func (e *Engine) send(
	ctx context.Context,
	event *chat.Event,
	request chat.ProxySendRequest,
) (*chat.OutboundMessage, error) {
	conversationID := event.Conversation.ID

	sent, err := e.sendOnce(ctx, conversationID, request)
	if err == nil {
		return sent, nil
	}
	if !errors.Is(err, chat.ErrProxyUnavailable) {
		return nil, err
	}

	e.logger.WarnContext(ctx, "proxy identity stale, recreating",
		"conversation_id", conversationID,
		"error", err,
	)
	e.proxies.Invalidate(conversationID)

	sent, retryErr := e.sendOnce(ctx, conversationID, request)
	if retryErr == nil {
		return sent, nil
	}

	e.reportDeliveryFailure(ctx, event, retryErr)

	return nil, fmt.Errorf("relay retry after invalidation: %w", retryErr)
}

func (e *Engine) sendOnce(
	ctx context.Context,
	conversationID string,
	request chat.ProxySendRequest,
) (*chat.OutboundMessage, error) {
	identity, err := e.proxies.GetOrCreate(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("relay get proxy identity: %w", err)
	}
	sent, err := e.platform.SendAsProxy(ctx, identity, request)
	if err != nil {
		return nil, fmt.Errorf("relay send as proxy %s: %w", identity.ID, err)
	}

	return sent, nil
}

func (e *Engine) reportDeliveryFailure(ctx context.Context, event *chat.Event, cause error) {
	name, err := e.proxies.Name(ctx)
	if err != nil {
		name = "unknown"
	}

	_, err = e.dispatcher.SendMessage(ctx, chat.SendMessageRequest{
		Target: chat.OutboundTarget{Conversation: event.Conversation},
		Text:   DeliveryFailureText(cause, name),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "relay failure notice not delivered",
			"conversation_id", event.Conversation.ID,
			"error", err,
		)
	}
}

// DeliveryFailureText renders the channel notice sent after a failed retry.
func DeliveryFailureText(cause error, proxyName string) string {
	return fmt.Sprintf(
		"Persona error: unable to deliver message after invalidating cache: **%v**.\nTry deleting webhook **%s** manually.",
		cause,
		proxyName,
	)
}
