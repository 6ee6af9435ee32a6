package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"persona-relay/pkg/chat"

	"github.com/bwmarrin/discordgo"
)

const defaultOutboundTimeout = 10 * time.Second

type outboundConfig struct {
	timeout time.Duration
	logger  *slog.Logger
}

// OutboundOption mutates outbound dispatcher and proxy platform configuration.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout bounds each REST call.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithOutboundLogger configures debug logging of outbound calls.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

func newOutboundConfig(options []OutboundOption) outboundConfig {
	cfg := outboundConfig{
		timeout: defaultOutboundTimeout,
		logger:  slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	return cfg
}

func (cfg outboundConfig) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if cfg.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, cfg.timeout)
}

// OutboundDispatcher sends neutral outbound requests through the Discord REST API.
type OutboundDispatcher struct {
	cfg     outboundConfig
	session Session
}

var _ chat.OutboundDispatcher = (*OutboundDispatcher)(nil)

// NewOutboundDispatcher creates a REST-backed dispatcher.
func NewOutboundDispatcher(session Session, options ...OutboundOption) (*OutboundDispatcher, error) {
	if session == nil {
		return nil, fmt.Errorf("new discord outbound dispatcher: nil session")
	}

	return &OutboundDispatcher{
		cfg:     newOutboundConfig(options),
		session: session,
	}, nil
}

// SendMessage posts text into a channel, or into the recipient's DM channel.
func (d *OutboundDispatcher) SendMessage(
	ctx context.Context,
	request chat.SendMessageRequest,
) (*chat.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("discord send message: %w", err)
	}

	ctx, cancel := d.cfg.withTimeout(ctx)
	defer cancel()

	channelID, err := d.resolveChannel(ctx, request.Target)
	if err != nil {
		return nil, fmt.Errorf("discord send message: %w", err)
	}

	send := &discordgo.MessageSend{
		Content: request.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	if request.ReplyToMessageID != "" {
		failIfNotExists := false
		send.Reference = &discordgo.MessageReference{
			MessageID:       request.ReplyToMessageID,
			ChannelID:       channelID,
			FailIfNotExists: &failIfNotExists,
		}
	}

	sent, err := d.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf(
			"discord send message to %s: %w",
			channelID,
			mapDiscordOutboundError(chat.OutboundOperationSendMessage, err),
		)
	}
	if sent == nil {
		return nil, fmt.Errorf("discord send message to %s: empty response", channelID)
	}
	d.cfg.logger.DebugContext(ctx, "discord message sent", "channel_id", channelID, "message_id", sent.ID)

	target := request.Target
	target.Conversation.ID = channelID

	return &chat.OutboundMessage{ID: sent.ID, Target: target}, nil
}

// DeleteMessage removes a message from its channel.
func (d *OutboundDispatcher) DeleteMessage(ctx context.Context, request chat.DeleteMessageRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("discord delete message: %w", err)
	}

	ctx, cancel := d.cfg.withTimeout(ctx)
	defer cancel()

	channelID := request.Target.Conversation.ID
	if err := d.session.ChannelMessageDelete(channelID, request.MessageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf(
			"discord delete message %s in %s: %w",
			request.MessageID,
			channelID,
			mapDiscordOutboundError(chat.OutboundOperationDeleteMessage, err),
		)
	}

	return nil
}

// resolveChannel opens the recipient's DM channel when the target has no conversation id.
func (d *OutboundDispatcher) resolveChannel(ctx context.Context, target chat.OutboundTarget) (string, error) {
	if target.Conversation.ID != "" {
		return target.Conversation.ID, nil
	}

	channel, err := d.session.UserChannelCreate(target.RecipientID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf(
			"open dm channel with %s: %w",
			target.RecipientID,
			mapDiscordOutboundError(chat.OutboundOperationSendMessage, err),
		)
	}
	if channel == nil || channel.ID == "" {
		return "", fmt.Errorf("open dm channel with %s: empty channel", target.RecipientID)
	}

	return channel.ID, nil
}
