package discord

import (
	"context"
	"fmt"

	"persona-relay/pkg/chat"

	"github.com/bwmarrin/discordgo"
)

// ProxyPlatform implements chat.ProxyPlatform with channel webhooks.
type ProxyPlatform struct {
	cfg     outboundConfig
	session Session
	self    *SelfIdentity
}

var _ chat.ProxyPlatform = (*ProxyPlatform)(nil)

// NewProxyPlatform creates a webhook-backed proxy platform.
func NewProxyPlatform(session Session, self *SelfIdentity, options ...OutboundOption) (*ProxyPlatform, error) {
	if session == nil {
		return nil, fmt.Errorf("new discord proxy platform: nil session")
	}
	if self == nil {
		self = &SelfIdentity{}
	}

	return &ProxyPlatform{
		cfg:     newOutboundConfig(options),
		session: session,
		self:    self,
	}, nil
}

// SelfName returns the bot username announced by READY.
func (p *ProxyPlatform) SelfName(_ context.Context) (string, error) {
	_, name := p.self.Get()
	if name == "" {
		return "", fmt.Errorf("discord self name: session not ready")
	}

	return name, nil
}

// ListProxies returns the webhooks of a channel.
func (p *ProxyPlatform) ListProxies(ctx context.Context, conversationID string) ([]chat.ProxyIdentity, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("discord list proxies: %w: missing conversation id", chat.ErrInvalidOutboundRequest)
	}

	ctx, cancel := p.cfg.withTimeout(ctx)
	defer cancel()

	webhooks, err := p.session.ChannelWebhooks(conversationID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf(
			"discord list proxies in %s: %w",
			conversationID,
			mapDiscordOutboundError(chat.OutboundOperationListProxies, err),
		)
	}

	identities := make([]chat.ProxyIdentity, 0, len(webhooks))
	for _, webhook := range webhooks {
		if webhook == nil {
			continue
		}
		identities = append(identities, proxyIdentityFromWebhook(webhook, conversationID))
	}

	return identities, nil
}

// CreateProxy creates a webhook named name in a channel.
func (p *ProxyPlatform) CreateProxy(
	ctx context.Context,
	conversationID string,
	name string,
) (chat.ProxyIdentity, error) {
	if conversationID == "" || name == "" {
		return chat.ProxyIdentity{}, fmt.Errorf(
			"discord create proxy: %w: missing conversation id or name",
			chat.ErrInvalidOutboundRequest,
		)
	}

	ctx, cancel := p.cfg.withTimeout(ctx)
	defer cancel()

	webhook, err := p.session.WebhookCreate(conversationID, name, "", discordgo.WithContext(ctx))
	if err != nil {
		return chat.ProxyIdentity{}, fmt.Errorf(
			"discord create proxy in %s: %w",
			conversationID,
			mapDiscordOutboundError(chat.OutboundOperationCreateProxy, err),
		)
	}
	if webhook == nil {
		return chat.ProxyIdentity{}, fmt.Errorf("discord create proxy in %s: empty response", conversationID)
	}
	p.cfg.logger.InfoContext(ctx, "discord webhook created", "channel_id", conversationID, "webhook_id", webhook.ID)

	return proxyIdentityFromWebhook(webhook, conversationID), nil
}

// SendAsProxy executes a webhook and waits for the created message.
func (p *ProxyPlatform) SendAsProxy(
	ctx context.Context,
	identity chat.ProxyIdentity,
	request chat.ProxySendRequest,
) (*chat.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("discord send as proxy: %w", err)
	}
	if !identity.Usable() {
		return nil, fmt.Errorf(
			"discord send as proxy: %w",
			&chat.OutboundError{
				Operation: chat.OutboundOperationSendAsProxy,
				Kind:      chat.OutboundErrorKindPermanent,
				Platform:  DriverPlatform,
				Sentinel:  chat.ErrProxyUnavailable,
				Cause:     fmt.Errorf("webhook %q has no token", identity.ID),
			},
		)
	}

	ctx, cancel := p.cfg.withTimeout(ctx)
	defer cancel()

	params := &discordgo.WebhookParams{
		Content:         request.Text,
		Username:        request.Username,
		AvatarURL:       request.AvatarURL,
		Embeds:          encodeEmbeds(request.Embeds),
		AllowedMentions: encodeAllowedMentions(request.AllowedMentions),
	}
	sent, err := p.session.WebhookExecute(identity.ID, identity.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf(
			"discord send as proxy %s: %w",
			identity.ID,
			mapDiscordOutboundError(chat.OutboundOperationSendAsProxy, err),
		)
	}

	outbound := &chat.OutboundMessage{
		Target: chat.OutboundTarget{
			Conversation: chat.Conversation{
				ID:   identity.ConversationID,
				Type: chat.ConversationTypeGroup,
			},
		},
	}
	if sent != nil {
		outbound.ID = sent.ID
	}

	return outbound, nil
}

// Permissions returns the bot's neutral permissions in a channel.
func (p *ProxyPlatform) Permissions(ctx context.Context, conversationID string) (chat.Permission, error) {
	selfID, _ := p.self.Get()
	if selfID == "" {
		return 0, fmt.Errorf("discord permissions: session not ready")
	}

	ctx, cancel := p.cfg.withTimeout(ctx)
	defer cancel()

	raw, err := p.session.UserChannelPermissions(selfID, conversationID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf(
			"discord permissions in %s: %w",
			conversationID,
			mapDiscordOutboundError(chat.OutboundOperationPermissions, err),
		)
	}

	return permissionsFromDiscord(raw), nil
}

func permissionsFromDiscord(raw int64) chat.Permission {
	if raw&discordgo.PermissionAdministrator != 0 {
		return chat.PermissionSendMessages |
			chat.PermissionManageMessages |
			chat.PermissionManageProxies |
			chat.PermissionMentionEveryone
	}

	var perms chat.Permission
	if raw&discordgo.PermissionSendMessages != 0 {
		perms |= chat.PermissionSendMessages
	}
	if raw&discordgo.PermissionManageMessages != 0 {
		perms |= chat.PermissionManageMessages
	}
	if raw&discordgo.PermissionManageWebhooks != 0 {
		perms |= chat.PermissionManageProxies
	}
	if raw&discordgo.PermissionMentionEveryone != 0 {
		perms |= chat.PermissionMentionEveryone
	}

	return perms
}

func encodeAllowedMentions(allowed chat.AllowedMentions) *discordgo.MessageAllowedMentions {
	parse := make([]discordgo.AllowedMentionType, 0, 3)
	if allowed.Users {
		parse = append(parse, discordgo.AllowedMentionTypeUsers)
	}
	if allowed.Roles {
		parse = append(parse, discordgo.AllowedMentionTypeRoles)
	}
	if allowed.Everyone {
		parse = append(parse, discordgo.AllowedMentionTypeEveryone)
	}

	return &discordgo.MessageAllowedMentions{Parse: parse}
}

func proxyIdentityFromWebhook(webhook *discordgo.Webhook, conversationID string) chat.ProxyIdentity {
	channelID := webhook.ChannelID
	if channelID == "" {
		channelID = conversationID
	}

	return chat.ProxyIdentity{
		ID:             webhook.ID,
		Token:          webhook.Token,
		Name:           webhook.Name,
		ConversationID: channelID,
	}
}
