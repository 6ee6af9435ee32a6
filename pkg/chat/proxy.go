package chat

import (
	"context"
	"fmt"
)

// ProxyIdentity is a platform-side endpoint that can post messages under an
// arbitrary display name and avatar. On Discord it is a channel webhook.
type ProxyIdentity struct {
	// ID is the platform identifier of the endpoint.
	ID string
	// Token authorizes execution; identities without a token are not usable.
	Token string
	// Name is the endpoint's own name on the platform.
	Name string
	// ConversationID is the conversation the endpoint posts into.
	ConversationID string
}

// Usable reports whether the identity carries enough credentials to post.
func (p ProxyIdentity) Usable() bool {
	return p.ID != "" && p.Token != ""
}

// AllowedMentions restricts which mentions in proxied text may notify.
type AllowedMentions struct {
	Users    bool
	Roles    bool
	Everyone bool
}

// ProxySendRequest describes one message posted through a proxy identity.
type ProxySendRequest struct {
	// Username overrides the display name for this message.
	Username string
	// AvatarURL overrides the avatar for this message.
	AvatarURL string
	// Text is the message body.
	Text string
	// Embeds are forwarded rich content blocks.
	Embeds []Embed
	// AllowedMentions restricts notification fan-out.
	AllowedMentions AllowedMentions
}

// Validate checks the request before dispatch.
func (r ProxySendRequest) Validate() error {
	if r.Username == "" {
		return fmt.Errorf("%w: missing proxy username", ErrInvalidOutboundRequest)
	}
	if r.Text == "" && len(r.Embeds) == 0 {
		return fmt.Errorf("%w: empty proxy message", ErrInvalidOutboundRequest)
	}

	return nil
}

// Permission is a neutral bot permission in a conversation.
type Permission uint8

const (
	// PermissionSendMessages allows posting messages.
	PermissionSendMessages Permission = 1 << iota
	// PermissionManageMessages allows deleting other users' messages.
	PermissionManageMessages
	// PermissionManageProxies allows listing and creating proxy identities.
	PermissionManageProxies
	// PermissionMentionEveryone allows pinging everyone.
	PermissionMentionEveryone
)

// RelayPermissions is the set required to relay a message under a persona.
const RelayPermissions = PermissionSendMessages | PermissionManageMessages | PermissionManageProxies

// Has reports whether p includes every bit of required.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// ProxyPlatform is implemented by drivers whose platform supports posting under
// substitute identities.
type ProxyPlatform interface {
	// SelfName returns the bot account's display name.
	SelfName(ctx context.Context) (string, error)
	// ListProxies returns proxy identities existing in a conversation.
	ListProxies(ctx context.Context, conversationID string) ([]ProxyIdentity, error)
	// CreateProxy creates a proxy identity named name in a conversation.
	CreateProxy(ctx context.Context, conversationID string, name string) (ProxyIdentity, error)
	// SendAsProxy posts a message through identity.
	//
	// Failures caused by a deleted or foreign identity wrap ErrProxyUnavailable.
	SendAsProxy(ctx context.Context, identity ProxyIdentity, request ProxySendRequest) (*OutboundMessage, error)
	// Permissions returns the bot's effective permissions in a conversation.
	Permissions(ctx context.Context, conversationID string) (Permission, error)
}
