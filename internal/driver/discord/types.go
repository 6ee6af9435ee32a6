package discord

import (
	"sync"
	"time"

	"persona-relay/pkg/chat"

	"github.com/bwmarrin/discordgo"
)

const (
	// DriverType is the config type value selecting this driver.
	DriverType = "discord"
	// DriverPlatform is the neutral platform this driver publishes.
	DriverPlatform = chat.PlatformDiscord
)

// gatewayIntents are the gateway subscriptions the relay depends on.
const gatewayIntents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// Session is the subset of *discordgo.Session used by the driver.
type Session interface {
	Gateway
	PermissionResolver
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(
		webhookID, token string,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// Gateway is the websocket lifecycle of a session.
type Gateway interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
}

// PermissionResolver computes a user's effective permissions in a channel.
type PermissionResolver interface {
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

var _ Session = (*discordgo.Session)(nil)

// UpdateType identifies which gateway dispatch produced an update.
type UpdateType string

const (
	// UpdateTypeCreate identifies MESSAGE_CREATE dispatches.
	UpdateTypeCreate UpdateType = "create"
	// UpdateTypeEdit identifies MESSAGE_UPDATE dispatches.
	UpdateTypeEdit UpdateType = "edit"
)

// Update is one gateway message dispatch before neutral decoding.
type Update struct {
	Type       UpdateType
	Message    *discordgo.Message
	ReceivedAt time.Time
}

// SelfIdentity tracks the bot user announced by the READY dispatch.
type SelfIdentity struct {
	mu   sync.RWMutex
	id   string
	name string
}

// Set records the bot user.
func (i *SelfIdentity) Set(user *discordgo.User) {
	if user == nil {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.id = user.ID
	i.name = user.Username
}

// Get returns the recorded bot user id and username.
func (i *SelfIdentity) Get() (id string, name string) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.id, i.name
}
