package chat

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral domain event type.
type EventKind string

const (
	// EventKindMessageCreated is emitted when a new message is posted.
	EventKindMessageCreated EventKind = "message.created"
	// EventKindMessageEdited is emitted when an existing message is edited.
	EventKindMessageEdited EventKind = "message.edited"
	// EventKindCommandReceived is derived by the kernel from ordinary `/` commands.
	EventKindCommandReceived EventKind = "command.received"
	// EventKindSystemCommandReceived is derived by the kernel from system `~` commands.
	EventKindSystemCommandReceived EventKind = "system_command.received"
)

// Platform identifies an external chat platform source.
type Platform string

const (
	// PlatformDiscord is Discord.
	PlatformDiscord Platform = "discord"
)

// ConversationType identifies conversation scope.
type ConversationType string

const (
	// ConversationTypePrivate is a direct/private conversation.
	ConversationTypePrivate ConversationType = "private"
	// ConversationTypeGroup is a guild text channel or thread.
	ConversationTypeGroup ConversationType = "group"
)

// Event is the neutral envelope that drivers publish and modules consume.
//
// Message is set for created, edited, and derived command events. Mutation is
// additionally set for edits, Command only for derived command events.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is the source-platform timestamp for the event.
	OccurredAt time.Time
	// Platform identifies the upstream platform that produced the event.
	Platform Platform
	// SelfID is the platform id of the bot account that received the event;
	// empty until the driver knows it.
	SelfID string
	// TenantID is the guild the event belongs to; empty for direct messages.
	TenantID string
	// Conversation identifies where the event happened.
	Conversation Conversation
	// Actor identifies who initiated the event.
	Actor Actor
	// Message carries the current message state.
	Message *Message
	// Mutation carries edit context for message.edited events.
	Mutation *Mutation
	// Command carries the bound invocation for derived command events.
	Command *CommandInvocation
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string
}

// Conversation identifies the neutral destination where an event occurred.
type Conversation struct {
	// ID is the stable conversation identifier on the source platform.
	ID string
	// Type describes the conversation scope.
	Type ConversationType
	// Title is a best-effort display label for the conversation.
	Title string
}

// Actor identifies the user/account that initiated an event.
type Actor struct {
	// ID is the stable actor identifier on the source platform.
	ID string
	// Username is the platform handle when available.
	Username string
	// DisplayName is the human-readable actor name.
	DisplayName string
	// IsBot reports whether the actor is an automated account or a proxy identity.
	IsBot bool
	// Roles lists the actor's role identifiers within the tenant.
	Roles []string
	// CanMentionEveryone reports whether the actor may ping @everyone in the conversation.
	CanMentionEveryone bool
}

// HasRole reports whether the actor carries roleID.
func (a Actor) HasRole(roleID string) bool {
	if roleID == "" {
		return false
	}
	for _, role := range a.Roles {
		if role == roleID {
			return true
		}
	}

	return false
}

// Message holds neutral message content.
type Message struct {
	// ID is the message identifier on the source platform.
	ID string
	// ReplyToID is the referenced message identifier when this is a reply.
	ReplyToID string
	// Text is the message body.
	Text string
	// Media contains attachments associated with the message.
	Media []MediaAttachment
	// Embeds contains rich embeds associated with the message.
	Embeds []Embed
}

// MediaType identifies attachment media categories.
type MediaType string

const (
	// MediaTypePhoto identifies an image attachment.
	MediaTypePhoto MediaType = "photo"
	// MediaTypeVideo identifies a video attachment.
	MediaTypeVideo MediaType = "video"
	// MediaTypeAudio identifies an audio attachment.
	MediaTypeAudio MediaType = "audio"
	// MediaTypeDocument identifies a generic file attachment.
	MediaTypeDocument MediaType = "document"
)

// MediaAttachment represents attachment metadata.
type MediaAttachment struct {
	// ID is the stable attachment identifier when provided by the platform.
	ID string
	// Type is the normalized media category.
	Type MediaType
	// MIMEType is the attachment content type when known.
	MIMEType string
	// FileName is the original attachment filename when available.
	FileName string
	// SizeBytes is the attachment size in bytes when available.
	SizeBytes int64
	// URI is the retrievable location for the attachment.
	URI string
}

// MutationType identifies message mutation kind.
type MutationType string

const (
	// MutationTypeEdit indicates message edit.
	MutationTypeEdit MutationType = "edit"
)

// Mutation holds edit context.
type Mutation struct {
	// Type identifies the mutation operation.
	Type MutationType
	// TargetMessageID identifies the message affected by the mutation.
	TargetMessageID string
	// ChangedAt is the platform edit timestamp when known.
	ChangedAt *time.Time
}

// Validate checks event envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if e.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	}

	return validatePayloadByKind(e)
}

// validatePayloadByKind enforces payload branch requirements for each event kind.
func validatePayloadByKind(e *Event) error {
	switch e.Kind {
	case EventKindMessageCreated:
		if e.Message == nil {
			return fmt.Errorf("%w: message.created requires message payload", ErrInvalidEvent)
		}
	case EventKindMessageEdited:
		if e.Message == nil {
			return fmt.Errorf("%w: message.edited requires message payload", ErrInvalidEvent)
		}
		if e.Mutation == nil {
			return fmt.Errorf("%w: message.edited requires mutation payload", ErrInvalidEvent)
		}
	case EventKindCommandReceived, EventKindSystemCommandReceived:
		if e.Command == nil {
			return fmt.Errorf("%w: command event requires command payload", ErrInvalidEvent)
		}
		if err := e.Command.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}

// InGuild reports whether the event happened inside a guild conversation.
func (e *Event) InGuild() bool {
	return e != nil && e.TenantID != "" && e.Conversation.Type == ConversationTypeGroup
}

// CloneMessage returns a deep copy of msg.
func CloneMessage(msg Message) Message {
	cloned := msg
	if len(msg.Media) > 0 {
		cloned.Media = append([]MediaAttachment(nil), msg.Media...)
	}
	cloned.Embeds = CloneEmbeds(msg.Embeds)

	return cloned
}
