package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"persona-relay/pkg/chat"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// Decoder converts gateway updates into neutral events.
//
// A nil event with a nil error means the update carries nothing to publish.
type Decoder interface {
	Decode(ctx context.Context, update Update) (*chat.Event, error)
}

// DefaultDecoder maps discordgo messages into chat events.
type DefaultDecoder struct {
	permissions PermissionResolver
	now         func() time.Time
}

// NewDefaultDecoder creates a decoder. permissions may be nil, in which case no
// actor is considered able to mention everyone.
func NewDefaultDecoder(permissions PermissionResolver) *DefaultDecoder {
	return &DefaultDecoder{
		permissions: permissions,
		now:         time.Now,
	}
}

// Decode maps one message dispatch.
func (d *DefaultDecoder) Decode(ctx context.Context, update Update) (*chat.Event, error) {
	msg := update.Message
	if msg == nil {
		return nil, fmt.Errorf("decode %s: nil message", update.Type)
	}
	// Embed-only MESSAGE_UPDATE dispatches arrive without an author.
	if msg.Author == nil {
		return nil, nil
	}
	if msg.ChannelID == "" {
		return nil, fmt.Errorf("decode %s message %s: missing channel id", update.Type, msg.ID)
	}

	event := &chat.Event{
		Platform:     DriverPlatform,
		TenantID:     msg.GuildID,
		Conversation: decodeConversation(msg),
		Actor:        d.decodeActor(ctx, msg),
		Message:      decodeMessage(msg),
	}

	switch update.Type {
	case UpdateTypeCreate:
		event.ID = msg.ID
		event.Kind = chat.EventKindMessageCreated
		event.OccurredAt = d.occurredAt(msg.Timestamp, update.ReceivedAt)
	case UpdateTypeEdit:
		event.ID = msg.ID + ":edit:" + uuid.NewString()
		event.Kind = chat.EventKindMessageEdited
		mutation := &chat.Mutation{
			Type:            chat.MutationTypeEdit,
			TargetMessageID: msg.ID,
		}
		changedAt := update.ReceivedAt
		if msg.EditedTimestamp != nil {
			changedAt = *msg.EditedTimestamp
			mutation.ChangedAt = &changedAt
		}
		event.Mutation = mutation
		event.OccurredAt = d.occurredAt(changedAt, update.ReceivedAt)
	default:
		return nil, fmt.Errorf("decode message %s: unsupported update type %q", msg.ID, update.Type)
	}

	return event, nil
}

func (d *DefaultDecoder) occurredAt(candidates ...time.Time) time.Time {
	for _, candidate := range candidates {
		if !candidate.IsZero() {
			return candidate
		}
	}

	return d.now()
}

func decodeConversation(msg *discordgo.Message) chat.Conversation {
	conversation := chat.Conversation{
		ID:   msg.ChannelID,
		Type: chat.ConversationTypeGroup,
	}
	if msg.GuildID == "" {
		conversation.Type = chat.ConversationTypePrivate
	}

	return conversation
}

func (d *DefaultDecoder) decodeActor(ctx context.Context, msg *discordgo.Message) chat.Actor {
	actor := chat.Actor{
		ID:          msg.Author.ID,
		Username:    msg.Author.Username,
		DisplayName: msg.Author.DisplayName(),
		IsBot:       msg.Author.Bot || msg.WebhookID != "",
	}
	if msg.Member != nil {
		if nick := strings.TrimSpace(msg.Member.Nick); nick != "" {
			actor.DisplayName = nick
		}
		actor.Roles = append([]string(nil), msg.Member.Roles...)
	}
	if actor.IsBot || msg.GuildID == "" || d.permissions == nil {
		return actor
	}

	perms, err := d.permissions.UserChannelPermissions(
		msg.Author.ID,
		msg.ChannelID,
		discordgo.WithContext(ctx),
	)
	if err == nil {
		actor.CanMentionEveryone = perms&discordgo.PermissionAdministrator != 0 ||
			perms&discordgo.PermissionMentionEveryone != 0
	}

	return actor
}

func decodeMessage(msg *discordgo.Message) *chat.Message {
	decoded := &chat.Message{
		ID:   msg.ID,
		Text: msg.Content,
	}
	if msg.MessageReference != nil {
		decoded.ReplyToID = msg.MessageReference.MessageID
	}
	for _, attachment := range msg.Attachments {
		if attachment == nil {
			continue
		}
		decoded.Media = append(decoded.Media, chat.MediaAttachment{
			ID:        attachment.ID,
			Type:      mediaTypeFromContentType(attachment.ContentType),
			MIMEType:  attachment.ContentType,
			FileName:  attachment.Filename,
			SizeBytes: int64(attachment.Size),
			URI:       attachment.URL,
		})
	}
	for _, embed := range msg.Embeds {
		if embed == nil {
			continue
		}
		decoded.Embeds = append(decoded.Embeds, decodeEmbed(embed))
	}

	return decoded
}

func mediaTypeFromContentType(contentType string) chat.MediaType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return chat.MediaTypePhoto
	case strings.HasPrefix(contentType, "video/"):
		return chat.MediaTypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return chat.MediaTypeAudio
	default:
		return chat.MediaTypeDocument
	}
}

func decodeEmbed(embed *discordgo.MessageEmbed) chat.Embed {
	decoded := chat.Embed{
		Type:        string(embed.Type),
		Title:       embed.Title,
		Description: embed.Description,
		URL:         embed.URL,
		Timestamp:   embed.Timestamp,
		Color:       embed.Color,
	}
	if embed.Author != nil {
		decoded.Author = &chat.EmbedAuthor{
			Name:    embed.Author.Name,
			URL:     embed.Author.URL,
			IconURL: embed.Author.IconURL,
		}
	}
	if embed.Footer != nil {
		decoded.Footer = &chat.EmbedFooter{
			Text:    embed.Footer.Text,
			IconURL: embed.Footer.IconURL,
		}
	}
	if embed.Image != nil {
		decoded.Image = &chat.EmbedMedia{URL: embed.Image.URL, Width: embed.Image.Width, Height: embed.Image.Height}
	}
	if embed.Thumbnail != nil {
		decoded.Thumbnail = &chat.EmbedMedia{
			URL:    embed.Thumbnail.URL,
			Width:  embed.Thumbnail.Width,
			Height: embed.Thumbnail.Height,
		}
	}
	if embed.Video != nil {
		decoded.Video = &chat.EmbedMedia{URL: embed.Video.URL, Width: embed.Video.Width, Height: embed.Video.Height}
	}
	if embed.Provider != nil {
		decoded.Provider = &chat.EmbedProvider{Name: embed.Provider.Name, URL: embed.Provider.URL}
	}
	for _, field := range embed.Fields {
		if field == nil {
			continue
		}
		decoded.Fields = append(decoded.Fields, chat.EmbedField{
			Name:   field.Name,
			Value:  field.Value,
			Inline: field.Inline,
		})
	}

	return decoded
}

// encodeEmbeds converts neutral embeds back into discordgo embeds.
func encodeEmbeds(embeds []chat.Embed) []*discordgo.MessageEmbed {
	if len(embeds) == 0 {
		return nil
	}

	encoded := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, embed := range embeds {
		out := &discordgo.MessageEmbed{
			URL:         embed.URL,
			Type:        discordgo.EmbedType(embed.Type),
			Title:       embed.Title,
			Description: embed.Description,
			Timestamp:   embed.Timestamp,
			Color:       embed.Color,
		}
		if embed.Author != nil {
			out.Author = &discordgo.MessageEmbedAuthor{
				URL:     embed.Author.URL,
				Name:    embed.Author.Name,
				IconURL: embed.Author.IconURL,
			}
		}
		if embed.Footer != nil {
			out.Footer = &discordgo.MessageEmbedFooter{Text: embed.Footer.Text, IconURL: embed.Footer.IconURL}
		}
		if embed.Image != nil {
			out.Image = &discordgo.MessageEmbedImage{
				URL:    embed.Image.URL,
				Width:  embed.Image.Width,
				Height: embed.Image.Height,
			}
		}
		if embed.Thumbnail != nil {
			out.Thumbnail = &discordgo.MessageEmbedThumbnail{
				URL:    embed.Thumbnail.URL,
				Width:  embed.Thumbnail.Width,
				Height: embed.Thumbnail.Height,
			}
		}
		if embed.Video != nil {
			out.Video = &discordgo.MessageEmbedVideo{
				URL:    embed.Video.URL,
				Width:  embed.Video.Width,
				Height: embed.Video.Height,
			}
		}
		if embed.Provider != nil {
			out.Provider = &discordgo.MessageEmbedProvider{URL: embed.Provider.URL, Name: embed.Provider.Name}
		}
		for _, field := range embed.Fields {
			out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
				Name:   field.Name,
				Value:  field.Value,
				Inline: field.Inline,
			})
		}
		encoded = append(encoded, out)
	}

	return encoded
}
