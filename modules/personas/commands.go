package personas

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"persona-relay/internal/persona"
	"persona-relay/pkg/chat"
)

const subcommandUsage = "<list|create|edit|delete|use|disable> [args]"

const previewText = "Persona preview"

// subcommand aliases resolve to their canonical name.
var subcommands = map[string]string{
	"list":    "list",
	"ls":      "list",
	"create":  "create",
	"c":       "create",
	"edit":    "edit",
	"e":       "edit",
	"delete":  "delete",
	"del":     "delete",
	"use":     "use",
	"u":       "use",
	"disable": "disable",
	"d":       "disable",
	"off":     "disable",
}

// commandError is a failure reported back to the invoking user.
type commandError struct {
	message string
}

func (e *commandError) Error() string {
	return e.message
}

func userError(format string, args ...any) error {
	return &commandError{message: fmt.Sprintf(format, args...)}
}

// invocation bundles what every subcommand handler needs.
type invocation struct {
	event  *chat.Event
	args   []string
	userID int64
}

func (m *Module) handlePersonaCommand(ctx context.Context, event *chat.Event) error {
	if event == nil || event.Command == nil || event.Message == nil {
		return nil
	}
	if event.Kind != chat.EventKindCommandReceived {
		return nil
	}
	if name := event.Command.Name; name != personaCommandName && name != personaAliasCommandName {
		return nil
	}
	if !m.registered() {
		return fmt.Errorf("personas handle command: module not registered")
	}

	err := m.runPersonaCommand(ctx, event)
	var userErr *commandError
	if errors.As(err, &userErr) {
		return m.reply(ctx, event, "Error: "+userErr.message)
	}

	return err
}

func (m *Module) runPersonaCommand(ctx context.Context, event *chat.Event) error {
	if !event.InGuild() {
		return userError("This command cannot be used in private messages.")
	}
	args := event.Command.Args
	if len(args) == 0 {
		return m.send(ctx, event, "usage: "+chat.CommandUsage(chat.CommandSpec{
			Prefix: chat.CommandPrefixOrdinary,
			Name:   event.Command.Name,
			Usage:  subcommandUsage,
		}))
	}
	subcommand, known := subcommands[strings.ToLower(args[0])]
	if !known {
		return userError("Unknown subcommand %q. Expected one of list, create, edit, delete, use, disable.", args[0])
	}

	userID, err := strconv.ParseInt(event.Actor.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("personas parse user id %q: %w", event.Actor.ID, err)
	}
	call := invocation{event: event, args: args[1:], userID: userID}

	switch subcommand {
	case "list":
		return m.list(ctx, call)
	case "create":
		return m.create(ctx, call)
	case "edit":
		return m.edit(ctx, call)
	case "delete":
		return m.deletePersona(ctx, call)
	case "use":
		return m.use(ctx, call)
	default:
		return m.disable(ctx, call)
	}
}

func (m *Module) list(ctx context.Context, call invocation) error {
	for _, page := range renderPersonaPages(m.store.List()) {
		if err := m.send(ctx, call.event, page); err != nil {
			return err
		}
	}
	if applied, ok := m.store.Resolve(call.userID); ok {
		return m.send(ctx, call.event, fmt.Sprintf("Currently applied persona: **%s**", applied.Name))
	}

	return nil
}

func (m *Module) create(ctx context.Context, call invocation) error {
	if err := m.requireManager(call.event); err != nil {
		return err
	}
	if err := m.requireBotPermissions(ctx, call.event, chat.PermissionManageProxies); err != nil {
		return err
	}

	draft, err := createDraft(call)
	if err != nil {
		return err
	}
	if err := m.validateAndPreview(ctx, call.event, draft); err != nil {
		return err
	}

	created, err := m.store.Create(ctx, draft)
	if err != nil {
		return fmt.Errorf("personas create: %w", err)
	}
	m.logger.InfoContext(ctx, "persona created", "persona_id", created.ID, "actor_id", call.event.Actor.ID)

	return m.send(ctx, call.event, fmt.Sprintf("Created persona **%s**", created.Name))
}

// createDraft reads "<name...> <avatar_url>", or "<name...>" with the avatar
// taken from the first attachment.
func createDraft(call invocation) (persona.Draft, error) {
	if media := call.event.Message.Media; len(media) > 0 && media[0].URI != "" {
		if len(call.args) == 0 {
			return persona.Draft{}, userError("usage: /persona create <name> <avatar_url>")
		}
		return persona.Draft{Name: strings.Join(call.args, " "), AvatarURL: media[0].URI}.Normalize(), nil
	}
	if len(call.args) < 2 {
		return persona.Draft{}, userError("usage: /persona create <name> <avatar_url>")
	}
	last := len(call.args) - 1

	return persona.Draft{
		Name:      strings.Join(call.args[:last], " "),
		AvatarURL: call.args[last],
	}.Normalize(), nil
}

func (m *Module) edit(ctx context.Context, call invocation) error {
	if err := m.requireManager(call.event); err != nil {
		return err
	}
	if err := m.requireBotPermissions(ctx, call.event, chat.PermissionManageProxies); err != nil {
		return err
	}
	if len(call.args) == 0 {
		return userError("usage: /persona edit <persona> [--name <name>] [--avatar <url>]")
	}
	current, err := m.lookup(call.args)
	if err != nil {
		return err
	}
	if err := m.send(ctx, call.event, fmt.Sprintf(
		"Editing persona **%s** `%d %s`",
		current.Name,
		current.ID,
		current.AvatarURL,
	)); err != nil {
		return err
	}

	draft := persona.Draft{Name: current.Name, AvatarURL: current.AvatarURL}
	if option, ok := call.event.Command.Option("name"); ok {
		draft.Name = option.Value
	}
	if option, ok := call.event.Command.Option("avatar"); ok {
		draft.AvatarURL = option.Value
	} else if media := call.event.Message.Media; len(media) > 0 && media[0].URI != "" {
		draft.AvatarURL = media[0].URI
	}
	draft = draft.Normalize()
	if err := m.validateAndPreview(ctx, call.event, draft); err != nil {
		return err
	}

	edited, err := m.store.Edit(ctx, current.ID, draft)
	if err != nil {
		return fmt.Errorf("personas edit %d: %w", current.ID, err)
	}
	m.logger.InfoContext(ctx, "persona edited", "persona_id", edited.ID, "actor_id", call.event.Actor.ID)

	return m.send(ctx, call.event, fmt.Sprintf("Edited persona **%s**", edited.Name))
}

func (m *Module) deletePersona(ctx context.Context, call invocation) error {
	if err := m.requireManager(call.event); err != nil {
		return err
	}
	if len(call.args) == 0 {
		return userError("usage: /persona delete <persona>")
	}
	target, err := m.lookup(call.args)
	if err != nil {
		return err
	}

	deleted, err := m.store.Delete(ctx, target.ID)
	if errors.Is(err, persona.ErrPersonaNotFound) {
		return userError("Persona %d no longer exists.", target.ID)
	}
	if err != nil {
		return fmt.Errorf("personas delete %d: %w", target.ID, err)
	}
	m.logger.InfoContext(ctx, "persona deleted", "persona_id", deleted.ID, "actor_id", call.event.Actor.ID)

	return m.send(ctx, call.event, fmt.Sprintf("Deleted persona **%s** and removed it from users", deleted.Name))
}

func (m *Module) use(ctx context.Context, call invocation) error {
	if err := m.requireBotPermissions(
		ctx,
		call.event,
		chat.PermissionManageMessages|chat.PermissionManageProxies,
	); err != nil {
		return err
	}
	if len(call.args) == 0 {
		return userError("usage: /persona use <persona>")
	}
	target, err := m.lookup(call.args)
	if err != nil {
		return err
	}

	if err := m.store.Assign(ctx, call.userID, target.ID); err != nil {
		if errors.Is(err, persona.ErrPersonaNotFound) {
			return userError("Persona %d no longer exists.", target.ID)
		}
		return fmt.Errorf("personas use %d: %w", target.ID, err)
	}

	text := fmt.Sprintf("Applied persona **%s**", target.Name)
	if m.dmMode.Load() {
		return m.sendTo(ctx, chat.DirectTarget(call.event.Actor.ID), text)
	}

	return m.send(ctx, call.event, text)
}

func (m *Module) disable(ctx context.Context, call invocation) error {
	if _, err := m.store.Unassign(ctx, call.userID); err != nil {
		return fmt.Errorf("personas disable: %w", err)
	}

	return m.send(ctx, call.event, "Removed persona")
}

func (m *Module) handleDMCommand(ctx context.Context, event *chat.Event) error {
	if event == nil || event.Command == nil || event.Message == nil {
		return nil
	}
	if event.Kind != chat.EventKindSystemCommandReceived || event.Command.Name != dmCommandName {
		return nil
	}
	if m.dispatcher == nil {
		return fmt.Errorf("personas handle dm command: module not registered")
	}

	if !event.InGuild() {
		return m.reply(ctx, event, "Error: This command cannot be used in private messages.")
	}
	if err := m.requireManager(event); err != nil {
		return m.reply(ctx, event, "Error: "+err.Error())
	}

	switch strings.TrimSpace(event.Command.Value) {
	case "0":
		m.dmMode.Store(false)
		return m.send(ctx, event, "Switched to chat mode")
	case "1":
		m.dmMode.Store(true)
		return m.send(ctx, event, "Switched to DM mode")
	default:
		return m.reply(ctx, event, "Invalid mode. Expected 0 (chat) or 1 (DM)")
	}
}

func (m *Module) lookup(args []string) (persona.Persona, error) {
	found, err := m.store.Lookup(strings.Join(args, " "))
	switch {
	case err == nil:
		return found, nil
	case errors.Is(err, persona.ErrAmbiguousReference):
		return persona.Persona{}, userError("%s", capitalize(err.Error()))
	case errors.Is(err, persona.ErrNoPersonas):
		return persona.Persona{}, userError("No personas exist yet.")
	case errors.Is(err, persona.ErrPersonaNotFound):
		return persona.Persona{}, userError("No persona matches %q.", strings.Join(args, " "))
	default:
		return persona.Persona{}, fmt.Errorf("personas lookup: %w", err)
	}
}

func (m *Module) requireManager(event *chat.Event) error {
	if m.managerRoleID == "" || !event.Actor.HasRole(m.managerRoleID) {
		return userError("Role '%s' is required to run this command.", m.managerRoleID)
	}

	return nil
}

func (m *Module) requireBotPermissions(ctx context.Context, event *chat.Event, required chat.Permission) error {
	granted, err := m.platform.Permissions(ctx, event.Conversation.ID)
	if err != nil {
		return fmt.Errorf("personas check bot permissions: %w", err)
	}
	if missing := required &^ granted; missing != 0 {
		return userError("Bot requires %s permission(s) to run this command.", permissionNames(missing))
	}

	return nil
}

// validateAndPreview checks draft and posts a sample message under it so the
// manager sees the avatar before it is stored.
func (m *Module) validateAndPreview(ctx context.Context, event *chat.Event, draft persona.Draft) error {
	if err := draft.Validate(); err != nil {
		switch {
		case errors.Is(err, persona.ErrInvalidName):
			return userError(
				"Name len must be between %d and %d (Discord limitation)",
				persona.MinNameLength,
				persona.MaxNameLength,
			)
		case errors.Is(err, persona.ErrInvalidAvatarURL):
			return userError("Avatar URL must be a valid URL")
		default:
			return fmt.Errorf("personas validate draft: %w", err)
		}
	}

	conversationID := event.Conversation.ID
	identity, err := m.proxies.GetOrCreate(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("personas preview proxy: %w", err)
	}
	_, err = m.platform.SendAsProxy(ctx, identity, chat.ProxySendRequest{
		Username:  draft.Name,
		AvatarURL: draft.AvatarURL,
		Text:      previewText,
	})
	if err != nil {
		if errors.Is(err, chat.ErrProxyUnavailable) {
			m.proxies.Invalidate(conversationID)
		}
		return userError("HTTP error (probably bad avatar URL): %v", err)
	}

	return nil
}

func (m *Module) send(ctx context.Context, event *chat.Event, text string) error {
	target, err := chat.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("personas derive outbound target: %w", err)
	}

	return m.sendTo(ctx, target, text)
}

func (m *Module) sendTo(ctx context.Context, target chat.OutboundTarget, text string) error {
	_, err := m.dispatcher.SendMessage(ctx, chat.SendMessageRequest{Target: target, Text: text})
	if err != nil {
		return fmt.Errorf("personas send message: %w", err)
	}

	return nil
}

func (m *Module) reply(ctx context.Context, event *chat.Event, text string) error {
	target, err := chat.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("personas derive outbound target: %w", err)
	}
	_, err = m.dispatcher.SendMessage(ctx, chat.SendMessageRequest{
		Target:           target,
		Text:             text,
		ReplyToMessageID: event.Message.ID,
	})
	if err != nil {
		return fmt.Errorf("personas send reply: %w", err)
	}

	return nil
}
