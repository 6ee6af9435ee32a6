package kernel

import (
	"context"
	"fmt"

	"persona-relay/pkg/chat"
)

// newDriverEventSink creates the source-event sink wrapped with command derivation.
func (k *Kernel) newDriverEventSink() chat.EventSink {
	return &commandDerivingSink{
		base:          k.bus,
		lookupCommand: k.catalog.lookup,
		services:      k.services,
		reportAsync:   k.cfg.onAsyncError,
	}
}

// commandDerivingSink publishes source events and derives command events.
//
// The source event is always published first so message consumers (the relay)
// see every message; they use the command catalog to skip command text.
type commandDerivingSink struct {
	base          chat.EventSink
	lookupCommand func(prefix chat.CommandPrefix, name string) (chat.CommandSpec, bool)
	services      chat.ServiceRegistry
	reportAsync   func(context.Context, string, error)
}

// Publish forwards one source event and conditionally derives one command event.
func (s *commandDerivingSink) Publish(ctx context.Context, event *chat.Event) error {
	if event == nil {
		return fmt.Errorf("publish command deriving sink: nil event")
	}
	if s.base == nil {
		return fmt.Errorf("publish command deriving sink: nil base sink")
	}

	if err := s.base.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish source event %s: %w", event.Kind, err)
	}
	if event.Kind != chat.EventKindMessageCreated || event.Message == nil {
		return nil
	}

	candidate, matched, parseErr := chat.ParseAddressedCommandCandidate(
		event.Message.Text,
		chat.CommandAddressFromEvent(event),
	)
	if !matched {
		return nil
	}
	spec, registered := s.lookupCommand(candidate.Prefix, candidate.Name)
	if !registered {
		return nil
	}
	if parseErr != nil {
		s.replyCommandError(ctx, event, spec, parseErr)
		return nil
	}

	invocation, bindErr := chat.BindCommand(candidate, spec, event)
	if bindErr != nil {
		s.replyCommandError(ctx, event, spec, bindErr)
		return nil
	}

	if err := s.base.Publish(ctx, derivedCommandEvent(event, candidate.Prefix, invocation)); err != nil {
		return fmt.Errorf("publish derived command %s: %w", invocation.Name, err)
	}

	return nil
}

// replyCommandError answers a malformed invocation with the command usage.
func (s *commandDerivingSink) replyCommandError(
	ctx context.Context,
	sourceEvent *chat.Event,
	spec chat.CommandSpec,
	cause error,
) {
	if s.services == nil {
		s.reportAsyncError(ctx, "command error reply", fmt.Errorf("service lookup unavailable"))
		return
	}
	dispatcher, err := chat.ResolveAs[chat.OutboundDispatcher](s.services, chat.ServiceOutboundDispatcher)
	if err != nil {
		s.reportAsyncError(ctx, "command error reply resolve dispatcher", err)
		return
	}
	target, err := chat.OutboundTargetFromEvent(sourceEvent)
	if err != nil {
		s.reportAsyncError(ctx, "command error reply derive target", err)
		return
	}

	_, err = dispatcher.SendMessage(ctx, chat.SendMessageRequest{
		Target:           target,
		Text:             fmt.Sprintf("%s\nusage: %s", cause.Error(), chat.CommandUsage(spec)),
		ReplyToMessageID: sourceEvent.Message.ID,
	})
	if err != nil {
		s.reportAsyncError(ctx, "command error reply send", err)
	}
}

func (s *commandDerivingSink) reportAsyncError(ctx context.Context, scope string, err error) {
	if s.reportAsync != nil {
		s.reportAsync(ctx, scope, err)
	}
}

// derivedCommandEvent builds the command event that accompanies sourceEvent.
func derivedCommandEvent(
	sourceEvent *chat.Event,
	prefix chat.CommandPrefix,
	invocation chat.CommandInvocation,
) *chat.Event {
	kind, suffix := chat.EventKindCommandReceived, "#command"
	if prefix == chat.CommandPrefixSystem {
		kind, suffix = chat.EventKindSystemCommandReceived, "#system-command"
	}

	actor := sourceEvent.Actor
	actor.Roles = append([]string(nil), sourceEvent.Actor.Roles...)
	message := chat.CloneMessage(*sourceEvent.Message)
	command := invocation
	command.Args = append([]string(nil), invocation.Args...)
	command.Options = append([]chat.CommandOption(nil), invocation.Options...)

	return &chat.Event{
		ID:           sourceEvent.ID + suffix,
		Kind:         kind,
		OccurredAt:   sourceEvent.OccurredAt,
		Platform:     sourceEvent.Platform,
		SelfID:       sourceEvent.SelfID,
		TenantID:     sourceEvent.TenantID,
		Conversation: sourceEvent.Conversation,
		Actor:        actor,
		Message:      &message,
		Command:      &command,
		Metadata:     cloneStringMap(sourceEvent.Metadata),
	}
}

func cloneStringMap(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}

	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}

	return cloned
}
