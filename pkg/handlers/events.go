package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/events"
)

const eventsLogPrefix = "handlers:events"

// Forwarder is the part of events.Forwarder post_event needs.
type Forwarder interface {
	Forward(ctx context.Context, e *events.Event) (bool, error)
}

// EventSource serves post_event, which feeds device events into the forwarder.
// Platform listeners without an in-process hook use it to report SMS and notifications.
type EventSource struct {
	fwd Forwarder
}

// NewEventSource creates the post_event capability.
func NewEventSource(fwd Forwarder) *EventSource {
	return &EventSource{fwd: fwd}
}

// SupportedActions implements registry.Capability.
func (e *EventSource) SupportedActions() []string {
	return []string{ActionPostEvent}
}

// Handle implements registry.Capability.
func (e *EventSource) Handle(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	typ, _ := cmd.StringParam("type")
	event := &events.Event{Type: events.Type(typ)}
	switch event.Type {
	case events.TypeSMSReceived:
		event.Source, _ = cmd.StringParam("sender")
		if event.Source == "" {
			event.Source, _ = cmd.StringParam("source")
		}
		event.Text, _ = cmd.StringParam("body")
		if event.Text == "" {
			event.Text, _ = cmd.StringParam("text")
		}
	case events.TypeNotificationPosted:
		event.Source, _ = cmd.StringParam("source")
		event.Title, _ = cmd.StringParam("title")
		event.Text, _ = cmd.StringParam("text")
		event.Key, _ = cmd.StringParam("key")
		event.Ongoing, _ = cmd.Param("ongoing").(bool)
		if event.Key == "" {
			return nil, command.Failure(command.CodeInvalidArgument, "notification key is required")
		}
	case events.TypeNotificationRemoved:
		event.Key, _ = cmd.StringParam("key")
		if event.Key == "" {
			return nil, command.Failure(command.CodeInvalidArgument, "notification key is required")
		}
	default:
		return nil, command.Failure(command.CodeInvalidArgument, fmt.Sprintf("unknown event type %q", typ))
	}

	forwarded, err := e.fwd.Forward(ctx, event)
	if err != nil {
		return nil, err
	}
	slog.Debug(fmt.Sprintf("%s - %s forwarded=%v", eventsLogPrefix, event.Type, forwarded))
	return command.OK(map[string]any{"type": event.Type, "forwarded": forwarded}), nil
}
