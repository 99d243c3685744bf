package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/device-bridge/pkg/dedup"
)

const forwarderLogPrefix = "events:forwarder"

// Forwarder applies the deduplication policies to raw device events before fan-out.
type Forwarder struct {
	dedup    *dedup.Deduplicator
	out      Publisher
	deviceID string
	now      func() time.Time
}

// NewForwarder creates a Forwarder publishing surviving events to out.
func NewForwarder(d *dedup.Deduplicator, out Publisher, deviceID string) *Forwarder {
	if out == nil {
		out = &NoOpPublisher{}
	}
	return &Forwarder{dedup: d, out: out, deviceID: deviceID, now: time.Now}
}

// SMSReceived forwards an SMS from the canonical broadcast path.
func (f *Forwarder) SMSReceived(ctx context.Context, sender, body string) error {
	f.dedup.RecordSMS(body)
	return f.publish(ctx, &Event{Type: TypeSMSReceived, Source: sender, Text: body})
}

// NotificationPosted forwards n unless one of the deduplication policies suppresses it.
func (f *Forwarder) NotificationPosted(ctx context.Context, n Notification) (bool, error) {
	switch {
	case f.dedup.IsDuplicateOfSMS(n.Source, n.Text):
		slog.Debug(fmt.Sprintf("%s - %s echoes a forwarded SMS, dropped", forwarderLogPrefix, n.Key))
		return false, nil
	case n.Ongoing:
		if f.dedup.IsOngoingAlreadyForwarded(n.Key) {
			return false, nil
		}
	default:
		if f.dedup.IsDuplicateNotification(n.Source, n.Title, n.Text) {
			slog.Debug(fmt.Sprintf("%s - duplicate notification %s dropped", forwarderLogPrefix, n.Key))
			return false, nil
		}
	}

	err := f.publish(ctx, &Event{
		Type:    TypeNotificationPosted,
		Source:  n.Source,
		Title:   n.Title,
		Text:    n.Text,
		Key:     n.Key,
		Ongoing: n.Ongoing,
	})
	return err == nil, err
}

// NotificationRemoved re-arms an ongoing notification and forwards the removal.
func (f *Forwarder) NotificationRemoved(ctx context.Context, key string) error {
	f.dedup.ClearOngoing(key)
	return f.publish(ctx, &Event{Type: TypeNotificationRemoved, Key: key})
}

// Forward routes a raw event through the matching policy. It reports whether the event was published.
func (f *Forwarder) Forward(ctx context.Context, e *Event) (bool, error) {
	switch e.Type {
	case TypeSMSReceived:
		err := f.SMSReceived(ctx, e.Source, e.Text)
		return err == nil, err
	case TypeNotificationPosted:
		return f.NotificationPosted(ctx, Notification{Key: e.Key, Source: e.Source, Title: e.Title, Text: e.Text, Ongoing: e.Ongoing})
	case TypeNotificationRemoved:
		err := f.NotificationRemoved(ctx, e.Key)
		return err == nil, err
	default:
		return false, fmt.Errorf("%s - unknown event type %q", forwarderLogPrefix, e.Type)
	}
}

func (f *Forwarder) publish(ctx context.Context, e *Event) error {
	e.ID = uuid.NewString()
	e.DeviceID = f.deviceID
	e.Timestamp = f.now().UTC().Format(time.RFC3339)
	if err := f.out.Publish(ctx, e); err != nil {
		return fmt.Errorf("%s - publish %s: %w", forwarderLogPrefix, e.Type, err)
	}
	return nil
}
