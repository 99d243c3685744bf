package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/device-bridge/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalSubject overrides the subject receiving every event.
	GlobalSubject string
}

// CommsPublisher publishes device events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	deviceID      string
	globalSubject string
}

// NewCommsPublisher creates a new CommsPublisher for deviceID. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, deviceID string, opts *CommsPublisherOpts) *CommsPublisher {
	globalSubject := commsutil.SubjectEvents
	if opts != nil && opts.GlobalSubject != "" {
		globalSubject = opts.GlobalSubject
	}
	return &CommsPublisher{nc: nc, deviceID: deviceID, globalSubject: globalSubject}
}

// Publish sends event to both the per-device and the global event subjects.
func (p *CommsPublisher) Publish(_ context.Context, event *Event) error {
	if event.DeviceID == "" {
		event.DeviceID = p.deviceID
	}
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	deviceSubject := commsutil.BuildEventSubject(p.deviceID, string(event.Type))
	if err := p.nc.Publish(deviceSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, deviceSubject, err))
		return err
	}

	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event %s", commsPublisherLogPrefix, event.Type, event.ID))
	return nil
}
