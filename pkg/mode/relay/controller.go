package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/device-bridge/pkg/commsutil"
	"github.com/morezero/device-bridge/pkg/pairing"
	"github.com/morezero/device-bridge/pkg/semver"
)

const controllerLogPrefix = "relay:controller"

// ControllerConfig configures the relay-side pairing controller.
type ControllerConfig struct {
	// AutoApprove approves every new device on its first hello.
	AutoApprove        bool
	ProtocolConstraint string
}

// Controller answers device hellos from the pairing store, applies admin decisions
// and records heartbeats.
type Controller struct {
	nc    *comms.Conn
	store *pairing.Store
	cfg   ControllerConfig

	mu   sync.Mutex
	subs []*comms.Subscription
}

// NewController creates a controller over an open connection and store.
func NewController(nc *comms.Conn, store *pairing.Store, cfg ControllerConfig) *Controller {
	if cfg.ProtocolConstraint == "" {
		cfg.ProtocolConstraint = semver.DefaultConstraint
	}
	return &Controller{nc: nc, store: store, cfg: cfg}
}

// Start subscribes to the pairing, admin and heartbeat subjects.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		return errors.New("controller already started")
	}

	handlers := []struct {
		subject string
		fn      comms.MsgHandler
	}{
		{commsutil.SubjectPair, c.handleHello},
		{commsutil.SubjectPairAdmin, c.handleAdmin},
		{commsutil.SubjectAllHeartbeats, c.handleHeartbeat},
	}
	for _, h := range handlers {
		sub, err := c.nc.Subscribe(h.subject, h.fn)
		if err != nil {
			c.unsubscribeLocked()
			return fmt.Errorf("%s - subscribe %s: %w", controllerLogPrefix, h.subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	if err := c.nc.Flush(); err != nil {
		c.unsubscribeLocked()
		return fmt.Errorf("%s - flush: %w", controllerLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Listening for device hellos on %s (autoApprove=%v)", controllerLogPrefix, commsutil.SubjectPair, c.cfg.AutoApprove))
	return nil
}

// Stop removes the subscriptions.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribeLocked()
}

func (c *Controller) unsubscribeLocked() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

// SetStatus records a decision and signals the device.
func (c *Controller) SetStatus(deviceID string, status pairing.Status) (*pairing.Pairing, error) {
	p, err := c.store.SetStatus(deviceID, status)
	if err != nil {
		return nil, err
	}
	signal := &StateSignal{DeviceID: deviceID, State: StateForPairing(status), Message: "pairing " + string(status)}
	if err := commsutil.PublishJSON(c.nc, commsutil.BuildStateSubject(deviceID), signal); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to signal %s: %v", controllerLogPrefix, deviceID, err))
	}
	slog.Info(fmt.Sprintf("%s - Device %s is now %s", controllerLogPrefix, deviceID, status))
	return p, nil
}

func (c *Controller) handleHello(msg *comms.Msg) {
	var hello Hello
	if err := commsutil.DecodePayload(msg.Data, &hello); err != nil || hello.DeviceID == "" {
		c.reply(msg, &HelloReply{ProtocolVersion: semver.ProtocolVersion, State: StateError, Message: "invalid hello"})
		return
	}
	offered := hello.SupportedVersions
	if len(offered) == 0 {
		offered = []string{hello.ProtocolVersion}
	}
	version, err := semver.Negotiate(offered, c.cfg.ProtocolConstraint)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Rejecting hello from %s: %v", controllerLogPrefix, hello.DeviceID, err))
		c.reply(msg, &HelloReply{ProtocolVersion: semver.ProtocolVersion, State: StateError, Message: err.Error()})
		return
	}

	p, err := c.store.Request(hello.DeviceID, hello.DeviceName)
	if err != nil {
		c.reply(msg, &HelloReply{ProtocolVersion: semver.ProtocolVersion, State: StateError, Message: err.Error()})
		return
	}
	if p.Status == pairing.StatusPending && c.cfg.AutoApprove {
		if p, err = c.store.SetStatus(hello.DeviceID, pairing.StatusApproved); err != nil {
			c.reply(msg, &HelloReply{ProtocolVersion: semver.ProtocolVersion, State: StateError, Message: err.Error()})
			return
		}
	}

	slog.Info(fmt.Sprintf("%s - Hello from %s (%d actions, protocol %s), pairing %s", controllerLogPrefix, hello.DeviceID, len(hello.Actions), version, p.Status))
	c.reply(msg, &HelloReply{ProtocolVersion: version, State: StateForPairing(p.Status)})
}

func (c *Controller) handleAdmin(msg *comms.Msg) {
	var req AdminRequest
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil || (req.DeviceID == "" && req.Action != AdminList) {
		c.reply(msg, &AdminReply{Error: "invalid admin request"})
		return
	}
	if req.Action == AdminList {
		all, err := c.store.List()
		if err != nil {
			c.reply(msg, &AdminReply{Error: err.Error()})
			return
		}
		c.reply(msg, &AdminReply{Pairings: all})
		return
	}

	var (
		p   *pairing.Pairing
		err error
	)
	switch req.Action {
	case AdminApprove:
		p, err = c.SetStatus(req.DeviceID, pairing.StatusApproved)
	case AdminReject:
		p, err = c.SetStatus(req.DeviceID, pairing.StatusRejected)
	case AdminStatus:
		p, err = c.store.Get(req.DeviceID)
	default:
		err = fmt.Errorf("unknown admin action %q", req.Action)
	}
	if err != nil {
		c.reply(msg, &AdminReply{Error: err.Error()})
		return
	}
	c.reply(msg, &AdminReply{Pairing: p})
}

func (c *Controller) handleHeartbeat(msg *comms.Msg) {
	var hb Heartbeat
	if err := commsutil.DecodePayload(msg.Data, &hb); err != nil || hb.DeviceID == "" {
		return
	}
	if err := c.store.Touch(hb.DeviceID); err != nil && !errors.Is(err, pairing.ErrNotFound) {
		slog.Debug(fmt.Sprintf("%s - heartbeat from %s: %v", controllerLogPrefix, hb.DeviceID, err))
	}
}

func (c *Controller) reply(msg *comms.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := commsutil.EncodePayload(v)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - encode reply: %v", controllerLogPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - respond: %v", controllerLogPrefix, err))
	}
}

// RequestAdmin sends an admin action to whichever controller is listening.
func RequestAdmin(nc *comms.Conn, deviceID, action string, timeout time.Duration) (*pairing.Pairing, error) {
	reply, err := requestAdmin(nc, &AdminRequest{DeviceID: deviceID, Action: action}, timeout)
	if err != nil {
		return nil, err
	}
	return reply.Pairing, nil
}

// RequestPairings asks the listening controller for every pairing record it holds.
func RequestPairings(nc *comms.Conn, timeout time.Duration) ([]*pairing.Pairing, error) {
	reply, err := requestAdmin(nc, &AdminRequest{Action: AdminList}, timeout)
	if err != nil {
		return nil, err
	}
	return reply.Pairings, nil
}

func requestAdmin(nc *comms.Conn, req *AdminRequest, timeout time.Duration) (*AdminReply, error) {
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return nil, err
	}
	msg, err := nc.Request(commsutil.SubjectPairAdmin, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s - admin request: %w", controllerLogPrefix, err)
	}
	var reply AdminReply
	if err := commsutil.DecodePayload(msg.Data, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return &reply, nil
}
