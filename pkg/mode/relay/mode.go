// Package relay is the remote relay connection mode. The device keeps an outbound
// COMMS connection, accepts command envelopes once its pairing is approved, and
// answers on its response subject correlated by command id. The package also holds
// the controller side: the pairing responder and a caller with per-call timeouts.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/commsutil"
	"github.com/morezero/device-bridge/pkg/dispatcher"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/mode"
	"github.com/morezero/device-bridge/pkg/pairing"
	"github.com/morezero/device-bridge/pkg/semver"
)

const logPrefix = "relay:mode"

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHelloTimeout      = 5 * time.Second
	hubListenerName          = "relay"
)

// Config configures the relay mode.
type Config struct {
	URL               string
	ServiceName       string
	DeviceID          string
	DeviceName        string
	HeartbeatInterval time.Duration
	HelloTimeout      time.Duration
	// ProtocolConstraint is the accepted relay protocol range; empty uses semver.DefaultConstraint.
	ProtocolConstraint string
}

// Mode implements mode.Mode over a COMMS relay.
type Mode struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	catalog    *catalog.Catalog
	pairings   pairing.StatusSource
	hub        *events.Hub
	status     *mode.StatusHolder

	connectFn func(url, name string, hooks *commsutil.Hooks) (*comms.Conn, error)

	mu     sync.Mutex
	conn   ConnectionState
	nc     *comms.Conn
	subs   []*comms.Subscription
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the relay mode. pairings and hub may be nil.
func New(cfg Config, d *dispatcher.Dispatcher, c *catalog.Catalog, pairings pairing.StatusSource, hub *events.Hub) *Mode {
	if c == nil {
		c = catalog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.ProtocolConstraint == "" {
		cfg.ProtocolConstraint = semver.DefaultConstraint
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "device-bridge"
	}
	return &Mode{
		cfg:        cfg,
		dispatcher: d,
		catalog:    c,
		pairings:   pairings,
		hub:        hub,
		status:     mode.NewStatusHolder(),
		connectFn:  commsutil.ConnectWithHooks,
		conn:       StateDisconnected,
	}
}

// Kind returns mode.KindRelay.
func (m *Mode) Kind() mode.Kind { return mode.KindRelay }

// Status returns the current mode status.
func (m *Mode) Status() mode.Status { return m.status.Get() }

// Tools returns the catalog resolved against the registered actions.
func (m *Mode) Tools() []catalog.ToolInfo { return mode.Tools(m.dispatcher, m.catalog) }

// ConnectionState returns the relay-level state.
func (m *Mode) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Start connects to the relay, subscribes to the device subjects and sends the hello.
func (m *Mode) Start(ctx context.Context) error {
	if !m.status.Transition(mode.StateStarting, "connecting to "+m.cfg.URL, mode.StateIdle, mode.StateError) {
		return fmt.Errorf("%s - cannot start from state %s", logPrefix, m.status.State())
	}
	m.setConn(StateConnecting, "connecting to "+m.cfg.URL)

	nc, err := m.connectFn(m.cfg.URL, m.cfg.ServiceName+"-"+m.cfg.DeviceID, &commsutil.Hooks{
		OnDisconnect: m.onDisconnect,
		OnReconnect:  m.onReconnect,
		OnClosed:     m.onClosed,
	})
	if err != nil {
		m.setConn(StateError, err.Error())
		return command.Failure(command.CodeTransportFailure, err.Error())
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.nc = nc
	m.runCtx = runCtx
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.subscribe(nc); err != nil {
		m.teardown()
		m.setConn(StateError, err.Error())
		return command.Failure(command.CodeTransportFailure, err.Error())
	}
	if m.hub != nil {
		m.hub.Subscribe(hubListenerName, events.NewCommsPublisher(nc, m.cfg.DeviceID, nil))
	}
	m.setConn(StateConnected, "connected to "+nc.ConnectedUrl())

	if err := m.hello(runCtx); err != nil {
		m.teardown()
		m.setConn(StateError, err.Error())
		return err
	}

	m.goTracked(m.heartbeatLoop)

	slog.Info(fmt.Sprintf("%s - Device %s on relay %s is %s", logPrefix, m.cfg.DeviceID, m.cfg.URL, m.ConnectionState()))
	return nil
}

// Stop cancels the heartbeat, waits for in-flight commands and closes the connection.
func (m *Mode) Stop() error {
	if !m.status.Transition(mode.StateStopping, "", mode.StateRunning, mode.StateStarting, mode.StateError) {
		return nil
	}
	m.teardown()
	m.mu.Lock()
	m.conn = StateDisconnected
	m.mu.Unlock()
	m.status.Set(mode.StateIdle, "")
	slog.Info(fmt.Sprintf("%s - Stopped", logPrefix))
	return nil
}

func (m *Mode) teardown() {
	m.mu.Lock()
	nc, subs, cancel := m.nc, m.subs, m.cancel
	m.nc, m.subs, m.cancel = nil, nil, nil
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Unsubscribe(hubListenerName)
	}
	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	m.wg.Wait()
	if nc != nil {
		nc.Close()
	}
}

func (m *Mode) subscribe(nc *comms.Conn) error {
	cmdSub, err := nc.Subscribe(commsutil.BuildCommandSubject(m.cfg.DeviceID), func(msg *comms.Msg) {
		m.goTracked(func(ctx context.Context) { m.handleCommand(ctx, nc, msg) })
	})
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}

	stateSub, err := nc.Subscribe(commsutil.BuildStateSubject(m.cfg.DeviceID), m.handleStateSignal)
	if err != nil {
		_ = cmdSub.Unsubscribe()
		return fmt.Errorf("subscribe state: %w", err)
	}

	if err := nc.Flush(); err != nil {
		_ = cmdSub.Unsubscribe()
		_ = stateSub.Unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	m.mu.Lock()
	m.subs = []*comms.Subscription{cmdSub, stateSub}
	m.mu.Unlock()
	return nil
}

// setConn records a connection state and mirrors it onto the mode status.
// It never overrides Stopping or Idle, which belong to Stop.
func (m *Mode) setConn(cs ConnectionState, message string) {
	m.mu.Lock()
	m.conn = cs
	m.mu.Unlock()

	m.status.Transition(ModeState(cs), message,
		mode.StateStarting, mode.StateRunning, mode.StateError)
	slog.Debug(fmt.Sprintf("%s - connection state %s (%s)", logPrefix, cs, message))
}

// goTracked runs fn on the run context unless the mode is tearing down.
func (m *Mode) goTracked(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	ctx := m.runCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
}

// active reports whether lifecycle hooks belong to the current connection.
func (m *Mode) active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nc != nil
}

func (m *Mode) onDisconnect(err error) {
	if !m.active() {
		return
	}
	msg := "reconnecting"
	if err != nil {
		msg = "reconnecting: " + err.Error()
	}
	m.setConn(StateConnecting, msg)
}

func (m *Mode) onReconnect() {
	if !m.active() {
		return
	}
	m.setConn(StateConnected, "reconnected")
	m.goTracked(func(ctx context.Context) {
		if err := m.hello(ctx); err != nil {
			m.setConn(StateError, err.Error())
		}
	})
}

func (m *Mode) onClosed() {
	if !m.active() {
		return
	}
	m.setConn(StateError, "relay connection closed")
}

// hello announces the device and adopts the relay's answer. Without a responder the
// stored pairing status decides.
func (m *Mode) hello(ctx context.Context) error {
	m.mu.Lock()
	nc := m.nc
	m.mu.Unlock()
	if nc == nil {
		return errors.New("not connected")
	}

	data, err := commsutil.EncodePayload(&Hello{
		DeviceID:          m.cfg.DeviceID,
		DeviceName:        m.cfg.DeviceName,
		ProtocolVersion:   semver.ProtocolVersion,
		SupportedVersions: semver.Offer(m.cfg.ProtocolConstraint),
		Actions:           m.dispatcher.Registry().Actions(),
	})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.HelloTimeout)
	defer cancel()
	msg, err := nc.RequestWithContext(reqCtx, commsutil.SubjectPair, data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - no hello reply (%v), using stored pairing", logPrefix, err))
		m.setConn(m.storedState(ctx), "awaiting relay")
		return nil
	}

	var reply HelloReply
	if err := commsutil.DecodePayload(msg.Data, &reply); err != nil {
		return command.Failure(command.CodeTransportFailure, "invalid hello reply: "+err.Error())
	}
	if reply.State == StateError {
		return command.Failure(command.CodeTransportFailure, "relay refused hello: "+reply.Message)
	}
	if err := semver.CheckCompatible(reply.ProtocolVersion, m.cfg.ProtocolConstraint); err != nil {
		return command.Failure(command.CodeTransportFailure, err.Error())
	}
	m.setConn(reply.State, reply.Message)
	return nil
}

func (m *Mode) storedState(ctx context.Context) ConnectionState {
	if m.pairings == nil {
		return StatePendingApproval
	}
	status, err := m.pairings.PairingStatus(ctx, m.cfg.DeviceID)
	if err != nil {
		return StatePendingApproval
	}
	return StateForPairing(status)
}

func (m *Mode) handleStateSignal(msg *comms.Msg) {
	var signal StateSignal
	if err := commsutil.DecodePayload(msg.Data, &signal); err != nil {
		slog.Warn(fmt.Sprintf("%s - invalid state signal: %v", logPrefix, err))
		return
	}
	switch signal.State {
	case StatePendingApproval, StateApproved, StateRejected:
	default:
		slog.Warn(fmt.Sprintf("%s - ignoring state signal %q", logPrefix, signal.State))
		return
	}
	if !m.active() {
		return
	}
	slog.Info(fmt.Sprintf("%s - pairing state is now %s", logPrefix, signal.State))
	m.setConn(signal.State, signal.Message)
}

func (m *Mode) handleCommand(ctx context.Context, nc *comms.Conn, msg *comms.Msg) {
	var env command.Envelope
	if err := commsutil.DecodePayload(msg.Data, &env); err != nil {
		slog.Warn(fmt.Sprintf("%s - invalid command frame: %v", logPrefix, err))
		return
	}
	if env.Type != command.EnvelopeTypeCommand || env.ID == "" {
		slog.Warn(fmt.Sprintf("%s - ignoring frame type=%q id=%q", logPrefix, env.Type, env.ID))
		return
	}

	var result *command.Result
	if cs := m.ConnectionState(); cs != StateApproved {
		result = command.Failf("device is not approved (%s)", cs)
	} else {
		result = m.dispatcher.Dispatch(ctx, command.TransportRelay, env.Command())
	}

	if !m.status.Accepting() {
		slog.Debug(fmt.Sprintf("%s - discarding result of %s, mode is %s", logPrefix, env.Action, m.status.State()))
		return
	}

	resp := command.NewResponse(env.ID, result)
	var err error
	if msg.Reply != "" {
		var data []byte
		if data, err = commsutil.EncodePayload(resp); err == nil {
			err = msg.Respond(data)
		}
	} else {
		err = commsutil.PublishJSON(nc, commsutil.BuildResponseSubject(m.cfg.DeviceID), resp)
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send response for %s: %v", logPrefix, env.ID, err))
	}
}

func (m *Mode) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			nc, cs := m.nc, m.conn
			m.mu.Unlock()
			if nc == nil {
				continue
			}
			hb := &Heartbeat{DeviceID: m.cfg.DeviceID, State: cs, Timestamp: now.UTC().Format(time.RFC3339)}
			if err := commsutil.PublishJSON(nc, commsutil.BuildHeartbeatSubject(m.cfg.DeviceID), hb); err != nil {
				slog.Debug(fmt.Sprintf("%s - heartbeat: %v", logPrefix, err))
			}
		}
	}
}
