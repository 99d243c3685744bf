// Package ipc is the privileged IPC connection mode: a unix socket speaking
// newline-delimited JSON frames, guarded by a shared token and per-caller sessions.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/device-bridge/pkg/auth"
	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/dispatcher"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/mode"
	"github.com/morezero/device-bridge/pkg/offload"
)

const logPrefix = "ipc:mode"

const writeTimeout = 10 * time.Second

var identifyPeerFn = identifyPeer

func identifyPeer(conn net.Conn) (auth.Identity, error) {
	uid, err := peerUID(conn)
	if err != nil {
		return "", err
	}
	return auth.UID(uid), nil
}

// Config configures the IPC mode.
type Config struct {
	SocketPath string
	// Token is installed at start. Empty generates a fresh one.
	Token string
	// Threshold and TTL configure large-result offload; zero uses the offload defaults.
	Threshold int
	TTL       time.Duration
}

// Mode implements mode.Mode over a unix socket.
type Mode struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	catalog    *catalog.Catalog
	hub        *events.Hub

	guard   *auth.Guard
	offload *offload.Store
	status  *mode.StatusHolder

	mu        sync.Mutex
	token     string
	listener  net.Listener
	cancel    context.CancelFunc
	conns     map[*session]struct{}
	callbacks map[string]*session
	connSeq   atomic.Uint64
	wg        sync.WaitGroup
}

// New creates the IPC mode. hub may be nil, in which case callback registration fails.
func New(cfg Config, d *dispatcher.Dispatcher, c *catalog.Catalog, hub *events.Hub) *Mode {
	if c == nil {
		c = catalog.Default()
	}
	return &Mode{
		cfg:        cfg,
		dispatcher: d,
		catalog:    c,
		hub:        hub,
		guard:      auth.NewGuard(),
		offload:    offload.NewStore(cfg.Threshold, cfg.TTL),
		status:     mode.NewStatusHolder(),
		conns:      make(map[*session]struct{}),
		callbacks:  make(map[string]*session),
	}
}

// Kind returns mode.KindIPC.
func (m *Mode) Kind() mode.Kind { return mode.KindIPC }

// Status returns the current mode status.
func (m *Mode) Status() mode.Status { return m.status.Get() }

// Tools returns the catalog resolved against the registered actions.
func (m *Mode) Tools() []catalog.ToolInfo { return mode.Tools(m.dispatcher, m.catalog) }

// Token returns the token clients must present. It is empty while the mode is idle.
func (m *Mode) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// SocketPath returns the configured socket path.
func (m *Mode) SocketPath() string { return m.cfg.SocketPath }

// Start clears every table, installs the token and begins listening.
func (m *Mode) Start(ctx context.Context) error {
	if !m.status.Transition(mode.StateStarting, "", mode.StateIdle, mode.StateError) {
		return fmt.Errorf("%s - cannot start from state %s", logPrefix, m.status.State())
	}

	token := m.cfg.Token
	if token == "" {
		var err error
		if token, err = auth.GenerateToken(); err != nil {
			m.status.Set(mode.StateError, err.Error())
			return err
		}
	} else if err := auth.ValidateToken(token); err != nil {
		slog.Error(fmt.Sprintf("%s - configured token rejected: %v", logPrefix, err))
		m.status.Set(mode.StateError, err.Error())
		return err
	}
	m.resetTables()
	m.guard.Reset(token)

	_ = os.Remove(m.cfg.SocketPath)
	ln, err := net.Listen("unix", m.cfg.SocketPath)
	if err != nil {
		return m.fail(fmt.Errorf("listening on %s: %w", m.cfg.SocketPath, err))
	}
	if err := os.Chmod(m.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		os.Remove(m.cfg.SocketPath)
		return m.fail(fmt.Errorf("setting socket permissions: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.token = token
	m.listener = ln
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(runCtx, ln)
	}()
	go func() {
		defer m.wg.Done()
		m.offload.Run(runCtx, 0)
	}()

	m.status.Set(mode.StateRunning, "listening on "+m.cfg.SocketPath)
	slog.Info(fmt.Sprintf("%s - Listening on %s", logPrefix, m.cfg.SocketPath))
	return nil
}

// Stop closes the listener and every connection, waits for in-flight work and clears every table.
func (m *Mode) Stop() error {
	if !m.status.Transition(mode.StateStopping, "", mode.StateRunning, mode.StateStarting, mode.StateError) {
		return nil
	}

	m.mu.Lock()
	ln, cancel := m.listener, m.cancel
	m.listener, m.cancel = nil, nil
	conns := make([]*session, 0, len(m.conns))
	for s := range m.conns {
		conns = append(conns, s)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	for _, s := range conns {
		s.conn.Close()
	}
	m.wg.Wait()

	m.resetTables()
	m.guard.Clear()
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	_ = os.Remove(m.cfg.SocketPath)

	m.status.Set(mode.StateIdle, "")
	slog.Info(fmt.Sprintf("%s - Stopped", logPrefix))
	return nil
}

func (m *Mode) fail(err error) error {
	slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
	m.status.Set(mode.StateError, err.Error())
	return command.Failure(command.CodeTransportFailure, err.Error())
}

func (m *Mode) resetTables() {
	m.offload.Clear()
	m.mu.Lock()
	keys := make([]string, 0, len(m.callbacks))
	for key := range m.callbacks {
		keys = append(keys, key)
	}
	m.callbacks = make(map[string]*session)
	m.mu.Unlock()
	if m.hub != nil {
		for _, key := range keys {
			m.hub.Unsubscribe(key)
		}
	}
}

func (m *Mode) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn(fmt.Sprintf("%s - accept: %v", logPrefix, err))
			}
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer conn.Close()
			m.serveConn(ctx, conn)
		}()
	}
}
