// Package local is the embedded local server mode: the registry exposed as MCP tools
// over streamable HTTP at /mcp. Binding to loopback is the trust boundary.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/dispatcher"
	"github.com/morezero/device-bridge/pkg/mode"
)

const logPrefix = "local:mode"

const (
	serverName    = "device-bridge"
	serverVersion = "1.0.0"

	// Path is the single MCP endpoint.
	Path = "/mcp"

	sessionHeader   = "Mcp-Session-Id"
	shutdownTimeout = 5 * time.Second
	// MaxBodyBytes bounds a buffered request body.
	MaxBodyBytes = 8 << 20
)

// Config configures the local mode.
type Config struct {
	// Addr is the listen address, e.g. 127.0.0.1:8765. Port 0 picks a free port.
	Addr string
}

// Mode implements mode.Mode over HTTP.
type Mode struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	catalog    *catalog.Catalog
	status     *mode.StatusHolder

	mu       sync.Mutex
	srv      *http.Server
	addr     net.Addr
	done     chan struct{}
	sessions map[string]struct{}
}

// New creates the local mode.
func New(cfg Config, d *dispatcher.Dispatcher, c *catalog.Catalog) *Mode {
	if c == nil {
		c = catalog.Default()
	}
	return &Mode{
		cfg:        cfg,
		dispatcher: d,
		catalog:    c,
		status:     mode.NewStatusHolder(),
		sessions:   make(map[string]struct{}),
	}
}

// Kind returns mode.KindLocal.
func (m *Mode) Kind() mode.Kind { return mode.KindLocal }

// Status returns the current mode status.
func (m *Mode) Status() mode.Status { return m.status.Get() }

// Tools returns the catalog resolved against the registered actions.
func (m *Mode) Tools() []catalog.ToolInfo { return mode.Tools(m.dispatcher, m.catalog) }

// Addr returns the bound address while running.
func (m *Mode) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Start binds the listener and serves /mcp.
func (m *Mode) Start(ctx context.Context) error {
	if !m.status.Transition(mode.StateStarting, "", mode.StateIdle, mode.StateError) {
		return fmt.Errorf("%s - cannot start from state %s", logPrefix, m.status.State())
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to bind %s: %v", logPrefix, m.cfg.Addr, err))
		m.status.Set(mode.StateError, err.Error())
		return command.Failure(command.CodeTransportFailure, fmt.Sprintf("bind %s: %v", m.cfg.Addr, err))
	}

	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	done := make(chan struct{})

	m.mu.Lock()
	m.srv = srv
	m.addr = ln.Addr()
	m.done = done
	m.sessions = make(map[string]struct{})
	m.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - server stopped: %v", logPrefix, err))
			m.status.Transition(mode.StateError, err.Error(), mode.StateRunning, mode.StateStarting)
		}
	}()

	m.status.Set(mode.StateRunning, "listening on "+ln.Addr().String())
	slog.Info(fmt.Sprintf("%s - MCP endpoint on http://%s%s", logPrefix, ln.Addr(), Path))
	return nil
}

// Stop shuts the server down and releases the port.
func (m *Mode) Stop() error {
	if !m.status.Transition(mode.StateStopping, "", mode.StateRunning, mode.StateStarting, mode.StateError) {
		return nil
	}

	m.mu.Lock()
	srv, done := m.srv, m.done
	m.srv, m.done, m.addr = nil, nil, nil
	m.sessions = make(map[string]struct{})
	m.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = srv.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - shutdown: %v", logPrefix, err))
			srv.Close()
		}
		<-done
	}

	m.status.Set(mode.StateIdle, "")
	slog.Info(fmt.Sprintf("%s - Stopped", logPrefix))
	return err
}

// Handler returns the HTTP handler serving /mcp. Each new MCP session gets a server built
// from the registry as it is at that moment, so actions registered after Start are listed
// to sessions opened later. An open session keeps the tool list it started with.
func (m *Mode) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return m.newMCPServer()
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})

	mux := http.NewServeMux()
	mux.Handle(Path, m.trackSessions(mcpHandler))
	return bufferBody(mux)
}

func (m *Mode) newMCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	for _, info := range m.Tools() {
		mcp.AddTool(server, &mcp.Tool{
			Name:        info.Name,
			Title:       info.DisplayName,
			Description: info.Description,
		}, m.toolHandler(info.Name))
	}
	return server
}

func (m *Mode) trackSessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		m.mu.Lock()
		if r.Method == http.MethodDelete {
			delete(m.sessions, r.Header.Get(sessionHeader))
		} else if id := w.Header().Get(sessionHeader); id != "" {
			m.sessions[id] = struct{}{}
		}
		n := len(m.sessions)
		m.mu.Unlock()
		m.status.SetClients(n)
	})
}
