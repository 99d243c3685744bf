// Package server orchestrates the bridge: builds the shared dispatch core once, starts
// every enabled connection mode over it, serves the status page, and stops everything on signal.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/device-bridge/internal/config"
	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/commsutil"
	"github.com/morezero/device-bridge/pkg/db"
	"github.com/morezero/device-bridge/pkg/dedup"
	"github.com/morezero/device-bridge/pkg/dispatcher"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/handlers"
	"github.com/morezero/device-bridge/pkg/mode"
	"github.com/morezero/device-bridge/pkg/mode/ipc"
	"github.com/morezero/device-bridge/pkg/mode/local"
	"github.com/morezero/device-bridge/pkg/mode/relay"
	"github.com/morezero/device-bridge/pkg/pairing"
	"github.com/morezero/device-bridge/pkg/registry"
)

const logPrefix = "server:server"

// Version is reported by get_device_info and the status page.
var Version = "dev"

const recentCallsKept = 100

// Server is the device-bridge orchestrator.
type Server struct {
	cfg     *config.Config
	catalog *catalog.Catalog

	reg       *registry.Registry
	disp      *dispatcher.Dispatcher
	calls     *dispatcher.MemoryCallLogger
	hub       *events.Hub
	dedup     *dedup.Deduplicator
	forwarder *events.Forwarder

	modes []mode.Mode

	pool     *pgxpool.Pool
	repo     *db.Repository
	pairings *pairing.Store

	controllerNC *comms.Conn
	controller   *relay.Controller

	statusLn   net.Listener
	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server for cfg. Nothing is opened until Start.
func New(cfg *config.Config) *Server {
	return &Server{cfg: cfg, catalog: catalog.Default()}
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting device-bridge %s (device %s)", logPrefix, Version, cfg.DeviceID))
	if cfg.DeviceIDGenerated {
		slog.Warn(fmt.Sprintf("%s - DEVICE_ID not set, using generated %s for this run", logPrefix, cfg.DeviceID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(cfg)
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return s.Shutdown(shutdownCtx)
}

// SetupLogging installs the default text logger at the given level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Start opens storage, builds the core, starts every enabled mode and the status page.
// A mode that fails to start is left in its Error state; the others keep running.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	// Step 1: Call-log persistence (optional)
	var callLogger dispatcher.CallLogger = dispatcher.SlogCallLogger{}
	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			s.cleanup()
			return err
		}
		callLogger = &dispatcher.StoreCallLogger{Store: s.repo}
	}
	s.calls = dispatcher.NewMemoryCallLogger(recentCallsKept)

	// Step 2: Pairing store, shared by the relay mode and the controller
	if cfg.RelayEnabled || cfg.ControllerEnabled {
		store, err := pairing.Open(cfg.PairingDBPath)
		if err != nil {
			s.cleanup()
			return fmt.Errorf("%s - failed to open pairing store: %w", logPrefix, err)
		}
		s.pairings = store
	}

	// Step 3: Core (registry, dispatcher, events)
	s.reg = registry.NewRegistry()
	s.disp = dispatcher.NewDispatcher(s.reg, dispatcher.MultiCallLogger{callLogger, s.calls})
	s.hub = events.NewHub(events.DefaultDeliveryTimeout)
	s.hub.Subscribe("log", events.NewCallbackPublisher(logEvent))
	s.dedup = dedup.New(dedup.Options{SMSWindow: cfg.DedupSMSWindow, NotificationWindow: cfg.DedupNotificationWindow})
	s.forwarder = events.NewForwarder(s.dedup, s.hub, cfg.DeviceID)
	s.registerHandlers()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dedup.Run(bgCtx, cfg.DedupSweepInterval)
	}()

	// Step 4: Relay controller (optional)
	if cfg.ControllerEnabled {
		if err := s.startController(); err != nil {
			s.cleanup()
			return err
		}
	}

	// Step 5: Connection modes
	s.modes = s.buildModes()
	for _, m := range s.modes {
		if err := m.Start(ctx); err != nil {
			slog.Error(fmt.Sprintf("%s - %s mode failed to start: %v", logPrefix, m.Kind(), err))
			continue
		}
		slog.Info(fmt.Sprintf("%s - %s mode is %s", logPrefix, m.Kind(), m.Status().State))
	}

	// Step 6: Status page
	ln, err := net.Listen("tcp", cfg.StatusListenAddr())
	if err != nil {
		s.stopModes()
		s.cleanup()
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, cfg.StatusListenAddr(), err)
	}
	s.statusLn = ln
	s.httpServer = &http.Server{Handler: s.statusHandler(), ReadHeaderTimeout: 10 * time.Second}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		slog.Info(fmt.Sprintf("%s - Status page listening on %s", logPrefix, ln.Addr()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - status server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - device-bridge is ready", logPrefix))
	return nil
}

// Shutdown stops every mode, the status page and background work, then closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - status server shutdown: %v", logPrefix, err))
		}
	}
	s.stopModes()
	s.cleanup()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// StatusAddr returns the bound status page address, or nil before Start.
func (s *Server) StatusAddr() net.Addr {
	if s.statusLn == nil {
		return nil
	}
	return s.statusLn.Addr()
}

// Modes returns the configured modes in start order.
func (s *Server) Modes() []mode.Mode {
	return s.modes
}

// Mode returns the configured mode of the given kind.
func (s *Server) Mode(kind mode.Kind) (mode.Mode, bool) {
	for _, m := range s.modes {
		if m.Kind() == kind {
			return m, true
		}
	}
	return nil, false
}

// Registry returns the shared handler registry so device adapters can register capabilities.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

func (s *Server) openDatabase(ctx context.Context) error {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrations(s.cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if _, err := db.Migrate(ctx, pool, migrations); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	s.repo = db.NewRepository(pool)
	return nil
}

func (s *Server) registerHandlers() {
	s.reg.Register(handlers.NewSystem(handlers.DeviceInfo{
		ID:      s.cfg.DeviceID,
		Name:    s.cfg.DeviceName,
		Version: Version,
	}, s.reg, s.catalog))
	s.reg.Register(handlers.NewEventSource(s.forwarder))
}

func (s *Server) startController() error {
	nc, err := commsutil.Connect(s.cfg.COMMSURL, s.cfg.COMMSName+"-controller")
	if err != nil {
		return fmt.Errorf("%s - failed to connect controller: %w", logPrefix, err)
	}
	s.controllerNC = nc
	s.controller = relay.NewController(nc, s.pairings, relay.ControllerConfig{AutoApprove: s.cfg.AutoApprove})
	return s.controller.Start()
}

func (s *Server) buildModes() []mode.Mode {
	cfg := s.cfg
	var modes []mode.Mode
	if cfg.IPCEnabled {
		modes = append(modes, ipc.New(ipc.Config{
			SocketPath: cfg.IPCSocket,
			Token:      cfg.IPCToken,
			Threshold:  cfg.LargeResultThreshold,
			TTL:        cfg.LargeResultTTL,
		}, s.disp, s.catalog, s.hub))
	}
	if cfg.HTTPEnabled {
		modes = append(modes, local.New(local.Config{Addr: cfg.HTTPAddr}, s.disp, s.catalog))
	}
	if cfg.RelayEnabled {
		var source pairing.StatusSource
		if s.pairings != nil {
			source = s.pairings
		}
		modes = append(modes, relay.New(relay.Config{
			URL:               cfg.COMMSURL,
			ServiceName:       cfg.COMMSName,
			DeviceID:          cfg.DeviceID,
			DeviceName:        cfg.DeviceName,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HelloTimeout:      cfg.HelloTimeout,
		}, s.disp, s.catalog, source, s.hub))
	}
	return modes
}

func (s *Server) stopModes() {
	for i := len(s.modes) - 1; i >= 0; i-- {
		m := s.modes[i]
		if err := m.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - stopping %s mode: %v", logPrefix, m.Kind(), err))
		}
	}
}

// cleanup releases everything Start may have opened. Safe on a partial Start.
func (s *Server) cleanup() {
	if s.controller != nil {
		s.controller.Stop()
		s.controller = nil
	}
	if s.controllerNC != nil {
		s.controllerNC.Close()
		s.controllerNC = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.pairings != nil {
		if err := s.pairings.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - closing pairing store: %v", logPrefix, err))
		}
		s.pairings = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func logEvent(_ context.Context, e *events.Event) error {
	slog.Info(fmt.Sprintf("%s - event %s from %s (%s)", logPrefix, e.Type, e.Source, e.ID))
	return nil
}
