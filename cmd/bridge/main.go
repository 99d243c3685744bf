// Package main is the entrypoint for the device bridge.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/device-bridge/internal/config"
	"github.com/morezero/device-bridge/internal/server"
	"github.com/morezero/device-bridge/pkg/auth"
	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/commsutil"
	"github.com/morezero/device-bridge/pkg/db"
	"github.com/morezero/device-bridge/pkg/dedup"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/handlers"
	"github.com/morezero/device-bridge/pkg/mode/relay"
	"github.com/morezero/device-bridge/pkg/pairing"
	"github.com/morezero/device-bridge/pkg/registry"
)

const usage = `Usage: bridge [command]
       bridge serve                                Start every enabled mode (IPC, local MCP, relay) and the status page.
       bridge migrate up|status                    Apply or list schema migrations.
       bridge ensure-db [name]                     Create the database if missing (default name: device_bridge).
       bridge calls [action]                       Print recent persisted calls.
       bridge calls --stats                        Print call counts, failures and average latency per action.
       bridge clear                                Delete every persisted call.
       bridge tools                                Print the tools a bare bridge exposes, in catalog order.
       bridge token                                Print a fresh IPC token for BRIDGE_IPC_TOKEN.
       bridge pair <deviceId> approve|reject|status
       bridge pair list                            Show or change device pairings.
       bridge call <deviceId> <action> [params]    Send one command to a device over the relay; params is a JSON object.

Commands:
  serve       (default) Start the bridge.
  migrate     up applies pending migrations; status lists each one with its apply time.
  ensure-db   Create a database on the DATABASE_URL host.
  calls       Recent calls from call_logs, newest first.
  clear       Truncate call_logs (schema is kept).
  tools       Resolved tool catalog as JSON.
  token       New random IPC token.
  pair        Asks a running relay controller; falls back to PAIRING_DB_PATH when none answers.
  call        Waits up to RELAY_COMMAND_TIMEOUT for the device's response.

Environment: BRIDGE_IPC_*, BRIDGE_HTTP_*, BRIDGE_RELAY_ENABLED, COMMS_URL, DEVICE_ID, DATABASE_URL, MIGRATION_PATH, PAIRING_DB_PATH. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("bridge migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("bridge migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("bridge migrate status: %v", err)
			}
		default:
			log.Fatalf("bridge migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		dbName := "device_bridge"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("bridge ensure-db: %v", err)
		}
		return
	case "calls":
		if len(args) > 1 && args[1] == "--stats" {
			if err := runCallStats(os.Stdout); err != nil {
				log.Fatalf("bridge calls --stats: %v", err)
			}
			return
		}
		action := ""
		if len(args) > 1 {
			action = args[1]
		}
		if err := runCalls(os.Stdout, action); err != nil {
			log.Fatalf("bridge calls: %v", err)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("bridge clear: %v", err)
		}
		return
	case "tools":
		if err := runTools(os.Stdout); err != nil {
			log.Fatalf("bridge tools: %v", err)
		}
		return
	case "token":
		if err := runToken(os.Stdout); err != nil {
			log.Fatalf("bridge token: %v", err)
		}
		return
	case "pair":
		if err := runPair(os.Stdout, args[1:]); err != nil {
			log.Fatalf("bridge pair: %v", err)
		}
		return
	case "call":
		if err := runCall(os.Stdout, args[1:]); err != nil {
			log.Fatalf("bridge call: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("bridge: %v", err)
	}
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMigrateUp() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	ran, err := db.Migrate(ctx, pool, migrations)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Printf("Applied %d of %d migrations.\n", ran, len(migrations))
	return nil
}

func runMigrateStatus() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	states, err := db.MigrationStatus(ctx, pool, migrations)
	if err != nil {
		return err
	}
	return printMigrationStates(os.Stdout, states)
}

func printMigrationStates(w io.Writer, states []db.MigrationState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
	for _, st := range states {
		applied := "pending"
		if st.Applied() {
			applied = st.AppliedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%03d\t%s\t%s\n", st.Version, st.Name, applied)
	}
	return tw.Flush()
}

func runEnsureDB(dbName string) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	if err := db.EnsureDatabase(context.Background(), u.String()); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runCalls(w io.Writer, action string) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	calls, err := db.NewRepository(pool).ListRecentCalls(ctx, action, 0)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tTRANSPORT\tOK\tMS\tERROR")
	for _, c := range calls {
		errText := ""
		if c.Error != nil {
			errText = *c.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d\t%s\n", c.Created.Local().Format(time.DateTime), c.Action, c.Transport, c.Success, c.DurationMs, errText)
	}
	return tw.Flush()
}

func runCallStats(w io.Writer) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	stats, err := db.NewRepository(pool).CallStatsByAction(ctx)
	if err != nil {
		return err
	}
	return printCallStats(w, stats)
}

func printCallStats(w io.Writer, stats []db.CallStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION	CALLS	FAILURES	AVG MS")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", s.Action, s.Calls, s.Failures, s.AvgMs)
	}
	return tw.Flush()
}

func runClear() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.NewRepository(pool).ClearCallLogs(ctx); err != nil {
		return err
	}
	fmt.Println("call_logs cleared.")
	return nil
}

// builtinTools resolves the tools served by the built-in handlers alone.
func builtinTools() []catalog.ToolInfo {
	reg := registry.NewRegistry()
	reg.Register(handlers.NewSystem(handlers.DeviceInfo{}, reg, nil))
	fwd := events.NewForwarder(dedup.New(dedup.Options{}), nil, "")
	reg.Register(handlers.NewEventSource(fwd))
	return catalog.Default().Resolve(reg.Actions())
}

func runTools(w io.Writer) error {
	return writeJSON(w, builtinTools())
}

func runToken(w io.Writer) error {
	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// pairArgs is a parsed pair invocation.
type pairArgs struct {
	list     bool
	deviceID string
	action   string
}

func parsePairArgs(args []string) (*pairArgs, error) {
	if len(args) == 1 && args[0] == "list" {
		return &pairArgs{list: true}, nil
	}
	if len(args) != 2 || args[0] == "" {
		return nil, errors.New("usage: bridge pair <deviceId> approve|reject|status, or bridge pair list")
	}
	switch args[1] {
	case relay.AdminApprove, relay.AdminReject, relay.AdminStatus:
	default:
		return nil, fmt.Errorf("unknown pair action %q (use approve, reject, status)", args[1])
	}
	return &pairArgs{deviceID: args[0], action: args[1]}, nil
}

func runPair(w io.Writer, args []string) error {
	pa, err := parsePairArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// A running controller owns the store; ask it first.
	nc, connErr := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-cli")
	if connErr != nil {
		nc = nil
	} else {
		defer nc.Close()
	}
	if pa.list {
		return listPairings(w, nc, cfg.PairingDBPath, cfg.HelloTimeout)
	}
	if nc != nil {
		p, err := relay.RequestAdmin(nc, pa.deviceID, pa.action, cfg.HelloTimeout)
		if err == nil {
			return printPairings(w, []*pairing.Pairing{p})
		}
		if !controllerAbsent(err) {
			return err
		}
	}
	return pairLocal(w, cfg, pa, nc)
}

func controllerAbsent(err error) bool {
	return errors.Is(err, comms.ErrNoResponders) || errors.Is(err, comms.ErrTimeout)
}

// listPairings prints the controller's records, or the local store's when no controller answers.
func listPairings(w io.Writer, nc *comms.Conn, dbPath string, timeout time.Duration) error {
	if nc != nil {
		records, err := relay.RequestPairings(nc, timeout)
		if err == nil {
			return printPairings(w, records)
		}
		if !controllerAbsent(err) {
			return err
		}
	}
	store, err := pairing.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	records, err := store.List()
	if err != nil {
		return err
	}
	return printPairings(w, records)
}

// pairLocal edits the store directly and, when connected, signals the device.
func pairLocal(w io.Writer, cfg *config.Config, pa *pairArgs, nc *comms.Conn) error {
	store, err := pairing.Open(cfg.PairingDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var p *pairing.Pairing
	switch pa.action {
	case relay.AdminStatus:
		p, err = store.Get(pa.deviceID)
	default:
		status := pairing.StatusApproved
		if pa.action == relay.AdminReject {
			status = pairing.StatusRejected
		}
		if nc != nil {
			p, err = relay.NewController(nc, store, relay.ControllerConfig{}).SetStatus(pa.deviceID, status)
		} else {
			p, err = store.SetStatus(pa.deviceID, status)
		}
	}
	if err != nil {
		return err
	}
	return printPairings(w, []*pairing.Pairing{p})
}

func printPairings(w io.Writer, records []*pairing.Pairing) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tNAME\tSTATUS\tLAST SEEN")
	for _, p := range records {
		lastSeen := "-"
		if !p.LastSeen.IsZero() {
			lastSeen = p.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.DeviceID, p.DeviceName, p.Status, lastSeen)
	}
	return tw.Flush()
}

// callArgs is a parsed call invocation.
type callArgs struct {
	deviceID string
	action   string
	params   map[string]any
}

func parseCallArgs(args []string) (*callArgs, error) {
	if len(args) < 2 || len(args) > 3 || args[0] == "" || args[1] == "" {
		return nil, errors.New("usage: bridge call <deviceId> <action> [paramsJson]")
	}
	ca := &callArgs{deviceID: args[0], action: args[1], params: map[string]any{}}
	if len(args) == 3 {
		params, err := command.ParseParams([]byte(args[2]))
		if err != nil {
			return nil, err
		}
		ca.params = params
	}
	return ca, nil
}

func runCall(w io.Writer, args []string) error {
	ca, err := parseCallArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForRelayClient(); err != nil {
		return err
	}

	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	client := relay.NewClient(nc, cfg.RelayTimeout)
	defer client.Close()
	result, err := client.Call(context.Background(), ca.deviceID, ca.action, ca.params, 0)
	if err != nil {
		return err
	}
	if err := writeJSON(w, result); err != nil {
		return err
	}
	if !result.Success {
		return errors.New(result.Error)
	}
	return nil
}
