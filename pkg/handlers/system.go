// Package handlers holds the built-in system capabilities every bridge serves.
// Device adapters register their own capabilities next to these.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/registry"
)

// Action names served by this package.
const (
	ActionPing          = "ping"
	ActionGetDeviceInfo = "get_device_info"
	ActionListTools     = "list_tools"
	ActionPostEvent     = "post_event"
)

// DeviceInfo identifies the device to get_device_info.
type DeviceInfo struct {
	ID      string
	Name    string
	Version string
}

// System serves ping, get_device_info and list_tools.
type System struct {
	info    DeviceInfo
	reg     *registry.Registry
	catalog *catalog.Catalog
	started time.Time
	now     func() time.Time
}

// NewSystem creates the system capability. list_tools resolves reg's actions against c.
func NewSystem(info DeviceInfo, reg *registry.Registry, c *catalog.Catalog) *System {
	if c == nil {
		c = catalog.Default()
	}
	return &System{info: info, reg: reg, catalog: c, started: time.Now(), now: time.Now}
}

// SupportedActions implements registry.Capability.
func (s *System) SupportedActions() []string {
	return []string{ActionPing, ActionGetDeviceInfo, ActionListTools}
}

// Handle implements registry.Capability.
func (s *System) Handle(_ context.Context, cmd *command.Command) (*command.Result, error) {
	switch cmd.Action {
	case ActionPing:
		out := map[string]any{"pong": true, "time": s.now().UTC().Format(time.RFC3339)}
		if echo := cmd.Param("echo"); echo != nil {
			out["echo"] = echo
		}
		return command.OK(out), nil
	case ActionGetDeviceInfo:
		return command.OK(s.deviceInfo()), nil
	case ActionListTools:
		if s.reg == nil {
			return command.OK([]catalog.ToolInfo{}), nil
		}
		return command.OK(s.catalog.Resolve(s.reg.Actions())), nil
	default:
		return nil, command.Failure(command.CodeUnknownAction, cmd.Action)
	}
}

func (s *System) deviceInfo() map[string]any {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	name := s.info.Name
	if name == "" {
		name = hostname
	}
	return map[string]any{
		"deviceId":   s.info.ID,
		"deviceName": name,
		"hostname":   hostname,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"goVersion":  runtime.Version(),
		"version":    s.info.Version,
		"cpus":       runtime.NumCPU(),
		"uptimeSec":  int64(s.now().Sub(s.started).Seconds()),
	}
}
