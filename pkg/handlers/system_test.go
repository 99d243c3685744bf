package handlers

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/registry"
)

const systemTestPrefix = "handlers:system_test"

func newSystem(t *testing.T) (*System, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry()
	sys := NewSystem(DeviceInfo{ID: "dev-1", Name: "Kitchen Tablet", Version: "1.2.3"}, reg, nil)
	reg.Register(sys)
	return sys, reg
}

func TestSystem_Ping(t *testing.T) {
	sys, _ := newSystem(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sys.now = func() time.Time { return fixed }

	r, err := sys.Handle(context.Background(), &command.Command{Action: ActionPing, Params: map[string]any{"echo": "x"}})
	if err != nil || !r.Success {
		t.Fatalf("%s - ping failed: %+v %v", systemTestPrefix, r, err)
	}
	data := r.Data.(map[string]any)
	if data["pong"] != true || data["echo"] != "x" || data["time"] != "2026-01-02T03:04:05Z" {
		t.Errorf("%s - unexpected ping data %v", systemTestPrefix, data)
	}
}

func TestSystem_DeviceInfo(t *testing.T) {
	sys, _ := newSystem(t)
	sys.now = func() time.Time { return sys.started.Add(90 * time.Second) }

	r, err := sys.Handle(context.Background(), &command.Command{Action: ActionGetDeviceInfo})
	if err != nil || !r.Success {
		t.Fatalf("%s - get_device_info failed: %+v %v", systemTestPrefix, r, err)
	}
	data := r.Data.(map[string]any)
	tests := map[string]any{
		"deviceId":   "dev-1",
		"deviceName": "Kitchen Tablet",
		"version":    "1.2.3",
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptimeSec":  int64(90),
	}
	for key, want := range tests {
		if data[key] != want {
			t.Errorf("%s - %s = %v, want %v", systemTestPrefix, key, data[key], want)
		}
	}
}

func TestSystem_DeviceInfo_DefaultsNameToHostname(t *testing.T) {
	sys := NewSystem(DeviceInfo{ID: "dev-2"}, nil, nil)
	r, _ := sys.Handle(context.Background(), &command.Command{Action: ActionGetDeviceInfo})
	data := r.Data.(map[string]any)
	if data["deviceName"] == "" || data["deviceName"] != data["hostname"] {
		t.Errorf("%s - expected hostname fallback, got %v", systemTestPrefix, data)
	}
}

func TestSystem_ListTools(t *testing.T) {
	sys, reg := newSystem(t)
	reg.Register(registry.Func(func(context.Context, *command.Command) (*command.Result, error) {
		return command.OK(nil), nil
	}, "take_screenshot"))

	r, err := sys.Handle(context.Background(), &command.Command{Action: ActionListTools})
	if err != nil || !r.Success {
		t.Fatalf("%s - list_tools failed: %+v %v", systemTestPrefix, r, err)
	}
	tools := r.Data.([]catalog.ToolInfo)
	want := []string{"take_screenshot", "get_device_info", "list_tools", "ping"}
	if len(tools) != len(want) {
		t.Fatalf("%s - expected %d tools, got %v", systemTestPrefix, len(want), tools)
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Errorf("%s - tools[%d] = %s, want %s", systemTestPrefix, i, tools[i].Name, name)
		}
	}
}

func TestSystem_UnknownAction(t *testing.T) {
	sys, _ := newSystem(t)
	_, err := sys.Handle(context.Background(), &command.Command{Action: "reboot"})
	if command.CodeOf(err) != command.CodeUnknownAction {
		t.Errorf("%s - expected UNKNOWN_ACTION, got %v", systemTestPrefix, err)
	}
}
