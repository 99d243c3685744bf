package relay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/commsutil"
	"github.com/morezero/device-bridge/pkg/dispatcher"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/mode"
	"github.com/morezero/device-bridge/pkg/pairing"
	"github.com/morezero/device-bridge/pkg/registry"
	"github.com/morezero/device-bridge/pkg/semver"
)

const modeTestPrefix = "relay:mode_test"

type fakePairings struct {
	status pairing.Status
	err    error
}

func (f *fakePairings) PairingStatus(_ context.Context, _ string) (pairing.Status, error) {
	return f.status, f.err
}

func startTestServer(t *testing.T, port int) string {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", modeTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", modeTestPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func connect(t *testing.T, url string) *comms.Conn {
	t.Helper()
	nc, err := comms.Connect(url, comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - connect: %v", modeTestPrefix, err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func testRegistry() *registry.Registry {
	reg := registry.NewRegistry()
	reg.Register(registry.Func(func(_ context.Context, cmd *command.Command) (*command.Result, error) {
		return command.OK(map[string]any{"pong": true, "echo": cmd.Param("echo")}), nil
	}, "ping"))
	return reg
}

func newTestMode(t *testing.T, url, deviceID string, reg *registry.Registry, pairings pairing.StatusSource, hub *events.Hub) *Mode {
	t.Helper()
	if reg == nil {
		reg = testRegistry()
	}
	return New(Config{
		URL:               url,
		DeviceID:          deviceID,
		DeviceName:        "Test Phone",
		HeartbeatInterval: 50 * time.Millisecond,
		HelloTimeout:      300 * time.Millisecond,
	}, dispatcher.NewDispatcher(reg, nil), nil, pairings, hub)
}

func startMode(t *testing.T, m *Mode) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", modeTestPrefix, err)
	}
	t.Cleanup(func() { _ = m.Stop() })
}

func openStore(t *testing.T) *pairing.Store {
	t.Helper()
	store, err := pairing.Open(filepath.Join(t.TempDir(), "pairings.db"))
	if err != nil {
		t.Fatalf("%s - open store: %v", modeTestPrefix, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startController(t *testing.T, url string, store *pairing.Store, cfg ControllerConfig) *Controller {
	t.Helper()
	ctrl := NewController(connect(t, url), store, cfg)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("%s - controller Start: %v", modeTestPrefix, err)
	}
	t.Cleanup(ctrl.Stop)
	return ctrl
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s - timed out waiting for %s", modeTestPrefix, what)
}

func call(t *testing.T, client *Client, deviceID, action string) *command.Result {
	t.Helper()
	r, err := client.Call(context.Background(), deviceID, action, map[string]any{"echo": "hi"}, 2*time.Second)
	if err != nil {
		t.Fatalf("%s - Call %s: %v", modeTestPrefix, action, err)
	}
	return r
}

func TestMode_StoredApproval_ExecutesCommands(t *testing.T) {
	url := startTestServer(t, 14260)
	m := newTestMode(t, url, "pixel-7", nil, &fakePairings{status: pairing.StatusApproved}, nil)
	startMode(t, m)

	if cs := m.ConnectionState(); cs != StateApproved {
		t.Fatalf("%s - expected approved from stored pairing, got %s", modeTestPrefix, cs)
	}
	if st := m.Status().State; st != mode.StateRunning {
		t.Fatalf("%s - expected running, got %s", modeTestPrefix, st)
	}

	client := NewClient(connect(t, url), time.Second)
	defer client.Close()
	r := call(t, client, "pixel-7", "ping")
	if !r.Success {
		t.Fatalf("%s - expected success, got %+v", modeTestPrefix, r)
	}
	data, _ := r.Data.(map[string]any)
	if data["echo"] != "hi" || data["pong"] != true {
		t.Errorf("%s - unexpected data %v", modeTestPrefix, r.Data)
	}

	r = call(t, client, "pixel-7", "fly")
	if r.Success || r.Error == "" {
		t.Errorf("%s - unknown action should fail, got %+v", modeTestPrefix, r)
	}
}

func TestMode_PendingDevice_RejectsCommands(t *testing.T) {
	url := startTestServer(t, 14261)
	m := newTestMode(t, url, "pixel-8", nil, &fakePairings{err: pairing.ErrNotFound}, nil)
	startMode(t, m)

	if cs := m.ConnectionState(); cs != StatePendingApproval {
		t.Fatalf("%s - expected pending approval, got %s", modeTestPrefix, cs)
	}

	client := NewClient(connect(t, url), time.Second)
	defer client.Close()
	r := call(t, client, "pixel-8", "ping")
	if r.Success {
		t.Fatalf("%s - pending device must not execute commands", modeTestPrefix)
	}
}

func TestMode_ControllerApprovalFlow(t *testing.T) {
	url := startTestServer(t, 14262)
	store := openStore(t)
	ctrl := startController(t, url, store, ControllerConfig{})

	m := newTestMode(t, url, "tablet", nil, nil, nil)
	startMode(t, m)

	if cs := m.ConnectionState(); cs != StatePendingApproval {
		t.Fatalf("%s - expected pending approval after hello, got %s", modeTestPrefix, cs)
	}
	p, err := store.Get("tablet")
	if err != nil {
		t.Fatalf("%s - hello should create a pairing record: %v", modeTestPrefix, err)
	}
	if p.DeviceName != "Test Phone" || p.Status != pairing.StatusPending {
		t.Errorf("%s - unexpected record %+v", modeTestPrefix, p)
	}

	if _, err := ctrl.SetStatus("tablet", pairing.StatusApproved); err != nil {
		t.Fatalf("%s - SetStatus: %v", modeTestPrefix, err)
	}
	waitFor(t, "approved state", func() bool { return m.ConnectionState() == StateApproved })

	client := NewClient(connect(t, url), time.Second)
	defer client.Close()
	if r := call(t, client, "tablet", "ping"); !r.Success {
		t.Fatalf("%s - approved device should execute, got %+v", modeTestPrefix, r)
	}

	admin := connect(t, url)
	rejected, err := RequestAdmin(admin, "tablet", AdminReject, 2*time.Second)
	if err != nil {
		t.Fatalf("%s - RequestAdmin reject: %v", modeTestPrefix, err)
	}
	if rejected.Status != pairing.StatusRejected {
		t.Errorf("%s - expected rejected record, got %s", modeTestPrefix, rejected.Status)
	}
	waitFor(t, "rejected state", func() bool { return m.ConnectionState() == StateRejected })
	if st := m.Status().State; st != mode.StateError {
		t.Errorf("%s - rejected device should report error state, got %s", modeTestPrefix, st)
	}

	status, err := RequestAdmin(admin, "tablet", AdminStatus, 2*time.Second)
	if err != nil || status.Status != pairing.StatusRejected {
		t.Errorf("%s - status: %+v %v", modeTestPrefix, status, err)
	}
	if _, err := RequestAdmin(admin, "tablet", "explode", 2*time.Second); err == nil {
		t.Errorf("%s - unknown admin action should fail", modeTestPrefix)
	}
	if _, err := RequestAdmin(admin, "ghost", AdminStatus, 2*time.Second); err == nil {
		t.Errorf("%s - status of unknown device should fail", modeTestPrefix)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("%s - Stop: %v", modeTestPrefix, err)
	}
	if st := m.Status().State; st != mode.StateIdle {
		t.Errorf("%s - expected idle after stop, got %s", modeTestPrefix, st)
	}
	if cs := m.ConnectionState(); cs != StateDisconnected {
		t.Errorf("%s - expected disconnected after stop, got %s", modeTestPrefix, cs)
	}
}

func TestMode_AutoApprove(t *testing.T) {
	url := startTestServer(t, 14263)
	startController(t, url, openStore(t), ControllerConfig{AutoApprove: true})

	m := newTestMode(t, url, "watch", nil, nil, nil)
	startMode(t, m)
	if cs := m.ConnectionState(); cs != StateApproved {
		t.Fatalf("%s - expected auto-approval, got %s", modeTestPrefix, cs)
	}
}

func TestMode_ProtocolMismatch(t *testing.T) {
	url := startTestServer(t, 14264)
	nc := connect(t, url)
	sub, err := nc.Subscribe(commsutil.SubjectPair, func(msg *comms.Msg) {
		data, _ := json.Marshal(&HelloReply{ProtocolVersion: "2.0.0", State: StateApproved})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("%s - subscribe: %v", modeTestPrefix, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	_ = nc.Flush()

	m := newTestMode(t, url, "old-phone", nil, nil, nil)
	err = m.Start(context.Background())
	if err == nil {
		_ = m.Stop()
		t.Fatalf("%s - incompatible relay protocol should fail Start", modeTestPrefix)
	}
	if command.CodeOf(err) != command.CodeTransportFailure {
		t.Errorf("%s - expected TRANSPORT_FAILURE, got %v", modeTestPrefix, err)
	}
	if st := m.Status().State; st != mode.StateError {
		t.Errorf("%s - expected error state, got %s", modeTestPrefix, st)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("%s - Stop after failed start: %v", modeTestPrefix, err)
	}
	if st := m.Status().State; st != mode.StateIdle {
		t.Errorf("%s - expected idle, got %s", modeTestPrefix, st)
	}
}

func TestController_RejectsIncompatibleHello(t *testing.T) {
	url := startTestServer(t, 14265)
	store := openStore(t)
	startController(t, url, store, ControllerConfig{})

	nc := connect(t, url)
	data, _ := json.Marshal(&Hello{DeviceID: "future", ProtocolVersion: "3.1.0"})
	msg, err := nc.Request(commsutil.SubjectPair, data, 2*time.Second)
	if err != nil {
		t.Fatalf("%s - request: %v", modeTestPrefix, err)
	}
	var reply HelloReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("%s - decode: %v", modeTestPrefix, err)
	}
	if reply.State != StateError || reply.ProtocolVersion != semver.ProtocolVersion {
		t.Errorf("%s - unexpected reply %+v", modeTestPrefix, reply)
	}
	if _, err := store.Get("future"); !errors.Is(err, pairing.ErrNotFound) {
		t.Errorf("%s - incompatible device must not be recorded, got %v", modeTestPrefix, err)
	}
}

func TestMode_ConnectFailure(t *testing.T) {
	m := newTestMode(t, "nats://127.0.0.1:14299", "offline", nil, nil, nil)
	err := m.Start(context.Background())
	if err == nil {
		_ = m.Stop()
		t.Fatalf("%s - expected connect failure", modeTestPrefix)
	}
	if command.CodeOf(err) != command.CodeTransportFailure {
		t.Errorf("%s - expected TRANSPORT_FAILURE, got %v", modeTestPrefix, err)
	}
	if st := m.Status(); st.State != mode.StateError || st.Message == "" {
		t.Errorf("%s - expected error state with message, got %+v", modeTestPrefix, st)
	}
}

func TestClient_CallTimeout(t *testing.T) {
	url := startTestServer(t, 14266)
	nc := connect(t, url)
	client := NewClient(nc, time.Minute)
	defer client.Close()

	start := time.Now()
	r, err := client.Call(context.Background(), "nobody", "ping", nil, 100*time.Millisecond)
	elapsed := time.Since(start)
	if r != nil {
		t.Fatalf("%s - expected no result, got %+v", modeTestPrefix, r)
	}
	if !command.IsTimeout(err) {
		t.Fatalf("%s - expected TIMEOUT, got %v", modeTestPrefix, err)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Errorf("%s - timeout resolved after %s", modeTestPrefix, elapsed)
	}
	if !nc.IsConnected() {
		t.Errorf("%s - timeout must not close the connection", modeTestPrefix)
	}

	if _, err := client.Call(context.Background(), "", "ping", nil, 0); command.CodeOf(err) != command.CodeInvalidArgument {
		t.Errorf("%s - expected INVALID_ARGUMENT, got %v", modeTestPrefix, err)
	}
	client.Close()
	if _, err := client.Call(context.Background(), "nobody", "ping", nil, 0); !errors.Is(err, ErrClientClosed) {
		t.Errorf("%s - expected ErrClientClosed, got %v", modeTestPrefix, err)
	}
}

func TestMode_DiscardsResultAfterStop(t *testing.T) {
	url := startTestServer(t, 14267)

	started := make(chan struct{})
	release := make(chan struct{})
	reg := registry.NewRegistry()
	reg.Register(registry.Func(func(_ context.Context, _ *command.Command) (*command.Result, error) {
		close(started)
		<-release
		return command.OK("late"), nil
	}, "slow"))

	m := newTestMode(t, url, "slowpoke", reg, &fakePairings{status: pairing.StatusApproved}, nil)
	startMode(t, m)

	client := NewClient(connect(t, url), time.Second)
	defer client.Close()

	type outcome struct {
		r   *command.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := client.Call(context.Background(), "slowpoke", "slow", nil, 500*time.Millisecond)
		done <- outcome{r, err}
	}()
	<-started

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Stop()
	}()
	waitFor(t, "stopping state", func() bool { return m.Status().State != mode.StateRunning })
	close(release)
	wg.Wait()

	out := <-done
	if out.r != nil || !command.IsTimeout(out.err) {
		t.Errorf("%s - result after stop must be discarded, got %+v %v", modeTestPrefix, out.r, out.err)
	}
}

func TestMode_HeartbeatTouchesPairing(t *testing.T) {
	url := startTestServer(t, 14268)
	store := openStore(t)
	startController(t, url, store, ControllerConfig{AutoApprove: true})

	m := newTestMode(t, url, "beacon", nil, nil, nil)
	startMode(t, m)

	first, err := store.Get("beacon")
	if err != nil {
		t.Fatalf("%s - Get: %v", modeTestPrefix, err)
	}
	waitFor(t, "heartbeat", func() bool {
		p, err := store.Get("beacon")
		return err == nil && p.LastSeen.After(first.LastSeen)
	})
}

func TestMode_ForwardsHubEvents(t *testing.T) {
	url := startTestServer(t, 14269)
	hub := events.NewHub(time.Second)
	m := newTestMode(t, url, "notifier", nil, &fakePairings{status: pairing.StatusApproved}, hub)
	startMode(t, m)

	if got := hub.Listeners(); len(got) != 1 || got[0] != "relay" {
		t.Fatalf("%s - expected relay hub listener, got %v", modeTestPrefix, got)
	}

	nc := connect(t, url)
	received := make(chan *events.Event, 1)
	sub, err := nc.Subscribe(commsutil.BuildEventSubject("notifier", string(events.TypeSMSReceived)), func(msg *comms.Msg) {
		var e events.Event
		if json.Unmarshal(msg.Data, &e) == nil {
			received <- &e
		}
	})
	if err != nil {
		t.Fatalf("%s - subscribe: %v", modeTestPrefix, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	_ = nc.Flush()

	hub.Deliver(context.Background(), &events.Event{Type: events.TypeSMSReceived, ID: "e1", DeviceID: "notifier", Text: "hello"})
	select {
	case e := <-received:
		if e.ID != "e1" || e.Text != "hello" {
			t.Errorf("%s - unexpected event %+v", modeTestPrefix, e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - event not forwarded", modeTestPrefix)
	}

	_ = m.Stop()
	if got := hub.Listeners(); len(got) != 0 {
		t.Errorf("%s - stop should remove the hub listener, got %v", modeTestPrefix, got)
	}
}

func TestMode_StartTwice(t *testing.T) {
	url := startTestServer(t, 14270)
	m := newTestMode(t, url, "twice", nil, &fakePairings{status: pairing.StatusApproved}, nil)
	startMode(t, m)
	if err := m.Start(context.Background()); err == nil {
		t.Errorf("%s - second Start should fail while running", modeTestPrefix)
	}
	if tools := m.Tools(); len(tools) != 1 || tools[0].Name != "ping" {
		t.Errorf("%s - unexpected tools %v", modeTestPrefix, tools)
	}
}

func TestController_AdminListReturnsEveryPairing(t *testing.T) {
	url := startTestServer(t, 14271)
	store := openStore(t)
	startController(t, url, store, ControllerConfig{})
	admin := connect(t, url)

	if got, err := RequestPairings(admin, 2*time.Second); err != nil || len(got) != 0 {
		t.Fatalf("%s - empty store should list nothing, got %v %v", modeTestPrefix, got, err)
	}

	for _, id := range []string{"tablet", "pixel-7"} {
		if _, err := store.Request(id, id); err != nil {
			t.Fatalf("%s - Request %s: %v", modeTestPrefix, id, err)
		}
	}
	if _, err := RequestAdmin(admin, "pixel-7", AdminApprove, 2*time.Second); err != nil {
		t.Fatalf("%s - approve: %v", modeTestPrefix, err)
	}

	got, err := RequestPairings(admin, 2*time.Second)
	if err != nil {
		t.Fatalf("%s - RequestPairings: %v", modeTestPrefix, err)
	}
	if len(got) != 2 || got[0].DeviceID != "pixel-7" || got[1].DeviceID != "tablet" {
		t.Fatalf("%s - expected pixel-7 and tablet, got %+v", modeTestPrefix, got)
	}
	if got[0].Status != pairing.StatusApproved || got[1].Status != pairing.StatusPending {
		t.Errorf("%s - unexpected statuses %s %s", modeTestPrefix, got[0].Status, got[1].Status)
	}

	if _, err := RequestAdmin(admin, "", AdminApprove, 2*time.Second); err == nil {
		t.Errorf("%s - approve without a device id should fail", modeTestPrefix)
	}
}

func TestRequestPairings_NoController(t *testing.T) {
	url := startTestServer(t, 14273)
	_, err := RequestPairings(connect(t, url), 500*time.Millisecond)
	if !errors.Is(err, comms.ErrNoResponders) && !errors.Is(err, comms.ErrTimeout) {
		t.Errorf("%s - expected no responders, got %v", modeTestPrefix, err)
	}
}

func TestController_NegotiatesHighestOfferedVersion(t *testing.T) {
	url := startTestServer(t, 14274)
	store := openStore(t)
	startController(t, url, store, ControllerConfig{ProtocolConstraint: ">=1.0.0 <2.0.0"})
	nc := connect(t, url)

	hello := func(h *Hello) HelloReply {
		t.Helper()
		data, _ := json.Marshal(h)
		msg, err := nc.Request(commsutil.SubjectPair, data, 2*time.Second)
		if err != nil {
			t.Fatalf("%s - request: %v", modeTestPrefix, err)
		}
		var reply HelloReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("%s - decode: %v", modeTestPrefix, err)
		}
		return reply
	}

	r := hello(&Hello{DeviceID: "multi", ProtocolVersion: "2.0.0", SupportedVersions: []string{"0.9.0", "1.0.0", "1.2.0", "2.0.0"}})
	if r.State != StatePendingApproval || r.ProtocolVersion != "1.2.0" {
		t.Errorf("%s - expected pending with 1.2.0, got %+v", modeTestPrefix, r)
	}

	r = hello(&Hello{DeviceID: "single", ProtocolVersion: "1.1.0"})
	if r.State != StatePendingApproval || r.ProtocolVersion != "1.1.0" {
		t.Errorf("%s - a bare protocol version should be used as the offer, got %+v", modeTestPrefix, r)
	}

	r = hello(&Hello{DeviceID: "nothing", ProtocolVersion: "1.0.0", SupportedVersions: []string{"2.0.0", "3.0.0"}})
	if r.State != StateError {
		t.Errorf("%s - no acceptable offer should be refused, got %+v", modeTestPrefix, r)
	}
	if _, err := store.Get("nothing"); !errors.Is(err, pairing.ErrNotFound) {
		t.Errorf("%s - refused device must not be recorded, got %v", modeTestPrefix, err)
	}
}

func TestClient_CallTimeoutAgainstRunningDevice(t *testing.T) {
	url := startTestServer(t, 14275)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := testRegistry()
	reg.Register(registry.Func(func(_ context.Context, _ *command.Command) (*command.Result, error) {
		started <- struct{}{}
		<-release
		return command.OK("too late"), nil
	}, "block"))

	m := newTestMode(t, url, "stuck", reg, &fakePairings{status: pairing.StatusApproved}, nil)
	startMode(t, m)
	defer close(release)

	nc := connect(t, url)
	client := NewClient(nc, time.Minute)
	defer client.Close()

	start := time.Now()
	r, err := client.Call(context.Background(), "stuck", "block", nil, 100*time.Millisecond)
	elapsed := time.Since(start)
	if r != nil {
		t.Fatalf("%s - expected no result, got %+v", modeTestPrefix, r)
	}
	if !command.IsTimeout(err) {
		t.Fatalf("%s - expected TIMEOUT, got %v", modeTestPrefix, err)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Errorf("%s - timeout resolved after %s", modeTestPrefix, elapsed)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Errorf("%s - the device should have started the blocking handler", modeTestPrefix)
	}

	if r := call(t, client, "stuck", "ping"); !r.Success {
		t.Errorf("%s - a second call on the same connection should succeed, got %+v", modeTestPrefix, r)
	}
	if !nc.IsConnected() {
		t.Errorf("%s - timeout must not close the connection", modeTestPrefix)
	}
}
