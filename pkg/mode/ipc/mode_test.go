package ipc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/morezero/device-bridge/pkg/auth"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/dispatcher"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/mode"
	"github.com/morezero/device-bridge/pkg/registry"
)

const modeTestPrefix = "ipc:mode_test"

const testToken = "0123456789abcdef0123456789abcdef"

type identConn struct {
	net.Conn
	id auth.Identity
}

func useTestIdentity(t *testing.T) {
	t.Helper()
	restore := identifyPeerFn
	identifyPeerFn = func(conn net.Conn) (auth.Identity, error) {
		if ic, ok := conn.(*identConn); ok {
			return ic.id, nil
		}
		return auth.UID(1000), nil
	}
	t.Cleanup(func() { identifyPeerFn = restore })
}

func newTestMode(t *testing.T, cfg Config) (*Mode, *events.Hub, *dispatcher.MemoryCallLogger) {
	t.Helper()
	useTestIdentity(t)
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(t.TempDir(), "bridge.sock")
	}

	reg := registry.NewRegistry()
	reg.Register(registry.Func(func(_ context.Context, cmd *command.Command) (*command.Result, error) {
		return command.OK(map[string]any{"pong": true, "echo": cmd.Param("echo")}), nil
	}, "ping"))
	reg.Register(registry.Func(func(_ context.Context, cmd *command.Command) (*command.Result, error) {
		size, _ := cmd.Param("size").(float64)
		return command.OK(strings.Repeat("x", int(size))), nil
	}, "blob"))

	logger := dispatcher.NewMemoryCallLogger(0)
	hub := events.NewHub(time.Second)
	m := New(cfg, dispatcher.NewDispatcher(reg, logger), nil, hub)
	return m, hub, logger
}

func startMode(t *testing.T, m *Mode) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", modeTestPrefix, err)
	}
	t.Cleanup(func() { _ = m.Stop() })
}

func dial(t *testing.T, m *Mode) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, m.SocketPath())
	if err != nil {
		t.Fatalf("%s - Dial: %v", modeTestPrefix, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMode_StartStopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, _, _ := newTestMode(t, Config{})
	if m.Kind() != mode.KindIPC || m.Status().State != mode.StateIdle {
		t.Fatalf("%s - initial kind/state = %s/%s", modeTestPrefix, m.Kind(), m.Status().State)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", modeTestPrefix, err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Errorf("%s - second Start should fail", modeTestPrefix)
	}
	if st := m.Status(); st.State != mode.StateRunning {
		t.Errorf("%s - state = %s, want running", modeTestPrefix, st.State)
	}
	if len(m.Token()) != auth.TokenBytes*2 {
		t.Errorf("%s - generated token length = %d", modeTestPrefix, len(m.Token()))
	}

	info, err := os.Stat(m.SocketPath())
	if err != nil {
		t.Fatalf("%s - stat socket: %v", modeTestPrefix, err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("%s - socket mode = %o, want 600", modeTestPrefix, got)
	}

	c := dial(t, m)
	if err := c.Authenticate(testCtx(t), m.Token()); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("%s - Stop: %v", modeTestPrefix, err)
	}
	c.Close()
	if st := m.Status(); st.State != mode.StateIdle || st.ConnectedClients != 0 {
		t.Errorf("%s - status after stop = %+v", modeTestPrefix, st)
	}
	if m.Token() != "" {
		t.Errorf("%s - token should be cleared on stop", modeTestPrefix)
	}
	if _, err := os.Stat(m.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("%s - socket should be removed, stat err = %v", modeTestPrefix, err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("%s - Stop on idle mode: %v", modeTestPrefix, err)
	}
}

func TestMode_RequiresAuthentication(t *testing.T) {
	m, _, logger := newTestMode(t, Config{Token: testToken})
	startMode(t, m)
	c := dial(t, m)
	ctx := testCtx(t)

	if _, err := c.Execute(ctx, "ping", nil); !command.IsUnauthorized(err) {
		t.Fatalf("%s - Execute before auth: err = %v", modeTestPrefix, err)
	}
	if err := c.RegisterCallback(ctx, "x"); !command.IsUnauthorized(err) {
		t.Fatalf("%s - RegisterCallback before auth: err = %v", modeTestPrefix, err)
	}
	var sink strings.Builder
	if err := c.ReadLargeResult(ctx, "any", &sink); !command.IsUnauthorized(err) {
		t.Fatalf("%s - ReadLargeResult before auth: err = %v", modeTestPrefix, err)
	}
	if err := c.Authenticate(ctx, strings.Repeat("0", len(testToken))); !command.IsUnauthorized(err) {
		t.Fatalf("%s - wrong token: err = %v", modeTestPrefix, err)
	}
	if n := len(logger.Records()); n != 0 {
		t.Errorf("%s - unauthorized calls reached the dispatcher %d times", modeTestPrefix, n)
	}

	if err := c.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}
	result, err := c.ExecuteResult(ctx, "ping", json.RawMessage(`{"echo":"hi"}`))
	if err != nil {
		t.Fatalf("%s - ExecuteResult: %v", modeTestPrefix, err)
	}
	data, _ := result.Data.(map[string]any)
	if !result.Success || data["echo"] != "hi" {
		t.Errorf("%s - result = %+v", modeTestPrefix, result)
	}
	recs := logger.Records()
	if len(recs) != 1 || recs[0].Transport != command.TransportIPC {
		t.Errorf("%s - call records = %+v", modeTestPrefix, recs)
	}
}

func TestMode_ExecuteErrors(t *testing.T) {
	m, _, _ := newTestMode(t, Config{Token: testToken})
	startMode(t, m)
	c := dial(t, m)
	ctx := testCtx(t)
	if err := c.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}

	result, err := c.ExecuteResult(ctx, "nope", nil)
	if err != nil {
		t.Fatalf("%s - ExecuteResult: %v", modeTestPrefix, err)
	}
	if result.Success || result.Error != "Unknown action: nope" {
		t.Errorf("%s - unknown action result = %+v", modeTestPrefix, result)
	}

	if _, err := c.Execute(ctx, "ping", json.RawMessage(`[1,2]`)); command.CodeOf(err) != command.CodeInvalidArgument {
		t.Errorf("%s - array params err = %v", modeTestPrefix, err)
	}
	if _, err := c.Execute(ctx, "", nil); command.CodeOf(err) != command.CodeInvalidArgument {
		t.Errorf("%s - empty action err = %v", modeTestPrefix, err)
	}
	if _, err := c.roundTrip(ctx, &Request{Op: "reboot"}); command.CodeOf(err) != command.CodeInvalidArgument {
		t.Errorf("%s - unknown op err = %v", modeTestPrefix, err)
	}
}

func TestMode_LargeResultOffload(t *testing.T) {
	m, _, _ := newTestMode(t, Config{Token: testToken, Threshold: 1000})
	startMode(t, m)
	c := dial(t, m)
	ctx := testCtx(t)
	if err := c.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}

	small, err := c.Execute(ctx, "blob", json.RawMessage(`{"size":10}`))
	if err != nil || strings.Contains(string(small), "_largeResult") {
		t.Fatalf("%s - small result = %s (%v)", modeTestPrefix, small, err)
	}

	raw, err := c.Execute(ctx, "blob", json.RawMessage(`{"size":200000}`))
	if err != nil {
		t.Fatalf("%s - Execute: %v", modeTestPrefix, err)
	}
	var placeholder struct {
		LargeResult string `json:"_largeResult"`
	}
	if err := json.Unmarshal(raw, &placeholder); err != nil || placeholder.LargeResult == "" {
		t.Fatalf("%s - expected placeholder, got %.80s", modeTestPrefix, raw)
	}

	var buf strings.Builder
	if err := c.ReadLargeResult(ctx, placeholder.LargeResult, &buf); err != nil {
		t.Fatalf("%s - ReadLargeResult: %v", modeTestPrefix, err)
	}
	var result command.Result
	if err := json.Unmarshal([]byte(buf.String()), &result); err != nil {
		t.Fatalf("%s - decode streamed result: %v", modeTestPrefix, err)
	}
	if s, _ := result.Data.(string); !result.Success || len(s) != 200000 {
		t.Errorf("%s - streamed result success=%v len=%d", modeTestPrefix, result.Success, len(s))
	}

	if err := c.ReadLargeResult(ctx, placeholder.LargeResult, &buf); command.CodeOf(err) != command.CodeNotFound {
		t.Errorf("%s - second read err = %v, want NOT_FOUND", modeTestPrefix, err)
	}

	followed, err := c.ExecuteResult(ctx, "blob", json.RawMessage(`{"size":5000}`))
	if err != nil {
		t.Fatalf("%s - ExecuteResult: %v", modeTestPrefix, err)
	}
	if s, _ := followed.Data.(string); len(s) != 5000 {
		t.Errorf("%s - followed placeholder len = %d", modeTestPrefix, len(s))
	}
}

func TestMode_DisconnectEvictsSession(t *testing.T) {
	m, _, _ := newTestMode(t, Config{Token: testToken})
	startMode(t, m)
	c := dial(t, m)
	ctx := testCtx(t)

	if err := c.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("%s - Disconnect: %v", modeTestPrefix, err)
	}
	if _, err := c.Execute(ctx, "ping", nil); !command.IsUnauthorized(err) {
		t.Errorf("%s - Execute after disconnect: err = %v", modeTestPrefix, err)
	}
	if err := c.Disconnect(ctx); !command.IsUnauthorized(err) {
		t.Errorf("%s - second Disconnect: err = %v", modeTestPrefix, err)
	}
}

func TestMode_CallbacksReceiveEvents(t *testing.T) {
	m, hub, _ := newTestMode(t, Config{Token: testToken})
	startMode(t, m)
	c := dial(t, m)
	ctx := testCtx(t)

	if err := c.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}
	if err := c.RegisterCallback(ctx, "ui"); err != nil {
		t.Fatalf("%s - RegisterCallback: %v", modeTestPrefix, err)
	}
	if got := hub.Listeners(); len(got) != 1 || !strings.HasPrefix(got[0], "ipc:uid:1000#") || !strings.HasSuffix(got[0], ":ui") {
		t.Fatalf("%s - hub listeners = %v", modeTestPrefix, got)
	}

	if n := hub.Deliver(ctx, &events.Event{Type: events.TypeSMSReceived, ID: "e1", Text: "hello"}); n != 1 {
		t.Fatalf("%s - delivered = %d, want 1", modeTestPrefix, n)
	}
	select {
	case e := <-c.Events():
		if e.ID != "e1" || e.Text != "hello" {
			t.Errorf("%s - event = %+v", modeTestPrefix, e)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - no event pushed", modeTestPrefix)
	}

	if err := c.UnregisterCallback(ctx, "ui"); err != nil {
		t.Fatalf("%s - UnregisterCallback: %v", modeTestPrefix, err)
	}
	if got := hub.Listeners(); len(got) != 0 {
		t.Errorf("%s - hub listeners after unregister = %v", modeTestPrefix, got)
	}
}

func TestMode_StopDropsCallbacksAndSessions(t *testing.T) {
	m, hub, _ := newTestMode(t, Config{Token: testToken})
	startMode(t, m)
	c := dial(t, m)
	ctx := testCtx(t)
	if err := c.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}
	if err := c.RegisterCallback(ctx, ""); err != nil {
		t.Fatalf("%s - RegisterCallback: %v", modeTestPrefix, err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("%s - Stop: %v", modeTestPrefix, err)
	}
	if got := hub.Listeners(); len(got) != 0 {
		t.Errorf("%s - hub listeners after stop = %v", modeTestPrefix, got)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("%s - restart: %v", modeTestPrefix, err)
	}
	c2 := dial(t, m)
	if _, err := c2.Execute(ctx, "ping", nil); !command.IsUnauthorized(err) {
		t.Errorf("%s - session must not survive a restart: err = %v", modeTestPrefix, err)
	}
}

func pipeTo(t *testing.T, m *Mode, id auth.Identity) (*Client, func()) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.serveConn(context.Background(), &identConn{Conn: serverSide, id: id})
		serverSide.Close()
	}()
	c := NewClient(clientSide)
	closeAndWait := func() {
		c.Close()
		<-done
	}
	t.Cleanup(func() { c.Close() })
	return c, closeAndWait
}

func TestMode_SessionsArePerConnection(t *testing.T) {
	m, _, _ := newTestMode(t, Config{Token: testToken})
	m.guard.Reset(testToken)
	m.status.Set(mode.StateRunning, "")
	ctx := testCtx(t)

	alice, _ := pipeTo(t, m, auth.UID(501))
	bob, _ := pipeTo(t, m, auth.UID(502))
	aliceAgain, _ := pipeTo(t, m, auth.UID(501))

	if err := alice.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}
	if _, err := bob.Execute(ctx, "ping", nil); !command.IsUnauthorized(err) {
		t.Errorf("%s - other user should be rejected: err = %v", modeTestPrefix, err)
	}
	if _, err := aliceAgain.Execute(ctx, "ping", nil); !command.IsUnauthorized(err) {
		t.Errorf("%s - same user on another connection must present the token: err = %v", modeTestPrefix, err)
	}

	if err := aliceAgain.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - second Authenticate: %v", modeTestPrefix, err)
	}
	if err := aliceAgain.Disconnect(ctx); err != nil {
		t.Fatalf("%s - Disconnect: %v", modeTestPrefix, err)
	}
	if _, err := alice.Execute(ctx, "ping", nil); err != nil {
		t.Errorf("%s - disconnect on one connection evicted another: %v", modeTestPrefix, err)
	}
}

func TestMode_ClosedConnectionEvictsSession(t *testing.T) {
	m, _, _ := newTestMode(t, Config{Token: testToken})
	m.guard.Reset(testToken)
	m.status.Set(mode.StateRunning, "")
	ctx := testCtx(t)

	c, closeAndWait := pipeTo(t, m, auth.UID(501))
	if err := c.Authenticate(ctx, testToken); err != nil {
		t.Fatalf("%s - Authenticate: %v", modeTestPrefix, err)
	}
	if n := m.guard.Sessions(); n != 1 {
		t.Fatalf("%s - sessions = %d, want 1", modeTestPrefix, n)
	}
	closeAndWait()
	if n := m.guard.Sessions(); n != 0 {
		t.Errorf("%s - sessions after close = %d, want 0", modeTestPrefix, n)
	}
}

func TestMode_MistypedFrameGetsInvalidArgument(t *testing.T) {
	m, _, _ := newTestMode(t, Config{Token: testToken})
	m.guard.Reset(testToken)
	m.status.Set(mode.StateRunning, "")

	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		m.serveConn(context.Background(), serverSide)
		serverSide.Close()
		close(done)
	}()
	defer func() {
		clientSide.Close()
		<-done
	}()
	_ = clientSide.SetDeadline(time.Now().Add(5 * time.Second))
	dec := json.NewDecoder(clientSide)

	if _, err := clientSide.Write([]byte(`{"id":1}` + "\n")); err != nil {
		t.Fatalf("%s - write: %v", modeTestPrefix, err)
	}
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("%s - decode: %v", modeTestPrefix, err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != command.CodeInvalidArgument {
		t.Fatalf("%s - response = %+v, want INVALID_ARGUMENT", modeTestPrefix, resp)
	}

	if _, err := clientSide.Write([]byte(`{"id":"a1","op":"authenticate","token":"` + testToken + `"}` + "\n")); err != nil {
		t.Fatalf("%s - write: %v", modeTestPrefix, err)
	}
	resp = Response{}
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("%s - decode after bad frame: %v", modeTestPrefix, err)
	}
	if !resp.OK || resp.ID != "a1" {
		t.Errorf("%s - connection should keep serving after a mistyped frame: %+v", modeTestPrefix, resp)
	}
}

func TestMode_StartRejectsWeakToken(t *testing.T) {
	for _, token := range []string{"a", strings.Repeat("z", 32), strings.Repeat("a", 30)} {
		m, _, _ := newTestMode(t, Config{Token: token})
		err := m.Start(context.Background())
		if command.CodeOf(err) != command.CodeInvalidArgument {
			t.Errorf("%s - Start(token %q) err = %v, want INVALID_ARGUMENT", modeTestPrefix, token, err)
		}
		if st := m.Status(); st.State != mode.StateError {
			t.Errorf("%s - state = %s, want error", modeTestPrefix, st.State)
		}
		if m.Token() != "" {
			t.Errorf("%s - weak token must not be installed", modeTestPrefix)
		}
		if _, statErr := os.Stat(m.SocketPath()); !os.IsNotExist(statErr) {
			t.Errorf("%s - socket should not exist: %v", modeTestPrefix, statErr)
		}
	}
}

func TestMode_PeerIdentityFailureRejected(t *testing.T) {
	m, _, _ := newTestMode(t, Config{Token: testToken})
	identifyPeerFn = func(net.Conn) (auth.Identity, error) { return "", os.ErrPermission }

	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		m.serveConn(context.Background(), serverSide)
		serverSide.Close()
		close(done)
	}()

	var resp Response
	if err := json.NewDecoder(clientSide).Decode(&resp); err != nil {
		t.Fatalf("%s - decode: %v", modeTestPrefix, err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != command.CodeUnauthorized {
		t.Errorf("%s - response = %+v", modeTestPrefix, resp)
	}
	clientSide.Close()
	<-done
}

func TestMode_StartBindFailure(t *testing.T) {
	m, _, _ := newTestMode(t, Config{SocketPath: filepath.Join(t.TempDir(), "missing", "dir", "bridge.sock")})
	err := m.Start(context.Background())
	if command.CodeOf(err) != command.CodeTransportFailure {
		t.Fatalf("%s - Start err = %v, want TRANSPORT_FAILURE", modeTestPrefix, err)
	}
	if st := m.Status(); st.State != mode.StateError || st.Message == "" {
		t.Errorf("%s - status = %+v", modeTestPrefix, st)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("%s - Stop from error: %v", modeTestPrefix, err)
	}
	if m.Status().State != mode.StateIdle {
		t.Errorf("%s - state after stop = %s", modeTestPrefix, m.Status().State)
	}
}

func TestMode_Tools(t *testing.T) {
	m, _, _ := newTestMode(t, Config{})
	tools := m.Tools()
	if len(tools) != 2 {
		t.Fatalf("%s - tools = %+v", modeTestPrefix, tools)
	}
	if tools[0].Name != "ping" || tools[1].Name != "blob" {
		t.Errorf("%s - order = %s,%s", modeTestPrefix, tools[0].Name, tools[1].Name)
	}
}
