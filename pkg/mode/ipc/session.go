package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/device-bridge/pkg/auth"
	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/offload"
)

// session is one client connection. Frames may be written from several goroutines.
type session struct {
	conn     net.Conn
	identity auth.Identity

	wmu sync.Mutex
	enc *json.Encoder

	cbmu      sync.Mutex
	callbacks map[string]struct{}
}

func (s *session) write(resp *Response) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.enc.Encode(resp)
}

func (m *Mode) serveConn(ctx context.Context, conn net.Conn) {
	peer, err := identifyPeerFn(conn)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - peer identity check failed: %v", logPrefix, err))
		_ = json.NewEncoder(conn).Encode(errorResponse("", command.Failure(command.CodeUnauthorized, "peer identity check failed")))
		return
	}
	identity := auth.OnConnection(peer, m.connSeq.Add(1))

	s := &session{conn: conn, identity: identity, enc: json.NewEncoder(conn), callbacks: make(map[string]struct{})}
	m.track(s, true)
	defer m.track(s, false)
	defer m.guard.Evict(identity)
	defer m.dropCallbacks(s)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				// the decoder has consumed the whole frame, so the stream is still aligned
				_ = s.write(errorResponse(req.ID, command.Failure(command.CodeInvalidArgument,
					fmt.Sprintf("field %q must be %s", typeErr.Field, typeErr.Type))))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				slog.Debug(fmt.Sprintf("%s - read from %s: %v", logPrefix, identity, err))
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					_ = s.write(errorResponse("", command.Failure(command.CodeInvalidArgument, "malformed frame")))
				}
			}
			return
		}
		inflight.Add(1)
		go func(req *Request) {
			defer inflight.Done()
			m.handle(ctx, s, req)
		}(&req)
	}
}

func (m *Mode) track(s *session, add bool) {
	m.mu.Lock()
	if add {
		m.conns[s] = struct{}{}
	} else {
		delete(m.conns, s)
	}
	n := len(m.conns)
	m.mu.Unlock()
	m.status.SetClients(n)
}

func (m *Mode) handle(ctx context.Context, s *session, req *Request) {
	if req.Op == OpAuthenticate {
		if err := m.guard.Authenticate(s.identity, req.Token); err != nil {
			m.reply(s, errorResponse(req.ID, err))
			return
		}
		m.reply(s, okResponse(req.ID))
		return
	}

	if err := m.guard.Require(s.identity); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s rejected for %s: %v", logPrefix, req.Op, s.identity, err))
		m.reply(s, errorResponse(req.ID, err))
		return
	}

	switch req.Op {
	case OpExecuteCommand:
		m.executeCommand(ctx, s, req)
	case OpReadLargeResult:
		m.readLargeResult(ctx, s, req)
	case OpRegisterCallback:
		m.reply(s, m.registerCallback(s, req))
	case OpUnregisterCallback:
		m.unregisterCallback(s, callbackKey(s.identity, req.Listener))
		m.reply(s, okResponse(req.ID))
	case OpDisconnect:
		m.dropCallbacks(s)
		m.guard.Evict(s.identity)
		slog.Info(fmt.Sprintf("%s - %s disconnected", logPrefix, s.identity))
		m.reply(s, okResponse(req.ID))
	default:
		m.reply(s, errorResponse(req.ID, command.Failure(command.CodeInvalidArgument, "unknown operation: "+req.Op)))
	}
}

func (m *Mode) reply(s *session, resp *Response) {
	if err := s.write(resp); err != nil {
		slog.Debug(fmt.Sprintf("%s - write to %s: %v", logPrefix, s.identity, err))
	}
}

func (m *Mode) executeCommand(ctx context.Context, s *session, req *Request) {
	params, err := command.ParseParams(req.Params)
	if err != nil {
		m.reply(s, errorResponse(req.ID, err))
		return
	}
	if req.Action == "" {
		m.reply(s, errorResponse(req.ID, command.Failure(command.CodeInvalidArgument, "action is required")))
		return
	}

	cmd := &command.Command{ID: uuid.NewString(), Action: req.Action, Params: params}
	result := m.dispatcher.Dispatch(context.WithoutCancel(ctx), command.TransportIPC, cmd)

	if !m.status.Accepting() {
		slog.Debug(fmt.Sprintf("%s - discarding result of %s, mode is %s", logPrefix, cmd.Action, m.status.State()))
		return
	}

	inline, handle, err := m.offload.Shape(result)
	if err != nil {
		m.reply(s, errorResponse(req.ID, command.Failure(command.CodeHandlerFailure, err.Error())))
		return
	}
	if handle != "" {
		slog.Info(fmt.Sprintf("%s - result of %s offloaded as %s", logPrefix, cmd.Action, handle))
	}
	m.reply(s, &Response{ID: req.ID, OK: true, Result: inline})
}

func (m *Mode) readLargeResult(ctx context.Context, s *session, req *Request) {
	rc, err := m.offload.Open(ctx, req.Handle)
	if err != nil {
		m.reply(s, errorResponse(req.ID, err))
		return
	}
	defer rc.Close()

	buf := make([]byte, offload.ChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := s.write(&Response{ID: req.ID, OK: true, Chunk: chunk}); werr != nil {
				slog.Warn(fmt.Sprintf("%s - streaming %s to %s aborted: %v", logPrefix, req.Handle, s.identity, werr))
				return
			}
		}
		if errors.Is(err, io.EOF) {
			m.reply(s, &Response{ID: req.ID, OK: true, EOF: true})
			return
		}
		if err != nil {
			m.reply(s, errorResponse(req.ID, command.Failure(command.CodeTransportFailure, err.Error())))
			return
		}
	}
}

func callbackKey(id auth.Identity, listener string) string {
	if listener == "" {
		listener = "default"
	}
	return fmt.Sprintf("ipc:%s:%s", id, listener)
}

func (m *Mode) registerCallback(s *session, req *Request) *Response {
	if m.hub == nil {
		return errorResponse(req.ID, command.Failure(command.CodeNotFound, "event push is not available"))
	}
	key := callbackKey(s.identity, req.Listener)

	m.mu.Lock()
	m.callbacks[key] = s
	m.mu.Unlock()
	s.cbmu.Lock()
	s.callbacks[key] = struct{}{}
	s.cbmu.Unlock()

	m.hub.Subscribe(key, events.NewCallbackPublisher(func(_ context.Context, e *events.Event) error {
		return s.write(&Response{OK: true, Event: e})
	}))
	slog.Info(fmt.Sprintf("%s - callback %s registered", logPrefix, key))
	return okResponse(req.ID)
}

func (m *Mode) unregisterCallback(s *session, key string) {
	m.mu.Lock()
	owner, ok := m.callbacks[key]
	if ok && owner == s {
		delete(m.callbacks, key)
	}
	m.mu.Unlock()
	s.cbmu.Lock()
	delete(s.callbacks, key)
	s.cbmu.Unlock()
	if ok && owner == s && m.hub != nil {
		m.hub.Unsubscribe(key)
	}
}

func (m *Mode) dropCallbacks(s *session) {
	s.cbmu.Lock()
	keys := make([]string, 0, len(s.callbacks))
	for key := range s.callbacks {
		keys = append(keys, key)
	}
	s.cbmu.Unlock()
	for _, key := range keys {
		m.unregisterCallback(s, key)
	}
}
