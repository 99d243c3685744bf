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
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/events"
	"github.com/morezero/device-bridge/pkg/offload"
)

const clientLogPrefix = "ipc:client"

// ErrClientClosed is returned for calls on a closed client.
var ErrClientClosed = errors.New("ipc client closed")

// Client speaks the IPC protocol over one connection. Calls may run concurrently.
type Client struct {
	conn net.Conn

	wmu sync.Mutex
	enc *json.Encoder

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool

	seq    atomic.Uint64
	events chan *events.Event
	done   chan struct{}
}

// Dial connects to the IPC socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[string]chan *Response),
		events:  make(chan *events.Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events delivers pushed events after RegisterCallback. It is closed when the connection ends.
func (c *Client) Events() <-chan *events.Event {
	return c.events
}

// Close closes the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Authenticate presents the token.
func (c *Client) Authenticate(ctx context.Context, token string) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpAuthenticate, Token: token})
	return err
}

// Execute runs action and returns the inline result bytes, which may be a large-result placeholder.
func (c *Client) Execute(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: OpExecuteCommand, Action: action, Params: params})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ExecuteResult runs action and decodes the result, following a large-result placeholder when present.
func (c *Client) ExecuteResult(ctx context.Context, action string, params json.RawMessage) (*command.Result, error) {
	raw, err := c.Execute(ctx, action, params)
	if err != nil {
		return nil, err
	}

	var placeholder offload.Placeholder
	if json.Unmarshal(raw, &placeholder) == nil && placeholder.LargeResult != "" {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(c.ReadLargeResult(ctx, placeholder.LargeResult, pw))
		}()
		defer pr.Close()
		var result command.Result
		if err := json.NewDecoder(pr).Decode(&result); err != nil {
			return nil, fmt.Errorf("decoding large result: %w", err)
		}
		_, _ = io.Copy(io.Discard, pr)
		return result.Normalize(), nil
	}

	var result command.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return result.Normalize(), nil
}

// ReadLargeResult streams the payload for handle into w.
func (c *Client) ReadLargeResult(ctx context.Context, handle string, w io.Writer) error {
	ch, id, err := c.send(&Request{Op: OpReadLargeResult, Handle: handle})
	if err != nil {
		return err
	}
	defer c.forget(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-ch:
			if !ok {
				return ErrClientClosed
			}
			if !resp.OK {
				return responseError(resp)
			}
			if len(resp.Chunk) > 0 {
				if _, err := w.Write(resp.Chunk); err != nil {
					return err
				}
			}
			if resp.EOF {
				return nil
			}
		}
	}
}

// RegisterCallback subscribes this connection to pushed events under listener.
func (c *Client) RegisterCallback(ctx context.Context, listener string) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpRegisterCallback, Listener: listener})
	return err
}

// UnregisterCallback removes a listener.
func (c *Client) UnregisterCallback(ctx context.Context, listener string) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpUnregisterCallback, Listener: listener})
	return err
}

// Disconnect ends the caller's session. The connection stays open.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpDisconnect})
	return err
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	ch, id, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer c.forget(id)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if !resp.OK {
			return nil, responseError(resp)
		}
		return resp, nil
	}
}

func responseError(resp *Response) error {
	if resp.Error != nil {
		return resp.Error
	}
	return command.Failure(command.CodeTransportFailure, "request failed")
}

func (c *Client) send(req *Request) (chan *Response, string, error) {
	req.ID = strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan *Response, 16)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, "", ErrClientClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.enc.Encode(req)
	c.wmu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return nil, "", fmt.Errorf("sending %s: %w", req.Op, err)
	}
	return ch, req.ID, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
	}()

	dec := json.NewDecoder(bufio.NewReader(c.conn))
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			return
		}
		if resp.ID == "" {
			if resp.Event != nil {
				select {
				case c.events <- resp.Event:
				default:
					slog.Warn(fmt.Sprintf("%s - event buffer full, dropping %s", clientLogPrefix, resp.Event.Type))
				}
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}
