package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/commsutil"
)

const clientLogPrefix = "relay:client"

// DefaultCallTimeout bounds a Call when neither the call nor the client sets a timeout.
const DefaultCallTimeout = 30 * time.Second

// ErrClientClosed is returned by Call after Close.
var ErrClientClosed = errors.New("relay client closed")

// Client sends commands to devices over the relay and correlates their responses by id.
// A timed-out call resolves with a TIMEOUT failure and leaves the connection usable.
type Client struct {
	nc      *comms.Conn
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	subs    map[string]*comms.Subscription
	pending map[string]chan *command.Result
}

// NewClient creates a client. timeout <= 0 uses DefaultCallTimeout.
func NewClient(nc *comms.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		nc:      nc,
		timeout: timeout,
		subs:    make(map[string]*comms.Subscription),
		pending: make(map[string]chan *command.Result),
	}
}

// Call sends action to deviceID and waits for the correlated response.
// timeout <= 0 uses the client default.
func (c *Client) Call(ctx context.Context, deviceID, action string, params map[string]any, timeout time.Duration) (*command.Result, error) {
	if deviceID == "" || action == "" {
		return nil, command.Failure(command.CodeInvalidArgument, "device id and action are required")
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	cmd := &command.Command{ID: uuid.NewString(), Action: action, Params: params}
	ch, err := c.register(deviceID, cmd.ID)
	if err != nil {
		return nil, err
	}
	defer c.forget(cmd.ID)

	if err := commsutil.PublishJSON(c.nc, commsutil.BuildCommandSubject(deviceID), command.NewEnvelope(cmd)); err != nil {
		return nil, command.Failure(command.CodeTransportFailure, err.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, nil
	case <-timer.C:
		slog.Debug(fmt.Sprintf("%s - %s on %s timed out after %s", clientLogPrefix, action, deviceID, timeout))
		return nil, command.Failure(command.CodeTimeout, fmt.Sprintf("%s timed out after %s", action, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes from every response subject. Pending calls run to their timeouts.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, id)
	}
}

func (c *Client) register(deviceID, id string) (chan *command.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if _, ok := c.subs[deviceID]; !ok {
		sub, err := c.nc.Subscribe(commsutil.BuildResponseSubject(deviceID), c.handleResponse)
		if err != nil {
			return nil, command.Failure(command.CodeTransportFailure, err.Error())
		}
		if err := c.nc.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, command.Failure(command.CodeTransportFailure, err.Error())
		}
		c.subs[deviceID] = sub
	}
	ch := make(chan *command.Result, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) handleResponse(msg *comms.Msg) {
	var resp command.Response
	if err := commsutil.DecodePayload(msg.Data, &resp); err != nil {
		slog.Warn(fmt.Sprintf("%s - invalid response frame: %v", clientLogPrefix, err))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		slog.Debug(fmt.Sprintf("%s - dropping response for unknown id %s", clientLogPrefix, resp.ID))
		return
	}
	ch <- resp.Result()
}
