// Package dispatcher routes commands to registered capability handlers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

// Dispatcher resolves a command to its handler, invokes it, and reports the call.
// It is the failure boundary: nothing a handler does escapes as a panic or error.
type Dispatcher struct {
	registry *registry.Registry
	logger   CallLogger
	now      func() time.Time
}

// NewDispatcher creates a new Dispatcher. A nil logger falls back to slog.
func NewDispatcher(reg *registry.Registry, logger CallLogger) *Dispatcher {
	if logger == nil {
		logger = SlogCallLogger{}
	}
	return &Dispatcher{registry: reg, logger: logger, now: time.Now}
}

// Registry returns the handler registry the dispatcher reads from.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Dispatch runs cmd on behalf of transport. Every call is reported to the call logger exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, transport command.Transport, cmd *command.Command) *command.Result {
	if cmd == nil {
		cmd = &command.Command{}
	}
	slog.Debug(fmt.Sprintf("%s - action=%s id=%s transport=%s", logPrefix, cmd.Action, cmd.ID, transport))

	var handler registry.Capability
	ok := false
	if d.registry != nil {
		handler, ok = d.registry.Lookup(cmd.Action)
	}
	if !ok {
		result := command.Fail(fmt.Sprintf("Unknown action: %s", cmd.Action))
		d.report(ctx, transport, cmd, result, 0)
		return result
	}

	start := d.now()
	result := invoke(ctx, handler, cmd)
	d.report(ctx, transport, cmd, result, d.now().Sub(start))
	return result
}

// invoke calls the handler and converts panics and errors into failed results.
func invoke(ctx context.Context, handler registry.Capability, cmd *command.Command) (result *command.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - handler for %s panicked: %v\n%s", logPrefix, cmd.Action, rec, debug.Stack()))
			result = command.Failf("%v", rec)
		}
	}()

	res, err := handler.Handle(ctx, cmd)
	if err != nil {
		return handlerErrorToResult(err)
	}
	return res.Normalize()
}

func handlerErrorToResult(err error) *command.Result {
	var cmdErr *command.Error
	if errors.As(err, &cmdErr) {
		return command.Fail(cmdErr.Message)
	}
	return command.Fail(err.Error())
}

func (d *Dispatcher) report(ctx context.Context, transport command.Transport, cmd *command.Command, result *command.Result, elapsed time.Duration) {
	d.logger.LogCall(ctx, &CallRecord{
		CommandID:  cmd.ID,
		Action:     cmd.Action,
		Transport:  transport,
		Success:    result.Success,
		DurationMs: elapsed.Milliseconds(),
		Error:      result.Error,
		At:         d.now().UTC(),
	})
}
