// Package command defines the request/response vocabulary shared by every transport and capability.
package command

import (
	"encoding/json"
	"fmt"
)

// Transport identifies the connection mode a command arrived through.
type Transport string

// Known transports.
const (
	TransportIPC   Transport = "ipc"
	TransportLocal Transport = "local"
	TransportRelay Transport = "relay"
)

// Command is a normalized request: an action name plus its parameters.
// A transport adapter builds it from wire input; the dispatcher consumes it once.
type Command struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Param returns the named parameter, or nil when absent.
func (c *Command) Param(name string) any {
	if c == nil || c.Params == nil {
		return nil
	}
	return c.Params[name]
}

// StringParam returns the named parameter as a string; ok is false when absent or not a string.
func (c *Command) StringParam(name string) (string, bool) {
	s, ok := c.Param(name).(string)
	return s, ok
}

// Result is the outcome of a dispatched command.
// Success=false always carries an Error; Success=true never does.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK builds a successful result.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds a failed result. An empty message is replaced so the invariant holds.
func Fail(message string) *Result {
	if message == "" {
		message = "unknown error"
	}
	return &Result{Success: false, Error: message}
}

// Failf builds a failed result from a format string.
func Failf(format string, args ...any) *Result {
	return Fail(fmt.Sprintf(format, args...))
}

// Normalize repairs a handler-built result so Success and Error agree.
func (r *Result) Normalize() *Result {
	if r == nil {
		return Fail("handler returned no result")
	}
	if !r.Success && r.Error == "" {
		r.Error = "unknown error"
	}
	if r.Success {
		r.Error = ""
	}
	return r
}

// ParseParams decodes a JSON object into a parameter map. Empty input yields an empty map.
func ParseParams(raw []byte) (map[string]any, error) {
	params := map[string]any{}
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, Failure(CodeInvalidArgument, "params must be a JSON object: "+err.Error())
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
