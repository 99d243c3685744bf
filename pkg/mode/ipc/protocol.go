package ipc

import (
	"encoding/json"

	"github.com/morezero/device-bridge/pkg/command"
	"github.com/morezero/device-bridge/pkg/events"
)

// Operations accepted on the socket. Every operation except OpAuthenticate requires a session.
const (
	OpAuthenticate       = "authenticate"
	OpExecuteCommand     = "executeCommand"
	OpReadLargeResult    = "readLargeResult"
	OpRegisterCallback   = "registerCallback"
	OpUnregisterCallback = "unregisterCallback"
	OpDisconnect         = "disconnect"
)

// Request is one newline-delimited JSON frame sent by a client.
type Request struct {
	ID       string          `json:"id"`                 // client-chosen correlation id
	Op       string          `json:"op"`                 // one of the Op constants
	Token    string          `json:"token,omitempty"`    // authenticate
	Action   string          `json:"action,omitempty"`   // executeCommand
	Params   json.RawMessage `json:"params,omitempty"`   // executeCommand, a JSON object
	Handle   string          `json:"handle,omitempty"`   // readLargeResult
	Listener string          `json:"listener,omitempty"` // register/unregisterCallback
}

// Response is one frame sent by the server. Frames without an ID carry pushed events.
// A readLargeResult call is answered by any number of Chunk frames followed by one EOF frame.
type Response struct {
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Chunk  []byte          `json:"chunk,omitempty"`
	EOF    bool            `json:"eof,omitempty"`
	Error  *command.Error  `json:"error,omitempty"`
	Event  *events.Event   `json:"event,omitempty"`
}

func okResponse(id string) *Response {
	return &Response{ID: id, OK: true}
}

func errorResponse(id string, err error) *Response {
	cmdErr, ok := err.(*command.Error)
	if !ok {
		cmdErr = command.Failure(command.CodeTransportFailure, err.Error())
	}
	return &Response{ID: id, OK: false, Error: cmdErr}
}
