package relay

import (
	"github.com/morezero/device-bridge/pkg/mode"
	"github.com/morezero/device-bridge/pkg/pairing"
)

// ConnectionState is the relay-level connection and pairing state.
type ConnectionState string

// Connection states. PendingApproval, Approved and Rejected double as the wire state signal.
const (
	StateDisconnected    ConnectionState = "disconnected"
	StateConnecting      ConnectionState = "connecting"
	StateConnected       ConnectionState = "connected"
	StatePendingApproval ConnectionState = "pending_approval"
	StateApproved        ConnectionState = "approved"
	StateRejected        ConnectionState = "rejected"
	StateError           ConnectionState = "error"
)

// ModeState maps a connection state onto the shared mode lifecycle.
func ModeState(cs ConnectionState) mode.State {
	switch cs {
	case StateConnecting:
		return mode.StateStarting
	case StateConnected, StatePendingApproval, StateApproved:
		return mode.StateRunning
	case StateRejected, StateError:
		return mode.StateError
	default:
		return mode.StateIdle
	}
}

// StateForPairing maps a stored pairing status onto the state signal.
func StateForPairing(s pairing.Status) ConnectionState {
	switch s {
	case pairing.StatusApproved:
		return StateApproved
	case pairing.StatusRejected:
		return StateRejected
	default:
		return StatePendingApproval
	}
}

// Hello is sent by a device on connect.
type Hello struct {
	DeviceID        string   `json:"deviceId"`
	DeviceName      string   `json:"deviceName,omitempty"`
	ProtocolVersion string   `json:"protocolVersion"`
	Actions         []string `json:"actions,omitempty"`

	// SupportedVersions are the protocol versions the device can speak. Empty means ProtocolVersion only.
	SupportedVersions []string `json:"supportedVersions,omitempty"`
}

// HelloReply answers a Hello with the negotiated protocol version and the device's pairing state.
type HelloReply struct {
	ProtocolVersion string          `json:"protocolVersion"`
	State           ConnectionState `json:"state"`
	Message         string          `json:"message,omitempty"`
}

// StateSignal is pushed to a device when its pairing state changes.
type StateSignal struct {
	DeviceID string          `json:"deviceId"`
	State    ConnectionState `json:"state"`
	Message  string          `json:"message,omitempty"`
}

// Heartbeat is the periodic device presence frame.
type Heartbeat struct {
	DeviceID  string          `json:"deviceId"`
	State     ConnectionState `json:"state"`
	Timestamp string          `json:"timestamp"`
}

// Admin actions accepted by the controller.
const (
	AdminApprove = "approve"
	AdminReject  = "reject"
	AdminStatus  = "status"
	AdminList    = "list"
)

// AdminRequest asks the controller to change or report a device's pairing.
// DeviceID is ignored for AdminList.
type AdminRequest struct {
	DeviceID string `json:"deviceId"`
	Action   string `json:"action"`
}

// AdminReply carries the resulting record, the full listing for AdminList, or an error.
type AdminReply struct {
	Pairing  *pairing.Pairing   `json:"pairing,omitempty"`
	Pairings []*pairing.Pairing `json:"pairings,omitempty"`
	Error    string             `json:"error,omitempty"`
}
