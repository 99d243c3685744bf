package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	// SubjectPair receives device hello frames and pairing requests.
	SubjectPair = "bridge.relay.pair"
	// SubjectPairAdmin receives approve, reject and status requests for the controller.
	SubjectPairAdmin = "bridge.relay.admin.pair"
	// SubjectEvents carries every forwarded device event.
	SubjectEvents = "bridge.events"
	// SubjectAllHeartbeats matches the heartbeat subject of every device.
	SubjectAllHeartbeats = "bridge.device.*.heartbeat"
)

// Per-device subject kinds.
const (
	KindCommand   = "command"
	KindResponse  = "response"
	KindState     = "state"
	KindHeartbeat = "heartbeat"
	KindEvent     = "event"
)

// SanitizeToken makes s safe to use as a single subject token.
func SanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// BuildDeviceSubject builds bridge.device.<id>.<kind>.
func BuildDeviceSubject(deviceID, kind string) string {
	return fmt.Sprintf("bridge.device.%s.%s", SanitizeToken(deviceID), kind)
}

// BuildCommandSubject is where a device receives command envelopes.
func BuildCommandSubject(deviceID string) string {
	return BuildDeviceSubject(deviceID, KindCommand)
}

// BuildResponseSubject is where a device publishes command responses.
func BuildResponseSubject(deviceID string) string {
	return BuildDeviceSubject(deviceID, KindResponse)
}

// BuildStateSubject carries the pairing state signal for a device.
func BuildStateSubject(deviceID string) string {
	return BuildDeviceSubject(deviceID, KindState)
}

// BuildHeartbeatSubject carries periodic device presence.
func BuildHeartbeatSubject(deviceID string) string {
	return BuildDeviceSubject(deviceID, KindHeartbeat)
}

// BuildEventSubject builds bridge.device.<id>.event.<type>.
func BuildEventSubject(deviceID, eventType string) string {
	return BuildDeviceSubject(deviceID, KindEvent) + "." + SanitizeToken(eventType)
}
