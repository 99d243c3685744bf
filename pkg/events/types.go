// Package events defines device events, the publishers that carry them, and the
// deduplicating forwarder that feeds every listener.
package events

// Type names a device event.
type Type string

// Device event types.
const (
	TypeSMSReceived         Type = "sms_received"
	TypeNotificationPosted  Type = "notification_posted"
	TypeNotificationRemoved Type = "notification_removed"
)

// Event is pushed to listeners when the device observes an SMS or a notification change.
type Event struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	DeviceID  string `json:"deviceId,omitempty"`
	Source    string `json:"source,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	Key       string `json:"key,omitempty"`
	Ongoing   bool   `json:"ongoing,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notification is a posted device notification as reported by the OS listener.
type Notification struct {
	Key     string `json:"key"`
	Source  string `json:"source"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	Ongoing bool   `json:"ongoing"`
}
