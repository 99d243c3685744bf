package db

import "time"

// CallLog is one row of call_logs.
type CallLog struct {
	ID         string    `json:"id"`
	CommandID  string    `json:"commandId,omitempty"`
	Action     string    `json:"action"`
	Transport  string    `json:"transport"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
	Error      *string   `json:"error,omitempty"`
	Created    time.Time `json:"created"`
}

// CallStats aggregates call_logs per action.
type CallStats struct {
	Action   string `json:"action"`
	Calls    int64  `json:"calls"`
	Failures int64  `json:"failures"`
	AvgMs    int64  `json:"avgMs"`
}
