package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/device-bridge/pkg/command"
)

const callLogPrefix = "dispatcher:calllog"

// CallRecord is one dispatched call as seen by the call-logging collaborator.
type CallRecord struct {
	CommandID  string            `json:"commandId,omitempty"`
	Action     string            `json:"action"`
	Transport  command.Transport `json:"transport"`
	Success    bool              `json:"success"`
	DurationMs int64             `json:"durationMs"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

// CallLogger receives one record per dispatch. Implementations must be safe for concurrent use.
type CallLogger interface {
	LogCall(ctx context.Context, rec *CallRecord)
}

// SlogCallLogger writes call records to the default slog logger.
type SlogCallLogger struct{}

// LogCall logs the record.
func (SlogCallLogger) LogCall(_ context.Context, rec *CallRecord) {
	if rec.Success {
		slog.Info(fmt.Sprintf("%s - %s via %s ok in %dms", callLogPrefix, rec.Action, rec.Transport, rec.DurationMs))
		return
	}
	slog.Warn(fmt.Sprintf("%s - %s via %s failed in %dms: %s", callLogPrefix, rec.Action, rec.Transport, rec.DurationMs, rec.Error))
}

// RecordStore persists call records.
type RecordStore interface {
	InsertCallLog(ctx context.Context, rec *CallRecord) error
}

// StoreCallLogger logs through slog and persists every record to a RecordStore.
// Persistence failures are logged, never surfaced to the caller.
type StoreCallLogger struct {
	Store   RecordStore
	Timeout time.Duration
}

// LogCall logs and persists the record.
func (s *StoreCallLogger) LogCall(ctx context.Context, rec *CallRecord) {
	SlogCallLogger{}.LogCall(ctx, rec)
	if s.Store == nil {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Store.InsertCallLog(writeCtx, rec); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to persist call log for %s: %v", callLogPrefix, rec.Action, err))
	}
}

// MemoryCallLogger keeps call records in memory; used by tests and the status page.
type MemoryCallLogger struct {
	mu      sync.Mutex
	records []*CallRecord
	limit   int
}

// NewMemoryCallLogger keeps at most limit records (0 = unbounded).
func NewMemoryCallLogger(limit int) *MemoryCallLogger {
	return &MemoryCallLogger{limit: limit}
}

// LogCall stores the record.
func (m *MemoryCallLogger) LogCall(_ context.Context, rec *CallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.limit > 0 && len(m.records) > m.limit {
		m.records = m.records[len(m.records)-m.limit:]
	}
}

// Records returns a copy of the stored records, oldest first.
func (m *MemoryCallLogger) Records() []*CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CallRecord, len(m.records))
	copy(out, m.records)
	return out
}

// MultiCallLogger fans one record out to several loggers.
type MultiCallLogger []CallLogger

// LogCall forwards the record to every logger.
func (m MultiCallLogger) LogCall(ctx context.Context, rec *CallRecord) {
	for _, l := range m {
		if l != nil {
			l.LogCall(ctx, rec)
		}
	}
}
