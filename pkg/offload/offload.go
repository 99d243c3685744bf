// Package offload keeps oversized results out of inline responses.
// A result at or above the threshold is parked under a one-shot handle
// and streamed back on request.
package offload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/morezero/device-bridge/pkg/command"
)

const logPrefix = "offload:offload"

// DefaultThreshold is the serialized size, in bytes, from which results are offloaded.
const DefaultThreshold = 500000

// DefaultTTL bounds how long an unread handle is kept.
const DefaultTTL = 2 * time.Minute

// PlaceholderKey is the field of the inline placeholder carrying the handle id.
const PlaceholderKey = "_largeResult"

// ChunkSize is the write size used when streaming a payload.
const ChunkSize = 64 * 1024

// Placeholder is returned inline in place of an offloaded result.
type Placeholder struct {
	LargeResult string `json:"_largeResult"`
}

type handle struct {
	payload []byte
	created time.Time
}

// Store holds offloaded payloads until they are read once or expire.
type Store struct {
	threshold int
	ttl       time.Duration

	mu      sync.Mutex
	handles map[string]*handle

	now   func() time.Time
	newID func() string
}

// NewStore creates a Store. Non-positive arguments fall back to the defaults.
func NewStore(threshold int, ttl time.Duration) *Store {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		threshold: threshold,
		ttl:       ttl,
		handles:   make(map[string]*handle),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Threshold returns the offload threshold in bytes.
func (s *Store) Threshold() int {
	return s.threshold
}

// Shape serializes r and returns the bytes to send inline.
// handleID is non-empty when the result was offloaded.
func (s *Store) Shape(r *command.Result) (inline []byte, handleID string, err error) {
	raw, err := json.Marshal(r.Normalize())
	if err != nil {
		return nil, "", fmt.Errorf("%s - marshal result: %w", logPrefix, err)
	}
	inline, handleID = s.ShapeBytes(raw)
	return inline, handleID, nil
}

// ShapeBytes returns raw unchanged below the threshold; otherwise it parks raw and returns a placeholder.
func (s *Store) ShapeBytes(raw []byte) (inline []byte, handleID string) {
	if len(raw) < s.threshold {
		return raw, ""
	}
	id := s.Put(raw)
	inline, _ = json.Marshal(Placeholder{LargeResult: id})
	slog.Debug(fmt.Sprintf("%s - offloaded %d bytes as %s", logPrefix, len(raw), id))
	return inline, id
}

// Put parks payload under a new handle id.
func (s *Store) Put(payload []byte) string {
	id := s.newID()
	s.mu.Lock()
	s.handles[id] = &handle{payload: payload, created: s.now()}
	s.mu.Unlock()
	return id
}

// Take removes and returns the payload for id.
func (s *Store) Take(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	delete(s.handles, id)
	return h.payload, true
}

// Open consumes the handle and returns a reader streaming its payload.
// The payload is written from a separate goroutine; closing the reader or cancelling ctx stops it.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	payload, ok := s.Take(id)
	if !ok {
		return nil, command.Failure(command.CodeNotFound, fmt.Sprintf("large result %s not found", id))
	}

	pr, pw := io.Pipe()
	go func() {
		for off := 0; off < len(payload); off += ChunkSize {
			if err := ctx.Err(); err != nil {
				pw.CloseWithError(err)
				return
			}
			end := off + ChunkSize
			if end > len(payload) {
				end = len(payload)
			}
			if _, err := pw.Write(payload[off:end]); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return pr, nil
}

// Sweep drops handles older than the TTL and returns how many were removed.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, h := range s.handles {
		if h.created.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info(fmt.Sprintf("%s - reclaimed %d unread large results", logPrefix, removed))
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Clear drops every handle.
func (s *Store) Clear() {
	s.mu.Lock()
	s.handles = make(map[string]*handle)
	s.mu.Unlock()
}

// Len returns the number of parked payloads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
