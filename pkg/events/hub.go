package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const hubLogPrefix = "events:hub"

// DefaultDeliveryTimeout bounds a single listener delivery.
const DefaultDeliveryTimeout = 5 * time.Second

// Hub fans events out to named listeners. Deliveries run concurrently and
// a failing or slow listener does not hold back the others.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]Publisher
	timeout   time.Duration
}

// NewHub creates a Hub. A non-positive timeout uses DefaultDeliveryTimeout.
func NewHub(timeout time.Duration) *Hub {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Hub{listeners: make(map[string]Publisher), timeout: timeout}
}

// Subscribe attaches p under name, replacing any listener with the same name.
// The returned func detaches it.
func (h *Hub) Subscribe(name string, p Publisher) (unsubscribe func()) {
	h.mu.Lock()
	h.listeners[name] = p
	h.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - listener %s attached", hubLogPrefix, name))

	return func() {
		h.mu.Lock()
		if h.listeners[name] == p {
			delete(h.listeners, name)
		}
		h.mu.Unlock()
	}
}

// Unsubscribe detaches the listener registered under name.
func (h *Hub) Unsubscribe(name string) {
	h.mu.Lock()
	delete(h.listeners, name)
	h.mu.Unlock()
}

// Listeners returns the attached listener names, sorted.
func (h *Hub) Listeners() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.listeners))
	for name := range h.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish delivers event to every listener. Listener failures are logged, not returned.
func (h *Hub) Publish(ctx context.Context, event *Event) error {
	h.Deliver(ctx, event)
	return nil
}

// Deliver is Publish with the delivery count.
func (h *Hub) Deliver(ctx context.Context, event *Event) int {
	h.mu.RLock()
	targets := make(map[string]Publisher, len(h.listeners))
	for name, p := range h.listeners {
		targets[name] = p
	}
	h.mu.RUnlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for name, p := range targets {
		wg.Add(1)
		go func(name string, p Publisher) {
			defer wg.Done()
			if err := h.deliverOne(ctx, p, event); err != nil {
				slog.Warn(fmt.Sprintf("%s - listener %s failed for %s: %v", hubLogPrefix, name, event.Type, err))
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return delivered
}

func (h *Hub) deliverOne(ctx context.Context, p Publisher, event *Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- p.Publish(ctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
