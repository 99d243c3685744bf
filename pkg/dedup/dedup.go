// Package dedup suppresses redundant device events across overlapping notification and SMS sources.
//
// Three independent policies apply:
//   - SMS echo: a messaging app's notification repeating an SMS already forwarded
//     from the broadcast path is dropped for a short window.
//   - Notification content: identical (source, title, text) posts are dropped for a medium window.
//   - Ongoing: a sticky notification is forwarded once per posting episode, until cleared.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const logPrefix = "dedup:dedup"

// Default windows.
const (
	DefaultSMSWindow          = 5 * time.Second
	DefaultNotificationWindow = 30 * time.Second
	DefaultSweepInterval      = time.Minute
)

// DefaultMessagingSources are the notification origins that echo incoming SMS.
var DefaultMessagingSources = []string{
	"com.google.android.apps.messaging",
	"com.android.mms",
	"com.samsung.android.messaging",
	"com.android.messaging",
	"org.thoughtcrime.securesms",
	"com.textra",
}

// Options configures a Deduplicator. Zero values fall back to the defaults.
type Options struct {
	SMSWindow          time.Duration
	NotificationWindow time.Duration
	MessagingSources   []string
}

// Deduplicator is safe for concurrent use. One instance is shared by every mode.
type Deduplicator struct {
	smsWindow          time.Duration
	notificationWindow time.Duration
	messaging          map[string]struct{}

	mu            sync.Mutex
	sms           map[string]time.Time
	notifications map[string]time.Time
	ongoing       map[string]struct{}

	now func() time.Time
}

// New creates a Deduplicator.
func New(opts Options) *Deduplicator {
	if opts.SMSWindow <= 0 {
		opts.SMSWindow = DefaultSMSWindow
	}
	if opts.NotificationWindow <= 0 {
		opts.NotificationWindow = DefaultNotificationWindow
	}
	if opts.MessagingSources == nil {
		opts.MessagingSources = DefaultMessagingSources
	}
	messaging := make(map[string]struct{}, len(opts.MessagingSources))
	for _, s := range opts.MessagingSources {
		messaging[s] = struct{}{}
	}
	return &Deduplicator{
		smsWindow:          opts.SMSWindow,
		notificationWindow: opts.NotificationWindow,
		messaging:          messaging,
		sms:                make(map[string]time.Time),
		notifications:      make(map[string]time.Time),
		ongoing:            make(map[string]struct{}),
		now:                time.Now,
	}
}

// RecordSMS stamps body as forwarded. Call it before forwarding an SMS event.
func (d *Deduplicator) RecordSMS(body string) {
	key := hashKey(normalize(body))
	d.mu.Lock()
	d.sms[key] = d.now()
	d.mu.Unlock()
}

// IsDuplicateOfSMS reports whether a notification from source merely echoes a recently forwarded SMS.
func (d *Deduplicator) IsDuplicateOfSMS(source, text string) bool {
	if _, ok := d.messaging[source]; !ok {
		return false
	}
	key := hashKey(normalize(text))
	d.mu.Lock()
	defer d.mu.Unlock()
	seen, ok := d.sms[key]
	return ok && d.now().Sub(seen) < d.smsWindow
}

// IsDuplicateNotification reports whether identical content was seen within the window.
// A false answer records the content, so the check and the stamp are one step.
func (d *Deduplicator) IsDuplicateNotification(source, title, text string) bool {
	key := hashKey(source, title, text)
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if seen, ok := d.notifications[key]; ok && now.Sub(seen) < d.notificationWindow {
		return true
	}
	d.notifications[key] = now
	return false
}

// IsOngoingAlreadyForwarded returns false the first time key is seen and true until ClearOngoing.
func (d *Deduplicator) IsOngoingAlreadyForwarded(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ongoing[key]; ok {
		return true
	}
	d.ongoing[key] = struct{}{}
	return false
}

// ClearOngoing re-arms forwarding for key after its notification is removed.
func (d *Deduplicator) ClearOngoing(key string) {
	d.mu.Lock()
	delete(d.ongoing, key)
	d.mu.Unlock()
}

// Sweep evicts timestamp entries older than their windows. Ongoing keys are never swept.
func (d *Deduplicator) Sweep() (sms, notifications int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	sms = evict(d.sms, now, d.smsWindow)
	notifications = evict(d.notifications, now, d.notificationWindow)
	return sms, notifications
}

// Run sweeps every interval until ctx is done.
func (d *Deduplicator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s, n := d.Sweep(); s+n > 0 {
				slog.Debug(fmt.Sprintf("%s - swept sms=%d notifications=%d", logPrefix, s, n))
			}
		}
	}
}

// Sizes returns the entry count of each map, for status reporting.
func (d *Deduplicator) Sizes() (sms, notifications, ongoing int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sms), len(d.notifications), len(d.ongoing)
}

func evict(m map[string]time.Time, now time.Time, window time.Duration) int {
	n := 0
	for k, seen := range m {
		if now.Sub(seen) >= window {
			delete(m, k)
			n++
		}
	}
	return n
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
