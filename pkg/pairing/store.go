// Package pairing persists device pairing records in a local bbolt file.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const logPrefix = "pairing:store"

const pairingsBucket = "pairings"

// Status is the approval state of a device.
type Status string

// Pairing statuses.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusApproved, StatusRejected:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown pairing status %q", s)
}

// ErrNotFound is returned for devices with no pairing record.
var ErrNotFound = errors.New("pairing not found")

// Pairing is one device's record.
type Pairing struct {
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName,omitempty"`
	Status      Status    `json:"status"`
	RequestedAt time.Time `json:"requestedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// StatusSource is the read-only view the relay mode consults.
type StatusSource interface {
	PairingStatus(ctx context.Context, deviceID string) (Status, error)
}

// Store is a bbolt-backed pairing store.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open bolt database %s: %w", logPrefix, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pairingsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s - failed to create bucket: %w", logPrefix, err)
	}

	slog.Debug(fmt.Sprintf("%s - opened %s", logPrefix, path))
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for deviceID.
func (s *Store) Get(deviceID string) (*Pairing, error) {
	var p *Pairing
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		p, err = get(tx.Bucket([]byte(pairingsBucket)), deviceID)
		return err
	})
	return p, err
}

// PairingStatus implements StatusSource.
func (s *Store) PairingStatus(_ context.Context, deviceID string) (Status, error) {
	p, err := s.Get(deviceID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// Request records a pairing request. A new device starts pending; a known one keeps its status.
func (s *Store) Request(deviceID, deviceName string) (*Pairing, error) {
	return s.update(deviceID, func(p *Pairing, created bool) {
		if deviceName != "" {
			p.DeviceName = deviceName
		}
		p.LastSeen = s.now()
	})
}

// SetStatus records a decision, creating the record if needed.
func (s *Store) SetStatus(deviceID string, status Status) (*Pairing, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	p, err := s.update(deviceID, func(p *Pairing, _ bool) {
		p.Status = status
	})
	if err == nil {
		slog.Info(fmt.Sprintf("%s - %s is now %s", logPrefix, deviceID, status))
	}
	return p, err
}

// Touch updates the last-seen time of a known device.
func (s *Store) Touch(deviceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pairingsBucket))
		p, err := get(b, deviceID)
		if err != nil {
			return err
		}
		p.LastSeen = s.now()
		return put(b, p)
	})
}

// Delete removes a record.
func (s *Store) Delete(deviceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pairingsBucket)).Delete([]byte(deviceID))
	})
}

// List returns every record sorted by device id.
func (s *Store) List() ([]*Pairing, error) {
	var out []*Pairing
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pairingsBucket)).ForEach(func(_, v []byte) error {
			var p Pairing
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, err
}

func (s *Store) update(deviceID string, fn func(p *Pairing, created bool)) (*Pairing, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%s - device id is required", logPrefix)
	}
	var out *Pairing
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pairingsBucket))
		now := s.now()
		p, err := get(b, deviceID)
		created := false
		if errors.Is(err, ErrNotFound) {
			p = &Pairing{DeviceID: deviceID, Status: StatusPending, RequestedAt: now}
			created = true
		} else if err != nil {
			return err
		}
		fn(p, created)
		p.UpdatedAt = now
		out = p
		return put(b, p)
	})
	return out, err
}

func get(b *bbolt.Bucket, deviceID string) (*Pairing, error) {
	v := b.Get([]byte(deviceID))
	if v == nil {
		return nil, ErrNotFound
	}
	var p Pairing
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, fmt.Errorf("%s - corrupt record for %s: %w", logPrefix, deviceID, err)
	}
	return &p, nil
}

func put(b *bbolt.Bucket, p *Pairing) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.Put([]byte(p.DeviceID), data)
}
