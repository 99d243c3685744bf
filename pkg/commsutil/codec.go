package commsutil

import (
	"encoding/json"
	"errors"
	"fmt"

	comms "github.com/nats-io/nats.go"
)

// ErrEmptyPayload is returned when a message carries no data.
var ErrEmptyPayload = errors.New("empty payload")

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(data, v)
}

// PublishJSON encodes v and publishes it on subject.
func PublishJSON(nc *comms.Conn, subject string, v any) error {
	data, err := EncodePayload(v)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", subject, err)
	}
	return nc.Publish(subject, data)
}
