// Package commsutil provides COMMS connection helpers and relay subject builders.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// Hooks observe connection lifecycle changes. Nil fields are ignored.
type Hooks struct {
	OnDisconnect func(err error)
	OnReconnect  func()
	OnClosed     func()
}

// Connect creates a COMMS connection to the given URL.
func Connect(url, name string) (*comms.Conn, error) {
	return ConnectWithHooks(url, name, nil)
}

// ConnectWithHooks creates a COMMS connection and reports lifecycle changes to hooks.
func ConnectWithHooks(url, name string, hooks *Hooks) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))
	if hooks == nil {
		hooks = &Hooks{}
	}

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			if hooks.OnDisconnect != nil {
				hooks.OnDisconnect(err)
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
			if hooks.OnReconnect != nil {
				hooks.OnReconnect()
			}
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
			if hooks.OnClosed != nil {
				hooks.OnClosed()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
