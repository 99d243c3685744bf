// Package config provides bridge configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/device-bridge/pkg/auth"
)

const logPrefix = "config:LoadConfig"

// Config holds device-bridge configuration.
type Config struct {
	// Privileged IPC mode
	IPCEnabled bool   `envconfig:"BRIDGE_IPC_ENABLED" default:"true"`
	IPCSocket  string `envconfig:"BRIDGE_IPC_SOCKET" default:"/tmp/device-bridge.sock"`
	// IPCToken is optional; a fresh token is generated on every IPC start when empty.
	IPCToken string `envconfig:"BRIDGE_IPC_TOKEN"`

	// Embedded local MCP server mode
	HTTPEnabled bool   `envconfig:"BRIDGE_HTTP_ENABLED" default:"true"`
	HTTPAddr    string `envconfig:"BRIDGE_HTTP_ADDR" default:"127.0.0.1:8765"`

	// Remote relay mode. COMMS: connect to standalone NATS at COMMSURL.
	RelayEnabled      bool          `envconfig:"BRIDGE_RELAY_ENABLED" default:"false"`
	COMMSURL          string        `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName         string        `envconfig:"SERVICE_NAME" default:"device-bridge"`
	DeviceID          string        `envconfig:"DEVICE_ID"`
	DeviceName        string        `envconfig:"DEVICE_NAME"`
	RelayTimeout      time.Duration `envconfig:"RELAY_COMMAND_TIMEOUT" default:"25s"`
	HeartbeatInterval time.Duration `envconfig:"RELAY_HEARTBEAT_INTERVAL" default:"30s"`
	HelloTimeout      time.Duration `envconfig:"RELAY_HELLO_TIMEOUT" default:"5s"`

	// Relay controller (pairing responder) hosted by this process
	ControllerEnabled bool `envconfig:"RELAY_CONTROLLER_ENABLED" default:"false"`
	AutoApprove       bool `envconfig:"RELAY_AUTO_APPROVE" default:"false"`

	// Large results (IPC only)
	LargeResultThreshold int           `envconfig:"LARGE_RESULT_THRESHOLD" default:"500000"`
	LargeResultTTL       time.Duration `envconfig:"LARGE_RESULT_TTL" default:"2m"`

	// Event deduplication
	DedupSMSWindow          time.Duration `envconfig:"DEDUP_SMS_WINDOW" default:"5s"`
	DedupNotificationWindow time.Duration `envconfig:"DEDUP_NOTIFICATION_WINDOW" default:"30s"`
	DedupSweepInterval      time.Duration `envconfig:"DEDUP_SWEEP_INTERVAL" default:"1m"`

	// Pairing store (bbolt)
	PairingDBPath string `envconfig:"PAIRING_DB_PATH" default:"device-bridge.db"`

	// Database (optional call-log persistence)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Status page (STATUS_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	StatusAddr         string        `envconfig:"STATUS_HTTP_ADDR"`
	StatusPort         int           `envconfig:"STATUS_HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// DeviceIDGenerated is set when DEVICE_ID was empty and a uuid was assigned.
	DeviceIDGenerated bool `ignored:"true"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
		c.DeviceIDGenerated = true
	}
	return &c, nil
}

// StatusListenAddr returns the status page listen address.
func (c *Config) StatusListenAddr() string {
	if c.StatusAddr != "" {
		return c.StatusAddr
	}
	return fmt.Sprintf(":%d", c.StatusPort)
}

// ValidateForServe checks required config when running the bridge.
func (c *Config) ValidateForServe() error {
	if !c.IPCEnabled && !c.HTTPEnabled && !c.RelayEnabled && !c.ControllerEnabled {
		return fmt.Errorf("%s - at least one of BRIDGE_IPC_ENABLED, BRIDGE_HTTP_ENABLED, BRIDGE_RELAY_ENABLED, RELAY_CONTROLLER_ENABLED must be true", logPrefix)
	}
	if c.IPCEnabled && c.IPCSocket == "" {
		return fmt.Errorf("%s - BRIDGE_IPC_SOCKET is required when IPC is enabled", logPrefix)
	}
	if c.IPCEnabled && c.IPCToken != "" {
		if err := auth.ValidateToken(c.IPCToken); err != nil {
			return fmt.Errorf("%s - BRIDGE_IPC_TOKEN: %w", logPrefix, err)
		}
	}
	if c.HTTPEnabled && c.HTTPAddr == "" {
		return fmt.Errorf("%s - BRIDGE_HTTP_ADDR is required when the local server is enabled", logPrefix)
	}
	if (c.RelayEnabled || c.ControllerEnabled) && c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for the relay", logPrefix)
	}
	if c.LargeResultThreshold <= 0 {
		return fmt.Errorf("%s - LARGE_RESULT_THRESHOLD must be positive", logPrefix)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"RELAY_COMMAND_TIMEOUT", c.RelayTimeout},
		{"RELAY_HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"RELAY_HELLO_TIMEOUT", c.HelloTimeout},
		{"LARGE_RESULT_TTL", c.LargeResultTTL},
		{"DEDUP_SMS_WINDOW", c.DedupSMSWindow},
		{"DEDUP_NOTIFICATION_WINDOW", c.DedupNotificationWindow},
		{"DEDUP_SWEEP_INTERVAL", c.DedupSweepInterval},
		{"HEALTH_CHECK_TIMEOUT", c.HealthCheckTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s - %s must be positive", logPrefix, d.name)
		}
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// ValidateForRelayClient checks required config for the pair and call commands.
func (c *Config) ValidateForRelayClient() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required", logPrefix)
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("%s - RELAY_COMMAND_TIMEOUT must be positive", logPrefix)
	}
	return nil
}
