// Package config loads and validates pulse.yml, the configuration file for
// the pulse daemon and its observer clients.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftlab/pulse/errors"
	"github.com/driftlab/pulse/logging"
)

// Config is the top-level structure of pulse.yml.
type Config struct {
	Version string `yaml:"version"`

	Server  ServerConfig   `yaml:"server"`
	Client  ClientConfig   `yaml:"client"`
	Logging logging.Config `yaml:"logging"`
}

// ServerConfig configures the status daemon.
type ServerConfig struct {
	// Listen is the host:port the HTTP/websocket server binds to.
	Listen string `yaml:"listen"`

	// IdleTimeout is how long a websocket connection may stay silent before
	// the server sends a ping. Must exceed the client keep-alive interval or
	// healthy connections get force-closed.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SendBuffer is the per-connection outbound event queue length. A
	// subscriber that falls this far behind is disconnected.
	SendBuffer int `yaml:"send_buffer"`
}

// ClientConfig configures the status sync client.
type ClientConfig struct {
	// PollInterval is the full-snapshot poll cadence used while no push
	// channel is open.
	PollInterval Duration `yaml:"poll_interval"`

	// KeepAliveInterval is the websocket ping cadence. It must be strictly
	// less than the server idle timeout.
	KeepAliveInterval Duration `yaml:"keepalive_interval"`

	// MaxReconnectAttempts bounds push-channel reconnects before the client
	// degrades permanently to polling. Set -1 to retry forever; 0 means unset
	// and takes the default.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBackoff is the per-attempt backoff step; attempt n waits
	// n * ReconnectBackoff.
	ReconnectBackoff Duration `yaml:"reconnect_backoff"`

	// ActivityLogSize caps the client's in-memory activity log.
	ActivityLogSize int `yaml:"activity_log_size"`
}

// Duration wraps time.Duration so pulse.yml can use values like "25s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SetDefaults fills unset fields with their defaults. The 25s keep-alive vs
// 30s idle timeout pairing guarantees the server never force-closes a
// healthy connection.
func (c *Config) SetDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7317"
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(30 * time.Second)
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 64
	}
	if c.Client.PollInterval == 0 {
		c.Client.PollInterval = Duration(2 * time.Second)
	}
	if c.Client.KeepAliveInterval == 0 {
		c.Client.KeepAliveInterval = Duration(25 * time.Second)
	}
	if c.Client.MaxReconnectAttempts == 0 {
		c.Client.MaxReconnectAttempts = 5
	}
	if c.Client.ReconnectBackoff == 0 {
		c.Client.ReconnectBackoff = Duration(time.Second)
	}
	if c.Client.ActivityLogSize == 0 {
		c.Client.ActivityLogSize = 100
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Client.KeepAliveInterval >= c.Server.IdleTimeout {
		return errors.ConfigInvalid(fmt.Sprintf(
			"client keepalive_interval (%s) must be less than server idle_timeout (%s)",
			c.Client.KeepAliveInterval.Std(), c.Server.IdleTimeout.Std()))
	}
	if c.Client.PollInterval.Std() < 100*time.Millisecond {
		return errors.ConfigInvalid("client poll_interval must be at least 100ms")
	}
	if c.Client.MaxReconnectAttempts < -1 {
		return errors.ConfigInvalid("client max_reconnect_attempts must be -1 (retry forever) or a positive bound")
	}
	if c.Client.ActivityLogSize < 1 {
		return errors.ConfigInvalid("client activity_log_size must be positive")
	}
	return nil
}
