package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/pulse/errors"
)

func TestSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	assert.Equal(t, "127.0.0.1:7317", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Client.PollInterval.Std())
	assert.Equal(t, 25*time.Second, cfg.Client.KeepAliveInterval.Std())
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 100, cfg.Client.ActivityLogSize)
}

func TestSetDefaultsKeepsReconnectSentinel(t *testing.T) {
	cfg := Config{}
	cfg.Client.MaxReconnectAttempts = -1
	cfg.SetDefaults()

	assert.Equal(t, -1, cfg.Client.MaxReconnectAttempts)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "keepalive must be below idle timeout",
			mutate: func(c *Config) {
				c.Client.KeepAliveInterval = Duration(30 * time.Second)
				c.Server.IdleTimeout = Duration(30 * time.Second)
			},
			wantErr: true,
		},
		{
			name: "poll interval too small",
			mutate: func(c *Config) {
				c.Client.PollInterval = Duration(10 * time.Millisecond)
			},
			wantErr: true,
		},
		{
			name: "reconnect forever sentinel",
			mutate: func(c *Config) {
				c.Client.MaxReconnectAttempts = -1
			},
		},
		{
			name: "reconnect attempts below sentinel",
			mutate: func(c *Config) {
				c.Client.MaxReconnectAttempts = -2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.SetDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yml")
	content := `
version: "1"
server:
  listen: "127.0.0.1:9000"
  idle_timeout: 45s
client:
  poll_interval: 1s
  keepalive_interval: 40s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 45*time.Second, cfg.Server.IdleTimeout.Std())
	assert.Equal(t, time.Second, cfg.Client.PollInterval.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset fields still get defaults
	assert.Equal(t, 100, cfg.Client.ActivityLogSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "pulse.yml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("PULSE_TEST_LISTEN", "0.0.0.0:8123")

	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \"${PULSE_TEST_LISTEN}\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8123", cfg.Server.Listen)
}

func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	path := filepath.Join(root, "pulse.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0644))

	found, err := FindConfigFile(nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	_, err = FindConfigFile(t.TempDir())
	assert.Error(t, err)
}
