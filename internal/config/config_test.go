package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200, cfg.Relay.PollMaxSize)
	assert.True(t, cfg.Relay.EnableSending)
	assert.Equal(t, 30*time.Second, cfg.Relay.Lease())
	assert.Equal(t, 5*time.Second, cfg.Relay.RenewInterval())
	assert.Equal(t, time.Duration(0), cfg.Relay.Delays()[model.PriorityUrgent])
	assert.Equal(t, time.Minute, cfg.Relay.Delays()[model.PriorityLow])
	assert.Equal(t, "dialogporten-sync", cfg.Bus.Topics["dialogporten-sync"])
	assert.Equal(t, 30*time.Minute, cfg.MySQL.ConnMaxLifetime)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay:
  low_priority_delay_secs: 0.5
  lease_backend: redis
bus:
  kind: memory
`), 0o600))
	t.Setenv("OUTBOX_RELAY_POLL_MAX_SIZE", "50")
	t.Setenv("OUTBOX_RELAY_ENABLE_SENDING", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500*time.Millisecond, cfg.Relay.Delays()[model.PriorityLow])
	assert.Equal(t, "redis", cfg.Relay.LeaseBackend)
	assert.Equal(t, "memory", cfg.Bus.Kind)
	assert.Equal(t, 50, cfg.Relay.PollMaxSize)
	assert.False(t, cfg.Relay.EnableSending)
	assert.Equal(t, 100, cfg.Relay.MaxBatchSize, "untouched keys keep their default")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"claim shorter than low delay": func(c *Config) { c.Relay.ClaimDurationSecs = 60 },
		"error delay not above idle":   func(c *Config) { c.Relay.PollErrorDelayMs = c.Relay.PollIdleTimeMs },
		"zero batch":                   func(c *Config) { c.Relay.MaxBatchSize = 0 },
		"unknown lease backend":        func(c *Config) { c.Relay.LeaseBackend = "etcd" },
		"unknown bus":                  func(c *Config) { c.Bus.Kind = "nats" },
		"http bus without url":         func(c *Config) { c.Bus.Kind = "http" },
		"negative delay":               func(c *Config) { c.Relay.HighPriorityDelaySecs = -1 },
		"zero lease":                   func(c *Config) { c.Relay.LeaseSecs = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
