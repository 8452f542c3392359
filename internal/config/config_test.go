package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untillpro/goutils/logger"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 60*time.Second, cfg.VoteTimeout)
	assert.Equal(t, QuorumMajority, cfg.Quorum)
}

func TestLoad(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "discovery.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
instanceId: inst-1
heartbeatInterval: 5s
heartbeatTimeout: 20s
quorum: unanimous
preferredLeader: true
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "inst-1", cfg.InstanceID)
		assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
		assert.Equal(t, 20*time.Second, cfg.HeartbeatTimeout)
		assert.Equal(t, 60*time.Second, cfg.VoteTimeout)
		assert.Equal(t, QuorumUnanimous, cfg.Quorum)
		assert.True(t, cfg.PreferredLeader)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "discovery.yaml")
		require.NoError(t, os.WriteFile(path, []byte("voteTimeoutt: 5s\n"), 0o600))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DISCOVERY_INSTANCE_ID", "from-env")
	t.Setenv("DISCOVERY_VOTE_TIMEOUT", "90s")
	t.Setenv("DISCOVERY_PREFERRED_LEADER", "true")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "from-env", cfg.InstanceID)
	assert.Equal(t, 90*time.Second, cfg.VoteTimeout)
	assert.True(t, cfg.PreferredLeader)
	assert.Equal(t, ":8080", cfg.Listen)

	t.Setenv("DISCOVERY_HEARTBEAT_TIMEOUT", "soon")
	assert.ErrorIs(t, cfg.ApplyEnv(), ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero vote timeout", func(c *Config) { c.VoteTimeout = 0 }},
		{"negative heartbeat timeout", func(c *Config) { c.HeartbeatTimeout = -time.Second }},
		{"zero interval", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"interval not below timeout", func(c *Config) { c.HeartbeatInterval = c.HeartbeatTimeout }},
		{"unknown quorum", func(c *Config) { c.Quorum = "most" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("VERBOSE")
	require.NoError(t, err)
	assert.Equal(t, logger.LogLevelVerbose, lvl)

	lvl, err = ParseLogLevel("")
	require.NoError(t, err)
	assert.Equal(t, logger.LogLevelInfo, lvl)
}
