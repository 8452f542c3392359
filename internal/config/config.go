// Package config loads instance configuration from a YAML file and
// DISCOVERY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/untillpro/goutils/logger"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Quorum selects how many yes votes a voting needs to win
type Quorum string

const (
	// QuorumMajority needs yes votes from more than half of the members
	QuorumMajority Quorum = "majority"
	// QuorumUnanimous needs a yes vote from every member
	QuorumUnanimous Quorum = "unanimous"
)

type Config struct {
	// InstanceID names this instance in votings and views. Empty means a
	// fresh id is generated at startup.
	InstanceID string `yaml:"instanceId"`
	Listen     string `yaml:"listen"`
	PublicAddr string `yaml:"publicAddr"`
	DBPath     string `yaml:"dbPath"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	VoteTimeout       time.Duration `yaml:"voteTimeout"`
	Quorum            Quorum        `yaml:"quorum"`

	// PreferredLeader makes this instance win leader election over
	// non-preferred ones
	PreferredLeader bool   `yaml:"preferredLeader"`
	LogLevel        string `yaml:"logLevel"`
}

func Default() Config {
	return Config{
		Listen:            ":8080",
		DBPath:            "data/discovery.db",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
		VoteTimeout:       60 * time.Second,
		Quorum:            QuorumMajority,
		LogLevel:          "info",
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DISCOVERY_* environment variables
func (c *Config) ApplyEnv() error {
	c.InstanceID = getenv("DISCOVERY_INSTANCE_ID", c.InstanceID)
	c.Listen = getenv("DISCOVERY_LISTEN", c.Listen)
	c.PublicAddr = getenv("DISCOVERY_PUBLIC_ADDR", c.PublicAddr)
	c.DBPath = getenv("DISCOVERY_DB_PATH", c.DBPath)
	c.Quorum = Quorum(getenv("DISCOVERY_QUORUM", string(c.Quorum)))
	c.LogLevel = getenv("DISCOVERY_LOG_LEVEL", c.LogLevel)

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"DISCOVERY_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"DISCOVERY_HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout},
		{"DISCOVERY_VOTE_TIMEOUT", &c.VoteTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("DISCOVERY_PREFERRED_LEADER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: DISCOVERY_PREFERRED_LEADER: %v", ErrInvalidConfig, err)
		}
		c.PreferredLeader = b
	}
	return nil
}

// Validate checks the settings the voting protocol depends on
func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	case c.HeartbeatTimeout <= 0:
		return fmt.Errorf("%w: heartbeatTimeout must be positive, got %v", ErrInvalidConfig, c.HeartbeatTimeout)
	case c.VoteTimeout <= 0:
		return fmt.Errorf("%w: voteTimeout must be positive, got %v", ErrInvalidConfig, c.VoteTimeout)
	case c.HeartbeatInterval >= c.HeartbeatTimeout:
		// an instance would look dead between two of its own heartbeats
		return fmt.Errorf("%w: heartbeatInterval %v must be below heartbeatTimeout %v",
			ErrInvalidConfig, c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	switch c.Quorum {
	case QuorumMajority, QuorumUnanimous:
	default:
		return fmt.Errorf("%w: unknown quorum %q", ErrInvalidConfig, c.Quorum)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a level name to the logger level. Empty is info.
func ParseLogLevel(s string) (logger.TLogLevel, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return logger.LogLevelInfo, nil
	case "error":
		return logger.LogLevelError, nil
	case "warning", "warn":
		return logger.LogLevelWarning, nil
	case "verbose", "debug":
		return logger.LogLevelVerbose, nil
	case "trace":
		return logger.LogLevelTrace, nil
	}
	return logger.LogLevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
