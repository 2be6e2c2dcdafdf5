package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/idleguard/idleguard/internal/session"
)

// DefaultIdleTimeout matches the watchdog default.
const DefaultIdleTimeout = 30 * time.Minute

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Guard     GuardConfig     `yaml:"guard" toml:"guard"`
	Broadcast BroadcastConfig `yaml:"broadcast" toml:"broadcast"`
	Privacy   PrivacyConfig   `yaml:"privacy" toml:"privacy"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Mock      MockConfig      `yaml:"mock" toml:"mock"`
	Stats     StatsConfig     `yaml:"stats" toml:"stats"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	MaxClients     int      `yaml:"max_clients" toml:"max_clients"`
}

type GuardConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	// Retention is how long ended sessions stay visible before pruning.
	Retention     time.Duration `yaml:"retention" toml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval" toml:"prune_interval"`
	LoginRate     float64       `yaml:"login_rate" toml:"login_rate"` // logins per second per remote host
	LoginBurst    int           `yaml:"login_burst" toml:"login_burst"`
}

type BroadcastConfig struct {
	Throttle         time.Duration `yaml:"throttle" toml:"throttle"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" toml:"snapshot_interval"`
}

type PrivacyConfig struct {
	MaskUsers       bool `yaml:"mask_users" toml:"mask_users" json:"maskUsers"`
	MaskSessionIDs  bool `yaml:"mask_session_ids" toml:"mask_session_ids" json:"maskSessionIds"`
	MaskRemoteAddrs bool `yaml:"mask_remote_addrs" toml:"mask_remote_addrs" json:"maskRemoteAddrs"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	JSON  bool   `yaml:"json" toml:"json"`
}

// MockConfig tunes the simulator used by `serve --mock`.
type MockConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	TickInterval time.Duration `yaml:"tick_interval" toml:"tick_interval"`
}

// StatsConfig controls the persisted session totals behind /api/stats.
type StatsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Dir     string `yaml:"dir" toml:"dir"` // empty means $XDG_STATE_HOME/idleguard
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8080,
			Host:       "127.0.0.1",
			MaxClients: 64,
		},
		Guard: GuardConfig{
			IdleTimeout:   DefaultIdleTimeout,
			Retention:     10 * time.Minute,
			PruneInterval: 30 * time.Second,
			LoginRate:     1,
			LoginBurst:    5,
		},
		Broadcast: BroadcastConfig{
			Throttle:         100 * time.Millisecond,
			SnapshotInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Mock: MockConfig{
			IdleTimeout:  20 * time.Second,
			TickInterval: time.Second,
		},
		Stats: StatsConfig{
			Enabled: true,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML or TOML file (chosen by extension) over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects settings the guard cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Guard.IdleTimeout <= 0 {
		return fmt.Errorf("guard.idle_timeout must be positive, got %v", c.Guard.IdleTimeout)
	}
	if c.Guard.Retention < 0 {
		return fmt.Errorf("guard.retention must not be negative, got %v", c.Guard.Retention)
	}
	if c.Guard.LoginRate <= 0 || c.Guard.LoginBurst <= 0 {
		return errors.New("guard.login_rate and guard.login_burst must be positive")
	}
	if c.Broadcast.Throttle <= 0 || c.Broadcast.SnapshotInterval <= 0 {
		return errors.New("broadcast.throttle and broadcast.snapshot_interval must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// NewPrivacyFilter builds the broadcast filter from the privacy settings.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskUsers:       p.MaskUsers,
		MaskSessionIDs:  p.MaskSessionIDs,
		MaskRemoteAddrs: p.MaskRemoteAddrs,
	}
}

// GenerateToken returns a random 128-bit hex token for server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists the hot-reloadable settings that differ between old and new,
// one human-readable line per change.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(key string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", key, a, b))
		}
	}

	add("guard.idle_timeout", old.Guard.IdleTimeout, new.Guard.IdleTimeout)
	add("guard.retention", old.Guard.Retention, new.Guard.Retention)
	add("guard.login_rate", old.Guard.LoginRate, new.Guard.LoginRate)
	add("guard.login_burst", old.Guard.LoginBurst, new.Guard.LoginBurst)
	add("broadcast.throttle", old.Broadcast.Throttle, new.Broadcast.Throttle)
	add("privacy.mask_users", old.Privacy.MaskUsers, new.Privacy.MaskUsers)
	add("privacy.mask_session_ids", old.Privacy.MaskSessionIDs, new.Privacy.MaskSessionIDs)
	add("privacy.mask_remote_addrs", old.Privacy.MaskRemoteAddrs, new.Privacy.MaskRemoteAddrs)
	add("log.level", old.Log.Level, new.Log.Level)
	return changes
}
