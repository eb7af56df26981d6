// Package config loads a Settings record for a memoize.Cache from YAML
// and environment overrides, in the style of the teacher pack's
// yaml-plus-env configuration loaders.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v2"

	"github.com/coalesced/memoize"
)

// Settings is the on-disk/environment configuration record. It maps
// directly onto memoize.Config's tunables; RedisAddr, if set, causes the
// caller to wire up a Persistent backend.
type Settings struct {
	Strategy         string        `yaml:"strategy"` // "default" or "eviction"
	Shards           int           `yaml:"shards"`
	MaxThresholdMB   int64         `yaml:"max_threshold_mb"`
	MinThresholdMB   int64         `yaml:"min_threshold_mb"`
	DefaultExpiresIn time.Duration `yaml:"default_expires_in"`
	MaxWaiters       int           `yaml:"max_waiters"`
	WaiterSleep      time.Duration `yaml:"waiter_sleep"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisNamespace string `yaml:"redis_namespace"`
}

// NewDefault returns a Settings with sensible defaults.
func NewDefault() *Settings {
	return &Settings{
		Strategy:         "default",
		Shards:           0,
		DefaultExpiresIn: 5 * time.Minute,
		MaxWaiters:       1024,
		WaiterSleep:      10 * time.Millisecond,
		RedisNamespace:   "default",
	}
}

// LoadFromFile loads Settings from a YAML file, starting from s's current
// values so callers can layer a file on top of NewDefault.
func (s *Settings) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("memoize/config: read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("memoize/config: parse %s: %w", filename, err)
	}
	return nil
}

// LoadFromEnv overlays MEMOIZE_* environment variables onto s.
func (s *Settings) LoadFromEnv() error {
	if v := os.Getenv("MEMOIZE_STRATEGY"); v != "" {
		s.Strategy = v
	}
	if v := os.Getenv("MEMOIZE_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.Shards = n
		}
	}
	if v := os.Getenv("MEMOIZE_MAX_THRESHOLD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.MaxThresholdMB = n
		}
	}
	if v := os.Getenv("MEMOIZE_MIN_THRESHOLD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.MinThresholdMB = n
		}
	}
	if v := os.Getenv("MEMOIZE_DEFAULT_EXPIRES_IN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.DefaultExpiresIn = d
		}
	}
	if v := os.Getenv("MEMOIZE_MAX_WAITERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxWaiters = n
		}
	}
	if v := os.Getenv("MEMOIZE_WAITER_SLEEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.WaiterSleep = d
		}
	}
	if v := os.Getenv("MEMOIZE_REDIS_ADDR"); v != "" {
		s.RedisAddr = v
	}
	if v := os.Getenv("MEMOIZE_REDIS_NAMESPACE"); v != "" {
		s.RedisNamespace = v
	}
	return nil
}

// SaveToFile writes s back out as YAML.
func (s *Settings) SaveToFile(filename string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("memoize/config: marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("memoize/config: write %s: %w", filename, err)
	}
	return nil
}

// Validate reports whether s is internally consistent.
func (s *Settings) Validate() error {
	switch strings.ToLower(s.Strategy) {
	case "default", "eviction":
	default:
		return fmt.Errorf("memoize/config: unknown strategy %q", s.Strategy)
	}
	if strings.ToLower(s.Strategy) == "eviction" && s.MaxThresholdMB > 0 && s.MinThresholdMB >= s.MaxThresholdMB {
		return fmt.Errorf("memoize/config: min_threshold_mb (%d) must be less than max_threshold_mb (%d)", s.MinThresholdMB, s.MaxThresholdMB)
	}
	if s.MaxWaiters <= 0 {
		return fmt.Errorf("memoize/config: max_waiters must be > 0")
	}
	return nil
}

const bytesPerMB = 1 << 20

// CacheConfig builds a memoize.Config from s. If s.RedisAddr is set, it
// dials a Redis client and enables the Persistent backend.
func (s *Settings) CacheConfig() memoize.Config {
	cfg := memoize.Config{
		Shards:           s.Shards,
		MaxThreshold:     s.MaxThresholdMB * bytesPerMB,
		MinThreshold:     s.MinThresholdMB * bytesPerMB,
		DefaultExpiresIn: s.DefaultExpiresIn,
		MaxWaiters:       s.MaxWaiters,
		WaiterSleep:      s.WaiterSleep,
		RedisNamespace:   s.RedisNamespace,
	}
	if strings.ToLower(s.Strategy) == "eviction" {
		cfg.Strategy = memoize.StrategyEviction
	}
	if s.RedisAddr != "" {
		cfg.Redis = goredis.NewClient(&goredis.Options{Addr: s.RedisAddr})
	}
	return cfg
}
