// Package config loads the proxy configuration file and applies the safety
// clamps that keep operator-supplied values inside workable bounds.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Safety floors and ranges applied at load time.
const (
	// MinSwitchFloor is the minimum allowed min_switch_seconds. Switching
	// pools faster than this risks reject storms from context mismatches.
	MinSwitchFloor = 25

	// Oracle polling below this interval violates the endpoint's rate limits.
	OraclePollFloor = 600

	minDeviation = 5
	maxDeviation = 45
)

// PoolConfig describes one upstream pool endpoint.
type PoolConfig struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Wallet string `json:"wallet"`
	Chain  string `json:"chain"`
}

// Addr returns the dialable host:port for the pool.
func (p PoolConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// SchedulerConfig holds the weight and timing knobs for the allocation loop.
type SchedulerConfig struct {
	PoolAWeight             int    `json:"poolA_weight"`
	PoolBWeight             int    `json:"poolB_weight"`
	MinSwitchSeconds        int    `json:"min_switch_seconds"`
	SliceSeconds            int    `json:"slice_seconds"`
	AutoBalance             bool   `json:"auto_balance"`
	AutoBalanceMaxDeviation int    `json:"auto_balance_max_deviation"`
	OracleURL               string `json:"oracle_url"`
	OraclePollSeconds       int    `json:"oracle_poll_seconds"`
}

// ListenConfig is the downstream listener address.
type ListenConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MetricsConfig is the metrics/status HTTP listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DownstreamDiff clamps the difficulty forwarded to the miner. Nil pointers
// mean "no bound"; per-pool minimums fall back to DefaultMin.
type DownstreamDiff struct {
	DefaultMin *float64 `json:"default_min"`
	PoolAMin   *float64 `json:"poolA_min"`
	PoolBMin   *float64 `json:"poolB_min"`
	PoolAMax   *float64 `json:"poolA_max"`
	PoolBMax   *float64 `json:"poolB_max"`
}

// LoggingConfig drives the event logger filters. Env vars DPMP_LOG_LEVEL,
// DPMP_LOG_ALLOW and DPMP_LOG_DENY override the file values.
type LoggingConfig struct {
	Level string   `json:"level"`
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Config is the loaded proxy configuration.
type Config struct {
	Listen         ListenConfig    `json:"listen"`
	Metrics        MetricsConfig   `json:"metrics"`
	PoolA          PoolConfig      `json:"-"`
	PoolB          PoolConfig      `json:"-"`
	Scheduler      SchedulerConfig `json:"scheduler"`
	DownstreamDiff DownstreamDiff  `json:"downstream_diff"`
	Logging        LoggingConfig   `json:"logging"`

	// Dir is the directory holding the config file; the control-plane files
	// (weights override, oracle mode, chart history) live beside it.
	Dir string `json:"-"`

	// Warnings records every clamp applied at load time, for the caller to
	// log once at startup.
	Warnings []string `json:"-"`
}

type rawConfig struct {
	Listen         ListenConfig          `json:"listen"`
	Metrics        *MetricsConfig        `json:"metrics"`
	Pools          map[string]PoolConfig `json:"pools"`
	Scheduler      SchedulerConfig       `json:"scheduler"`
	DownstreamDiff DownstreamDiff        `json:"downstream_diff"`
	Logging        LoggingConfig         `json:"logging"`
}

// Load reads and validates the configuration file. Unknown fields are
// ignored; the external config saver preserves them on write.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := rawConfig{
		Scheduler: SchedulerConfig{
			PoolAWeight:             50,
			PoolBWeight:             50,
			MinSwitchSeconds:        30,
			SliceSeconds:            30,
			AutoBalanceMaxDeviation: 20,
			OracleURL:               "https://www.sr-analyst.com/dpmp/oracle.php",
			OraclePollSeconds:       600,
		},
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Listen:         raw.Listen,
		Scheduler:      raw.Scheduler,
		DownstreamDiff: raw.DownstreamDiff,
		Logging:        raw.Logging,
		Dir:            filepath.Dir(path),
	}
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 3350
	}
	if raw.Metrics != nil {
		cfg.Metrics = *raw.Metrics
	} else {
		cfg.Metrics.Enabled = true
	}
	if cfg.Metrics.Host == "" {
		cfg.Metrics.Host = "0.0.0.0"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9109
	}

	cfg.PoolA = normalizePool("A", raw.Pools["A"])
	cfg.PoolB = normalizePool("B", raw.Pools["B"])

	cfg.applyEnvOverrides()
	cfg.clamp()
	return cfg, nil
}

func normalizePool(key string, p PoolConfig) PoolConfig {
	if p.Name == "" {
		p.Name = key
	}
	if p.Host == "" {
		p.Host = "127.0.0.1"
	}
	if p.Port == 0 {
		p.Port = 3333
	}
	p.Wallet = strings.TrimSpace(p.Wallet)
	p.Chain = strings.ToUpper(strings.TrimSpace(p.Chain))
	return p
}

func (c *Config) applyEnvOverrides() {
	if EnvSet("DPMP_LOG_LEVEL") {
		c.Logging.Level = GetEnv("DPMP_LOG_LEVEL", c.Logging.Level)
	}
	if EnvSet("DPMP_LOG_ALLOW") {
		c.Logging.Allow = GetEnvSlice("DPMP_LOG_ALLOW", nil)
	}
	if EnvSet("DPMP_LOG_DENY") {
		c.Logging.Deny = GetEnvSlice("DPMP_LOG_DENY", nil)
	}
}

func (c *Config) clamp() {
	s := &c.Scheduler

	if s.PoolAWeight < 0 || s.PoolBWeight < 0 || (s.PoolAWeight == 0 && s.PoolBWeight == 0) {
		c.warn("invalid pool weights %d:%d, using 50:50", s.PoolAWeight, s.PoolBWeight)
		s.PoolAWeight, s.PoolBWeight = 50, 50
	}

	if s.MinSwitchSeconds < MinSwitchFloor {
		c.warn("min_switch_seconds %d below floor, clamped to %d", s.MinSwitchSeconds, MinSwitchFloor)
		s.MinSwitchSeconds = MinSwitchFloor
	}

	// slice >= min_switch effectively disables urgent correction, so the
	// slice is pushed back to 5 s under min_switch_seconds.
	if s.SliceSeconds >= s.MinSwitchSeconds {
		corrected := s.MinSwitchSeconds - 5
		if corrected < 1 {
			corrected = 1
		}
		c.warn("slice_seconds %d must be < min_switch_seconds %d, clamped to %d",
			s.SliceSeconds, s.MinSwitchSeconds, corrected)
		s.SliceSeconds = corrected
	}

	if s.AutoBalanceMaxDeviation < minDeviation || s.AutoBalanceMaxDeviation > maxDeviation {
		corrected := s.AutoBalanceMaxDeviation
		if corrected < minDeviation {
			corrected = minDeviation
		}
		if corrected > maxDeviation {
			corrected = maxDeviation
		}
		c.warn("auto_balance_max_deviation %d out of range, clamped to %d",
			s.AutoBalanceMaxDeviation, corrected)
		s.AutoBalanceMaxDeviation = corrected
	}

	if s.OraclePollSeconds < OraclePollFloor {
		c.warn("oracle_poll_seconds %d below floor, clamped to %d", s.OraclePollSeconds, OraclePollFloor)
		s.OraclePollSeconds = OraclePollFloor
	}
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Pool returns the configuration for pool "A" or "B".
func (c *Config) Pool(key string) PoolConfig {
	if key == "B" {
		return c.PoolB
	}
	return c.PoolA
}

// Weight returns the configured weight for pool "A" or "B".
func (c *Config) Weight(key string) int {
	if key == "B" {
		return c.Scheduler.PoolBWeight
	}
	return c.Scheduler.PoolAWeight
}

// DiffBounds returns the (min, max) downstream difficulty bounds for a pool.
func (c *Config) DiffBounds(key string) (min, max *float64) {
	d := c.DownstreamDiff
	if key == "B" {
		min, max = d.PoolBMin, d.PoolBMax
	} else {
		min, max = d.PoolAMin, d.PoolAMax
	}
	if min == nil {
		min = d.DefaultMin
	}
	return min, max
}

// WeightsOverridePath is the slider/oracle override file beside the config.
func (c *Config) WeightsOverridePath() string {
	return filepath.Join(c.Dir, "weights_override.json")
}

// OracleModePath is the oracle/slider ownership flag file beside the config.
func (c *Config) OracleModePath() string {
	return filepath.Join(c.Dir, "oracle_mode.json")
}

// ChartHistoryPath is the dashboard's chart restoration file.
func (c *Config) ChartHistoryPath() string {
	return filepath.Join(c.Dir, "oracle_chart_history.json")
}

// OracleChainsValid reports whether the pools are labeled exactly {BTC, BCH},
// the precondition for running the hashrate oracle.
func (c *Config) OracleChainsValid() bool {
	a, b := c.PoolA.Chain, c.PoolB.Chain
	return (a == "BTC" && b == "BCH") || (a == "BCH" && b == "BTC")
}
