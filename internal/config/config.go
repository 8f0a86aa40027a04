// Package config loads the pod's timing profile. Defaults match the radio
// protocol's nominal rates; a YAML profile overrides them for bench setups
// and simulation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime profile.
type Config struct {
	// Node identity and link settings.
	Addr     string `yaml:"addr"`      // 6-byte hardware address, aa:bb:cc:dd:ee:ff
	UDPPort  int    `yaml:"udp_port"`  // mesh datagram port
	DataDir  string `yaml:"data_dir"`  // identity store location
	PodName  string `yaml:"pod_name"`  // human-readable label
	Hardware string `yaml:"hardware"`  // hardware revision string

	// Timing, all in microseconds.
	SyncIntervalUs     int64 `yaml:"sync_interval_us"`
	MaxStepUs          int64 `yaml:"max_step_us"`
	MaxSaneRTTUs       int64 `yaml:"max_sane_rtt_us"`
	DiscoverIntervalUs int64 `yaml:"discover_interval_us"`
	DiscoverAttempts   int   `yaml:"discover_attempts"`
	JoinTimeoutUs      int64 `yaml:"join_timeout_us"`
	BackoffMaxUs       int64 `yaml:"backoff_max_us"`
	ClaimWindowUs      int64 `yaml:"claim_window_us"`
	TickIntervalUs     int64 `yaml:"tick_interval_us"`

	// Operator surfaces. Empty disables the listener.
	ConsoleAddr string `yaml:"console_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the nominal production profile.
func Default() Config {
	return Config{
		UDPPort:            4011,
		DataDir:            "data",
		SyncIntervalUs:     100_000,
		MaxStepUs:          2_000,
		MaxSaneRTTUs:       10_000,
		DiscoverIntervalUs: 500_000,
		DiscoverAttempts:   5,
		JoinTimeoutUs:      1_000_000,
		BackoffMaxUs:       50_000,
		ClaimWindowUs:      100_000,
		TickIntervalUs:     5_000,
		ConsoleAddr:        ":4012",
		MetricsAddr:        ":9101",
	}
}

// Load reads a YAML profile over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects profiles the protocol cannot run with.
func (c Config) Validate() error {
	if c.SyncIntervalUs <= 0 {
		return fmt.Errorf("sync_interval_us must be positive, got %d", c.SyncIntervalUs)
	}
	if c.MaxStepUs <= 0 {
		return fmt.Errorf("max_step_us must be positive, got %d", c.MaxStepUs)
	}
	if c.MaxSaneRTTUs <= 0 {
		return fmt.Errorf("max_sane_rtt_us must be positive, got %d", c.MaxSaneRTTUs)
	}
	if c.DiscoverAttempts <= 0 {
		return fmt.Errorf("discover_attempts must be positive, got %d", c.DiscoverAttempts)
	}
	if c.TickIntervalUs <= 0 || c.TickIntervalUs > c.SyncIntervalUs {
		return fmt.Errorf("tick_interval_us must be in (0, sync_interval_us], got %d", c.TickIntervalUs)
	}
	if c.UDPPort <= 0 || c.UDPPort > 65535 {
		return fmt.Errorf("udp_port out of range: %d", c.UDPPort)
	}
	return nil
}

// TickInterval returns the event loop period as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalUs) * time.Microsecond
}
