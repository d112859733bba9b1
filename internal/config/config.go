// Package config provides configuration management for the trading pipeline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Poller defaults, in seconds. The dispatcher buffer absorbs scheduler
// jitter; the watchdog buffer is the grace before a task counts as a zombie.
const (
	defaultRunInterval      = 60
	defaultDispatchInterval = 10
	defaultWatchdogInterval = 1800
	defaultDispatchBuffer   = 170
	defaultWatchdogBuffer   = 600
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Storage     StorageConfig     `yaml:"storage"`
	Broker      BrokerConfig      `yaml:"broker"`
	Ingester    IngesterConfig    `yaml:"ingester"`
	Pollers     PollersConfig     `yaml:"pollers"`
	Mining      MiningConfig      `yaml:"mining"`
	API         APIConfig         `yaml:"api"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // simulate | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// StorageConfig defines the shared relational store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig defines broker middleware settings.
type BrokerConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// IngesterConfig defines the candle ingester endpoint.
type IngesterConfig struct {
	URL string `yaml:"url"`
}

// PollersConfig defines the loop periods and window buffers, in seconds.
type PollersConfig struct {
	RunInterval      int `yaml:"run_interval"`
	DispatchInterval int `yaml:"dispatch_interval"`
	WatchdogInterval int `yaml:"watchdog_interval"`
	DispatchBuffer   int `yaml:"dispatch_buffer"`
	WatchdogBuffer   int `yaml:"watchdog_buffer"`
}

// MiningConfig defines pattern-miner knobs.
type MiningConfig struct {
	// SamplePrice picks the candle price fed to the x/y ratio:
	// "open" (default) or "mean" for mean-of-three sampling.
	SamplePrice string `yaml:"sample_price"`
	// SymbolsPerWindow / WindowSeconds is the upstream rate budget,
	// default 5 symbols per 5 seconds.
	SymbolsPerWindow int `yaml:"symbols_per_window"`
	WindowSeconds    int `yaml:"window_seconds"`
}

// APIConfig defines the HTTP façade listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads the configuration file, expanding ${VAR} references from the
// environment. A .env file alongside the process is folded in first when
// present.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Optional; a missing .env just means the environment is already set.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "simulate"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "timegrid.db"
	}
	if c.Pollers.RunInterval == 0 {
		c.Pollers.RunInterval = defaultRunInterval
	}
	if c.Pollers.DispatchInterval == 0 {
		c.Pollers.DispatchInterval = defaultDispatchInterval
	}
	if c.Pollers.WatchdogInterval == 0 {
		c.Pollers.WatchdogInterval = defaultWatchdogInterval
	}
	if c.Pollers.DispatchBuffer == 0 {
		c.Pollers.DispatchBuffer = defaultDispatchBuffer
	}
	if c.Pollers.WatchdogBuffer == 0 {
		c.Pollers.WatchdogBuffer = defaultWatchdogBuffer
	}
	if c.Mining.SamplePrice == "" {
		c.Mining.SamplePrice = "open"
	}
	if c.Mining.SymbolsPerWindow == 0 {
		c.Mining.SymbolsPerWindow = 5
	}
	if c.Mining.WindowSeconds == 0 {
		c.Mining.WindowSeconds = 5
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "simulate" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'simulate' or 'live'")
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Environment.Mode == "live" && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required in live mode")
	}
	if c.Ingester.URL == "" {
		return fmt.Errorf("ingester.url is required")
	}

	if c.Pollers.RunInterval <= 0 || c.Pollers.DispatchInterval <= 0 || c.Pollers.WatchdogInterval <= 0 {
		return fmt.Errorf("poller intervals must be > 0")
	}
	if c.Pollers.DispatchBuffer <= 0 || c.Pollers.WatchdogBuffer <= 0 {
		return fmt.Errorf("poller buffers must be > 0")
	}
	if c.Pollers.WatchdogBuffer <= c.Pollers.DispatchBuffer {
		return fmt.Errorf("pollers.watchdog_buffer (%d) must be > pollers.dispatch_buffer (%d): "+
			"the watchdog must not reap tasks still inside the dispatch window",
			c.Pollers.WatchdogBuffer, c.Pollers.DispatchBuffer)
	}

	if c.Mining.SamplePrice != "open" && c.Mining.SamplePrice != "mean" {
		return fmt.Errorf("mining.sample_price must be 'open' or 'mean'")
	}
	if c.Mining.SymbolsPerWindow <= 0 || c.Mining.WindowSeconds <= 0 {
		return fmt.Errorf("mining rate budget must be > 0")
	}

	return nil
}

// IsSimulate returns true when orders should not touch the live market.
func (c *Config) IsSimulate() bool {
	return c.Environment.Mode == "simulate"
}

// Duration helpers over the integer-second fields.

func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.Pollers.RunInterval) * time.Second
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Pollers.DispatchInterval) * time.Second
}

func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Pollers.WatchdogInterval) * time.Second
}

func (c *Config) DispatchBuffer() time.Duration {
	return time.Duration(c.Pollers.DispatchBuffer) * time.Second
}

func (c *Config) WatchdogBuffer() time.Duration {
	return time.Duration(c.Pollers.WatchdogBuffer) * time.Second
}
