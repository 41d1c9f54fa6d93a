// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig configures the broker listener and its queues.
type BrokerConfig struct {
	Addr            string `yaml:"addr"`
	HighWatermark   int    `yaml:"highWatermark"`
	SnapshotWorkers int    `yaml:"snapshotWorkers"`
}

// CacheConfig configures a reconciling cache.
type CacheConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Subject           string        `yaml:"subject"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	SnapshotTimeout   time.Duration `yaml:"snapshotTimeout"`
	// StaleTimeout of zero disables staleness tracking.
	StaleTimeout     time.Duration `yaml:"staleTimeout"`
	HighWatermark    int           `yaml:"highWatermark"`
	StoreEvents      *bool         `yaml:"storeEvents"`
	RetryMaxInterval time.Duration `yaml:"retryMaxInterval"`
	// ControlAddr serves the read-only HTTP view; empty disables it.
	ControlAddr string `yaml:"controlAddr"`
}

// KeepHistory reports whether aggregates retain their applied events. Defaults to true.
func (c CacheConfig) KeepHistory() bool {
	return c.StoreEvents == nil || *c.StoreEvents
}

// ProducerConfig configures the publishing side.
type ProducerConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
}

// MarketConfig configures the demo FX price generator.
type MarketConfig struct {
	Name  string   `yaml:"name"`
	Pairs []string `yaml:"pairs"`
	// Rate is expressed in prices per second.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls the optional PostgreSQL projection.
type DatabaseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"maxConns"`
	RunMigrations bool   `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/eventfabric?sslmode=disable"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	return nil
}

// AppConfig is the unified eventfabric configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Broker      BrokerConfig    `yaml:"broker"`
	Cache       CacheConfig     `yaml:"cache"`
	Producer    ProducerConfig  `yaml:"producer"`
	Market      MarketConfig    `yaml:"market"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := defaults()
	_ = cfg.normalise()
	return cfg
}

// defaults leaves the endpoints empty so they follow broker.addr.
func defaults() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Broker: BrokerConfig{
			Addr:            "127.0.0.1:7400",
			HighWatermark:   1000,
			SnapshotWorkers: 4,
		},
		Cache: CacheConfig{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			SnapshotTimeout:   10 * time.Second,
			StaleTimeout:      0,
			HighWatermark:     1000,
			RetryMaxInterval:  5 * time.Second,
		},
		Producer: ProducerConfig{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  time.Second,
		},
		Market: MarketConfig{
			Name:  "FxConnect",
			Pairs: []string{"EUR/USD", "EUR/GBP"},
			Rate:  10,
			Burst: 1,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "eventfabric",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
// Sections left out of the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the path is
// empty or the file does not exist. The flag reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = normalizeEnvironment(c.Environment)
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Broker.Addr = strings.TrimSpace(c.Broker.Addr)
	c.Cache.Endpoint = strings.TrimSpace(c.Cache.Endpoint)
	c.Cache.Subject = strings.TrimSpace(c.Cache.Subject)
	c.Cache.ControlAddr = strings.TrimSpace(c.Cache.ControlAddr)
	c.Producer.Endpoint = strings.TrimSpace(c.Producer.Endpoint)
	if c.Cache.Endpoint == "" && c.Broker.Addr != "" {
		c.Cache.Endpoint = "ws://" + c.Broker.Addr
	}
	if c.Producer.Endpoint == "" && c.Broker.Addr != "" {
		c.Producer.Endpoint = "ws://" + c.Broker.Addr
	}

	c.Market.Name = strings.TrimSpace(c.Market.Name)
	c.Market.Pairs = trimAll(c.Market.Pairs)
	if c.Market.Burst <= 0 {
		c.Market.Burst = 1
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Database.applyDefaults()

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Broker.Addr == "" {
		return fmt.Errorf("broker addr required")
	}
	if c.Broker.HighWatermark <= 0 {
		return fmt.Errorf("broker highWatermark must be >0")
	}
	if c.Broker.SnapshotWorkers <= 0 {
		return fmt.Errorf("broker snapshotWorkers must be >0")
	}

	if c.Cache.Endpoint == "" {
		return fmt.Errorf("cache endpoint required")
	}
	if c.Cache.HeartbeatInterval <= 0 {
		return fmt.Errorf("cache heartbeatInterval must be >0")
	}
	if c.Cache.HeartbeatTimeout <= 0 {
		return fmt.Errorf("cache heartbeatTimeout must be >0")
	}
	if c.Cache.SnapshotTimeout <= 0 {
		return fmt.Errorf("cache snapshotTimeout must be >0")
	}
	if c.Cache.StaleTimeout < 0 {
		return fmt.Errorf("cache staleTimeout must be >=0")
	}
	if c.Cache.HighWatermark <= 0 {
		return fmt.Errorf("cache highWatermark must be >0")
	}
	if c.Cache.RetryMaxInterval <= 0 {
		return fmt.Errorf("cache retryMaxInterval must be >0")
	}

	if c.Producer.Endpoint == "" {
		return fmt.Errorf("producer endpoint required")
	}
	if c.Producer.HeartbeatInterval <= 0 {
		return fmt.Errorf("producer heartbeatInterval must be >0")
	}
	if c.Producer.HeartbeatTimeout <= 0 {
		return fmt.Errorf("producer heartbeatTimeout must be >0")
	}

	if c.Market.Name == "" {
		return fmt.Errorf("market name required")
	}
	if len(c.Market.Pairs) == 0 {
		return fmt.Errorf("market pairs required")
	}
	for _, pair := range c.Market.Pairs {
		if strings.Count(pair, "/") != 1 || strings.HasPrefix(pair, "/") || strings.HasSuffix(pair, "/") {
			return fmt.Errorf("market pair %q must look like BASE/QUOTE", pair)
		}
	}
	if c.Market.Rate <= 0 {
		return fmt.Errorf("market rate must be >0")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
