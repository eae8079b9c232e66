// Package config loads and validates the service configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Node       NodeConfig       `mapstructure:"node" yaml:"node"`
	Rates      RatesConfig      `mapstructure:"rates" yaml:"rates"`
	Monitor    MonitorConfig    `mapstructure:"monitor" yaml:"monitor"`
	Liquidity  LiquidityConfig  `mapstructure:"liquidity" yaml:"liquidity"`
	Compliance ComplianceConfig `mapstructure:"compliance" yaml:"compliance"`
}

// ServerConfig configures the HTTP surface (webhooks, health, metrics).
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	WebhookSecret   string        `mapstructure:"webhook_secret" yaml:"webhook_secret"`
}

// DatabaseConfig configures the invoice record store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "postgres" or "sqlite"
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// NodeConfig configures the Lightning node gateway.
type NodeConfig struct {
	Host               string        `mapstructure:"host" yaml:"host"`
	TLSCertPath        string        `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	MacaroonPath       string        `mapstructure:"macaroon_path" yaml:"macaroon_path"`
	UseStub            bool          `mapstructure:"use_stub" yaml:"use_stub"`
	RPCTimeout         time.Duration `mapstructure:"rpc_timeout" yaml:"rpc_timeout"`
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout" yaml:"breaker_open_timeout"`
}

// RatesConfig configures the BTC/EUR exchange-rate oracle.
type RatesConfig struct {
	CoinGeckoEnabled   bool          `mapstructure:"coingecko_enabled" yaml:"coingecko_enabled"`
	CoinMarketEnabled  bool          `mapstructure:"coinmarket_enabled" yaml:"coinmarket_enabled"`
	CoinMarketAPIKey   string        `mapstructure:"coinmarket_api_key" yaml:"coinmarket_api_key"`
	FallbackRateEUR    float64       `mapstructure:"fallback_rate_eur" yaml:"fallback_rate_eur"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval" yaml:"min_request_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout" yaml:"breaker_open_timeout"`
}

// MonitorConfig configures the settlement-monitor polling loop.
type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// LiquidityConfig configures the channel-liquidity analyzer.
type LiquidityConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	MinInboundRatio      float64       `mapstructure:"min_inbound_ratio" yaml:"min_inbound_ratio"`
	CriticalInboundRatio float64       `mapstructure:"critical_inbound_ratio" yaml:"critical_inbound_ratio"`
	MaxOutboundRatio     float64       `mapstructure:"max_outbound_ratio" yaml:"max_outbound_ratio"`
	RebalanceCapSat      int64         `mapstructure:"rebalance_cap_sat" yaml:"rebalance_cap_sat"`
	RebalanceFeePPM      int64         `mapstructure:"rebalance_fee_ppm" yaml:"rebalance_fee_ppm"`
}

// ComplianceConfig configures the tax & AML engine.
type ComplianceConfig struct {
	AMLThresholdEUR float64 `mapstructure:"aml_threshold_eur" yaml:"aml_threshold_eur"`
}

// Load reads configuration from the optional YAML file at path and from
// FISCALIGHT_-prefixed environment variables, applies defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FISCALIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8480)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fiscalight.db")

	v.SetDefault("node.host", "localhost:10009")
	v.SetDefault("node.use_stub", false)
	v.SetDefault("node.rpc_timeout", 30*time.Second)
	v.SetDefault("node.max_retries", 3)
	v.SetDefault("node.retry_backoff", 500*time.Millisecond)
	v.SetDefault("node.breaker_max_failures", 5)
	v.SetDefault("node.breaker_open_timeout", 300*time.Second)

	v.SetDefault("rates.coingecko_enabled", true)
	v.SetDefault("rates.coinmarket_enabled", false)
	v.SetDefault("rates.fallback_rate_eur", 40000.0)
	v.SetDefault("rates.cache_ttl", 300*time.Second)
	v.SetDefault("rates.min_request_interval", time.Second)
	v.SetDefault("rates.request_timeout", 10*time.Second)
	v.SetDefault("rates.breaker_max_failures", 3)
	v.SetDefault("rates.breaker_open_timeout", 60*time.Second)

	v.SetDefault("monitor.poll_interval", 30*time.Second)
	v.SetDefault("monitor.concurrency", 10)

	v.SetDefault("liquidity.check_interval", 10*time.Minute)
	v.SetDefault("liquidity.min_inbound_ratio", 0.1)
	v.SetDefault("liquidity.critical_inbound_ratio", 0.05)
	v.SetDefault("liquidity.max_outbound_ratio", 0.8)
	v.SetDefault("liquidity.rebalance_cap_sat", 1_000_000)
	v.SetDefault("liquidity.rebalance_fee_ppm", 1000)

	v.SetDefault("compliance.aml_threshold_eur", 5000.0)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if !c.Node.UseStub {
		if c.Node.Host == "" {
			return fmt.Errorf("node.host is required when not using the stub gateway")
		}
	}
	if c.Rates.FallbackRateEUR <= 0 {
		return fmt.Errorf("rates.fallback_rate_eur must be positive")
	}
	if c.Monitor.Concurrency <= 0 {
		return fmt.Errorf("monitor.concurrency must be positive")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Liquidity.MinInboundRatio < 0 || c.Liquidity.MinInboundRatio > 1 {
		return fmt.Errorf("liquidity.min_inbound_ratio must be within [0, 1]")
	}
	if c.Liquidity.MaxOutboundRatio < 0 || c.Liquidity.MaxOutboundRatio > 1 {
		return fmt.Errorf("liquidity.max_outbound_ratio must be within [0, 1]")
	}
	if c.Compliance.AMLThresholdEUR <= 0 {
		return fmt.Errorf("compliance.aml_threshold_eur must be positive")
	}
	return nil
}
