package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Remote     RemoteConfig     `yaml:"remote"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	DBName   string        `yaml:"dbname"`
	SSLMode  string        `yaml:"sslmode"`
	MaxOpen  int           `yaml:"max_open"`
	MaxIdle  int           `yaml:"max_idle"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BacktestConfig holds engine defaults applied when a request omits them
type BacktestConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
	CommissionRate float64 `yaml:"commission_rate"`
	MinCommission  float64 `yaml:"min_commission"`
	StampTaxRate   float64 `yaml:"stamp_tax_rate"`
	TransferRate   float64 `yaml:"transfer_rate"`
	SlippageRate   float64 `yaml:"slippage_rate"`
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
	Benchmark      string  `yaml:"benchmark"`
}

// RemoteConfig configures the remote backtest executor
type RemoteConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SchedulerConfig configures recurring batch runs
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	Filename string `yaml:"filename"`
}

// Load loads configuration from a YAML file. Environment variables in the
// file are expanded before parsing.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration usable without a config file
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "quantback"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8082
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Backtest.InitialCapital == 0 {
		c.Backtest.InitialCapital = 1000000
	}
	if c.Backtest.CommissionRate == 0 {
		c.Backtest.CommissionRate = 0.0003
	}
	if c.Backtest.MinCommission == 0 {
		c.Backtest.MinCommission = 5.0
	}
	if c.Backtest.StampTaxRate == 0 {
		c.Backtest.StampTaxRate = 0.001
	}
	if c.Backtest.TransferRate == 0 {
		c.Backtest.TransferRate = 0.00002
	}
	if c.Backtest.SlippageRate == 0 {
		c.Backtest.SlippageRate = 0.001
	}
	if c.Backtest.RiskFreeRate == 0 {
		c.Backtest.RiskFreeRate = 0.03
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.MaxRetries == 0 {
		c.Remote.MaxRetries = 3
	}
	if c.Monitoring.PrometheusPath == "" {
		c.Monitoring.PrometheusPath = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}
