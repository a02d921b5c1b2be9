package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvHTTPAddr            = "AGENT_BRIDGE_HTTP_ADDR"
	EnvDBDriver            = "AGENT_BRIDGE_DB_DRIVER"
	EnvDBDSN               = "AGENT_BRIDGE_DB_DSN"
	EnvNATSURL             = "AGENT_BRIDGE_NATS_URL"
	EnvMaxConnsPerUser     = "AGENT_BRIDGE_MAX_CONNECTIONS_PER_USER"
	EnvHealthCheckInterval = "AGENT_BRIDGE_HEALTH_CHECK_INTERVAL"
	EnvConfigFile          = "AGENT_BRIDGE_CONFIG_FILE"
)

const (
	DefaultHTTPAddr            = ":8080"
	DefaultDBDriver            = "sqlite"
	DefaultDBDSN               = "bridge.db"
	DefaultMaxConnsPerUser     = 5
	DefaultHealthCheckInterval = 30 * time.Second
	defaultConfigFileName      = "config.yaml"
)

type Config struct {
	HTTPAddr              string
	DBDriver              string
	DBDSN                 string
	NATSURL               string
	MaxConnectionsPerUser int
	HealthCheckInterval   time.Duration
}

type fileConfig struct {
	HTTPAddr              string `yaml:"http_addr"`
	DBDriver              string `yaml:"db_driver"`
	DBDSN                 string `yaml:"db_dsn"`
	NATSURL               string `yaml:"nats_url"`
	MaxConnectionsPerUser int    `yaml:"max_connections_per_user"`
	HealthCheckInterval   string `yaml:"health_check_interval"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:              DefaultHTTPAddr,
		DBDriver:              DefaultDBDriver,
		DBDSN:                 DefaultDBDSN,
		MaxConnectionsPerUser: DefaultMaxConnsPerUser,
		HealthCheckInterval:   DefaultHealthCheckInterval,
	}
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return cfg
}

// FromYAMLAndEnv loads the config file (when present) and then applies
// environment overrides on top, env winning.
func FromYAMLAndEnv() (Config, error) {
	cfg := defaultConfig()

	path := strings.TrimSpace(os.Getenv(EnvConfigFile))
	if path == "" {
		path = defaultConfigFileName
	}
	if err := applyYAMLFile(&cfg, path); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if v := strings.TrimSpace(fc.HTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(fc.DBDriver); v != "" {
		cfg.DBDriver = v
	}
	if v := strings.TrimSpace(fc.DBDSN); v != "" {
		cfg.DBDSN = v
	}
	if v := strings.TrimSpace(fc.NATSURL); v != "" {
		cfg.NATSURL = v
	}
	if fc.MaxConnectionsPerUser > 0 {
		cfg.MaxConnectionsPerUser = fc.MaxConnectionsPerUser
	}
	if v := strings.TrimSpace(fc.HealthCheckInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid health_check_interval %q in %s: %w", v, path, err)
		}
		cfg.HealthCheckInterval = d
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvHTTPAddr)); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDriver)); v != "" {
		cfg.DBDriver = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDSN)); v != "" {
		cfg.DBDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvNATSURL)); v != "" {
		cfg.NATSURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxConnsPerUser)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnectionsPerUser = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvHealthCheckInterval)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HealthCheckInterval = d
		}
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http addr is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.MaxConnectionsPerUser <= 0 {
		return errors.New("max connections per user must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New("health check interval must be positive")
	}
	return nil
}
