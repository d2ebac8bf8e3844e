package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "halyard.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "HALYARD_PORT")
	setString(&cfg.Server.CORSOrigin, "HALYARD_CORS_ORIGIN")
	setFloat(&cfg.Server.RateLimitRPS, "HALYARD_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "HALYARD_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "HALYARD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "HALYARD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "HALYARD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "HALYARD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "HALYARD_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "HALYARD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "HALYARD_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "HALYARD_LOG_ASYNC")
	setInt(&cfg.Logging.Buffer, "HALYARD_LOG_BUFFER")
	setInt(&cfg.Logging.Workers, "HALYARD_LOG_WORKERS")
	setString(&cfg.Workspace.Root, "HALYARD_WORKSPACE_ROOT")
	setInt(&cfg.Workspace.MaxConcurrent, "HALYARD_GIT_MAX_CONCURRENT")
	setDuration(&cfg.Workspace.CloneTimeout, "HALYARD_CLONE_TIMEOUT")
	setString(&cfg.Agent.DefaultProvider, "HALYARD_AGENT_PROVIDER")
	setString(&cfg.Agent.DefaultModel, "HALYARD_AGENT_MODEL")
	setString(&cfg.Agent.Command, "HALYARD_AGENT_COMMAND")
	setDuration(&cfg.Agent.StopTimeout, "HALYARD_AGENT_STOP_TIMEOUT")
	setDuration(&cfg.Agent.AbortTimeout, "HALYARD_AGENT_ABORT_TIMEOUT")
	setString(&cfg.Terminal.Shell, "HALYARD_TERMINAL_SHELL")
	setInt(&cfg.Terminal.MaxPerSession, "HALYARD_TERMINAL_MAX_PER_SESSION")
	setBool(&cfg.MCP.Enabled, "HALYARD_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "HALYARD_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "HALYARD_MCP_API_KEY")
	setBool(&cfg.Telemetry.Enabled, "HALYARD_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "HALYARD_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Workspace.Root == "" {
		return errors.New("workspace.root is required")
	}
	if cfg.Workspace.MaxConcurrent < 1 {
		return errors.New("workspace.max_concurrent must be >= 1")
	}
	if cfg.Agent.StopTimeout <= 0 {
		return errors.New("agent.stop_timeout must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
