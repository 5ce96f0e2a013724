// Package config loads server configuration from an optional YAML file
// and GIMS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendBBolt    = "bbolt"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies    []string      `yaml:"trusted_proxies"`
	CORSOrigin        string        `yaml:"cors_origin"`
	TLSCert           string        `yaml:"tls_cert"`
	TLSKey            string        `yaml:"tls_key"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	// DataDir holds the bbolt and sqlite database files.
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	Issuer     string        `yaml:"issuer"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

type SessionsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepTimeout  time.Duration `yaml:"sweep_timeout"`
}

// RedisConfig enables Redis-backed leases when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ActivityConfig struct {
	WebhookURL        string `yaml:"webhook_url"`
	WebhookAuthHeader string `yaml:"webhook_auth_header"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Activity ActivityConfig `yaml:"activity"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads path (skipped when empty), applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendBBolt
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "gamified-ims"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 10
	}

	if cfg.Sessions.Retention == 0 {
		cfg.Sessions.Retention = 24 * time.Hour
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = time.Hour
	}
	if cfg.Sessions.SweepTimeout == 0 {
		cfg.Sessions.SweepTimeout = time.Minute
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
}

// ApplyEnv overrides fields from GIMS_* environment variables.
func (cfg *Config) ApplyEnv() {
	cfg.Server.Port = getenvInt("GIMS_PORT", cfg.Server.Port)
	if v := os.Getenv("GIMS_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = splitList(v)
	}
	cfg.Server.CORSOrigin = getenv("GIMS_CORS_ORIGIN", cfg.Server.CORSOrigin)
	cfg.Server.TLSCert = getenv("GIMS_TLS_CERT", cfg.Server.TLSCert)
	cfg.Server.TLSKey = getenv("GIMS_TLS_KEY", cfg.Server.TLSKey)

	cfg.Storage.Backend = getenv("GIMS_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.DataDir = getenv("GIMS_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DSN = getenv("GIMS_DATABASE_URL", cfg.Storage.DSN)

	cfg.Auth.JWTSecret = getenvSecret("GIMS_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = getenv("GIMS_JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.TokenTTL = getenvDuration("GIMS_TOKEN_TTL", cfg.Auth.TokenTTL)
	cfg.Auth.BcryptCost = getenvInt("GIMS_BCRYPT_COST", cfg.Auth.BcryptCost)

	cfg.Sessions.Retention = getenvDuration("GIMS_SESSION_RETENTION", cfg.Sessions.Retention)
	cfg.Sessions.SweepInterval = getenvDuration("GIMS_SESSION_SWEEP_INTERVAL", cfg.Sessions.SweepInterval)

	cfg.Redis.Addr = getenv("GIMS_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("GIMS_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvInt("GIMS_REDIS_DB", cfg.Redis.DB)

	cfg.Log.Level = getenv("GIMS_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("GIMS_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getenv("GIMS_LOG_FILE", cfg.Log.File)

	cfg.Activity.WebhookURL = getenv("GIMS_ACTIVITY_WEBHOOK_URL", cfg.Activity.WebhookURL)
	cfg.Activity.WebhookAuthHeader = getenv("GIMS_ACTIVITY_WEBHOOK_AUTH_HEADER", cfg.Activity.WebhookAuthHeader)

	if v := os.Getenv("GIMS_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

// Validate checks that values are usable.
func (cfg *Config) Validate() error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		errs = append(errs, "server.tls_cert and server.tls_key must be set together")
	}
	switch cfg.Storage.Backend {
	case BackendBBolt, BackendSQLite, BackendMemory:
	case BackendPostgres:
		if cfg.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not one of bbolt, memory, postgres, sqlite", cfg.Storage.Backend))
	}
	if cfg.Auth.JWTSecret == "" && cfg.Storage.Backend != BackendMemory {
		errs = append(errs, "auth.jwt_secret (GIMS_JWT_SECRET) is required")
	}
	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 16 {
		errs = append(errs, "auth.jwt_secret must be at least 16 bytes")
	}
	if cfg.Auth.TokenTTL < time.Minute {
		errs = append(errs, "auth.token_ttl must be >= 1m")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		errs = append(errs, "auth.bcrypt_cost must be between 4 and 31")
	}
	if cfg.Sessions.SweepInterval < time.Second {
		errs = append(errs, "sessions.sweep_interval must be >= 1s")
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		errs = append(errs, "log.format must be json or text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.New("log.level must be debug, info, warn or error")
	}
	return l, nil
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// getenvSecret reads key, or the file named by key_FILE.
func getenvSecret(key, fallback string) string {
	if file := os.Getenv(key + "_FILE"); file != "" {
		if data, err := os.ReadFile(file); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return getenv(key, fallback)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
