// Package config loads process configuration in three layers: built-in
// defaults, an optional YAML file, then environment variable overrides.
// This mirrors the teacher's pkg/config.Load layering exactly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/junlov/quotey/pkg/logger"
)

// ServerConfig controls the operator-facing HTTP command surface.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Postgres persistence layer.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig controls the snapshot cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED"`
}

// AuthConfig controls actor authentication at the command boundary.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"AUTH_ISSUER"`
}

// LedgerConfig controls idempotency ledger GC behavior.
type LedgerConfig struct {
	EntryTTLHours int `yaml:"entry_ttl_hours" env:"LEDGER_ENTRY_TTL_HOURS"`
}

// AuditConfig controls the audit event stream.
type AuditConfig struct {
	TamperEvidence     bool   `yaml:"tamper_evidence" env:"AUDIT_TAMPER_EVIDENCE"`
	AnchorIntervalCron string `yaml:"anchor_interval_cron" env:"AUDIT_ANCHOR_CRON"`
}

// QueueConfig controls the execution queue dispatcher.
type QueueConfig struct {
	Workers          int `yaml:"workers" env:"QUEUE_WORKERS"`
	ClaimTimeoutSecs int `yaml:"claim_timeout_seconds" env:"QUEUE_CLAIM_TIMEOUT_SECONDS"`
	PollIntervalMS   int `yaml:"poll_interval_ms" env:"QUEUE_POLL_INTERVAL_MS"`
}

// AdaptersConfig carries the outbound endpoints the execution queue's side
// effect adapters call. Every integration here is a plain webhook/REST call,
// so one shared timeout plus one base URL per system is enough.
type AdaptersConfig struct {
	CRMBaseURL         string `yaml:"crm_base_url" env:"ADAPTERS_CRM_BASE_URL"`
	CRMAPIKey          string `yaml:"crm_api_key" env:"ADAPTERS_CRM_API_KEY"`
	SlackWebhookURL    string `yaml:"slack_webhook_url" env:"ADAPTERS_SLACK_WEBHOOK_URL"`
	DocumentBaseURL    string `yaml:"document_base_url" env:"ADAPTERS_DOCUMENT_BASE_URL"`
	LLMBaseURL         string `yaml:"llm_base_url" env:"ADAPTERS_LLM_BASE_URL"`
	LLMAPIKey          string `yaml:"llm_api_key" env:"ADAPTERS_LLM_API_KEY"`
	RequestTimeoutSecs int    `yaml:"request_timeout_seconds" env:"ADAPTERS_REQUEST_TIMEOUT_SECONDS"`
}

// Config is the top-level process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  logger.Config  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Audit    AuditConfig    `yaml:"audit"`
	Queue    QueueConfig    `yaml:"queue"`
	Adapters AdaptersConfig `yaml:"adapters"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379", Enabled: false},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Ledger: LedgerConfig{EntryTTLHours: 72},
		Audit: AuditConfig{
			TamperEvidence:     false,
			AnchorIntervalCron: "0 */6 * * *",
		},
		Queue: QueueConfig{
			Workers:          4,
			ClaimTimeoutSecs: 120,
			PollIntervalMS:   500,
		},
		Adapters: AdaptersConfig{
			RequestTimeoutSecs: 15,
		},
	}
}

// Load loads configuration using the default three-layer precedence:
// defaults -> optional YAML file (CONFIG_FILE env var or ./configs/config.yaml)
// -> environment variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
