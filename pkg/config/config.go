package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/tidewater/pkg/logger"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// Config is the complete configuration of a Tidewater deployment.
type Config struct {
	Log         logger.Config               `yaml:"log" mapstructure:"log"`
	Pipeline    PipelineConfig              `yaml:"pipeline" mapstructure:"pipeline"`
	HTTP        HTTPConfig                  `yaml:"http" mapstructure:"http"`
	Warehouse   WarehouseConfig             `yaml:"warehouse" mapstructure:"warehouse"`
	Lease       LeaseConfig                 `yaml:"lease" mapstructure:"lease"`
	Archive     ArchiveConfig               `yaml:"archive" mapstructure:"archive"`
	Alerts      AlertsConfig                `yaml:"alerts" mapstructure:"alerts"`
	Vault       VaultConfig                 `yaml:"vault" mapstructure:"vault"`
	Tracing     TracingConfig               `yaml:"tracing" mapstructure:"tracing"`
	Metrics     MetricsConfig               `yaml:"metrics" mapstructure:"metrics"`
	Sources     map[string]SourceConfig     `yaml:"sources" mapstructure:"sources"`
	Credentials map[string]CredentialConfig `yaml:"credentials" mapstructure:"credentials"`
	Accounts    []models.Account            `yaml:"accounts" mapstructure:"accounts"`
}

// PipelineConfig controls run sizing, retries and the data-quality policy.
type PipelineConfig struct {
	// Concurrency is the number of accounts run in parallel by run-all
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// PageSize is requested from providers that accept one
	PageSize int `yaml:"page_size" mapstructure:"page_size"`
	// MaxPagesPerRun caps extraction so one account cannot starve others
	MaxPagesPerRun int `yaml:"max_pages_per_run" mapstructure:"max_pages_per_run"`
	// StageRetries is how many extra attempts a stage gets on transient errors
	StageRetries      int           `yaml:"stage_retries" mapstructure:"stage_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	// QualityMaxErrorRate is the malformed-record fraction above which a batch fails
	QualityMaxErrorRate float64 `yaml:"quality_max_error_rate" mapstructure:"quality_max_error_rate"`
	// RefreshMargin is how close to expiry a credential is refreshed proactively
	RefreshMargin time.Duration `yaml:"refresh_margin" mapstructure:"refresh_margin"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" mapstructure:"lease_ttl"`
	RunTimeout    time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
}

// HTTPConfig tunes the provider HTTP client.
type HTTPConfig struct {
	Timeout             time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts         int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff      time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	UserAgent           string        `yaml:"user_agent" mapstructure:"user_agent"`
	// BreakerThreshold consecutive transport or 5xx failures pause a
	// source's requests for BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// SourceConfig holds per-provider settings shared by all of its accounts.
type SourceConfig struct {
	BaseURL           string            `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerSecond float64           `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int               `yaml:"burst" mapstructure:"burst"`
	PageSize          int               `yaml:"page_size" mapstructure:"page_size"`
	Options           map[string]string `yaml:"options" mapstructure:"options"`
}

// Credential kinds understood by the credential store.
const (
	CredentialAPIKey            = "api_key"
	CredentialToast             = "toast"
	CredentialClientCredentials = "client_credentials"
	CredentialRefreshToken      = "refresh_token"
)

// CredentialConfig describes how to obtain one account's credential.
type CredentialConfig struct {
	Kind         string            `yaml:"kind" mapstructure:"kind"`
	TokenURL     string            `yaml:"token_url" mapstructure:"token_url"`
	ClientID     string            `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string            `yaml:"client_secret" mapstructure:"client_secret"`
	RefreshToken string            `yaml:"refresh_token" mapstructure:"refresh_token"`
	APIKey       string            `yaml:"api_key" mapstructure:"api_key"`
	HeaderName   string            `yaml:"header_name" mapstructure:"header_name"`
	Scopes       []string          `yaml:"scopes" mapstructure:"scopes"`
	Headers      map[string]string `yaml:"headers" mapstructure:"headers"`
	// VaultPath, when set, is read from Vault KV v2 and overrides the
	// client_id, client_secret, refresh_token and api_key fields.
	VaultPath string `yaml:"vault_path" mapstructure:"vault_path"`
}

// Warehouse drivers.
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverSnowflake = "snowflake"
)

// WarehouseConfig selects and tunes the warehouse connection.
type WarehouseConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	DSN          string        `yaml:"dsn" mapstructure:"dsn"`
	Migrate      bool          `yaml:"migrate" mapstructure:"migrate"`
	MaxOpenConns int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	PingTimeout  time.Duration `yaml:"ping_timeout" mapstructure:"ping_timeout"`
}

// LeaseConfig selects the same-account exclusion backend.
type LeaseConfig struct {
	Backend       string `yaml:"backend" mapstructure:"backend"` // local or redis
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	Prefix        string `yaml:"prefix" mapstructure:"prefix"`
}

// ArchiveConfig enables mirroring landed raw batches to object storage.
type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Backend     string `yaml:"backend" mapstructure:"backend"` // s3 or gcs
	Bucket      string `yaml:"bucket" mapstructure:"bucket"`
	Prefix      string `yaml:"prefix" mapstructure:"prefix"`
	Region      string `yaml:"region" mapstructure:"region"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Compression string `yaml:"compression" mapstructure:"compression"`
}

// AlertsConfig configures where fatal run events are published.
type AlertsConfig struct {
	Kafka KafkaConfig `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig configures the Kafka alert sink. It is disabled without brokers.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" mapstructure:"brokers"`
	Topic    string   `yaml:"topic" mapstructure:"topic"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
}

// VaultConfig configures the Vault client used for credential secrets.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
	Token   string `yaml:"token" mapstructure:"token"`
	Mount   string `yaml:"mount" mapstructure:"mount"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

// Default returns a configuration with production defaults and no accounts.
func Default() *Config {
	return &Config{
		Log: logger.Config{Level: "info", Encoding: "json"},
		Pipeline: PipelineConfig{
			Concurrency:         4,
			PageSize:            100,
			MaxPagesPerRun:      200,
			StageRetries:        3,
			RetryInitialDelay:   2 * time.Second,
			RetryMaxDelay:       time.Minute,
			QualityMaxErrorRate: 0.25,
			RefreshMargin:       5 * time.Minute,
			LeaseTTL:            2 * time.Minute,
			RunTimeout:          30 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout:             30 * time.Second,
			MaxAttempts:         5,
			InitialBackoff:      500 * time.Millisecond,
			MaxBackoff:          30 * time.Second,
			MaxIdleConnsPerHost: 10,
			UserAgent:           "tidewater/1.0",
			BreakerThreshold:    10,
			BreakerCooldown:     30 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver:       DriverSQLite,
			DSN:          "tidewater.db",
			Migrate:      true,
			MaxOpenConns: 8,
			PingTimeout:  10 * time.Second,
		},
		Lease:   LeaseConfig{Backend: "local", Prefix: "tidewater:lease:"},
		Archive: ArchiveConfig{Backend: "s3", Prefix: "raw", Compression: "zstd"},
		Alerts:  AlertsConfig{Kafka: KafkaConfig{Topic: "tidewater.alerts", ClientID: "tidewater"}},
		Vault:   VaultConfig{Mount: "secret"},
		Tracing: TracingConfig{ServiceName: "tidewater", SampleRate: 1.0},
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1")
	}
	if p.MaxPagesPerRun < 1 {
		return fmt.Errorf("pipeline.max_pages_per_run must be at least 1")
	}
	if p.StageRetries < 0 {
		return fmt.Errorf("pipeline.stage_retries must not be negative")
	}
	if p.QualityMaxErrorRate <= 0 || p.QualityMaxErrorRate > 1 {
		return fmt.Errorf("pipeline.quality_max_error_rate must be in (0, 1], got %v", p.QualityMaxErrorRate)
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be at least 1")
	}

	switch c.Warehouse.Driver {
	case DriverSQLite, DriverPostgres, DriverSnowflake:
	default:
		return fmt.Errorf("warehouse.driver %q is not supported", c.Warehouse.Driver)
	}
	if c.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse.dsn is required")
	}

	switch c.Lease.Backend {
	case "local":
	case "redis":
		if c.Lease.RedisAddr == "" {
			return fmt.Errorf("lease.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("lease.backend %q is not supported", c.Lease.Backend)
	}

	if c.Archive.Enabled {
		if c.Archive.Backend != "s3" && c.Archive.Backend != "gcs" {
			return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when the archive is enabled")
		}
	}

	seen := make(map[models.AccountKey]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Source == "" || a.ID == "" {
			return fmt.Errorf("accounts[%d]: source and account are required", i)
		}
		if seen[a.Key()] {
			return fmt.Errorf("accounts[%d]: %s is configured twice", i, a.Key())
		}
		seen[a.Key()] = true

		cred, ok := c.Credentials[a.CredentialRef]
		if !ok {
			return fmt.Errorf("accounts[%d]: credential_ref %q is not defined", i, a.CredentialRef)
		}
		if err := cred.validate(c.Vault.Enabled); err != nil {
			return fmt.Errorf("credentials.%s: %w", a.CredentialRef, err)
		}
	}

	return nil
}

func (c CredentialConfig) validate(vaultEnabled bool) error {
	if c.VaultPath != "" && !vaultEnabled {
		return fmt.Errorf("vault_path set but vault is not enabled")
	}
	fromVault := c.VaultPath != ""
	switch c.Kind {
	case CredentialAPIKey:
		if c.APIKey == "" && !fromVault {
			return fmt.Errorf("api_key is required")
		}
	case CredentialToast, CredentialClientCredentials:
		if (c.ClientID == "" || c.ClientSecret == "") && !fromVault {
			return fmt.Errorf("client_id and client_secret are required")
		}
	case CredentialRefreshToken:
		if c.RefreshToken == "" && !fromVault {
			return fmt.Errorf("refresh_token is required")
		}
	default:
		return fmt.Errorf("unknown credential kind %q", c.Kind)
	}
	return nil
}

// Account returns the configured account for key.
func (c *Config) Account(key models.AccountKey) (models.Account, bool) {
	for _, a := range c.Accounts {
		if a.Key() == key {
			return a, true
		}
	}
	return models.Account{}, false
}

// EnabledAccounts returns every enabled account, optionally limited to one source.
func (c *Config) EnabledAccounts(source string) []models.Account {
	var out []models.Account
	for _, a := range c.Accounts {
		if !a.IsEnabled() {
			continue
		}
		if source != "" && a.Source != source {
			continue
		}
		out = append(out, a)
	}
	return out
}
