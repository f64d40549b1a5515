package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides of scalar settings.
const EnvPrefix = "TIDEWATER"

// Load reads a YAML configuration file, substitutes ${VAR} references,
// applies TIDEWATER_* overrides over the defaults and validates the result.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load over in-memory YAML.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	content := substituteEnvVars(string(data))
	if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// viper folds map keys to lower case; references must match.
	for i := range cfg.Accounts {
		cfg.Accounts[i].CredentialRef = strings.ToLower(cfg.Accounts[i].CredentialRef)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults registers every scalar default with viper so AutomaticEnv
// can override keys the file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("pipeline.concurrency", d.Pipeline.Concurrency)
	v.SetDefault("pipeline.page_size", d.Pipeline.PageSize)
	v.SetDefault("pipeline.max_pages_per_run", d.Pipeline.MaxPagesPerRun)
	v.SetDefault("pipeline.stage_retries", d.Pipeline.StageRetries)
	v.SetDefault("pipeline.retry_initial_delay", d.Pipeline.RetryInitialDelay)
	v.SetDefault("pipeline.retry_max_delay", d.Pipeline.RetryMaxDelay)
	v.SetDefault("pipeline.quality_max_error_rate", d.Pipeline.QualityMaxErrorRate)
	v.SetDefault("pipeline.refresh_margin", d.Pipeline.RefreshMargin)
	v.SetDefault("pipeline.lease_ttl", d.Pipeline.LeaseTTL)
	v.SetDefault("pipeline.run_timeout", d.Pipeline.RunTimeout)

	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.max_attempts", d.HTTP.MaxAttempts)
	v.SetDefault("http.initial_backoff", d.HTTP.InitialBackoff)
	v.SetDefault("http.max_backoff", d.HTTP.MaxBackoff)
	v.SetDefault("http.max_idle_conns_per_host", d.HTTP.MaxIdleConnsPerHost)
	v.SetDefault("http.user_agent", d.HTTP.UserAgent)
	v.SetDefault("http.breaker_threshold", d.HTTP.BreakerThreshold)
	v.SetDefault("http.breaker_cooldown", d.HTTP.BreakerCooldown)

	v.SetDefault("warehouse.driver", d.Warehouse.Driver)
	v.SetDefault("warehouse.dsn", d.Warehouse.DSN)
	v.SetDefault("warehouse.migrate", d.Warehouse.Migrate)
	v.SetDefault("warehouse.max_open_conns", d.Warehouse.MaxOpenConns)
	v.SetDefault("warehouse.ping_timeout", d.Warehouse.PingTimeout)

	v.SetDefault("lease.backend", d.Lease.Backend)
	v.SetDefault("lease.redis_addr", d.Lease.RedisAddr)
	v.SetDefault("lease.redis_password", d.Lease.RedisPassword)
	v.SetDefault("lease.redis_db", d.Lease.RedisDB)
	v.SetDefault("lease.prefix", d.Lease.Prefix)

	v.SetDefault("archive.enabled", d.Archive.Enabled)
	v.SetDefault("archive.backend", d.Archive.Backend)
	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("archive.region", d.Archive.Region)
	v.SetDefault("archive.endpoint", d.Archive.Endpoint)
	v.SetDefault("archive.compression", d.Archive.Compression)

	v.SetDefault("alerts.kafka.topic", d.Alerts.Kafka.Topic)
	v.SetDefault("alerts.kafka.client_id", d.Alerts.Kafka.ClientID)

	v.SetDefault("vault.enabled", d.Vault.Enabled)
	v.SetDefault("vault.address", d.Vault.Address)
	v.SetDefault("vault.token", d.Vault.Token)
	v.SetDefault("vault.mount", d.Vault.Mount)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// ${VAR_NAME:-fallback} uses fallback when the variable is unset or empty.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			b.WriteString(content)
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			b.WriteString(content)
			break
		}
		end += start

		b.WriteString(content[:start])
		expr := content[start+2 : end]
		name, fallback, hasFallback := strings.Cut(expr, ":-")
		value := os.Getenv(name)
		if value == "" && hasFallback {
			value = fallback
		}
		b.WriteString(value)
		content = content[end+1:]
	}
	return b.String()
}
