package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all LLM Spend Monitor configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	KMS       KMSConfig       `mapstructure:"kms"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Collector CollectorConfig `mapstructure:"collector"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	BatchSize int    `mapstructure:"batch_size"`
}

// ServerConfig defines the HTTP trigger server.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	CronSecret   string        `mapstructure:"cron_secret"`
	DashboardURL string        `mapstructure:"dashboard_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    RateConfig    `mapstructure:"rate_limit"`
}

// RateConfig bounds how often trigger endpoints may be called.
type RateConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// RedisConfig enables the shared rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KMSConfig selects the key manager for credential encryption.
type KMSConfig struct {
	Provider  string      `mapstructure:"provider"`
	MasterKey string      `mapstructure:"master_key"`
	KeyID     string      `mapstructure:"key_id"`
	Vault     VaultConfig `mapstructure:"vault"`
}

// VaultConfig defines HashiCorp Vault transit settings.
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Key     string `mapstructure:"key"`
}

// ProvidersConfig lists which admin APIs are collected.
type ProvidersConfig struct {
	Enabled   []string       `mapstructure:"enabled"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
}

// ProviderConfig overrides a provider endpoint.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CollectorConfig tunes the daily collection.
type CollectorConfig struct {
	LookbackDays  int           `mapstructure:"lookback_days"`
	MaxPages      int           `mapstructure:"max_pages"`
	InterOrgDelay time.Duration `mapstructure:"inter_org_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// MonitorConfig tunes threshold evaluation.
type MonitorConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// AlertsConfig defines notification channels.
type AlertsConfig struct {
	WebhookSecret string      `mapstructure:"webhook_secret"`
	From          string      `mapstructure:"from"`
	AdminEmails   []string    `mapstructure:"admin_emails"`
	Email         EmailConfig `mapstructure:"email"`
}

// EmailConfig selects how mail is sent: "resend", "smtp" or "" for none.
type EmailConfig struct {
	Provider      string     `mapstructure:"provider"`
	ResendAPIKey  string     `mapstructure:"resend_api_key"`
	ResendBaseURL string     `mapstructure:"resend_base_url"`
	SMTP          SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP relay settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// PricingConfig defines pricing data settings. An empty Dir uses the
// built-in catalogs.
type PricingConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. A .env file
// in the working directory is loaded into the environment first.
func Load(cfgFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".lsm"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(home, ".lsm", "spend.db"))
	v.SetDefault("storage.batch_size", 500)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.rate_limit.per_second", 0.2)
	v.SetDefault("server.rate_limit.burst", 3)
	v.SetDefault("kms.provider", "local")
	v.SetDefault("kms.key_id", "local-1")
	v.SetDefault("kms.vault.key", "lsm-credentials")
	v.SetDefault("providers.enabled", []string{"openai", "anthropic"})
	v.SetDefault("providers.openai.timeout", "30s")
	v.SetDefault("providers.anthropic.timeout", "30s")
	v.SetDefault("collector.lookback_days", 2)
	v.SetDefault("collector.max_pages", 100)
	v.SetDefault("collector.inter_org_delay", "500ms")
	v.SetDefault("collector.max_attempts", 3)
	v.SetDefault("monitor.cooldown", "1h")
	v.SetDefault("alerts.from", "LLM Spend Monitor <alerts@localhost>")
	v.SetDefault("alerts.email.smtp.port", 587)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Keys without a useful default still need registering so that
	// Unmarshal sees their environment overrides.
	for _, key := range []string{
		"storage.dsn", "server.cron_secret", "server.dashboard_url",
		"redis.addr", "redis.password",
		"kms.master_key", "kms.vault.address", "kms.vault.token",
		"providers.openai.base_url", "providers.anthropic.base_url",
		"alerts.webhook_secret", "alerts.email.provider", "alerts.email.resend_api_key",
		"alerts.email.resend_base_url", "alerts.email.smtp.host",
		"alerts.email.smtp.username", "alerts.email.smtp.password", "pricing.dir",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("alerts.admin_emails", []string{})

	// Environment variables
	v.SetEnvPrefix("LSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Lists from the environment arrive as one comma separated string.
	cfg.Providers.Enabled = splitList(cfg.Providers.Enabled)
	cfg.Alerts.AdminEmails = splitList(cfg.Alerts.AdminEmails)

	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	switch c.KMS.Provider {
	case "local", "vault":
	default:
		errs = append(errs, fmt.Errorf("kms.provider %q is not supported", c.KMS.Provider))
	}
	switch c.Alerts.Email.Provider {
	case "", "resend", "smtp":
	default:
		errs = append(errs, fmt.Errorf("alerts.email.provider %q is not supported", c.Alerts.Email.Provider))
	}
	if c.Collector.LookbackDays < 1 {
		errs = append(errs, errors.New("collector.lookback_days must be at least 1"))
	}
	return errors.Join(errs...)
}

func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
