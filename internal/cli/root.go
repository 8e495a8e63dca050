package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/config"
	"github.com/ogulcanaydogan/llm-spend-monitor/internal/metrics"
	"github.com/ogulcanaydogan/llm-spend-monitor/internal/ratelimit"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/alerts"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/billing"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/collector"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/credentials"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/envelope"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/jobs"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/kms"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/monitor"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/pricing"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/reporting"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/storage"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lsm",
	Short: "LLM Spend Monitor - AI provider cost collection and spend alerts",
	Long: `LLM Spend Monitor collects billed cost and token usage from AI provider
admin APIs for every registered organization, stores it idempotently, and
alerts teams when a project's daily or weekly spend passes its limit.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.lsm/config.yaml)")
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initStorage creates a storage backend from config.
func initStorage(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	dsn := cfg.Storage.Path
	if cfg.Storage.Driver == string(storage.DialectPostgres) {
		dsn = cfg.Storage.DSN
	}
	store, err := storage.Open(ctx, cfg.Storage.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return store.WithBatchSize(cfg.Storage.BatchSize), nil
}

// initKeyManager creates the key manager that wraps credential data keys.
func initKeyManager(cfg *config.Config) (kms.KeyManager, error) {
	switch cfg.KMS.Provider {
	case "vault":
		if cfg.KMS.Vault.Address == "" || cfg.KMS.Vault.Token == "" {
			return nil, fmt.Errorf("kms.vault.address and kms.vault.token are required")
		}
		return kms.NewVault(cfg.KMS.Vault.Address, cfg.KMS.Vault.Token, cfg.KMS.Vault.Key), nil
	default:
		if cfg.KMS.MasterKey == "" {
			return nil, fmt.Errorf("kms.master_key is required (base64, 32 bytes); set LSM_KMS_MASTER_KEY")
		}
		return kms.NewLocalFromBase64(cfg.KMS.MasterKey, cfg.KMS.KeyID)
	}
}

// initCredentials wires credential access over the envelope service.
func initCredentials(cfg *config.Config, store *storage.Store, logger *slog.Logger) (*credentials.Access, error) {
	keys, err := initKeyManager(cfg)
	if err != nil {
		return nil, err
	}
	return credentials.NewAccess(store, envelope.NewService(keys, retry.DefaultPolicy, logger), logger), nil
}

// initPricing loads the built-in catalogs, overridden by any YAML files in pricing.dir.
func initPricing(cfg *config.Config) (*pricing.Registry, error) {
	registry, err := pricing.NewBuiltinRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.Pricing.Dir == "" {
		return registry, nil
	}

	files, err := filepath.Glob(filepath.Join(cfg.Pricing.Dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list pricing files: %w", err)
	}
	for _, f := range files {
		cat, err := pricing.Load(f)
		if err != nil {
			return nil, err
		}
		registry.Replace(cat)
	}
	return registry, nil
}

// initSources creates the enabled billing sources.
func initSources(cfg *config.Config) (*billing.Registry, error) {
	var sources []billing.Source
	for _, name := range cfg.Providers.Enabled {
		switch name {
		case "openai":
			sources = append(sources, billing.NewOpenAI(cfg.Providers.OpenAI.BaseURL,
				&http.Client{Timeout: cfg.Providers.OpenAI.Timeout}))
		case "anthropic":
			sources = append(sources, billing.NewAnthropic(cfg.Providers.Anthropic.BaseURL,
				&http.Client{Timeout: cfg.Providers.Anthropic.Timeout}))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return billing.NewRegistry(sources...), nil
}

// initMailer returns nil when email is not configured.
func initMailer(cfg *config.Config) alerts.Mailer {
	switch cfg.Alerts.Email.Provider {
	case "resend":
		return alerts.NewResendMailer(cfg.Alerts.Email.ResendAPIKey, cfg.Alerts.Email.ResendBaseURL)
	case "smtp":
		return alerts.NewSMTPMailer(alerts.SMTPConfig{
			Host:     cfg.Alerts.Email.SMTP.Host,
			Port:     cfg.Alerts.Email.SMTP.Port,
			Username: cfg.Alerts.Email.SMTP.Username,
			Password: cfg.Alerts.Email.SMTP.Password,
		})
	default:
		return nil
	}
}

// initFanout creates the breach notifier with the webhook channel and, when
// mail is configured, the email channel.
func initFanout(cfg *config.Config, mailer alerts.Mailer, logger *slog.Logger) *alerts.Fanout {
	webhook := alerts.NewChatWebhook(cfg.Server.DashboardURL, cfg.Alerts.WebhookSecret)
	var email alerts.Notifier
	if mailer != nil {
		email = alerts.NewEmailNotifier(mailer, cfg.Alerts.From, cfg.Server.DashboardURL)
	}
	return alerts.NewFanout(webhook, email, retry.DefaultPolicy, logger)
}

// initLimiter uses Redis when configured so every replica shares one bucket.
func initLimiter(cfg *config.Config) (ratelimit.Limiter, func() error, error) {
	rl := cfg.Server.RateLimit
	if rl.PerSecond <= 0 || rl.Burst <= 0 {
		return nil, func() error { return nil }, nil
	}
	if cfg.Redis.Addr == "" {
		return ratelimit.NewLocal(rl.PerSecond, rl.Burst), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter, err := ratelimit.NewRedis(client, "lsm:ratelimit:", rl.PerSecond, rl.Burst)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return limiter, client.Close, nil
}

// app is the fully wired set of components shared by commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *storage.Store
	access  *credentials.Access
	metrics *metrics.Metrics
	daily   *jobs.DailyCollection
	poll    *jobs.ThresholdPoll
	reports *reporting.Reporter
}

// initApp wires every component from config. The caller closes app.store.
func initApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newLogger(cfg)

	store, err := initStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := wire(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, store *storage.Store, logger *slog.Logger) (*app, error) {
	access, err := initCredentials(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	sources, err := initSources(cfg)
	if err != nil {
		return nil, err
	}
	prices, err := initPricing(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	mailer := initMailer(cfg)

	var admin jobs.AdminNotifier
	if mailer != nil && len(cfg.Alerts.AdminEmails) > 0 {
		admin = alerts.NewAdminNotifier(mailer, cfg.Alerts.From, cfg.Alerts.AdminEmails)
	}

	policy := retry.DefaultPolicy
	if cfg.Collector.MaxAttempts > 0 {
		policy.MaxAttempts = uint(cfg.Collector.MaxAttempts)
	}
	coll := collector.New(access, store, sources, collector.Options{
		MaxPages:      cfg.Collector.MaxPages,
		InterOrgDelay: cfg.Collector.InterOrgDelay,
		Retry:         policy,
	}, logger)

	daily := jobs.NewDailyCollection(store, coll, admin, m, jobs.DailyOptions{
		Providers:    sources.Providers(),
		LookbackDays: cfg.Collector.LookbackDays,
	}, logger)

	mon := monitor.New(store, initFanout(cfg, mailer, logger), monitor.Options{Cooldown: cfg.Monitor.Cooldown}, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		access:  access,
		metrics: m,
		daily:   daily,
		poll:    jobs.NewThresholdPoll(mon, m, logger),
		reports: reporting.New(store, prices),
	}, nil
}
