package cli

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/config"
	"github.com/ogulcanaydogan/llm-spend-monitor/internal/ratelimit"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/alerts"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/jobs"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Path = filepath.Join(t.TempDir(), "cli.db")
	cfg.KMS.MasterKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	cfg.Logging.Level = "error"
	return cfg
}

func TestInitPricing_DirOverridesBuiltin(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "openai.yaml"), []byte(`
provider: openai
updated: "2026-10-01"
models:
  - model: gpt-4o
    input_per_million: 1.0
    output_per_million: 2.0
`), 0o644))
	cfg.Pricing.Dir = dir

	reg, err := initPricing(cfg)
	require.NoError(t, err)

	p, ok := reg.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 1.0, p.InputPerMillion)

	_, err = reg.Get("anthropic")
	assert.NoError(t, err, "builtin catalogs without an override stay")
}

func TestInitSources(t *testing.T) {
	cfg := testConfig(t)
	reg, err := initSources(cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openai", "anthropic"}, reg.Providers())

	cfg.Providers.Enabled = []string{"gemini"}
	_, err = initSources(cfg)
	assert.Error(t, err)
}

func TestInitKeyManager(t *testing.T) {
	cfg := testConfig(t)
	_, err := initKeyManager(cfg)
	require.NoError(t, err)

	cfg.KMS.MasterKey = ""
	_, err = initKeyManager(cfg)
	assert.ErrorContains(t, err, "master_key")

	cfg.KMS.Provider = "vault"
	_, err = initKeyManager(cfg)
	assert.ErrorContains(t, err, "vault")
}

func TestInitMailer(t *testing.T) {
	cfg := testConfig(t)
	assert.Nil(t, initMailer(cfg))

	cfg.Alerts.Email.Provider = "resend"
	assert.IsType(t, &alerts.ResendMailer{}, initMailer(cfg))

	cfg.Alerts.Email.Provider = "smtp"
	assert.IsType(t, &alerts.SMTPMailer{}, initMailer(cfg))
}

func TestInitLimiter(t *testing.T) {
	cfg := testConfig(t)
	limiter, closeFn, err := initLimiter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &ratelimit.Local{}, limiter)
	assert.NoError(t, closeFn())

	cfg.Redis.Addr = "localhost:6379"
	limiter, closeFn, err = initLimiter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &ratelimit.Redis{}, limiter)
	assert.NoError(t, closeFn())

	cfg.Server.RateLimit.Burst = 0
	limiter, _, err = initLimiter(cfg)
	require.NoError(t, err)
	assert.Nil(t, limiter)
}

func TestInitApp_RunsJobsOnEmptyStore(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := initApp(ctx, cfg)
	require.NoError(t, err)
	defer a.store.Close()

	report, err := a.daily.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Organizations)

	_, err = a.daily.Run(ctx)
	assert.ErrorIs(t, err, jobs.ErrAlreadyExecuted)

	sum, err := a.poll.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Rules)

	rep, err := a.reports.Period(ctx, model.PeriodDaily, time.Now(), model.CostFilter{})
	require.NoError(t, err)
	assert.Zero(t, rep.RecordCount)
}

func TestReadSecretFromEnv(t *testing.T) {
	t.Setenv("LSM_TEST_ADMIN_KEY", "  sk-admin  \n")
	s, err := readSecret("LSM_TEST_ADMIN_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-admin", s)

	_, err = readSecret("LSM_TEST_UNSET_KEY")
	assert.Error(t, err)
}
