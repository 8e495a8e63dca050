package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/metrics"
	"github.com/ogulcanaydogan/llm-spend-monitor/internal/ratelimit"
	"github.com/ogulcanaydogan/llm-spend-monitor/internal/server"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/billing"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/collector"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/jobs"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/monitor"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/reporting"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/storage"
)

const secret = "cron-secret"

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// fixedCollector returns the same records on every call and counts calls.
type fixedCollector struct {
	calls   atomic.Int32
	records []model.CostRecord
}

func (c *fixedCollector) Collect(context.Context, string, string, billing.Window) (*collector.Result, error) {
	c.calls.Add(1)
	return &collector.Result{Organizations: 1, Succeeded: 1, Costs: c.records}, nil
}

type stubChecker struct {
	sum *monitor.Summary
	err error
}

func (c stubChecker) Run(context.Context) (*monitor.Summary, error) { return c.sum, c.err }

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("dial tcp: connection refused")
}

type fixture struct {
	collector *fixedCollector
	store     *storage.Store
	metrics   *metrics.Metrics
	opts      server.Options
	check     server.ThresholdRunner
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenant := model.Tenant{Name: "acme"}
	require.NoError(t, store.CreateTenant(ctx, &tenant))
	project := model.Project{TenantID: tenant.ID, Name: "chatbot", Provider: "openai", OrganizationID: "org-1"}
	require.NoError(t, store.CreateProject(ctx, &project))

	day := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	m := metrics.New()
	return &fixture{
		collector: &fixedCollector{records: []model.CostRecord{
			{ProjectID: project.ID, Provider: "openai", LineItem: "gpt-4o, input", Amount: 2, Currency: "usd", BucketStart: day, BucketEnd: day.AddDate(0, 0, 1), APIVersion: "v1"},
			{ProjectID: project.ID, Provider: "openai", LineItem: "gpt-4o, output", Amount: 3, Currency: "usd", BucketStart: day, BucketEnd: day.AddDate(0, 0, 1), APIVersion: "v1"},
		}},
		store:   store,
		metrics: m,
		opts:    server.Options{CronSecret: secret, Metrics: m, Now: func() time.Time { return now }},
		check:   stubChecker{sum: &monitor.Summary{Rules: 2, Breaches: 1, AlertsSent: 2, AlertsFailed: 1, Duration: 42 * time.Millisecond}},
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func (f *fixture) server() *server.Server {
	job := jobs.NewDailyCollection(f.store, f.collector, nil, f.metrics, jobs.DailyOptions{
		Providers: []string{"openai"},
		Now:       func() time.Time { return now },
	}, f.logger)
	return server.NewServer(job, f.check, reporting.New(f.store, nil), f.opts, f.logger)
}

func do(t *testing.T, h http.Handler, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func TestServer_Health(t *testing.T) {
	w, body := do(t, newFixture(t).server().Handler(), "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_CollectRequiresSecret(t *testing.T) {
	f := newFixture(t)
	h := f.server().Handler()

	w, body := do(t, h, "/api/cron/collect-costs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Unauthorized", body["error"])

	w, _ = do(t, h, "/api/cron/collect-costs", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.collector.calls.Load())
}

func TestServer_EmptySecretRejectsEverything(t *testing.T) {
	f := newFixture(t)
	f.opts.CronSecret = ""
	w, _ := do(t, f.server().Handler(), "/api/cron/collect-costs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_CollectAndDuplicateTrigger(t *testing.T) {
	f := newFixture(t)
	h := f.server().Handler()

	w, body := do(t, h, "/api/cron/collect-costs", secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["recordsCollected"])
	assert.EqualValues(t, 2, body["recordsCreated"])
	assert.Contains(t, body, "durationMs")

	w, body = do(t, h, "/api/cron/collect-costs", secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Already executed today", body["message"])
	assert.Equal(t, int32(1), f.collector.calls.Load())
}

func TestServer_CollectFailureIs500(t *testing.T) {
	f := newFixture(t)
	// A closed store fails the marker insert.
	require.NoError(t, f.store.Close())

	w, body := do(t, f.server().Handler(), "/api/cron/collect-costs", secret)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestServer_CheckThresholds(t *testing.T) {
	f := newFixture(t)
	w, body := do(t, f.server().Handler(), "/api/cron/check-thresholds", secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["breaches"])
	assert.EqualValues(t, 2, body["alertsSent"])
	assert.EqualValues(t, 1, body["alertsFailed"])
	assert.EqualValues(t, 42, body["duration"])

	f.check = stubChecker{err: errors.New("list rules: boom")}
	w, body = do(t, f.server().Handler(), "/api/cron/check-thresholds", secret)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, body["error"], "boom")
}

func TestServer_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.opts.Limiter = ratelimit.NewLocal(0.001, 1)
	h := f.server().Handler()

	w, _ := do(t, h, "/api/cron/check-thresholds", secret)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, h, "/api/cron/check-thresholds", secret)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Each endpoint has its own bucket.
	w, _ = do(t, h, "/api/cron/collect-costs", secret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_LimiterErrorFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.opts.Limiter = failingLimiter{}
	w, _ := do(t, f.server().Handler(), "/api/cron/check-thresholds", secret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_CostsAndSummary(t *testing.T) {
	f := newFixture(t)
	h := f.server().Handler()
	w, _ := do(t, h, "/api/cron/collect-costs", secret)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/costs?line_item=gpt-4o,%20output", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []model.CostRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.InDelta(t, 3.0, records[0].Amount, 0.001)

	// The records are dated yesterday, outside today's daily period.
	w, body := do(t, h, "/api/v1/summary?period=daily", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["record_count"])

	w, body = do(t, h, "/api/v1/summary?period=monthly", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["record_count"])
	assert.InDelta(t, 5.0, body["total_cost"], 0.001)

	w, body = do(t, h, "/api/v1/summary?start=2026-10-18&end=2026-10-19", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["record_count"])
}

func TestServer_SummaryRejectsBadInput(t *testing.T) {
	h := newFixture(t).server().Handler()

	w, _ := do(t, h, "/api/v1/summary?period=yearly", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, h, "/api/v1/costs?start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)
	h := f.server().Handler()
	do(t, h, "/api/cron/collect-costs", secret)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lsm_collection_runs_total{outcome="success"} 1`)
	assert.Contains(t, rec.Body.String(), `lsm_http_requests_total{method="GET",route="/api/cron/collect-costs",status="200"} 1`)
}
