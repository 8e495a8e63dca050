package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/metrics"
	"github.com/ogulcanaydogan/llm-spend-monitor/internal/ratelimit"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/jobs"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/monitor"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/reporting"
)

// CollectionRunner runs the once-daily collection.
type CollectionRunner interface {
	Run(ctx context.Context) (*jobs.CollectionReport, error)
}

// ThresholdRunner runs one monitoring pass.
type ThresholdRunner interface {
	Run(ctx context.Context) (*monitor.Summary, error)
}

// Options configures the server. Limiter and Metrics may be nil.
type Options struct {
	CronSecret string
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Server exposes the scheduler triggers, health, metrics and report endpoints.
type Server struct {
	collect CollectionRunner
	check   ThresholdRunner
	reports *reporting.Reporter
	opts    Options
	mux     *http.ServeMux
	logger  *slog.Logger
}

// NewServer creates an API server.
func NewServer(collect CollectionRunner, check ThresholdRunner, reports *reporting.Reporter, opts Options, logger *slog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CronSecret == "" {
		logger.Warn("no cron secret configured, trigger endpoints will reject every request")
	}
	s := &Server{
		collect: collect,
		check:   check,
		reports: reports,
		opts:    opts,
		mux:     http.NewServeMux(),
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /healthz", "/healthz", http.HandlerFunc(s.handleHealth))
	s.handle("GET /api/cron/collect-costs", "/api/cron/collect-costs", s.trigger("collect-costs", s.handleCollect))
	s.handle("GET /api/cron/check-thresholds", "/api/cron/check-thresholds", s.trigger("check-thresholds", s.handleCheck))
	s.handle("GET /api/v1/costs", "/api/v1/costs", http.HandlerFunc(s.handleCosts))
	s.handle("GET /api/v1/summary", "/api/v1/summary", http.HandlerFunc(s.handleSummary))
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
}

func (s *Server) handle(pattern, route string, h http.Handler) {
	s.mux.Handle(pattern, s.opts.Metrics.Instrument(route, h))
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// trigger guards a scheduler endpoint with the bearer secret and the rate limiter.
func (s *Server) trigger(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.logger.Warn("unauthorized trigger", "endpoint", name, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		if s.opts.Limiter != nil {
			d, err := s.opts.Limiter.Allow(r.Context(), name)
			switch {
			case err != nil:
				// The daily marker and rule cooldowns still hold without the limiter.
				s.logger.Warn("rate limiter unavailable, allowing request", "endpoint", name, "error", err)
			case !d.Allowed:
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)+1))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.CronSecret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.CronSecret)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	report, err := s.collect.Run(r.Context())
	switch {
	case errors.Is(err, jobs.ErrAlreadyExecuted):
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already executed today"})
		return
	case err != nil:
		s.logger.Error("collect costs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":               report.RunID,
		"recordsCollected":    report.RecordsCollected,
		"recordsCreated":      report.RecordsCreated,
		"usageCollected":      report.UsageCollected,
		"usageCreated":        report.UsageCreated,
		"failedOrganizations": report.FailedOrganizations,
		"durationMs":          report.Duration.Milliseconds(),
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	sum, err := s.check.Run(r.Context())
	if err != nil {
		s.logger.Error("check thresholds", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"breaches":     sum.Breaches,
		"alertsSent":   sum.AlertsSent,
		"alertsFailed": sum.AlertsFailed,
		"duration":     sum.Duration.Milliseconds(),
	})
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	records, err := s.reports.Costs(ctx, filter)
	if err != nil {
		s.logger.Error("query costs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.CostRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var report *reporting.Report
	if !filter.StartTime.IsZero() || !filter.EndTime.IsZero() {
		report, err = s.reports.Summary(ctx, filter)
	} else {
		period := model.ReportPeriod(r.URL.Query().Get("period"))
		switch period {
		case "":
			period = model.PeriodDaily
		case model.PeriodDaily, model.PeriodWeekly, model.PeriodMonthly:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown period %q", period)})
			return
		}
		report, err = s.reports.Period(ctx, period, s.opts.Now(), filter)
	}
	if err != nil {
		s.logger.Error("aggregate costs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// parseFilter reads tenant, project, provider, line_item, start and end.
// Times are RFC 3339 or YYYY-MM-DD (UTC).
func parseFilter(r *http.Request) (model.CostFilter, error) {
	q := r.URL.Query()
	filter := model.CostFilter{
		TenantID:  q.Get("tenant"),
		ProjectID: q.Get("project"),
		Provider:  q.Get("provider"),
		LineItem:  q.Get("line_item"),
	}
	var err error
	if filter.StartTime, err = parseTime(q.Get("start")); err != nil {
		return filter, fmt.Errorf("start: %w", err)
	}
	if filter.EndTime, err = parseTime(q.Get("end")); err != nil {
		return filter, fmt.Errorf("end: %w", err)
	}
	return filter, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
