// Package jobs holds the scheduled units of work: the once-daily cost
// collection and the frequent threshold poll.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/metrics"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/billing"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/collector"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// DailyCollectionJob is the execution marker name of the daily collection.
const DailyCollectionJob = "daily-cost-collection"

// DefaultLookbackDays is how many full UTC days each daily run re-fetches.
const DefaultLookbackDays = 2

var (
	// ErrAlreadyExecuted is returned when today's marker already exists.
	ErrAlreadyExecuted = errors.New("already executed today")

	// ErrCollectionFailed is returned when a run collected nothing usable.
	ErrCollectionFailed = errors.New("cost collection failed")
)

// Collector gathers one tenant/provider pair.
type Collector interface {
	Collect(ctx context.Context, tenantID, provider string, w billing.Window) (*collector.Result, error)
}

// Store is the persistence the daily job needs.
type Store interface {
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	InsertCostRecords(ctx context.Context, records []model.CostRecord) (int, error)
	InsertTokenUsage(ctx context.Context, records []model.TokenUsageRecord) (int, error)
	RecordCronExecution(ctx context.Context, job, date string) (bool, error)
}

// AdminNotifier tells operators about total failures.
type AdminNotifier interface {
	Notify(ctx context.Context, subject, text string) error
}

// DailyOptions tunes the daily job.
type DailyOptions struct {
	Providers    []string
	LookbackDays int
	Now          func() time.Time
}

// CollectionReport summarizes one daily run.
type CollectionReport struct {
	RunID               string        `json:"run_id"`
	Date                string        `json:"date"`
	RecordsCollected    int           `json:"records_collected"`
	RecordsCreated      int           `json:"records_created"`
	UsageCollected      int           `json:"usage_collected"`
	UsageCreated        int           `json:"usage_created"`
	Organizations       int           `json:"organizations"`
	FailedOrganizations int           `json:"failed_organizations"`
	Dropped             int           `json:"dropped"`
	Duration            time.Duration `json:"duration"`
}

// DailyCollection collects every tenant and provider once per UTC day.
type DailyCollection struct {
	store     Store
	collector Collector
	admin     AdminNotifier
	metrics   *metrics.Metrics
	opts      DailyOptions
	logger    *slog.Logger
}

// NewDailyCollection creates the job. admin and m may be nil.
func NewDailyCollection(store Store, c Collector, admin AdminNotifier, m *metrics.Metrics, opts DailyOptions, logger *slog.Logger) *DailyCollection {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = DefaultLookbackDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyCollection{store: store, collector: c, admin: admin, metrics: m, opts: opts, logger: logger}
}

// Run claims today's marker and then collects. A second call on the same UTC
// date returns ErrAlreadyExecuted without fetching anything. The marker is
// kept when the run fails.
func (j *DailyCollection) Run(ctx context.Context) (*CollectionReport, error) {
	date := j.opts.Now().UTC().Format(time.DateOnly)
	claimed, err := j.store.RecordCronExecution(ctx, DailyCollectionJob, date)
	if err != nil {
		j.metrics.Collection("failed", 0)
		return nil, fmt.Errorf("claim %s for %s: %w", DailyCollectionJob, date, err)
	}
	if !claimed {
		j.logger.Info("daily collection already executed", "date", date)
		j.metrics.Collection("skipped", 0)
		return nil, ErrAlreadyExecuted
	}
	return j.Collect(ctx)
}

// Collect runs a collection pass without touching the marker.
func (j *DailyCollection) Collect(ctx context.Context) (*CollectionReport, error) {
	start := j.opts.Now()
	report := &CollectionReport{RunID: ulid.Make().String(), Date: start.UTC().Format(time.DateOnly)}
	logger := j.logger.With("run", report.RunID)
	window := collector.LookbackWindow(start, j.opts.LookbackDays)

	logger.Info("daily collection started",
		"window_start", window.Start.Format(time.DateOnly),
		"window_end", window.End.Format(time.DateOnly),
		"providers", j.opts.Providers,
	)

	err := j.collectAll(ctx, logger, window, report)
	report.Duration = j.opts.Now().Sub(start)

	if err == nil && report.Organizations > 0 && report.FailedOrganizations == report.Organizations {
		err = fmt.Errorf("%w: all %d organizations failed", ErrCollectionFailed, report.Organizations)
	}
	if err != nil {
		logger.Error("daily collection failed", "error", err)
		j.metrics.Collection("failed", report.Duration)
		j.notifyAdmins(ctx, logger, report, err)
		return report, err
	}

	outcome := "success"
	if report.FailedOrganizations > 0 {
		outcome = "partial"
	}
	j.metrics.Collection(outcome, report.Duration)
	logger.Info("daily collection complete",
		"records_collected", report.RecordsCollected,
		"records_created", report.RecordsCreated,
		"usage_collected", report.UsageCollected,
		"usage_created", report.UsageCreated,
		"organizations", report.Organizations,
		"failed_organizations", report.FailedOrganizations,
		"duration", report.Duration,
	)
	return report, nil
}

func (j *DailyCollection) collectAll(ctx context.Context, logger *slog.Logger, w billing.Window, report *CollectionReport) error {
	tenants, err := j.store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	var pairs, failedPairs int
	var lastErr error
	for _, tenant := range tenants {
		for _, provider := range j.opts.Providers {
			pairs++
			res, err := j.collector.Collect(ctx, tenant.ID, provider, w)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				// Nothing was attempted for this pair.
				logger.Error("tenant collection failed", "tenant", tenant.ID, "provider", provider, "error", err)
				failedPairs++
				lastErr = err
				continue
			}

			report.Organizations += res.Organizations
			report.FailedOrganizations += len(res.Failures)
			report.Dropped += res.Dropped
			j.metrics.Organizations(provider, res.Succeeded, res.Skipped, len(res.Failures))
			j.metrics.Dropped(res.Dropped)

			costs, err := j.store.InsertCostRecords(ctx, res.Costs)
			if err != nil {
				return fmt.Errorf("store costs for tenant %s: %w", tenant.ID, err)
			}
			usage, err := j.store.InsertTokenUsage(ctx, res.Usage)
			if err != nil {
				return fmt.Errorf("store usage for tenant %s: %w", tenant.ID, err)
			}

			report.RecordsCollected += len(res.Costs)
			report.RecordsCreated += costs
			report.UsageCollected += len(res.Usage)
			report.UsageCreated += usage
			j.metrics.Records("cost", len(res.Costs), costs)
			j.metrics.Records("usage", len(res.Usage), usage)
		}
	}
	if failedPairs > 0 && failedPairs == pairs {
		return fmt.Errorf("%w: %v", ErrCollectionFailed, lastErr)
	}
	return nil
}

func (j *DailyCollection) notifyAdmins(ctx context.Context, logger *slog.Logger, report *CollectionReport, cause error) {
	if j.admin == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Daily cost collection %s for %s failed.\n\n", report.RunID, report.Date)
	fmt.Fprintf(&b, "Error: %v\n", cause)
	fmt.Fprintf(&b, "Organizations: %d attempted, %d failed\n", report.Organizations, report.FailedOrganizations)
	fmt.Fprintf(&b, "Records: %d collected, %d created\n", report.RecordsCollected, report.RecordsCreated)

	// The request context may already be done; the notice still goes out.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := j.admin.Notify(nctx, "[LLM Spend Monitor] daily collection failed", b.String()); err != nil {
		logger.Error("admin notification failed", "error", err)
	}
}
