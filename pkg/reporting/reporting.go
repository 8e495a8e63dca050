// Package reporting summarizes collected cost and usage data.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/pricing"
)

// Store is the read side of the cost store.
type Store interface {
	AggregateCosts(ctx context.Context, filter model.CostFilter) (*model.CostSummary, error)
	QueryCosts(ctx context.Context, filter model.CostFilter) ([]model.CostRecord, error)
	QueryUsage(ctx context.Context, filter model.CostFilter) ([]model.TokenUsageRecord, error)
}

// Report is a cost summary over a filter.
type Report struct {
	model.CostSummary
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// UnpricedModels lists provider/model pairs left out of EstimatedUsageCost.
	UnpricedModels []string `json:"unpriced_models,omitempty"`
}

// Reporter builds reports. prices may be nil, which disables usage estimates.
type Reporter struct {
	store  Store
	prices *pricing.Registry
}

// New creates a reporter.
func New(store Store, prices *pricing.Registry) *Reporter {
	return &Reporter{store: store, prices: prices}
}

// Summary aggregates billed cost and estimates list-price cost of the matching usage.
func (r *Reporter) Summary(ctx context.Context, filter model.CostFilter) (*Report, error) {
	summary, err := r.store.AggregateCosts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}
	rep := &Report{CostSummary: *summary, Start: filter.StartTime, End: filter.EndTime}

	if r.prices != nil {
		usage, err := r.store.QueryUsage(ctx, usageFilter(filter))
		if err != nil {
			return nil, fmt.Errorf("query usage: %w", err)
		}
		rep.EstimatedUsageCost, rep.UnpricedModels = r.prices.EstimateAll(usage)
	}
	return rep, nil
}

// Period reports on the UTC calendar period containing now.
func (r *Reporter) Period(ctx context.Context, period model.ReportPeriod, now time.Time, filter model.CostFilter) (*Report, error) {
	filter.StartTime, filter.EndTime = model.PeriodBounds(period, now)
	return r.Summary(ctx, filter)
}

// Costs returns individual cost records.
func (r *Reporter) Costs(ctx context.Context, filter model.CostFilter) ([]model.CostRecord, error) {
	return r.store.QueryCosts(ctx, filter)
}

// Usage returns individual token usage records. filter.LineItem matches the model.
func (r *Reporter) Usage(ctx context.Context, filter model.CostFilter) ([]model.TokenUsageRecord, error) {
	return r.store.QueryUsage(ctx, filter)
}

// usageFilter drops the line item so a cost line filter does not hide usage.
func usageFilter(f model.CostFilter) model.CostFilter {
	f.LineItem = ""
	return f
}
