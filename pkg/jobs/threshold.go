package jobs

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/metrics"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/monitor"
)

// Checker runs one monitoring pass.
type Checker interface {
	Run(ctx context.Context) (*monitor.Summary, error)
}

// ThresholdPoll runs the monitor. It has no execution marker and is safe to
// invoke as often as the scheduler likes.
type ThresholdPoll struct {
	checker Checker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewThresholdPoll creates the job. m may be nil.
func NewThresholdPoll(checker Checker, m *metrics.Metrics, logger *slog.Logger) *ThresholdPoll {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThresholdPoll{checker: checker, metrics: m, logger: logger}
}

// Run evaluates every rule once.
func (j *ThresholdPoll) Run(ctx context.Context) (*monitor.Summary, error) {
	runID := ulid.Make().String()
	sum, err := j.checker.Run(ctx)
	if err != nil {
		j.logger.Error("threshold check failed", "run", runID, "error", err)
		j.metrics.Threshold("failed", 0, 0, 0, 0)
		return nil, err
	}
	j.metrics.Threshold("success", sum.Throttled, sum.Breaches, sum.AlertsSent, sum.AlertsFailed)
	j.logger.Debug("threshold check run", "run", runID, "rules", sum.Rules, "errors", sum.Errors)
	return sum, nil
}
