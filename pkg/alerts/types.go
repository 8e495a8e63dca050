package alerts

import (
	"context"
	"errors"
	"fmt"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// Severity grades a breach by how far spend is over the limit.
type Severity string

const (
	SeverityWarning  Severity = "warning"  // Less than 10% over
	SeverityCritical Severity = "critical" // 10% to 50% over
	SeverityExceeded Severity = "exceeded" // 50% or more over
)

// SeverityOf grades a breach event.
func SeverityOf(e model.BreachEvent) Severity {
	switch {
	case e.ExceedancePercent >= 50:
		return SeverityExceeded
	case e.ExceedancePercent >= 10:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Summary is the one-line human description of a breach.
func Summary(e model.BreachEvent) string {
	return fmt.Sprintf("%s spend for %s is $%.2f, %.1f%% over the $%.2f limit",
		windowLabel(e.Window), e.ProjectName, e.CurrentAmount, e.ExceedancePercent, e.LimitValue)
}

func windowLabel(w model.WindowKind) string {
	if w == model.WindowWeekly {
		return "Weekly"
	}
	return "Daily"
}

// Notifier delivers a breach to one target (a webhook URL, an email address).
type Notifier interface {
	// Name returns the channel identifier.
	Name() string

	// Notify delivers event to target and returns a provider message id when one exists.
	// Implementations must be safe for concurrent use.
	Notify(ctx context.Context, target string, event model.BreachEvent) (string, error)
}

// Audience is who hears about a project's breaches.
type Audience struct {
	WebhookURL string
	Emails     []string
}

// ChannelResult is the outcome of one delivery.
type ChannelResult struct {
	Channel   string
	Target    string
	MessageID string
	Err       error
}

// Outcome collects every delivery attempted for one breach.
type Outcome struct {
	Results []ChannelResult
}

// Succeeded counts successful deliveries.
func (o Outcome) Succeeded() int {
	n := 0
	for _, r := range o.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts failed deliveries.
func (o Outcome) Failed() int {
	return len(o.Results) - o.Succeeded()
}

// AnySucceeded reports whether at least one delivery succeeded.
func (o Outcome) AnySucceeded() bool {
	return o.Succeeded() > 0
}

// Err joins the delivery errors.
func (o Outcome) Err() error {
	var errs []error
	for _, r := range o.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Channel, r.Target, r.Err))
		}
	}
	return errors.Join(errs...)
}
