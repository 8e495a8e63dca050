package alerts

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

// Fanout delivers a breach to every channel of an audience concurrently.
// One channel failing never cancels or blocks another.
type Fanout struct {
	webhook Notifier
	email   Notifier
	policy  retry.Policy
	logger  *slog.Logger
}

// NewFanout creates a fan-out. Either notifier may be nil to disable that channel.
func NewFanout(webhook, email Notifier, policy retry.Policy, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{webhook: webhook, email: email, policy: policy, logger: logger}
}

type delivery struct {
	notifier Notifier
	target   string
}

// Dispatch sends event to the audience and reports per-delivery results.
func (f *Fanout) Dispatch(ctx context.Context, event model.BreachEvent, audience Audience) Outcome {
	var deliveries []delivery
	if f.webhook != nil && audience.WebhookURL != "" {
		deliveries = append(deliveries, delivery{f.webhook, audience.WebhookURL})
	}
	if f.email != nil {
		for _, addr := range audience.Emails {
			if addr != "" {
				deliveries = append(deliveries, delivery{f.email, addr})
			}
		}
	}

	results := make([]ChannelResult, len(deliveries))
	var g errgroup.Group
	for i, d := range deliveries {
		g.Go(func() error {
			id, err := retry.Do(ctx, f.policy, func(ctx context.Context) (string, error) {
				return d.notifier.Notify(ctx, d.target, event)
			})
			results[i] = ChannelResult{Channel: d.notifier.Name(), Target: d.target, MessageID: id, Err: err}
			if err != nil {
				f.logger.Warn("alert delivery failed",
					"channel", d.notifier.Name(), "rule", event.RuleID, "project", event.ProjectID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Outcome{Results: results}
}
