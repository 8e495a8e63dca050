// Package monitor evaluates alert rules against collected spend and dispatches
// breach notifications.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/alerts"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// DefaultCooldown is the minimum gap between two notifications for one rule.
const DefaultCooldown = time.Hour

// Store is the persistence the monitor reads and updates.
type Store interface {
	ListRules(ctx context.Context) ([]model.AlertRule, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	GetTeam(ctx context.Context, id string) (*model.Team, error)
	SumCost(ctx context.Context, projectID string, start, end time.Time) (float64, error)
	MarkRuleFired(ctx context.Context, id string, at time.Time) error
}

// Dispatcher delivers a breach to an audience.
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.BreachEvent, audience alerts.Audience) alerts.Outcome
}

// Options tunes the monitor.
type Options struct {
	Cooldown time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Summary describes one monitoring pass.
type Summary struct {
	Rules        int           `json:"rules"`
	Evaluated    int           `json:"evaluated"`
	Throttled    int           `json:"throttled"`
	Breaches     int           `json:"breaches"`
	AlertsSent   int           `json:"alerts_sent"`
	AlertsFailed int           `json:"alerts_failed"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
}

// Monitor checks every rule once per Run.
type Monitor struct {
	store      Store
	dispatcher Dispatcher
	cooldown   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a monitor.
func New(store Store, dispatcher Dispatcher, opts Options, logger *slog.Logger) *Monitor {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:      store,
		dispatcher: dispatcher,
		cooldown:   opts.Cooldown,
		now:        opts.Now,
		logger:     logger,
	}
}

// run caches lookups shared by rules within one pass.
type run struct {
	projects  map[string]*model.Project
	tenants   map[string]*model.Tenant
	teams     map[string]*model.Team
	locations map[string]*time.Location
}

// Run evaluates all rules. A failing rule is logged and counted; it never
// stops the others. Only a failure to list rules is returned.
func (m *Monitor) Run(ctx context.Context) (*Summary, error) {
	start := m.now()
	rules, err := m.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	sum := &Summary{Rules: len(rules)}
	r := &run{
		projects:  make(map[string]*model.Project),
		tenants:   make(map[string]*model.Tenant),
		teams:     make(map[string]*model.Team),
		locations: make(map[string]*time.Location),
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := m.checkRule(ctx, r, rule, sum); err != nil {
			sum.Errors++
			m.logger.Error("rule evaluation failed", "rule", rule.ID, "project", rule.ProjectID, "error", err)
		}
	}

	sum.Duration = m.now().Sub(start)
	m.logger.Info("threshold check complete",
		"rules", sum.Rules,
		"breaches", sum.Breaches,
		"throttled", sum.Throttled,
		"alerts_sent", sum.AlertsSent,
		"alerts_failed", sum.AlertsFailed,
	)
	return sum, nil
}

func (m *Monitor) checkRule(ctx context.Context, r *run, rule model.AlertRule, sum *Summary) error {
	now := m.now()
	if rule.LastFiredAt != nil && now.Sub(*rule.LastFiredAt) < m.cooldown {
		sum.Throttled++
		return nil
	}
	if rule.LimitValue <= 0 {
		return model.ErrInvalidLimit
	}

	project, err := r.project(ctx, m.store, rule.ProjectID)
	if err != nil {
		return err
	}
	tenant, err := r.tenant(ctx, m.store, project.TenantID)
	if err != nil {
		return err
	}

	windowStart, windowEnd := model.RuleWindow(rule.Window, now, r.location(tenant, m.logger))
	amount, err := m.store.SumCost(ctx, rule.ProjectID, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("sum cost: %w", err)
	}
	sum.Evaluated++

	if amount <= rule.LimitValue {
		return nil
	}

	event := model.NewBreachEvent(rule, amount, windowStart, now)
	event.ProjectName = project.Name
	sum.Breaches++

	m.logger.Warn("spend limit exceeded",
		"rule", rule.ID,
		"project", project.Name,
		"window", rule.Window,
		"amount", amount,
		"limit", rule.LimitValue,
		"over_pct", event.ExceedancePercent,
	)

	audience, err := r.audience(ctx, m.store, project)
	if err != nil {
		return err
	}

	outcome := m.dispatcher.Dispatch(ctx, event, audience)
	sum.AlertsSent += outcome.Succeeded()
	sum.AlertsFailed += outcome.Failed()

	if !outcome.AnySucceeded() {
		m.logger.Warn("no alert delivered, rule stays eligible", "rule", rule.ID, "deliveries", len(outcome.Results))
		return nil
	}
	if err := m.store.MarkRuleFired(ctx, rule.ID, now); err != nil {
		return fmt.Errorf("mark rule fired: %w", err)
	}
	return nil
}

func (r *run) project(ctx context.Context, s Store, id string) (*model.Project, error) {
	if p, ok := r.projects[id]; ok {
		return p, nil
	}
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	r.projects[id] = p
	return p, nil
}

func (r *run) tenant(ctx context.Context, s Store, id string) (*model.Tenant, error) {
	if t, ok := r.tenants[id]; ok {
		return t, nil
	}
	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	r.tenants[id] = t
	return t, nil
}

// location resolves a tenant's zone once per pass. An unknown zone is
// evaluated in UTC and reported.
func (r *run) location(t *model.Tenant, logger *slog.Logger) *time.Location {
	if loc, ok := r.locations[t.ID]; ok {
		return loc
	}
	loc, err := t.LoadLocation()
	if err != nil {
		logger.Warn("unknown tenant time zone, using UTC", "tenant", t.ID, "timezone", t.Timezone, "error", err)
	}
	r.locations[t.ID] = loc
	return loc
}

// audience resolves the project's team into delivery targets. A project
// without a team has an empty audience.
func (r *run) audience(ctx context.Context, s Store, p *model.Project) (alerts.Audience, error) {
	if p.TeamID == "" {
		return alerts.Audience{}, nil
	}
	team, ok := r.teams[p.TeamID]
	if !ok {
		var err error
		team, err = s.GetTeam(ctx, p.TeamID)
		if errors.Is(err, model.ErrNotFound) {
			return alerts.Audience{}, nil
		}
		if err != nil {
			return alerts.Audience{}, fmt.Errorf("get team: %w", err)
		}
		r.teams[p.TeamID] = team
	}

	audience := alerts.Audience{WebhookURL: team.WebhookURL}
	for _, member := range team.Members {
		if member.Email != "" {
			audience.Emails = append(audience.Emails, member.Email)
		}
	}
	return audience, nil
}
