// Package collector pulls cost and usage data for every active organization
// credential of a tenant and maps it onto internal projects.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/billing"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/credentials"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

// CredentialAccess lists and opens organization credentials.
type CredentialAccess interface {
	Active(ctx context.Context, tenantID, provider string) ([]model.OrganizationCredential, error)
	Open(ctx context.Context, cred model.OrganizationCredential) (string, error)
	StillActive(ctx context.Context, id string) (bool, error)
}

// ProjectLookup resolves the internal projects of a provider organization.
type ProjectLookup interface {
	ProjectsForOrganization(ctx context.Context, tenantID, provider, organizationID string) ([]model.Project, error)
}

// Options tunes collection.
type Options struct {
	// MaxPages caps pages fetched per endpoint per organization.
	MaxPages int
	// InterOrgDelay is the minimum spacing between organizations.
	InterOrgDelay time.Duration
	// Retry applies to every page request.
	Retry retry.Policy
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxPages:      50,
		InterOrgDelay: 500 * time.Millisecond,
		Retry:         retry.DefaultPolicy,
	}
}

// Failure records an organization whose collection was abandoned.
type Failure struct {
	CredentialID   string
	OrganizationID string
	Err            error
}

// Result is the outcome of one tenant/provider collection.
type Result struct {
	Costs []model.CostRecord
	Usage []model.TokenUsageRecord

	// Organizations counts credentials attempted.
	Organizations int
	Succeeded     int
	// Skipped counts organizations with no linked projects or disabled before opening.
	Skipped  int
	Failures []Failure
	// Dropped counts lines whose provider project is not linked to any internal project.
	Dropped int
}

// AllFailed reports whether every attempted organization failed.
func (r *Result) AllFailed() bool {
	return r.Organizations > 0 && len(r.Failures) == r.Organizations
}

// Collector fetches billing data organization by organization.
type Collector struct {
	creds    CredentialAccess
	projects ProjectLookup
	sources  *billing.Registry
	opts     Options
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a collector.
func New(creds CredentialAccess, projects ProjectLookup, sources *billing.Registry, opts Options, logger *slog.Logger) *Collector {
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultOptions().MaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.InterOrgDelay > 0 {
		limit = rate.Every(opts.InterOrgDelay)
	}
	return &Collector{
		creds:    creds,
		projects: projects,
		sources:  sources,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// DayWindow returns the UTC calendar day containing t.
func DayWindow(t time.Time) billing.Window {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return billing.Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// LookbackWindow covers the days full UTC days before now's day.
func LookbackWindow(now time.Time, days int) billing.Window {
	if days < 1 {
		days = 1
	}
	today := DayWindow(now).Start
	return billing.Window{Start: today.AddDate(0, 0, -days), End: today}
}

// Collect gathers costs and usage for every active credential of tenantID at provider.
// Organization-level failures are recorded in the result; only errors that stop the
// whole collection (listing credentials, cancellation) are returned.
func (c *Collector) Collect(ctx context.Context, tenantID, provider string, w billing.Window) (*Result, error) {
	src, err := c.sources.Get(provider)
	if err != nil {
		return nil, err
	}

	creds, err := c.creds.Active(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	seenCost := make(map[model.RecordKey]struct{})
	seenUsage := make(map[model.RecordKey]struct{})

	for _, cred := range creds {
		if err := c.limiter.Wait(ctx); err != nil {
			return res, err
		}
		res.Organizations++

		logger := c.logger.With("tenant", tenantID, "provider", provider,
			"organization", cred.OrganizationID, "credential", cred.ID)

		org, err := c.collectOrganization(ctx, logger, tenantID, src, cred, w)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch {
		case err != nil:
			logger.Error("organization collection failed", "error", err)
			res.Failures = append(res.Failures, Failure{CredentialID: cred.ID, OrganizationID: cred.OrganizationID, Err: err})
			continue
		case org.skipped:
			res.Skipped++
			continue
		}

		res.Succeeded++
		res.Dropped += org.dropped
		for _, r := range org.costs {
			if _, dup := seenCost[r.Key()]; dup {
				continue
			}
			seenCost[r.Key()] = struct{}{}
			res.Costs = append(res.Costs, r)
		}
		for _, r := range org.usage {
			if _, dup := seenUsage[r.Key()]; dup {
				continue
			}
			seenUsage[r.Key()] = struct{}{}
			res.Usage = append(res.Usage, r)
		}
		logger.Info("organization collected", "costs", len(org.costs), "usage", len(org.usage), "dropped", org.dropped)
	}

	return res, nil
}

type orgResult struct {
	costs   []model.CostRecord
	usage   []model.TokenUsageRecord
	dropped int
	skipped bool
}

func (c *Collector) collectOrganization(ctx context.Context, logger *slog.Logger, tenantID string, src billing.Source, cred model.OrganizationCredential, w billing.Window) (*orgResult, error) {
	secret, err := c.creds.Open(ctx, cred)
	if errors.Is(err, credentials.ErrInactive) {
		logger.Info("credential disabled before collection, skipping")
		return &orgResult{skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}

	projects, err := c.projects.ProjectsForOrganization(ctx, tenantID, src.Provider(), cred.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("resolve projects: %w", err)
	}
	byProviderID := make(map[string]string, len(projects))
	for _, p := range projects {
		if p.ProviderProjectID != nil && *p.ProviderProjectID != "" {
			byProviderID[*p.ProviderProjectID] = p.ID
		}
	}
	if len(byProviderID) == 0 {
		logger.Info("no linked projects for organization, skipping")
		return &orgResult{skipped: true}, nil
	}

	p := &pager{c: c, logger: logger, credID: cred.ID}
	out := &orgResult{}

	costLines, err := collectPages(ctx, p, "costs", func(ctx context.Context, cursor string) ([]billing.CostLine, string, error) {
		page, err := src.FetchCosts(ctx, secret, w, cursor)
		if err != nil {
			return nil, "", err
		}
		return page.Lines, page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}

	var usageLines []billing.UsageLine
	if !p.deactivated {
		usageLines, err = collectPages(ctx, p, "usage", func(ctx context.Context, cursor string) ([]billing.UsageLine, string, error) {
			page, err := src.FetchUsage(ctx, secret, w, cursor)
			if err != nil {
				return nil, "", err
			}
			return page.Lines, page.NextCursor, nil
		})
		if err != nil {
			return nil, err
		}
	}

	unknown := make(map[string]int)
	for _, l := range costLines {
		projectID, ok := byProviderID[l.ProviderProjectID]
		if !ok {
			unknown[l.ProviderProjectID]++
			continue
		}
		out.costs = append(out.costs, model.CostRecord{
			ProjectID:         projectID,
			Provider:          src.Provider(),
			LineItem:          l.LineItem,
			Amount:            l.Amount,
			Currency:          l.Currency,
			BucketStart:       l.BucketStart,
			BucketEnd:         l.BucketEnd,
			APIVersion:        src.APIVersion(),
			OrganizationID:    cred.OrganizationID,
			ProviderProjectID: l.ProviderProjectID,
		})
	}
	for _, l := range usageLines {
		projectID, ok := byProviderID[l.ProviderProjectID]
		if !ok {
			unknown[l.ProviderProjectID]++
			continue
		}
		out.usage = append(out.usage, model.TokenUsageRecord{
			ProjectID:         projectID,
			Provider:          src.Provider(),
			Model:             l.Model,
			BucketStart:       l.BucketStart,
			BucketEnd:         l.BucketEnd,
			APIVersion:        src.APIVersion(),
			InputTokens:       l.InputTokens,
			CachedInputTokens: l.CachedInputTokens,
			OutputTokens:      l.OutputTokens,
			InputAudioTokens:  l.InputAudioTokens,
			OutputAudioTokens: l.OutputAudioTokens,
			InputImageTokens:  l.InputImageTokens,
			Requests:          l.Requests,
			OrganizationID:    cred.OrganizationID,
			ProviderProjectID: l.ProviderProjectID,
		})
	}
	for id, n := range unknown {
		logger.Warn("dropping lines for unlinked provider project", "provider_project", id, "lines", n)
		out.dropped += n
	}
	return out, nil
}

type pageOf[T any] struct {
	lines []T
	next  string
}

type pager struct {
	c           *Collector
	logger      *slog.Logger
	credID      string
	fetched     int
	deactivated bool
}

// collectPages follows cursors until the last page or MaxPages. Before every page
// but the organization's first, the credential is re-checked; if it was disabled,
// lines fetched so far are kept.
func collectPages[T any](ctx context.Context, p *pager, endpoint string, fetch func(ctx context.Context, cursor string) ([]T, string, error)) ([]T, error) {
	var lines []T
	cursor := ""
	for n := 0; n < p.c.opts.MaxPages; n++ {
		if p.fetched > 0 {
			active, err := p.c.creds.StillActive(ctx, p.credID)
			if err != nil {
				return nil, err
			}
			if !active {
				p.logger.Warn("credential disabled mid-collection, stopping pagination", "endpoint", endpoint, "pages", n)
				p.deactivated = true
				return lines, nil
			}
		}

		pg, err := retry.Do(ctx, p.c.opts.Retry, func(ctx context.Context) (pageOf[T], error) {
			l, next, err := fetch(ctx, cursor)
			return pageOf[T]{lines: l, next: next}, err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", endpoint, n+1, err)
		}
		p.fetched++
		lines = append(lines, pg.lines...)
		if pg.next == "" {
			return lines, nil
		}
		cursor = pg.next
	}
	p.logger.Warn("page ceiling reached, remaining pages not fetched", "endpoint", endpoint, "max_pages", p.c.opts.MaxPages)
	return lines, nil
}
