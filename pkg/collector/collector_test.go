package collector_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/billing"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/collector"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/credentials"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/envelope"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

var day = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

type fakeCreds struct {
	mu       sync.Mutex
	creds    []model.OrganizationCredential
	inactive map[string]bool
	openErr  map[string]error
	// deactivateAfter disables a credential after this many StillActive checks.
	deactivateAfter map[string]int
	checks          map[string]int
}

func (f *fakeCreds) Active(_ context.Context, _, _ string) ([]model.OrganizationCredential, error) {
	return f.creds, nil
}

func (f *fakeCreds) Open(_ context.Context, c model.OrganizationCredential) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inactive[c.ID] {
		return "", credentials.ErrInactive
	}
	if err := f.openErr[c.ID]; err != nil {
		return "", err
	}
	return "secret-" + c.OrganizationID, nil
}

func (f *fakeCreds) StillActive(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checks == nil {
		f.checks = map[string]int{}
	}
	f.checks[id]++
	if n, ok := f.deactivateAfter[id]; ok && f.checks[id] > n {
		return false, nil
	}
	return !f.inactive[id], nil
}

type fakeProjects map[string][]model.Project

func (f fakeProjects) ProjectsForOrganization(_ context.Context, _, _, orgID string) ([]model.Project, error) {
	return f[orgID], nil
}

// fakeSource serves pages keyed by secret. Page i of an organization is costPages[secret][i].
type fakeSource struct {
	mu         sync.Mutex
	costPages  map[string][][]billing.CostLine
	usagePages map[string][][]billing.UsageLine
	costErr    map[string][]error
	endless    bool
	costCalls  map[string]int
	usageCalls map[string]int
}

func (f *fakeSource) Provider() string   { return "openai" }
func (f *fakeSource) APIVersion() string { return "test-v1" }

func (f *fakeSource) FetchCosts(_ context.Context, secret string, _ billing.Window, cursor string) (*billing.CostPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.costCalls == nil {
		f.costCalls = map[string]int{}
	}
	call := f.costCalls[secret]
	f.costCalls[secret]++
	if errs := f.costErr[secret]; call < len(errs) && errs[call] != nil {
		return nil, errs[call]
	}

	idx := pageIndex(cursor)
	if f.endless {
		return &billing.CostPage{NextCursor: fmt.Sprintf("p%d", idx+1)}, nil
	}
	pages := f.costPages[secret]
	if idx >= len(pages) {
		return &billing.CostPage{}, nil
	}
	out := &billing.CostPage{Lines: pages[idx]}
	if idx+1 < len(pages) {
		out.NextCursor = fmt.Sprintf("p%d", idx+1)
	}
	return out, nil
}

func (f *fakeSource) FetchUsage(_ context.Context, secret string, _ billing.Window, cursor string) (*billing.UsagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageCalls == nil {
		f.usageCalls = map[string]int{}
	}
	f.usageCalls[secret]++
	idx := pageIndex(cursor)
	pages := f.usagePages[secret]
	if idx >= len(pages) {
		return &billing.UsagePage{}, nil
	}
	out := &billing.UsagePage{Lines: pages[idx]}
	if idx+1 < len(pages) {
		out.NextCursor = fmt.Sprintf("p%d", idx+1)
	}
	return out, nil
}

func pageIndex(cursor string) int {
	if cursor == "" {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(cursor, "p%d", &n)
	return n
}

func cost(ppid, item string, amount float64) billing.CostLine {
	return billing.CostLine{ProviderProjectID: ppid, LineItem: item, Amount: amount, Currency: "usd",
		BucketStart: day, BucketEnd: day.Add(24 * time.Hour)}
}

func linked(id, orgID, ppid string) model.Project {
	return model.Project{ID: id, TenantID: "t1", Provider: "openai", OrganizationID: orgID, ProviderProjectID: &ppid}
}

func cred(id, orgID string) model.OrganizationCredential {
	return model.OrganizationCredential{ID: id, TenantID: "t1", Provider: "openai", OrganizationID: orgID, IsActive: true}
}

func newCollector(creds collector.CredentialAccess, projects collector.ProjectLookup, src billing.Source, maxPages int) *collector.Collector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return collector.New(creds, projects, billing.NewRegistry(src), collector.Options{
		MaxPages: maxPages,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, logger)
}

func TestCollect_PartialOrganizationFailure(t *testing.T) {
	creds := &fakeCreds{
		creds:   []model.OrganizationCredential{cred("c1", "org-1"), cred("c2", "org-2"), cred("c3", "org-3")},
		openErr: map[string]error{"c3": fmt.Errorf("decrypt: %w", envelope.ErrIntegrity)},
	}
	projects := fakeProjects{
		"org-1": {linked("p1", "org-1", "proj_1")},
		"org-2": {linked("p2", "org-2", "proj_2")},
		"org-3": {linked("p3", "org-3", "proj_3")},
	}
	src := &fakeSource{
		costPages: map[string][][]billing.CostLine{
			"secret-org-2": {{cost("proj_2", "gpt-4o, input", 3)}},
		},
		costErr: map[string][]error{
			"secret-org-1": {retry.StatusError(http.StatusUnauthorized, []byte("invalid key"))},
		},
	}

	res, err := newCollector(creds, projects, src, 10).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Organizations)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "org-1", res.Failures[0].OrganizationID)
	assert.True(t, retry.IsStatus(res.Failures[0].Err, http.StatusUnauthorized))
	assert.ErrorIs(t, res.Failures[1].Err, envelope.ErrIntegrity)
	assert.False(t, res.AllFailed())

	// The permanent 401 is not retried.
	assert.Equal(t, 1, src.costCalls["secret-org-1"])

	require.Len(t, res.Costs, 1)
	c := res.Costs[0]
	assert.Equal(t, "p2", c.ProjectID)
	assert.Equal(t, "org-2", c.OrganizationID)
	assert.Equal(t, "proj_2", c.ProviderProjectID)
	assert.Equal(t, "test-v1", c.APIVersion)
}

func TestCollect_AllFailed(t *testing.T) {
	creds := &fakeCreds{
		creds:   []model.OrganizationCredential{cred("c1", "org-1")},
		openErr: map[string]error{"c1": envelope.ErrKeyService},
	}
	res, err := newCollector(creds, fakeProjects{}, &fakeSource{}, 10).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)
	assert.True(t, res.AllFailed())
}

func TestCollect_DropsUnknownProviderProjects(t *testing.T) {
	creds := &fakeCreds{creds: []model.OrganizationCredential{cred("c1", "org-1")}}
	projects := fakeProjects{"org-1": {linked("p1", "org-1", "proj_1")}}
	src := &fakeSource{
		costPages: map[string][][]billing.CostLine{
			"secret-org-1": {{cost("proj_1", "a", 1), cost("proj_unknown", "a", 5), cost("", "b", 2)}},
		},
		usagePages: map[string][][]billing.UsageLine{
			"secret-org-1": {{
				{ProviderProjectID: "proj_1", Model: "gpt-4o", BucketStart: day, BucketEnd: day.Add(24 * time.Hour), InputTokens: 10},
				{ProviderProjectID: "proj_unknown", Model: "gpt-4o", BucketStart: day, BucketEnd: day.Add(24 * time.Hour)},
			}},
		},
	}

	res, err := newCollector(creds, projects, src, 10).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)
	require.Len(t, res.Costs, 1)
	assert.Equal(t, "p1", res.Costs[0].ProjectID)
	require.Len(t, res.Usage, 1)
	assert.Equal(t, int64(10), res.Usage[0].InputTokens)
	assert.Equal(t, 3, res.Dropped)
}

func TestCollect_PageCeiling(t *testing.T) {
	creds := &fakeCreds{creds: []model.OrganizationCredential{cred("c1", "org-1")}}
	projects := fakeProjects{"org-1": {linked("p1", "org-1", "proj_1")}}
	src := &fakeSource{endless: true}

	res, err := newCollector(creds, projects, src, 3).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)
	assert.Equal(t, 3, src.costCalls["secret-org-1"])
	assert.Equal(t, 1, res.Succeeded)
}

func TestCollect_DisabledMidRunKeepsFetchedPages(t *testing.T) {
	creds := &fakeCreds{
		creds:           []model.OrganizationCredential{cred("c1", "org-1")},
		deactivateAfter: map[string]int{"c1": 1},
	}
	projects := fakeProjects{"org-1": {linked("p1", "org-1", "proj_1")}}
	src := &fakeSource{
		costPages: map[string][][]billing.CostLine{
			"secret-org-1": {
				{cost("proj_1", "page-1", 1)},
				{cost("proj_1", "page-2", 1)},
				{cost("proj_1", "page-3", 1)},
			},
		},
	}

	res, err := newCollector(creds, projects, src, 10).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)

	// Page 2 passed the first re-check; the second re-check saw the credential disabled.
	require.Len(t, res.Costs, 2)
	assert.Equal(t, "page-1", res.Costs[0].LineItem)
	assert.Equal(t, "page-2", res.Costs[1].LineItem)
	assert.Equal(t, 2, src.costCalls["secret-org-1"])
	assert.Zero(t, src.usageCalls["secret-org-1"])
	assert.Equal(t, 1, res.Succeeded)
}

func TestCollect_SkipsInactiveAndUnlinked(t *testing.T) {
	creds := &fakeCreds{
		creds:    []model.OrganizationCredential{cred("c1", "org-1"), cred("c2", "org-2")},
		inactive: map[string]bool{"c1": true},
	}
	projects := fakeProjects{"org-2": {{ID: "p2", OrganizationID: "org-2"}}}
	src := &fakeSource{}

	res, err := newCollector(creds, projects, src, 10).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Succeeded)
	assert.Empty(t, res.Failures)
	assert.Empty(t, src.costCalls)
}

func TestCollect_DeduplicatesWithinRun(t *testing.T) {
	creds := &fakeCreds{creds: []model.OrganizationCredential{cred("c1", "org-1")}}
	projects := fakeProjects{"org-1": {linked("p1", "org-1", "proj_1")}}
	src := &fakeSource{
		costPages: map[string][][]billing.CostLine{
			"secret-org-1": {{cost("proj_1", "a", 1)}, {cost("proj_1", "a", 1), cost("proj_1", "b", 2)}},
		},
	}

	res, err := newCollector(creds, projects, src, 10).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)
	assert.Len(t, res.Costs, 2)
}

func TestCollect_RetriesTransientPageErrors(t *testing.T) {
	creds := &fakeCreds{creds: []model.OrganizationCredential{cred("c1", "org-1")}}
	projects := fakeProjects{"org-1": {linked("p1", "org-1", "proj_1")}}
	src := &fakeSource{
		costPages: map[string][][]billing.CostLine{"secret-org-1": {{cost("proj_1", "a", 1)}}},
		costErr: map[string][]error{"secret-org-1": {
			retry.StatusError(http.StatusServiceUnavailable, nil),
			retry.StatusError(http.StatusTooManyRequests, nil),
		}},
	}

	res, err := newCollector(creds, projects, src, 10).Collect(context.Background(), "t1", "openai", collector.DayWindow(day))
	require.NoError(t, err)
	assert.Equal(t, 3, src.costCalls["secret-org-1"])
	assert.Len(t, res.Costs, 1)
}

func TestCollect_UnknownProvider(t *testing.T) {
	_, err := newCollector(&fakeCreds{}, fakeProjects{}, &fakeSource{}, 10).Collect(context.Background(), "t1", "gemini", collector.DayWindow(day))
	assert.Error(t, err)
}

func TestLookbackWindow(t *testing.T) {
	now := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
	w := collector.LookbackWindow(now, 1)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), w.End)

	w = collector.LookbackWindow(now, 3)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), w.Start)
}
