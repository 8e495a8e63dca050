package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// Usage without a workspace belongs to the organization's default workspace.
	AnthropicDefaultWorkspace = "default"
)

// Anthropic reads the Admin API cost and usage reports.
type Anthropic struct {
	baseURL string
	client  *http.Client
}

// NewAnthropic creates an Anthropic billing source. An empty baseURL uses the public API.
func NewAnthropic(baseURL string, client *http.Client) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	if client == nil {
		client = defaultClient()
	}
	return &Anthropic{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *Anthropic) Provider() string   { return "anthropic" }
func (a *Anthropic) APIVersion() string { return "anthropic-" + anthropicVersion }

type anthropicPage[T any] struct {
	Data []struct {
		StartingAt string `json:"starting_at"`
		EndingAt   string `json:"ending_at"`
		Results    []T    `json:"results"`
	} `json:"data"`
	HasMore  bool    `json:"has_more"`
	NextPage *string `json:"next_page"`
}

type anthropicCostResult struct {
	Currency    string  `json:"currency"`
	Amount      string  `json:"amount"`
	WorkspaceID *string `json:"workspace_id"`
	Description *string `json:"description"`
	CostType    *string `json:"cost_type"`
	Model       *string `json:"model"`
}

type anthropicUsageResult struct {
	UncachedInputTokens int64 `json:"uncached_input_tokens"`
	CacheCreation       struct {
		Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
		Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
	} `json:"cache_creation"`
	CacheReadInputTokens int64   `json:"cache_read_input_tokens"`
	OutputTokens         int64   `json:"output_tokens"`
	WorkspaceID          *string `json:"workspace_id"`
	Model                *string `json:"model"`
}

func (a *Anthropic) FetchCosts(ctx context.Context, secret string, w Window, cursor string) (*CostPage, error) {
	var page anthropicPage[anthropicCostResult]
	if err := a.get(ctx, secret, "/v1/organizations/cost_report", w, cursor, []string{"workspace_id", "description"}, &page); err != nil {
		return nil, fmt.Errorf("anthropic costs: %w", err)
	}

	out := &CostPage{}
	for _, bucket := range page.Data {
		start, end, err := parseBucket(bucket.StartingAt, bucket.EndingAt)
		if err != nil {
			return nil, fmt.Errorf("anthropic costs: %w", err)
		}
		for _, r := range bucket.Results {
			cents, err := strconv.ParseFloat(r.Amount, 64)
			if err != nil {
				return nil, fmt.Errorf("anthropic costs: parse amount %q: %w", r.Amount, err)
			}
			out.Lines = append(out.Lines, CostLine{
				ProviderProjectID: workspace(r.WorkspaceID),
				LineItem:          anthropicLineItem(r),
				Amount:            cents / 100,
				Currency:          strings.ToLower(r.Currency),
				BucketStart:       start,
				BucketEnd:         end,
			})
		}
	}
	if page.HasMore && page.NextPage != nil {
		out.NextCursor = *page.NextPage
	}
	return out, nil
}

func (a *Anthropic) FetchUsage(ctx context.Context, secret string, w Window, cursor string) (*UsagePage, error) {
	var page anthropicPage[anthropicUsageResult]
	if err := a.get(ctx, secret, "/v1/organizations/usage_report/messages", w, cursor, []string{"workspace_id", "model"}, &page); err != nil {
		return nil, fmt.Errorf("anthropic usage: %w", err)
	}

	out := &UsagePage{}
	for _, bucket := range page.Data {
		start, end, err := parseBucket(bucket.StartingAt, bucket.EndingAt)
		if err != nil {
			return nil, fmt.Errorf("anthropic usage: %w", err)
		}
		for _, r := range bucket.Results {
			out.Lines = append(out.Lines, UsageLine{
				ProviderProjectID: workspace(r.WorkspaceID),
				Model:             deref(r.Model),
				BucketStart:       start,
				BucketEnd:         end,
				InputTokens: r.UncachedInputTokens + r.CacheReadInputTokens +
					r.CacheCreation.Ephemeral1hInputTokens + r.CacheCreation.Ephemeral5mInputTokens,
				CachedInputTokens: r.CacheReadInputTokens,
				OutputTokens:      r.OutputTokens,
			})
		}
	}
	if page.HasMore && page.NextPage != nil {
		out.NextCursor = *page.NextPage
	}
	return out, nil
}

func (a *Anthropic) get(ctx context.Context, secret, path string, w Window, cursor string, groupBy []string, out any) error {
	q := url.Values{}
	q.Set("starting_at", w.Start.UTC().Format(time.RFC3339))
	q.Set("ending_at", w.End.UTC().Format(time.RFC3339))
	q.Set("bucket_width", "1d")
	for _, g := range groupBy {
		q.Add("group_by[]", g)
	}
	if cursor != "" {
		q.Set("page", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", secret)
	req.Header.Set("anthropic-version", anthropicVersion)
	return doJSON(a.client, req, out)
}

func anthropicLineItem(r anthropicCostResult) string {
	if d := deref(r.Description); d != "" {
		return d
	}
	parts := []string{deref(r.CostType), deref(r.Model)}
	return strings.Trim(strings.Join(parts, ":"), ":")
}

func workspace(id *string) string {
	if id == nil || *id == "" {
		return AnthropicDefaultWorkspace
	}
	return *id
}

func parseBucket(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse bucket start %q: %w", start, err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse bucket end %q: %w", end, err)
	}
	return s.UTC(), e.UTC(), nil
}
