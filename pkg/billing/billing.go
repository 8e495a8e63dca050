// Package billing fetches cost and token usage reports from AI provider admin APIs
// and normalizes them into provider-neutral lines.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// CostLine is one cost amount for a provider project, line item and bucket.
type CostLine struct {
	ProviderProjectID string
	LineItem          string
	Amount            float64
	Currency          string
	BucketStart       time.Time
	BucketEnd         time.Time
}

// UsageLine is one token usage row for a provider project, model and bucket.
type UsageLine struct {
	ProviderProjectID string
	Model             string
	BucketStart       time.Time
	BucketEnd         time.Time
	// InputTokens includes CachedInputTokens.
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
	InputAudioTokens  int64
	OutputAudioTokens int64
	InputImageTokens  int64
	Requests          int64
}

// CostPage is one page of cost lines. An empty NextCursor means the last page.
type CostPage struct {
	Lines      []CostLine
	NextCursor string
}

// UsagePage is one page of usage lines.
type UsagePage struct {
	Lines      []UsageLine
	NextCursor string
}

// Source is a provider's billing API. Implementations do not retry; callers wrap
// each page in retry.Do. Errors are classified for retry.IsTransient.
type Source interface {
	// Provider returns the provider identifier ("openai", "anthropic").
	Provider() string

	// APIVersion tags stored records so schema changes upstream never collide.
	APIVersion() string

	FetchCosts(ctx context.Context, secret string, w Window, cursor string) (*CostPage, error)
	FetchUsage(ctx context.Context, secret string, w Window, cursor string) (*UsagePage, error)
}

// Registry holds the configured sources by provider.
type Registry struct {
	sources map[string]Source
	order   []string
}

// NewRegistry registers sources in the given order.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if _, exists := r.sources[s.Provider()]; exists {
			continue
		}
		r.sources[s.Provider()] = s
		r.order = append(r.order, s.Provider())
	}
	return r
}

// Get returns the source for provider.
func (r *Registry) Get(provider string) (Source, error) {
	s, ok := r.sources[provider]
	if !ok {
		return nil, fmt.Errorf("billing source %q not configured", provider)
	}
	return s, nil
}

// Providers returns registered provider names in registration order.
func (r *Registry) Providers() []string {
	return append([]string(nil), r.order...)
}

// doJSON sends req and decodes a 200 response into out.
// Transport failures and 5xx/429 come back transient; other statuses are permanent.
func doJSON(client *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return retry.Transient(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return retry.Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, retry.StatusError(resp.StatusCode, body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
