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

const openAIDefaultBaseURL = "https://api.openai.com"

// OpenAI reads the organization Costs and Usage APIs with an admin key.
type OpenAI struct {
	baseURL string
	client  *http.Client
}

// NewOpenAI creates an OpenAI billing source. An empty baseURL uses the public API.
func NewOpenAI(baseURL string, client *http.Client) *OpenAI {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	if client == nil {
		client = defaultClient()
	}
	return &OpenAI{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (o *OpenAI) Provider() string   { return "openai" }
func (o *OpenAI) APIVersion() string { return "openai-2024-12" }

type openAIPage[T any] struct {
	Data []struct {
		StartTime int64 `json:"start_time"`
		EndTime   int64 `json:"end_time"`
		Results   []T   `json:"results"`
	} `json:"data"`
	HasMore  bool   `json:"has_more"`
	NextPage string `json:"next_page"`
}

type openAICostResult struct {
	Amount struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"amount"`
	LineItem  *string `json:"line_item"`
	ProjectID *string `json:"project_id"`
}

type openAIUsageResult struct {
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	InputCachedTokens int64   `json:"input_cached_tokens"`
	InputAudioTokens  int64   `json:"input_audio_tokens"`
	OutputAudioTokens int64   `json:"output_audio_tokens"`
	NumModelRequests  int64   `json:"num_model_requests"`
	ProjectID         *string `json:"project_id"`
	Model             *string `json:"model"`
}

func (o *OpenAI) FetchCosts(ctx context.Context, secret string, w Window, cursor string) (*CostPage, error) {
	var page openAIPage[openAICostResult]
	if err := o.get(ctx, secret, "/v1/organization/costs", w, cursor, []string{"line_item", "project_id"}, &page); err != nil {
		return nil, fmt.Errorf("openai costs: %w", err)
	}

	out := &CostPage{}
	for _, bucket := range page.Data {
		start, end := time.Unix(bucket.StartTime, 0).UTC(), time.Unix(bucket.EndTime, 0).UTC()
		for _, r := range bucket.Results {
			currency := r.Amount.Currency
			if currency == "" {
				currency = "usd"
			}
			out.Lines = append(out.Lines, CostLine{
				ProviderProjectID: deref(r.ProjectID),
				LineItem:          deref(r.LineItem),
				Amount:            r.Amount.Value,
				Currency:          strings.ToLower(currency),
				BucketStart:       start,
				BucketEnd:         end,
			})
		}
	}
	if page.HasMore {
		out.NextCursor = page.NextPage
	}
	return out, nil
}

func (o *OpenAI) FetchUsage(ctx context.Context, secret string, w Window, cursor string) (*UsagePage, error) {
	var page openAIPage[openAIUsageResult]
	if err := o.get(ctx, secret, "/v1/organization/usage/completions", w, cursor, []string{"project_id", "model"}, &page); err != nil {
		return nil, fmt.Errorf("openai usage: %w", err)
	}

	out := &UsagePage{}
	for _, bucket := range page.Data {
		start, end := time.Unix(bucket.StartTime, 0).UTC(), time.Unix(bucket.EndTime, 0).UTC()
		for _, r := range bucket.Results {
			out.Lines = append(out.Lines, UsageLine{
				ProviderProjectID: deref(r.ProjectID),
				Model:             deref(r.Model),
				BucketStart:       start,
				BucketEnd:         end,
				InputTokens:       r.InputTokens,
				CachedInputTokens: r.InputCachedTokens,
				OutputTokens:      r.OutputTokens,
				InputAudioTokens:  r.InputAudioTokens,
				OutputAudioTokens: r.OutputAudioTokens,
				Requests:          r.NumModelRequests,
			})
		}
	}
	if page.HasMore {
		out.NextCursor = page.NextPage
	}
	return out, nil
}

func (o *OpenAI) get(ctx context.Context, secret, path string, w Window, cursor string, groupBy []string, out any) error {
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(w.Start.Unix(), 10))
	q.Set("end_time", strconv.FormatInt(w.End.Unix(), 10))
	q.Set("bucket_width", "1d")
	q.Set("limit", "31")
	for _, g := range groupBy {
		q.Add("group_by", g)
	}
	if cursor != "" {
		q.Set("page", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	return doJSON(o.client, req, out)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
