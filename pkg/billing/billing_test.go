package billing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/billing"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

var window = billing.Window{
	Start: time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
}

func TestOpenAI_FetchCosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/organization/costs", r.URL.Path)
		assert.Equal(t, "Bearer sk-admin", r.Header.Get("Authorization"))
		assert.Equal(t, "1792281600", r.URL.Query().Get("start_time"))
		assert.Equal(t, []string{"line_item", "project_id"}, r.URL.Query()["group_by"])

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "" {
			_, _ = w.Write([]byte(`{
				"object": "page",
				"data": [{"object": "bucket", "start_time": 1792281600, "end_time": 1792368000, "results": [
					{"object": "organization.costs.result", "amount": {"value": 1.5, "currency": "usd"}, "line_item": "gpt-4o, input", "project_id": "proj_a"},
					{"object": "organization.costs.result", "amount": {"value": 0.25, "currency": "USD"}, "line_item": "gpt-4o, output", "project_id": null}
				]}],
				"has_more": true,
				"next_page": "page_2"
			}`))
			return
		}
		assert.Equal(t, "page_2", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"object": "page", "data": [], "has_more": false, "next_page": null}`))
	}))
	defer srv.Close()

	src := billing.NewOpenAI(srv.URL, srv.Client())
	page, err := src.FetchCosts(context.Background(), "sk-admin", window, "")
	require.NoError(t, err)
	require.Len(t, page.Lines, 2)
	assert.Equal(t, "page_2", page.NextCursor)

	first := page.Lines[0]
	assert.Equal(t, "proj_a", first.ProviderProjectID)
	assert.Equal(t, "gpt-4o, input", first.LineItem)
	assert.InDelta(t, 1.5, first.Amount, 1e-9)
	assert.True(t, window.Start.Equal(first.BucketStart))
	assert.True(t, window.End.Equal(first.BucketEnd))
	assert.Equal(t, "", page.Lines[1].ProviderProjectID)
	assert.Equal(t, "usd", page.Lines[1].Currency)

	page, err = src.FetchCosts(context.Background(), "sk-admin", window, "page_2")
	require.NoError(t, err)
	assert.Empty(t, page.Lines)
	assert.Empty(t, page.NextCursor)
}

func TestOpenAI_FetchUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/organization/usage/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"data": [{"start_time": 1792281600, "end_time": 1792368000, "results": [
				{"input_tokens": 1000, "output_tokens": 200, "input_cached_tokens": 300, "input_audio_tokens": 5,
				 "output_audio_tokens": 6, "num_model_requests": 12, "project_id": "proj_a", "model": "gpt-4o-2024-08-06"}
			]}],
			"has_more": false
		}`))
	}))
	defer srv.Close()

	page, err := billing.NewOpenAI(srv.URL, srv.Client()).FetchUsage(context.Background(), "sk", window, "")
	require.NoError(t, err)
	require.Len(t, page.Lines, 1)
	u := page.Lines[0]
	assert.Equal(t, "gpt-4o-2024-08-06", u.Model)
	assert.Equal(t, int64(1000), u.InputTokens)
	assert.Equal(t, int64(300), u.CachedInputTokens)
	assert.Equal(t, int64(12), u.Requests)
	assert.Empty(t, page.NextCursor)
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"message": "nope"}}`))
			}))
			defer srv.Close()

			_, err := billing.NewOpenAI(srv.URL, srv.Client()).FetchCosts(context.Background(), "sk", window, "")
			require.Error(t, err)
			assert.Equal(t, tt.transient, retry.IsTransient(err))
			assert.True(t, retry.IsStatus(err, tt.status))
		})
	}
}

func TestOpenAI_MalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": [`))
	}))
	defer srv.Close()

	_, err := billing.NewOpenAI(srv.URL, srv.Client()).FetchCosts(context.Background(), "sk", window, "")
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err))
}

func TestAnthropic_FetchCosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/organizations/cost_report", r.URL.Path)
		assert.Equal(t, "sk-ant-admin", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "2026-10-18T00:00:00Z", r.URL.Query().Get("starting_at"))
		assert.Equal(t, []string{"workspace_id", "description"}, r.URL.Query()["group_by[]"])

		_, _ = w.Write([]byte(`{
			"data": [{"starting_at": "2026-10-18T00:00:00Z", "ending_at": "2026-10-19T00:00:00Z", "results": [
				{"currency": "USD", "amount": "1234.5", "workspace_id": "wrkspc_1", "description": "Claude Sonnet 4 Usage - Input Tokens", "cost_type": "tokens", "model": "claude-sonnet-4"},
				{"currency": "USD", "amount": "50", "workspace_id": null, "description": null, "cost_type": "web_search", "model": null}
			]}],
			"has_more": true,
			"next_page": "cursor-2"
		}`))
	}))
	defer srv.Close()

	page, err := billing.NewAnthropic(srv.URL, srv.Client()).FetchCosts(context.Background(), "sk-ant-admin", window, "")
	require.NoError(t, err)
	require.Len(t, page.Lines, 2)
	assert.Equal(t, "cursor-2", page.NextCursor)

	assert.InDelta(t, 12.345, page.Lines[0].Amount, 1e-9)
	assert.Equal(t, "wrkspc_1", page.Lines[0].ProviderProjectID)
	assert.Equal(t, "Claude Sonnet 4 Usage - Input Tokens", page.Lines[0].LineItem)
	assert.Equal(t, "usd", page.Lines[0].Currency)

	assert.Equal(t, billing.AnthropicDefaultWorkspace, page.Lines[1].ProviderProjectID)
	assert.Equal(t, "web_search", page.Lines[1].LineItem)
	assert.InDelta(t, 0.5, page.Lines[1].Amount, 1e-9)
}

func TestAnthropic_FetchUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/organizations/usage_report/messages", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"data": [{"starting_at": "2026-10-18T00:00:00Z", "ending_at": "2026-10-19T00:00:00Z", "results": [
				{"uncached_input_tokens": 100, "cache_creation": {"ephemeral_1h_input_tokens": 10, "ephemeral_5m_input_tokens": 20},
				 "cache_read_input_tokens": 400, "output_tokens": 50, "workspace_id": "wrkspc_1", "model": "claude-sonnet-4"}
			]}],
			"has_more": false,
			"next_page": null
		}`))
	}))
	defer srv.Close()

	page, err := billing.NewAnthropic(srv.URL, srv.Client()).FetchUsage(context.Background(), "k", window, "")
	require.NoError(t, err)
	require.Len(t, page.Lines, 1)
	assert.Equal(t, int64(530), page.Lines[0].InputTokens)
	assert.Equal(t, int64(400), page.Lines[0].CachedInputTokens)
	assert.Equal(t, int64(50), page.Lines[0].OutputTokens)
	assert.Empty(t, page.NextCursor)
}

func TestAnthropic_BadAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": [{"starting_at": "2026-10-18T00:00:00Z", "ending_at": "2026-10-19T00:00:00Z",
			"results": [{"currency": "USD", "amount": "n/a"}]}], "has_more": false}`))
	}))
	defer srv.Close()

	_, err := billing.NewAnthropic(srv.URL, srv.Client()).FetchCosts(context.Background(), "k", window, "")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := billing.NewRegistry(billing.NewOpenAI("", nil), billing.NewAnthropic("", nil), billing.NewOpenAI("http://dup", nil))
	assert.Equal(t, []string{"openai", "anthropic"}, r.Providers())

	src, err := r.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", src.Provider())

	_, err = r.Get("gemini")
	assert.Error(t, err)
}
