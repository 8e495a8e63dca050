package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/pricing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	data := []byte(`
provider: test
updated: "2026-01-01"
models:
  - model: test-model
    input_per_million: 1.0
    output_per_million: 2.0
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cat, err := pricing.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cat.Provider)
	require.Len(t, cat.Models, 1)
	assert.Equal(t, "test-model", cat.Models[0].Model)
	assert.Equal(t, 1.0, cat.Models[0].InputPerMillion)
	assert.Equal(t, 2.0, cat.Models[0].OutputPerMillion)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := pricing.Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad yaml", "invalid: [yaml", "parse pricing data"},
		{"missing provider", "models:\n  - model: m\n    input_per_million: 1\n", "missing provider"},
		{"no models", "provider: p\nmodels: []\n", "no models"},
		{"negative price", "provider: p\nmodels:\n  - model: m\n    input_per_million: -1\n", "negative price"},
		{"unnamed model", "provider: p\nmodels:\n  - input_per_million: 1\n", "without a name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pricing.Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuiltin(t *testing.T) {
	r, err := pricing.NewBuiltinRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "openai"}, r.List())

	_, ok := r.Lookup("openai", "gpt-4o-mini")
	assert.True(t, ok)
}

func testRegistry(t *testing.T) *pricing.Registry {
	t.Helper()
	r := pricing.NewRegistry()
	require.NoError(t, r.Register(&pricing.Catalog{
		Provider: "openai",
		Models: []pricing.ModelPricing{
			{Model: "gpt-4o", InputPerMillion: 2.5, OutputPerMillion: 10, CachedInputPerMillion: 1.25},
			{Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.6},
		},
	}))
	return r
}

func TestRegistry_Duplicate(t *testing.T) {
	r := testRegistry(t)
	err := r.Register(&pricing.Catalog{Provider: "openai"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	r.Replace(&pricing.Catalog{Provider: "openai", Models: []pricing.ModelPricing{{Model: "o3", InputPerMillion: 2}}})
	_, ok := r.Lookup("openai", "gpt-4o")
	assert.False(t, ok)
	_, ok = r.Lookup("openai", "o3")
	assert.True(t, ok)
}

func TestRegistry_GetNotFound(t *testing.T) {
	_, err := pricing.NewRegistry().Get("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegistry_LookupSnapshot(t *testing.T) {
	r := testRegistry(t)

	p, ok := r.Lookup("openai", "gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", p.Model)

	p, ok = r.Lookup("openai", "gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", p.Model)

	_, ok = r.Lookup("openai", "gpt-4omni")
	assert.False(t, ok)
	_, ok = r.Lookup("anthropic", "gpt-4o")
	assert.False(t, ok)
}

func TestRegistry_Estimate(t *testing.T) {
	r := testRegistry(t)

	cost, ok := r.Estimate(model.TokenUsageRecord{
		Provider:          "openai",
		Model:             "gpt-4o",
		InputTokens:       1_000_000,
		CachedInputTokens: 400_000,
		OutputTokens:      100_000,
	})
	require.True(t, ok)
	// 600k*2.5 + 400k*1.25 + 100k*10, per million
	assert.InDelta(t, 1.5+0.5+1.0, cost, 1e-9)

	// No cached rate falls back to the input rate.
	cost, ok = r.Estimate(model.TokenUsageRecord{Provider: "openai", Model: "gpt-4o-mini", InputTokens: 1_000_000, CachedInputTokens: 1_000_000})
	require.True(t, ok)
	assert.InDelta(t, 0.15, cost, 1e-9)
}

func TestRegistry_EstimateAll(t *testing.T) {
	r := testRegistry(t)
	total, unpriced := r.EstimateAll([]model.TokenUsageRecord{
		{Provider: "openai", Model: "gpt-4o", OutputTokens: 1_000_000},
		{Provider: "openai", Model: "mystery"},
		{Provider: "openai", Model: "mystery"},
		{Provider: "anthropic", Model: "claude-sonnet-4"},
	})
	assert.InDelta(t, 10.0, total, 1e-9)
	assert.Equal(t, []string{"anthropic/claude-sonnet-4", "openai/mystery"}, unpriced)
}
