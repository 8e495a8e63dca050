package pricing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// Registry manages catalogs by provider name.
type Registry struct {
	mu       sync.RWMutex
	catalogs map[string]*Catalog
	models   map[string]map[string]ModelPricing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		catalogs: make(map[string]*Catalog),
		models:   make(map[string]map[string]ModelPricing),
	}
}

// NewBuiltinRegistry returns a registry loaded with the shipped catalogs.
func NewBuiltinRegistry() (*Registry, error) {
	cats, err := Builtin()
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, c := range cats {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a catalog.
func (r *Registry) Register(c *Catalog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.catalogs[c.Provider]; exists {
		return fmt.Errorf("pricing for %q already registered", c.Provider)
	}
	m := make(map[string]ModelPricing, len(c.Models))
	for _, p := range c.Models {
		m[p.Model] = p
	}
	r.catalogs[c.Provider] = c
	r.models[c.Provider] = m
	return nil
}

// Replace registers c, overwriting any catalog for the same provider.
func (r *Registry) Replace(c *Catalog) {
	r.mu.Lock()
	delete(r.catalogs, c.Provider)
	delete(r.models, c.Provider)
	r.mu.Unlock()
	_ = r.Register(c)
}

// Get returns the catalog for provider.
func (r *Registry) Get(provider string) (*Catalog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.catalogs[provider]
	if !ok {
		return nil, fmt.Errorf("pricing for %q not found", provider)
	}
	return c, nil
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.catalogs))
	for name := range r.catalogs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup finds pricing for a model. Provider usage reports dated snapshots
// ("gpt-4o-2024-08-06"), so the longest catalog entry that prefixes the
// name matches when there is no exact entry.
func (r *Registry) Lookup(provider, name string) (ModelPricing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models, ok := r.models[provider]
	if !ok {
		return ModelPricing{}, false
	}
	if p, ok := models[name]; ok {
		return p, true
	}
	var best ModelPricing
	for m, p := range models {
		if strings.HasPrefix(name, m+"-") && len(m) > len(best.Model) {
			best = p
		}
	}
	return best, best.Model != ""
}

// Estimate returns the list-price cost of one usage record. Cached input is
// billed at the cached rate when the catalog has one.
func (r *Registry) Estimate(rec model.TokenUsageRecord) (float64, bool) {
	p, ok := r.Lookup(rec.Provider, rec.Model)
	if !ok {
		return 0, false
	}
	cachedRate := p.CachedInputPerMillion
	if cachedRate == 0 {
		cachedRate = p.InputPerMillion
	}
	uncached := rec.InputTokens - rec.CachedInputTokens
	if uncached < 0 {
		uncached = 0
	}
	cost := float64(uncached)*p.InputPerMillion/1_000_000 +
		float64(rec.CachedInputTokens)*cachedRate/1_000_000 +
		float64(rec.OutputTokens)*p.OutputPerMillion/1_000_000
	return cost, true
}

// EstimateAll sums estimates over records and returns the models that had no price.
func (r *Registry) EstimateAll(records []model.TokenUsageRecord) (total float64, unpriced []string) {
	seen := make(map[string]bool)
	for _, rec := range records {
		cost, ok := r.Estimate(rec)
		if !ok {
			key := rec.Provider + "/" + rec.Model
			if !seen[key] {
				seen[key] = true
				unpriced = append(unpriced, key)
			}
			continue
		}
		total += cost
	}
	sort.Strings(unpriced)
	return total, unpriced
}
