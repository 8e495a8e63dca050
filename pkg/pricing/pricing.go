// Package pricing holds list prices per model and estimates the cost of
// collected token usage. Billed cost always comes from the provider; estimates
// are a cross-check.
package pricing

import (
	"embed"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

//go:embed catalogs/*.yaml
var builtin embed.FS

// ModelPricing contains per-model pricing information.
type ModelPricing struct {
	Model                 string  `yaml:"model"`
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million,omitempty"`
}

// Catalog is the YAML-loaded price list of one provider.
type Catalog struct {
	Provider string         `yaml:"provider"`
	Updated  string         `yaml:"updated"`
	Models   []ModelPricing `yaml:"models"`
}

// Load reads a YAML catalog file.
func Load(p string) (*Catalog, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", p, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", p, err)
	}
	return cat, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse pricing data: %w", err)
	}
	if cat.Provider == "" {
		return nil, fmt.Errorf("missing provider name")
	}
	if len(cat.Models) == 0 {
		return nil, fmt.Errorf("no models defined")
	}
	for _, m := range cat.Models {
		if m.Model == "" {
			return nil, fmt.Errorf("model entry without a name")
		}
		if m.InputPerMillion < 0 || m.OutputPerMillion < 0 || m.CachedInputPerMillion < 0 {
			return nil, fmt.Errorf("model %q: negative price", m.Model)
		}
	}
	return &cat, nil
}

// Builtin returns the catalogs shipped with the binary.
func Builtin() ([]*Catalog, error) {
	entries, err := builtin.ReadDir("catalogs")
	if err != nil {
		return nil, err
	}
	var cats []*Catalog
	for _, e := range entries {
		data, err := builtin.ReadFile(path.Join("catalogs", e.Name()))
		if err != nil {
			return nil, err
		}
		cat, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		cats = append(cats, cat)
	}
	return cats, nil
}
