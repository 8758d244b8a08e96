package featurestore

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

// Entity declares the primary-key column for an entity type.
type Entity struct {
	PrimaryKey string `yaml:"primary_key"`
}

// FeatureView maps a named view onto a warehouse table and the feature
// columns it exposes. Static configuration, never produced by the core.
type FeatureView struct {
	Name     string   `yaml:"name"`
	Table    string   `yaml:"table"`
	Entity   string   `yaml:"entity"`
	Features []string `yaml:"features"`
}

// Registry is the feature-store configuration: entities plus views.
type Registry struct {
	Entities     map[string]Entity `yaml:"entities"`
	FeatureViews []FeatureView     `yaml:"feature_views"`
}

// LoadRegistry reads a registry YAML file. An empty path loads the
// embedded default registry.
func LoadRegistry(path string) (*Registry, error) {
	data := defaultRegistry
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading registry: %w", err)
		}
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}

	for _, fv := range reg.FeatureViews {
		if _, ok := reg.Entities[fv.Entity]; !ok {
			return nil, fmt.Errorf("view %s references unknown entity %q", fv.Name, fv.Entity)
		}
	}
	return &reg, nil
}

// ViewNames lists the registered view names.
func (r *Registry) ViewNames() []string {
	names := make([]string, 0, len(r.FeatureViews))
	for _, fv := range r.FeatureViews {
		names = append(names, fv.Name)
	}
	return names
}

func (r *Registry) view(name string) (FeatureView, bool) {
	for _, fv := range r.FeatureViews {
		if fv.Name == name {
			return fv, true
		}
	}
	return FeatureView{}, false
}
