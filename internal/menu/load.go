package menu

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type menuFile struct {
	Nodes []Node `yaml:"nodes"`
}

// Load reads a menu definition from a YAML file, builds the registry, and
// rejects structurally broken graphs.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("menu: read %s: %w", path, err)
	}
	var f menuFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("menu: parse %s: %w", path, err)
	}
	if len(f.Nodes) == 0 {
		return nil, fmt.Errorf("menu: %s defines no nodes", path)
	}
	reg, err := NewRegistry(f.Nodes)
	if err != nil {
		return nil, err
	}
	if errs := reg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("menu: invalid graph in %s: %w", path, errors.Join(errs...))
	}
	return reg, nil
}
