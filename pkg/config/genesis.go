package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Genesis seeds statistics counters the first time a store is opened.
// A replica set that starts from the same genesis profile derives the
// same initial state.
type Genesis struct {
	// Counters maps stats domain -> counter name -> initial value.
	Counters map[string]map[string]uint64 `yaml:"counters"`
}

// LoadGenesis reads a genesis profile from a YAML file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read genesis %s: %w", path, err)
	}
	var g Genesis
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("config: parse genesis %s: %w", path, err)
	}
	return &g, nil
}
