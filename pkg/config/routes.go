package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aexhq/aex/pkg/router"
)

// routesFile is the on-disk shape of the routes YAML: a flat list
// under a single top-level key, one entry per (endpoint, model) the
// router should serve.
type routesFile struct {
	Routes []router.Route `yaml:"routes"`
}

// LoadRoutes reads the static endpoint+model -> upstream route table
// from a YAML file. AEX deliberately has no heuristic routing (spec.md
// Non-goals: no pricing policy invention) — this file is the only
// source of truth for what router.New builds its lookup table from.
func LoadRoutes(path string) ([]router.Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read routes file %q: %w", path, err)
	}

	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse routes file %q: %w", path, err)
	}
	return f.Routes, nil
}
