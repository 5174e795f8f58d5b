// Package config loads the optional loris configuration file.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is consulted when LORIS_CONFIG is unset.
const DefaultPath = "/etc/loris.yaml"

// Config controls loader behavior that has no dlfcn equivalent.
type Config struct {
	// SearchPaths are extra directories appended after the default
	// system search paths.
	SearchPaths []string `yaml:"search_paths"`
	// BindNow forces eager PLT binding for every load, like LD_BIND_NOW.
	BindNow bool `yaml:"bind_now"`
	// Debug is decoded from the file; neither the loader nor the CLI reads
	// it, and logging is switched only through log.Init.
	Debug bool `yaml:"debug"`
}

// Load reads the config file named by LORIS_CONFIG, falling back to
// DefaultPath. A missing file yields the zero config.
func Load() (*Config, error) {
	path := os.Getenv("LORIS_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
