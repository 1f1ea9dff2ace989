// Package config loads the lowering CLI's optional YAML configuration
// file: cache directory, kernel-library format, and bank-flag defaults
// that supplement (and are overridden by) command-line flags.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/pisa-lower/internal/pisaerr"
)

// Config mirrors the subset of cmd/pisa-lower's flags that make sense to
// pin in a checked-in file for CI/batch use.
type Config struct {
	CacheDir      string `yaml:"cache_dir"`
	OutDir        string `yaml:"out_dir"`
	KernelLibrary string `yaml:"kernel_library"` // "CSV" or "HDF"
	Banks         bool   `yaml:"banks"`
	GeneratedJSON string `yaml:"generated_json"`
}

// Load reads and parses a YAML config file. A missing file is not an
// error; Load returns a zero-value Config so the CLI can apply its own
// flag defaults on top.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, pisaerr.Wrap(pisaerr.IoError, "read config file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pisaerr.Wrap(pisaerr.InputError, "parse config file", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields of dst from cfg, used after
// flag.Parse to let an explicit flag always win over the config file.
func ApplyDefaults(dst *Config, cfg *Config) {
	if dst.CacheDir == "" {
		dst.CacheDir = cfg.CacheDir
	}
	if dst.OutDir == "" {
		dst.OutDir = cfg.OutDir
	}
	if dst.KernelLibrary == "" {
		dst.KernelLibrary = cfg.KernelLibrary
	}
	if dst.GeneratedJSON == "" {
		dst.GeneratedJSON = cfg.GeneratedJSON
	}
	if !dst.Banks {
		dst.Banks = cfg.Banks
	}
}
