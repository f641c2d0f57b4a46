package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OverridesFile is the per-repo overrides file read from the repo root.
const OverridesFile = ".pairsync.yaml"

// Overrides are per-repo settings that take precedence over the global
// configuration for sessions in that repo. Zero values mean "not set".
type Overrides struct {
	Debounce    time.Duration
	MaxDebounce time.Duration
	SkipDirs    []string
}

// overridesFile is the on-disk shape. Durations are strings so the file can
// say "400ms" rather than nanosecond integers.
type overridesFile struct {
	Debounce    string   `yaml:"debounce"`
	MaxDebounce string   `yaml:"max_debounce"`
	SkipDirs    []string `yaml:"skip_dirs"`
}

// LoadOverrides reads repoRoot/.pairsync.yaml. A missing file is not an
// error: it returns the zero Overrides.
func LoadOverrides(repoRoot string) (Overrides, error) {
	path := filepath.Join(repoRoot, OverridesFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Overrides{}, nil
	}
	if err != nil {
		return Overrides{}, fmt.Errorf("failed to read %s: %w", OverridesFile, err)
	}

	var raw overridesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Overrides{}, fmt.Errorf("failed to parse %s: %w", OverridesFile, err)
	}

	var o Overrides
	if raw.Debounce != "" {
		d, err := time.ParseDuration(raw.Debounce)
		if err != nil {
			return Overrides{}, fmt.Errorf("invalid debounce %q in %s: %w", raw.Debounce, OverridesFile, err)
		}
		o.Debounce = d
	}
	if raw.MaxDebounce != "" {
		d, err := time.ParseDuration(raw.MaxDebounce)
		if err != nil {
			return Overrides{}, fmt.Errorf("invalid max_debounce %q in %s: %w", raw.MaxDebounce, OverridesFile, err)
		}
		o.MaxDebounce = d
	}
	o.SkipDirs = raw.SkipDirs
	return o, nil
}

// EffectiveDebounce resolves the repo override against the global value.
func (o Overrides) EffectiveDebounce() time.Duration {
	if o.Debounce > 0 {
		return o.Debounce
	}
	return Debounce()
}

// EffectiveMaxDebounce resolves the repo override against the global value.
func (o Overrides) EffectiveMaxDebounce() time.Duration {
	if o.MaxDebounce > 0 {
		return o.MaxDebounce
	}
	return MaxDebounce()
}
