// Package config defines the persisted library-root configuration and the
// default tuning knobs ("options" in the spec's vocabulary) for cleaning and
// search. Config decisions fixed at first insert (intensity weighting,
// neutral-loss indexing) live here and are loaded/saved alongside the
// library's bucket directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the persisted config file under a library root.
const FileName = "config"

// schemaVersion is bumped when the on-disk layout of LibraryConfig changes
// in an incompatible way.
const schemaVersion = 1

// LibraryConfig is the library-wide configuration persisted at
// <root>/config. Intensity weighting and neutral-loss indexing are set when
// the library is created and no API changes them afterward; Locked records
// that the first insert has happened.
type LibraryConfig struct {
	Version int `yaml:"version"`

	// IntensityWeighted records whether entropy weighting (§4.B) is applied
	// to spectra before indexing. Must match between index build and query.
	IntensityWeighted bool `yaml:"intensity_weighted"`

	// IndexForNeutralLoss records whether neutral-loss peak arrays are
	// maintained. When false, only open search may run.
	IndexForNeutralLoss bool `yaml:"index_for_neutral_loss"`

	// DefaultBucketCapacity is the spectrum count at which a dynamic
	// index's open bucket is auto-promoted to compact form.
	DefaultBucketCapacity int `yaml:"default_bucket_capacity"`

	// AutoPromote mirrors the convert_to_flash option: whether exceeding a
	// bucket's capacity triggers automatic promotion.
	AutoPromote bool `yaml:"auto_promote"`

	// GroupStart is the prefix-sum table mapping bucket index to the first
	// global index owned by that bucket. GroupStart[i+1]-GroupStart[i] is
	// the number of spectra bucket i owned at last write.
	GroupStart []uint64 `yaml:"group_start"`

	// Locked becomes true after the first successful insert; once locked,
	// IntensityWeighted and IndexForNeutralLoss can no longer change.
	Locked bool `yaml:"locked"`
}

// Default returns a LibraryConfig with the defaults named in the public
// interface: neutral-loss indexing and intensity weighting both on, a
// 4096-spectrum bucket capacity, and auto-promotion enabled.
func Default() LibraryConfig {
	return LibraryConfig{
		Version:               schemaVersion,
		IntensityWeighted:     true,
		IndexForNeutralLoss:   true,
		DefaultBucketCapacity: 4096,
		AutoPromote:           true,
		GroupStart:            []uint64{0},
	}
}

// Validate checks invariants that must hold regardless of how the config
// was constructed.
func (c LibraryConfig) Validate() error {
	if c.DefaultBucketCapacity <= 0 {
		return fmt.Errorf("default_bucket_capacity must be positive, got %d", c.DefaultBucketCapacity)
	}
	if len(c.GroupStart) == 0 {
		return fmt.Errorf("group_start must contain at least one entry")
	}
	for i := 1; i < len(c.GroupStart); i++ {
		if c.GroupStart[i] < c.GroupStart[i-1] {
			return fmt.Errorf("group_start must be non-decreasing, got %v", c.GroupStart)
		}
	}
	return nil
}

// Load reads the config file at <root>/config. Returns os.ErrNotExist
// (wrapped) if the library root has not been initialized yet.
func Load(root string) (LibraryConfig, error) {
	var cfg LibraryConfig

	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse library config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid library config: %w", err)
	}
	return cfg, nil
}

// Save persists cfg to <root>/config using a temp-file-then-rename so a
// writer crash never leaves a half-written config behind.
func Save(root string, cfg LibraryConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid library config: %w", err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create library root: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal library config: %w", err)
	}

	final := filepath.Join(root, FileName)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp library config: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename library config into place: %w", err)
	}
	return nil
}
