package cmd

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/core-engine/engine"
	"github.com/inference-sim/core-engine/kv"
)

// EngineBundle holds the engine's unified configuration, loadable from a
// YAML file. Zero-valued numeric fields fall through to BatchEngine's own
// defaults; Lanes only registers lanes the operator wants a
// non-default weight for — AddRequest auto-registers anything else at
// DefaultLaneWeight.
type EngineBundle struct {
	PageSize          int         `yaml:"page_size"`
	BlockSize         int         `yaml:"block_size"`
	MaxPages          int         `yaml:"max_pages"`
	PrefillChunkSize  int         `yaml:"prefill_chunk_size"`
	DefaultLaneWeight float64     `yaml:"default_lane_weight"`
	Lanes             []LaneBound `yaml:"lanes"`
}

// LaneBound overrides the weight of a single named lane.
type LaneBound struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// LoadEngineBundle reads and parses a YAML engine configuration file. Uses
// strict parsing: unrecognized keys (typos) are rejected.
func LoadEngineBundle(path string) (*EngineBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}
	var bundle EngineBundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Validate checks that every set field is within a sane range. Zero values
// are left alone for engine.New to default.
func (b *EngineBundle) Validate() error {
	if err := validateNonNegativeInt("page_size", b.PageSize); err != nil {
		return err
	}
	if err := validateNonNegativeInt("block_size", b.BlockSize); err != nil {
		return err
	}
	if err := validateNonNegativeInt("max_pages", b.MaxPages); err != nil {
		return err
	}
	if err := validateNonNegativeInt("prefill_chunk_size", b.PrefillChunkSize); err != nil {
		return err
	}
	if err := validateFinite("default_lane_weight", b.DefaultLaneWeight); err != nil {
		return err
	}
	if b.PageSize > 0 && b.BlockSize > b.PageSize {
		return fmt.Errorf("block_size %d exceeds page_size %d", b.BlockSize, b.PageSize)
	}
	seen := make(map[string]bool, len(b.Lanes))
	for _, lane := range b.Lanes {
		if lane.Name == "" {
			return fmt.Errorf("lane entry missing a name")
		}
		if seen[lane.Name] {
			return fmt.Errorf("lane %q declared more than once", lane.Name)
		}
		seen[lane.Name] = true
		if err := validateFinite(fmt.Sprintf("lanes[%s].weight", lane.Name), lane.Weight); err != nil {
			return err
		}
		if lane.Weight <= 0 {
			return fmt.Errorf("lanes[%s].weight must be positive, got %f", lane.Name, lane.Weight)
		}
	}
	return nil
}

func validateNonNegativeInt(name string, val int) error {
	if val < 0 {
		return fmt.Errorf("%s must be non-negative, got %d", name, val)
	}
	return nil
}

func validateFinite(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val < 0 {
		return fmt.Errorf("%s must be non-negative, got %f", name, val)
	}
	return nil
}

// EngineConfig translates the bundle into engine.Config.
func (b *EngineBundle) EngineConfig() engine.Config {
	return engine.Config{
		KV: kv.Config{
			PageSize:  b.PageSize,
			BlockSize: b.BlockSize,
			MaxPages:  b.MaxPages,
		},
		DefaultLaneWeight: b.DefaultLaneWeight,
		PrefillChunkSize:  b.PrefillChunkSize,
	}
}
