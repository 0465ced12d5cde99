// Package kpackconfig loads and eagerly validates the recombine tool's
// JSON configuration: which shard is primary, and how member
// architectures are grouped for the combiner's per-group artifacts.
package kpackconfig

import (
	"encoding/json"
	"os"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "kpackconfig"

// Config is the recombine tool's --config document.
type Config struct {
	PrimaryShard       string              `json:"primary_shard"`
	ArchitectureGroups map[string][]string `json:"architecture_groups"`
	Components         []string            `json:"components"`
}

// Load reads and validates a Config from path. Validation happens here,
// eagerly, rather than being deferred to collection time: a config
// referencing the same architecture from two groups is rejected before
// any shard is ever touched.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kperr.Wrap(kperr.InputInvalid, component, err).WithPath(path)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, kperr.Wrap(kperr.InputInvalid, component, err).WithPath(path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants test_packaging_config.py exercises:
// a primary shard must be named, every group must have at least one
// member architecture, and no architecture may belong to more than one
// group.
func (c *Config) Validate() error {
	if c.PrimaryShard == "" {
		return kperr.New(kperr.InputInvalid, component, "primary_shard is required")
	}
	if len(c.ArchitectureGroups) == 0 {
		return kperr.New(kperr.InputInvalid, component, "architecture_groups must not be empty")
	}
	seen := make(map[string]string)
	for group, arches := range c.ArchitectureGroups {
		if len(arches) == 0 {
			return kperr.Newf(kperr.InputInvalid, component, "architecture group %q has no member architectures", group)
		}
		for _, arch := range arches {
			if owner, ok := seen[arch]; ok {
				return kperr.Newf(kperr.InputInvalid, component,
					"architecture %q belongs to both group %q and group %q", arch, owner, group)
			}
			seen[arch] = group
		}
	}
	return nil
}

// GroupForArch returns the architecture group name an architecture
// belongs to, or "" if none.
func (c *Config) GroupForArch(arch string) string {
	for group, arches := range c.ArchitectureGroups {
		for _, a := range arches {
			if a == arch {
				return group
			}
		}
	}
	return ""
}
