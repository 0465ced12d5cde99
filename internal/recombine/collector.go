// Package recombine implements the reduce phase: gathering per-component,
// per-architecture artifacts out of a set of independently produced
// shards and combining them into one generic artifact and one artifact
// per architecture group.
package recombine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "recombine"

// GenericArtifact is a collected "<component>_generic" directory.
type GenericArtifact struct {
	Component string
	Path      string // absolute path under the primary shard
}

// ArchArtifact is a collected "<component>_<arch>" directory.
type ArchArtifact struct {
	Component string
	Arch      string
	Path      string
	Shard     string
}

// Collection is the result of walking every shard once.
type Collection struct {
	Generics map[string]GenericArtifact          // component -> artifact
	Archs    map[string]map[string]ArchArtifact  // component -> arch -> artifact
}

// Collect walks shardsRoot's immediate subdirectories (one per shard,
// processed in lexicographic order for reproducibility — see the
// duplicate-arch-artifact Open Question), applying the collector rules:
// generics only from primaryShard (fatal duplicate within it, logged and
// skipped duplicate elsewhere), arch-specific artifacts first-shard-wins.
//
// The primary shard must exist and must contribute at least one generic
// artifact; both are enforced here, at collection time, not deferred to
// the combiner.
func Collect(shardsRoot, primaryShard string, logger *log.Logger) (*Collection, error) {
	if logger == nil {
		logger = log.Default()
	}
	shardNames, err := listShards(shardsRoot)
	if err != nil {
		return nil, err
	}

	primaryPath := filepath.Join(shardsRoot, primaryShard)
	if info, err := os.Stat(primaryPath); err != nil || !info.IsDir() {
		return nil, kperr.Newf(kperr.Missing, component, "primary shard %q not found under %s", primaryShard, shardsRoot)
	}

	col := &Collection{
		Generics: make(map[string]GenericArtifact),
		Archs:    make(map[string]map[string]ArchArtifact),
	}

	sawPrimaryShard := false
	for _, shard := range shardNames {
		isPrimary := shard == primaryShard
		if isPrimary {
			sawPrimaryShard = true
		}
		shardPath := filepath.Join(shardsRoot, shard)
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, kperr.Wrap(kperr.IO, component, err).WithPath(shardPath)
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			comp, suffix, ok := splitArtifactName(ent.Name())
			if !ok {
				continue
			}
			artPath := filepath.Join(shardPath, ent.Name())
			if suffix == "generic" {
				if !isPrimary {
					logger.Info("ignoring generic artifact from non-primary shard", "shard", shard, "component", comp)
					continue
				}
				if existing, dup := col.Generics[comp]; dup {
					return nil, kperr.Newf(kperr.Duplicate, component,
						"primary shard %q supplies generic artifact for %q twice: %s and %s",
						primaryShard, comp, existing.Path, artPath)
				}
				col.Generics[comp] = GenericArtifact{Component: comp, Path: artPath}
				continue
			}

			arch := suffix
			if col.Archs[comp] == nil {
				col.Archs[comp] = make(map[string]ArchArtifact)
			}
			if _, dup := col.Archs[comp][arch]; dup {
				logger.Info("duplicate arch artifact, first shard wins", "component", comp, "arch", arch, "shard", shard)
				continue
			}
			col.Archs[comp][arch] = ArchArtifact{Component: comp, Arch: arch, Path: artPath, Shard: shard}
		}
	}

	if !sawPrimaryShard {
		return nil, kperr.Newf(kperr.Missing, component, "primary shard %q not found under %s", primaryShard, shardsRoot)
	}
	if len(col.Generics) == 0 {
		return nil, kperr.Newf(kperr.Missing, component, "primary shard %q contributed no generic artifact", primaryShard)
	}
	return col, nil
}

func listShards(shardsRoot string) ([]string, error) {
	entries, err := os.ReadDir(shardsRoot)
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err).WithPath(shardsRoot)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitArtifactName splits "<component>_<suffix>" on the last
// underscore; component names may themselves contain underscores.
func splitArtifactName(name string) (comp, suffix string, ok bool) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

func formatArtifactName(comp, suffix string) string {
	return fmt.Sprintf("%s_%s", comp, suffix)
}
