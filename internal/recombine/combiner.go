package recombine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xyproto/kpacktool/internal/fsutil"
	"github.com/xyproto/kpacktool/internal/kpackconfig"
	"github.com/xyproto/kpacktool/internal/kperr"
	"github.com/xyproto/kpacktool/internal/manifest"
)

const kpackDirName = ".kpack"

// Combine produces, under outputRoot, one "<component>_generic" artifact
// per collected generic (deep copy, .kpack stripped) and one
// "<component>_<group>" artifact per architecture group that has at
// least one available architecture for that component.
func Combine(col *Collection, cfg *kpackconfig.Config, outputRoot string, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}

	comps := make([]string, 0, len(col.Generics))
	for c := range col.Generics {
		comps = append(comps, c)
	}
	sort.Strings(comps)

	for _, comp := range comps {
		g := col.Generics[comp]
		dst := filepath.Join(outputRoot, formatArtifactName(comp, "generic"))
		if err := fsutil.CopyTreeExcluding(g.Path, dst, kpackDirName); err != nil {
			return err
		}
		logger.Info("wrote generic artifact", "component", comp, "path", dst)
	}

	groups := make([]string, 0, len(cfg.ArchitectureGroups))
	for g := range cfg.ArchitectureGroups {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	allComponents := make(map[string]bool)
	for c := range col.Archs {
		allComponents[c] = true
	}
	componentList := make([]string, 0, len(allComponents))
	for c := range allComponents {
		componentList = append(componentList, c)
	}
	sort.Strings(componentList)

	for _, group := range groups {
		members := cfg.ArchitectureGroups[group]
		for _, comp := range componentList {
			if err := combineGroup(col, comp, group, members, outputRoot, logger); err != nil {
				return err
			}
		}
	}
	return nil
}

func combineGroup(col *Collection, comp, group string, members []string, outputRoot string, logger *log.Logger) error {
	archs := col.Archs[comp]
	if archs == nil {
		return nil
	}
	var available []string
	for _, m := range members {
		if _, ok := archs[m]; ok {
			available = append(available, m)
		}
	}
	if len(available) == 0 {
		return nil
	}
	sort.Strings(available)

	dst := filepath.Join(outputRoot, formatArtifactName(comp, group))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(dst)
	}

	// mergedByPrefix accumulates the per-prefix .kpack/<component>.kpm
	// manifests across every included architecture (one kpm can live
	// under each prefix that has device code, per the data model).
	mergedByPrefix := make(map[string]*manifest.KPM)
	var prefixes []string
	seenPrefix := make(map[string]bool)

	for _, arch := range available {
		art := archs[arch]
		found, err := copyArchArtifact(art, comp, arch, dst)
		if err != nil {
			return err
		}
		for prefix, k := range found {
			if existing, ok := mergedByPrefix[prefix]; ok {
				m2, merr := manifest.Merge(existing, k)
				if merr != nil {
					return merr
				}
				mergedByPrefix[prefix] = m2
			} else {
				mergedByPrefix[prefix] = k
			}
		}

		if ps, err := manifest.ReadArtifactManifest(art.Path); err == nil {
			for _, p := range ps {
				if !seenPrefix[p] {
					seenPrefix[p] = true
					prefixes = append(prefixes, p)
				}
			}
		}
	}

	availSet := make(map[string]bool, len(available))
	for _, a := range available {
		availSet[a] = true
	}
	for prefix, k := range mergedByPrefix {
		filtered := manifest.NewKPM(k.ComponentName, k.Prefix)
		for arch, kf := range k.KpackFiles {
			if availSet[arch] {
				filtered.KpackFiles[arch] = kf
			}
		}
		kpmPath := filepath.Join(dst, filepath.FromSlash(prefix), kpackDirName, comp+".kpm")
		if err := os.MkdirAll(filepath.Dir(kpmPath), 0o755); err != nil {
			return kperr.Wrap(kperr.IO, component, err).WithPath(kpmPath)
		}
		if err := manifest.WriteKPM(kpmPath, filtered); err != nil {
			return err
		}
	}

	sort.Strings(prefixes)
	if err := manifest.WriteArtifactManifest(dst, prefixes); err != nil {
		return err
	}

	logger.Info("wrote architecture-group artifact", "component", comp, "group", group, "architectures", available, "path", dst)
	return nil
}

// copyArchArtifact copies one architecture's contribution into dst: its
// .kpack/*.kpack files (including a kpack/stage/.kpack/ layout) and any
// database file whose name carries the architecture substring. It
// returns the per-prefix .kpack/<component>.kpm manifests it found
// (these are rewritten, filtered to the included architectures, by the
// caller rather than copied verbatim).
func copyArchArtifact(art ArchArtifact, comp, arch, dst string) (map[string]*manifest.KPM, error) {
	found := make(map[string]*manifest.KPM)
	err := filepath.Walk(art.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(art.Path, path)
		if rerr != nil {
			return rerr
		}
		relSlash := filepath.ToSlash(rel)
		base := filepath.Base(rel)

		if base == manifest.ArtifactManifest {
			return nil
		}
		if base == comp+".kpm" && strings.Contains(relSlash, kpackDirName+"/") {
			k, kerr := manifest.ReadKPM(path)
			if kerr != nil {
				return kerr
			}
			prefix := strings.TrimSuffix(relSlash, kpackDirName+"/"+base)
			prefix = strings.TrimSuffix(prefix, "/")
			found[prefix] = k
			return nil
		}
		switch {
		case strings.Contains(relSlash, kpackDirName+"/") && strings.HasSuffix(base, ".kpack"):
			return fsutil.CopyPreservingMode(path, filepath.Join(dst, rel))
		case strings.Contains(base, arch):
			return fsutil.CopyPreservingMode(path, filepath.Join(dst, rel))
		}
		return nil
	})
	return found, err
}
