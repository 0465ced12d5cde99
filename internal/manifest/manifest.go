// Package manifest handles the two small text/binary artifacts every
// output directory carries: artifact_manifest.txt (the list of
// install-tree prefixes an artifact contributes) and the per-component
// .kpm manifest (MessagePack, listing which architectures a component
// has kpack archives for).
package manifest

import (
	"bufio"
	"os"
	"strings"

	"github.com/vmihailenko/msgpack/v5"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const (
	component        = "manifest"
	ArtifactManifest = "artifact_manifest.txt"
	formatVersion    = 1
)

// KpackFile describes one architecture's kpack archive within a .kpm.
type KpackFile struct {
	File        string `msgpack:"file"`
	Size        int64  `msgpack:"size"`
	KernelCount int    `msgpack:"kernel_count"`
}

// KPM is the decoded form of a component's .kpm manifest.
type KPM struct {
	FormatVersion int                  `msgpack:"format_version"`
	ComponentName string               `msgpack:"component_name"`
	Prefix        string               `msgpack:"prefix"`
	KpackFiles    map[string]KpackFile `msgpack:"kpack_files"`
}

// NewKPM constructs an empty .kpm for a given component/prefix pair.
func NewKPM(componentName, prefix string) *KPM {
	return &KPM{
		FormatVersion: formatVersion,
		ComponentName: componentName,
		Prefix:        prefix,
		KpackFiles:    make(map[string]KpackFile),
	}
}

// WriteKPM encodes k as MessagePack to path.
func WriteKPM(path string, k *KPM) error {
	f, err := os.Create(path)
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	defer f.Close()
	if err := msgpack.NewEncoder(f).Encode(k); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	return nil
}

// ReadKPM decodes a .kpm manifest from path.
func ReadKPM(path string) (*KPM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	var k KPM
	if err := msgpack.Unmarshal(data, &k); err != nil {
		return nil, kperr.Wrap(kperr.FormatInvalid, component, err).WithPath(path)
	}
	if k.KpackFiles == nil {
		k.KpackFiles = make(map[string]KpackFile)
	}
	return &k, nil
}

// WriteArtifactManifest writes the newline-separated prefix list for an
// output artifact.
func WriteArtifactManifest(artifactRoot string, prefixes []string) error {
	f, err := os.Create(artifactRoot + string(os.PathSeparator) + ArtifactManifest)
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if _, err := w.WriteString(p + "\n"); err != nil {
			return kperr.Wrap(kperr.IO, component, err)
		}
	}
	return w.Flush()
}

// ReadArtifactManifest reads the prefix list of an output artifact,
// ignoring empty lines.
func ReadArtifactManifest(artifactRoot string) ([]string, error) {
	path := artifactRoot + string(os.PathSeparator) + ArtifactManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// Merge combines a's and b's kpack_files maps for the same
// (component, prefix) pair. Two shards disagreeing on the triple for
// the same architecture is a fatal Conflict.
func Merge(a, b *KPM) (*KPM, error) {
	if a.ComponentName != b.ComponentName || a.Prefix != b.Prefix {
		return nil, kperr.Newf(kperr.Conflict, component, "cannot merge .kpm for different component/prefix: %s/%s vs %s/%s",
			a.ComponentName, a.Prefix, b.ComponentName, b.Prefix)
	}
	merged := NewKPM(a.ComponentName, a.Prefix)
	for arch, kf := range a.KpackFiles {
		merged.KpackFiles[arch] = kf
	}
	for arch, kf := range b.KpackFiles {
		existing, ok := merged.KpackFiles[arch]
		if ok && existing != kf {
			return nil, kperr.Newf(kperr.Conflict, component,
				"conflicting kpack_files entry for %s/%s arch %s: %+v vs %+v",
				a.ComponentName, a.Prefix, arch, existing, kf)
		}
		merged.KpackFiles[arch] = kf
	}
	return merged, nil
}
