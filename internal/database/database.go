// Package database implements the kernel-database recognizer registry:
// a small plugin contract that classifies directories inside an install
// tree as belonging to a known kernel database (rocBLAS, hipBLASLt,
// AOTriton) and extracts the GPU architecture each file targets.
package database

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "database"

// gfxArchPattern extracts a "gfxNNNN..." architecture token from a
// filename; it deliberately tolerates the xnack/sramecc suffix forms
// (gfx942:xnack+) by only capturing the numeric+letter core.
var gfxArchPattern = regexp.MustCompile(`gfx(\d+[a-z]*)`)

// Artifact is one file classified as belonging to a KernelDatabase.
type Artifact struct {
	RelativePath string
	GfxTarget    string
	ArtifactType string
}

// KernelDatabase is a recognized subtree of an install tree.
type KernelDatabase struct {
	Name          string
	Root          string
	architectures map[string]bool
	artifacts     []Artifact
}

func (d *KernelDatabase) GetArchitectures() []string {
	out := make([]string, 0, len(d.architectures))
	for a := range d.architectures {
		out = append(out, a)
	}
	return out
}

func (d *KernelDatabase) GetKernelArtifacts() []Artifact {
	return d.artifacts
}

// NewKernelDatabase constructs an empty database claim rooted at root.
func NewKernelDatabase(name, root string) *KernelDatabase {
	return &KernelDatabase{Name: name, Root: root, architectures: make(map[string]bool)}
}

// AddArtifact records one classified file under this database.
func (d *KernelDatabase) AddArtifact(relativePath, gfxTarget string) {
	d.artifacts = append(d.artifacts, Artifact{RelativePath: relativePath, GfxTarget: gfxTarget, ArtifactType: "kernel"})
	if gfxTarget != "" {
		d.architectures[gfxTarget] = true
	}
}

// Recognizer is the two-method contract every database plugin satisfies.
type Recognizer interface {
	Name() string
	// CanRecognize is a cheap extension/directory-name heuristic.
	CanRecognize(path, prefixRoot string) bool
	// Recognize does the expensive validation; it returns ok=false if
	// path does not actually belong to this database type.
	Recognize(path, prefixRoot string) (arch string, ok bool)
}

// --- rocBLAS / hipBLASLt share the same shape: "<vendor>/library" dirs,
// {.co,.hsaco,.dat} extensions, gfx-token-in-filename architecture.

type libraryHandler struct {
	name   string
	marker string // e.g. "rocblas/library"
}

func (h libraryHandler) Name() string { return h.name }

func (h libraryHandler) CanRecognize(path, prefixRoot string) bool {
	rel, err := filepath.Rel(prefixRoot, path)
	if err != nil {
		return false
	}
	return strings.Contains(filepath.ToSlash(rel), h.marker)
}

func (h libraryHandler) Recognize(path, prefixRoot string) (string, bool) {
	if !h.CanRecognize(path, prefixRoot) {
		return "", false
	}
	switch filepath.Ext(path) {
	case ".co", ".hsaco", ".dat":
	default:
		return "", false
	}
	m := gfxArchPattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", false
	}
	return "gfx" + m[1], true
}

func NewRocBLASHandler() Recognizer   { return libraryHandler{name: "rocblas", marker: "rocblas/library"} }
func NewHipBLASLtHandler() Recognizer { return libraryHandler{name: "hipblaslt", marker: "hipblaslt/library"} }

// --- AOTriton: */aotriton/kernels/gfx*/ directory triple.

type aotritonHandler struct{}

func (aotritonHandler) Name() string { return "aotriton" }

func (aotritonHandler) CanRecognize(path, prefixRoot string) bool {
	_, ok := aotritonArch(path, prefixRoot)
	return ok
}

func (h aotritonHandler) Recognize(path, prefixRoot string) (string, bool) {
	return aotritonArch(path, prefixRoot)
}

func aotritonArch(path, prefixRoot string) (string, bool) {
	rel, err := filepath.Rel(prefixRoot, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "aotriton" && i+1 < len(parts) && parts[i+1] == "kernels" {
			if i+2 < len(parts) && strings.HasPrefix(parts[i+2], "gfx") {
				return parts[i+2], true
			}
			break
		}
	}
	return "", false
}

func NewAotritonHandler() Recognizer { return aotritonHandler{} }

var available = map[string]func() Recognizer{
	"rocblas":   func() Recognizer { return NewRocBLASHandler() },
	"hipblaslt": func() Recognizer { return NewHipBLASLtHandler() },
	"aotriton":  func() Recognizer { return NewAotritonHandler() },
}

// Get instantiates the named recognizers, in the order requested.
func Get(names []string) ([]Recognizer, error) {
	out := make([]Recognizer, 0, len(names))
	for _, n := range names {
		ctor, ok := available[n]
		if !ok {
			return nil, kperr.Newf(kperr.InputInvalid, component, "unknown database handler %q", n)
		}
		out = append(out, ctor())
	}
	return out, nil
}

// ListAvailable returns every registered handler name, sorted.
func ListAvailable() []string {
	return []string{"aotriton", "hipblaslt", "rocblas"}
}
