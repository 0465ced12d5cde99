// Package packvisitor implements the concrete scanner.Visitor that drives
// the map phase: copying opaque files and database artifacts verbatim,
// and — for bundled binaries — extracting
// every GPU kernel into a shared kpack archive while producing a
// host-only rewritten binary carrying a marker back to it.
package packvisitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/xyproto/kpacktool/internal/bundle"
	"github.com/xyproto/kpacktool/internal/database"
	"github.com/xyproto/kpacktool/internal/elfrewrite"
	"github.com/xyproto/kpacktool/internal/fsutil"
	"github.com/xyproto/kpacktool/internal/kpack"
	"github.com/xyproto/kpacktool/internal/kperr"
	"github.com/xyproto/kpacktool/internal/marker"
	"github.com/xyproto/kpacktool/internal/scanutil"
	"github.com/xyproto/kpacktool/internal/toolchain"
)

const component = "packvisitor"

// Config mirrors the construction parameters spec.md assigns to the
// pack visitor.
type Config struct {
	InputRoot     string
	OutputRoot    string
	GroupName     string
	GfxArchFamily string
	GfxArches     []string
	Toolchain     *toolchain.Facade
	Log           *log.Logger
}

// Visitor is the concrete scanner.Visitor for the pack (map) phase.
type Visitor struct {
	cfg     Config
	archive *kpack.Archive

	visitedMu sync.Mutex
	visited   map[string]bool
}

// NewVisitor constructs a Visitor over an already-built archive, so the
// caller controls its compression scheme.
func NewVisitor(cfg Config, archive *kpack.Archive) *Visitor {
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	return &Visitor{cfg: cfg, archive: archive, visited: make(map[string]bool)}
}

// VisitOpaqueFile copies relPath into the generic output artifact,
// preserving mode bits and symlink targets. A destination that already
// exists (another worker raced us) is not an error.
func (v *Visitor) VisitOpaqueFile(ctx context.Context, relPath, absPath string) error {
	v.markVisited(relPath)
	dst := filepath.Join(v.cfg.OutputRoot, relPath)
	return fsutil.CopyPreservingMode(absPath, dst)
}

// VisitKernelDatabase copies every artifact in db verbatim into the
// output tree; the files are not split by architecture here.
func (v *Visitor) VisitKernelDatabase(ctx context.Context, db *database.KernelDatabase) error {
	for _, art := range db.GetKernelArtifacts() {
		v.markVisited(art.RelativePath)
		srcAbs := filepath.Join(v.cfg.InputRoot, filepath.FromSlash(art.RelativePath))
		dst := filepath.Join(v.cfg.OutputRoot, art.RelativePath)
		if err := fsutil.CopyPreservingMode(srcAbs, dst); err != nil {
			return err
		}
	}
	return nil
}

// VisitBundledBinary extracts every GPU kernel from the binary at
// absPath into the shared kpack archive, then writes a host-only
// rewritten copy carrying a .rocm_kpack_ref marker to the output tree.
func (v *Visitor) VisitBundledBinary(ctx context.Context, relPath, absPath string) error {
	v.markVisited(relPath)

	adapter, err := bundle.NewAdapter(ctx, v.cfg.Toolchain, absPath)
	if err != nil {
		return err
	}
	defer adapter.Close()

	entries, err := adapter.Entries(ctx)
	if err != nil {
		return err
	}

	// Map phase: compress every kernel concurrently-safely (this
	// sequential loop is the "one visiting worker" case spec.md
	// requires — nested submission to the scanner's own pool would
	// deadlock it).
	prepared := make([]*kpack.PreparedKernel, 0, len(entries))
	for _, e := range entries {
		arch := gfxArchFromTriple(e.Triple)
		pk, err := v.archive.PrepareKernel(relPath, arch, e.Payload, nil)
		if err != nil {
			return err
		}
		prepared = append(prepared, pk)
	}
	for _, pk := range prepared {
		if err := v.archive.AddKernel(pk); err != nil {
			return err
		}
	}

	depth := scanutil.Depth(relPath)
	kpackRelPath := strings.Repeat("../", depth) + ".kpack/" + kpack.ComputePackFilename(v.cfg.GroupName, v.cfg.GfxArchFamily)

	tmp, err := os.CreateTemp("", "kpack-marked-*.bin")
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	m := marker.Marker{
		KpackSearchPaths: []string{kpackRelPath},
		KernelName:       scanutil.Normalize(relPath),
	}
	if err := marker.Add(ctx, v.cfg.Toolchain, absPath, tmp.Name(), m); err != nil {
		return err
	}

	dst := filepath.Join(v.cfg.OutputRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return kperr.Wrap(kperr.IO, component, err)
	}
	if _, err := elfrewrite.NeutralizeBinary(tmp.Name(), dst); err != nil {
		return err
	}
	return nil
}

// Finalize runs the archive's reduce step and writes it to
// OutputRoot/.kpack/<filename>.
func (v *Visitor) Finalize() (string, error) {
	if err := v.archive.Finalize(); err != nil {
		return "", err
	}
	filename := kpack.ComputePackFilename(v.cfg.GroupName, v.cfg.GfxArchFamily)
	outDir := filepath.Join(v.cfg.OutputRoot, ".kpack")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", kperr.Wrap(kperr.IO, component, err)
	}
	outPath := filepath.Join(outDir, filename)
	if err := v.archive.Write(outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func (v *Visitor) markVisited(relPath string) {
	v.visitedMu.Lock()
	defer v.visitedMu.Unlock()
	v.visited[relPath] = true
}

// VisitedCount reports how many paths this visitor has processed so far.
func (v *Visitor) VisitedCount() int {
	v.visitedMu.Lock()
	defer v.visitedMu.Unlock()
	return len(v.visited)
}

func gfxArchFromTriple(triple string) string {
	parts := strings.Split(triple, "-")
	return parts[len(parts)-1]
}
