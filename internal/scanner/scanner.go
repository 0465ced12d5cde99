// Package scanner walks an install tree in deterministic sorted order,
// classifying every path as belonging to a recognized kernel database, a
// bundled binary, or an opaque file, and dispatching to a Visitor. Once a
// directory is claimed by a database recognizer, every path beneath it is
// skipped for further classification.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xyproto/kpacktool/internal/bundle"
	"github.com/xyproto/kpacktool/internal/database"
	"github.com/xyproto/kpacktool/internal/kperr"
	"github.com/xyproto/kpacktool/internal/toolchain"
	"github.com/xyproto/kpacktool/internal/workpool"
)

const component = "scanner"

// Visitor receives the classification of every path the scanner visits.
// Implementations must tolerate being called concurrently from multiple
// goroutines unless the scanner's JobLimit is 1.
type Visitor interface {
	VisitKernelDatabase(ctx context.Context, db *database.KernelDatabase) error
	VisitBundledBinary(ctx context.Context, relPath, absPath string) error
	VisitOpaqueFile(ctx context.Context, relPath, absPath string) error
}

// Scanner walks Root, classifying every entry against Recognizers and the
// bundled-binary adapter before calling Visitor's hooks.
type Scanner struct {
	Root        string
	Recognizers []database.Recognizer
	Toolchain   *toolchain.Facade
	Visitor     Visitor
	// JobLimit bounds the number of concurrent classification tasks; 0
	// means run every path's processing in its own goroutine
	// (errgroup's default, effectively unbounded).
	JobLimit int
}

// Run walks the tree once, claims database subtrees, then classifies and
// dispatches every remaining path. Per-path processing errors are
// collected; the first one is returned.
func (s *Scanner) Run(ctx context.Context) error {
	paths, err := s.collectSorted()
	if err != nil {
		return err
	}

	claimed := newClaimSet()
	var claimedDBs []*database.KernelDatabase
	for _, p := range paths {
		if claimed.contains(p.rel) {
			continue
		}
		if !p.isDir {
			continue
		}
		for _, rec := range s.Recognizers {
			if !rec.CanRecognize(p.abs, s.Root) {
				continue
			}
			if _, ok := rec.Recognize(p.abs, s.Root); !ok {
				continue
			}
			db := database.NewKernelDatabase(rec.Name(), p.abs)
			if err := s.populateDatabase(db, rec); err != nil {
				return err
			}
			claimed.add(p.rel)
			claimedDBs = append(claimedDBs, db)
			break
		}
	}

	var tasks []func(context.Context) error
	for _, db := range claimedDBs {
		db := db
		tasks = append(tasks, func(ctx context.Context) error {
			return s.Visitor.VisitKernelDatabase(ctx, db)
		})
	}

	for _, p := range paths {
		if p.isDir || claimed.contains(p.rel) {
			continue
		}
		p := p
		tasks = append(tasks, func(ctx context.Context) error {
			kind, err := bundle.Detect(ctx, s.Toolchain, p.abs)
			if err != nil {
				return err
			}
			if kind == bundle.Bundled {
				return s.Visitor.VisitBundledBinary(ctx, p.rel, p.abs)
			}
			return s.Visitor.VisitOpaqueFile(ctx, p.rel, p.abs)
		})
	}

	pool := &workpool.Pool{Limit: s.JobLimit}
	return pool.Run(ctx, tasks)
}

type scanPath struct {
	rel, abs string
	isDir    bool
}

type claimSet struct {
	prefixes []string
}

func newClaimSet() *claimSet { return &claimSet{} }

func (c *claimSet) add(rel string)    { c.prefixes = append(c.prefixes, rel) }
func (c *claimSet) contains(rel string) bool {
	for _, p := range c.prefixes {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

func (s *Scanner) collectSorted() ([]scanPath, error) {
	var out []scanPath
	err := filepath.Walk(s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == s.Root {
			return nil
		}
		rel, rerr := filepath.Rel(s.Root, path)
		if rerr != nil {
			return rerr
		}
		out = append(out, scanPath{rel: filepath.ToSlash(rel), abs: path, isDir: info.IsDir()})
		return nil
	})
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err).WithPath(s.Root)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out, nil
}

func (s *Scanner) populateDatabase(db *database.KernelDatabase, rec database.Recognizer) error {
	return filepath.Walk(db.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(s.Root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if arch, ok := rec.Recognize(path, s.Root); ok {
			db.AddArtifact(rel, arch)
		}
		return nil
	})
}
