// Package fsutil provides the filesystem primitives the pack visitor and
// recombine collector need: mode-bit-preserving copies that never follow
// symlinks, and atomic sibling-then-rename writes for partial-output
// safety.
package fsutil

import (
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "fsutil"

// CopyPreservingMode copies src to dst, creating parent directories as
// needed. If src is a symlink, the link itself is recreated at dst
// (never dereferenced); otherwise the file's mode bits are preserved.
// A pre-existing dst is tolerated (AlreadyExists is not an error here;
// concurrent workers racing to populate the same destination is
// expected behavior).
func CopyPreservingMode(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(dst)
	}

	var stat unix.Stat_t
	if err := unix.Lstat(src, &stat); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(src)
	}

	if stat.Mode&unix.S_IFMT == unix.S_IFLNK {
		target, err := os.Readlink(src)
		if err != nil {
			return kperr.Wrap(kperr.IO, component, err).WithPath(src)
		}
		if err := unix.Symlink(target, dst); err != nil {
			if os.IsExist(err) {
				return nil
			}
			return kperr.Wrap(kperr.IO, component, err).WithPath(dst)
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(src)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode())
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return kperr.Wrap(kperr.IO, component, err).WithPath(dst)
	}
	defer out.Close()

	// OpenFile's mode is filtered by the umask; set it explicitly.
	if err := out.Chmod(info.Mode()); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(dst)
	}
	return nil
}

// WriteAtomic writes data to a sibling temp path and renames it into
// place, so a reader never observes a partially written file.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp-kpacktool"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	return nil
}

// CopyTreeExcluding recursively copies every file under src into dst,
// skipping any directory named in excludeDirNames (and everything
// beneath it). Symlinks are preserved via CopyPreservingMode.
func CopyTreeExcluding(src, dst string, excludeDirNames ...string) error {
	excluded := make(map[string]bool, len(excludeDirNames))
	for _, n := range excludeDirNames {
		excluded[n] = true
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(src, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if excluded[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		return CopyPreservingMode(path, filepath.Join(dst, rel))
	})
}

// FileMode returns the mode bits of path without following symlinks.
func FileMode(path string) (os.FileMode, error) {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return 0, kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	return os.FileMode(stat.Mode & 0o7777), nil
}
