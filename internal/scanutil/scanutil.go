// Package scanutil centralizes path normalization so every component that
// produces a relative path (scanner, recognizers, archive keys, manifests)
// agrees on one representation: forward slashes, no leading "./".
package scanutil

import (
	"path/filepath"
	"strings"
)

// Normalize converts p to a forward-slash relative path with no leading
// "./" component, regardless of the host path separator it was built with.
func Normalize(p string) string {
	p = strings.ReplaceAll(filepath.ToSlash(p), "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return p
}

// RelNormalized returns the forward-slashed path of target relative to
// root.
func RelNormalized(root, target string) (string, error) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", err
	}
	return Normalize(rel), nil
}

// Depth returns the number of path components in p excluding the final
// component (so a file directly under root has depth 0).
func Depth(p string) int {
	p = Normalize(p)
	dir := filepath.Dir(p)
	if dir == "." || dir == "/" {
		return 0
	}
	return len(strings.Split(dir, "/"))
}
