// Package marker reads and writes the .rocm_kpack_ref ELF section: a
// MessagePack-encoded pointer from a rewritten host binary back to the
// kpack archive (or archives) holding the GPU code that used to live
// inside it.
package marker

import (
	"context"
	"os"

	"github.com/vmihailenko/msgpack/v5"

	"github.com/xyproto/kpacktool/internal/kperr"
	"github.com/xyproto/kpacktool/internal/toolchain"
)

const (
	component   = "marker"
	SectionName = ".rocm_kpack_ref"
)

// Marker is the payload stored in .rocm_kpack_ref.
type Marker struct {
	KpackSearchPaths []string `msgpack:"kpack_search_paths"`
	KernelName       string   `msgpack:"kernel_name"`
}

// Add serializes m to MessagePack and uses the toolchain facade's
// add-section primitive to attach it as a new, initially non-allocated
// .rocm_kpack_ref section.
func Add(ctx context.Context, tc *toolchain.Facade, inputPath, outputPath string, m Marker) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err)
	}
	tmp, err := os.CreateTemp("", "kpack-marker-*.bin")
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return kperr.Wrap(kperr.IO, component, err)
	}
	tmp.Close()

	return tc.AddSection(ctx, inputPath, SectionName, tmp.Name(), outputPath)
}

// Read lists the sections of binary and, if .rocm_kpack_ref is present,
// dumps and decodes it. A missing section is not an error: it returns
// (nil, nil).
func Read(ctx context.Context, tc *toolchain.Facade, binaryPath string) (*Marker, error) {
	sections, err := tc.ListSections(ctx, binaryPath)
	if err != nil {
		return nil, err
	}
	found := false
	for _, s := range sections {
		if s == SectionName {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	tmp, err := os.CreateTemp("", "kpack-marker-read-*.bin")
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err)
	}
	defer os.Remove(tmp.Name())
	tmp.Close()

	if err := tc.DumpSection(ctx, binaryPath, SectionName, tmp.Name()); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err)
	}
	var m Marker
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, kperr.Wrap(kperr.FormatInvalid, component, err).WithPath(binaryPath)
	}
	return &m, nil
}
