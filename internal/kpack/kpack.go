// Package kpack implements the content-addressed kpack archive format: a
// small header, a compression-scheme-specific blob, and a MessagePack
// table of contents mapping install-tree-relative paths and GPU
// architectures to kernel records.
package kpack

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/vmihailenko/msgpack/v5"

	"github.com/xyproto/kpacktool/internal/kpcompress"
	"github.com/xyproto/kpacktool/internal/kperr"
)

const (
	component     = "kpack"
	magic         = "KPAK"
	formatVersion = 1
	headerSize    = 16
	blobAlignment = 64
)

// PreparedKernel is the map-phase output of PrepareKernel: everything
// AddKernel needs to register the kernel, without having touched any
// archive-owned state yet.
type PreparedKernel struct {
	RelativePath     string
	GfxArch          string
	KernelID         string
	OriginalSize     int
	Metadata         map[string]any
	CompressionInput kpcompress.Input
}

type tocEntry struct {
	Type         string         `msgpack:"type"`
	Ordinal      int            `msgpack:"ordinal"`
	OriginalSize int            `msgpack:"original_size"`
	Metadata     map[string]any `msgpack:"metadata,omitempty"`
}

// Archive is a kpack archive under construction or opened for reading.
// The write path is: PrepareKernel (concurrent) -> AddKernel (serial) ->
// Finalize (once) -> Write. The read path is Read -> GetKernel.
type Archive struct {
	GroupName     string
	GfxArchFamily string
	GfxArches     []string

	compressor kpcompress.Compressor

	mu                sync.Mutex
	toc               map[string]map[string]*tocEntry
	ordinalCounter    int
	compressionInputs []kpcompress.Input // index == ordinal
	finalized         bool

	blob    []byte
	tocMeta map[string]any

	filePath string
}

// New constructs an archive under a given compression scheme.
func New(group, family string, arches []string, compressor kpcompress.Compressor) *Archive {
	return &Archive{
		GroupName:     group,
		GfxArchFamily: family,
		GfxArches:     arches,
		compressor:    compressor,
		toc:           make(map[string]map[string]*tocEntry),
	}
}

func normalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// PrepareKernel runs the map-phase compression step. It is safe to call
// concurrently from multiple goroutines as long as each call operates on
// disjoint kernel data; it does not touch archive-owned state.
func (a *Archive) PrepareKernel(relativePath, gfxArch string, data []byte, metadata map[string]any) (*PreparedKernel, error) {
	relativePath = normalizePath(relativePath)
	kernelID := fmt.Sprintf("%s@%s", relativePath, gfxArch)
	input, err := a.compressor.PrepareKernel(data, kernelID)
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err)
	}
	return &PreparedKernel{
		RelativePath:     relativePath,
		GfxArch:          gfxArch,
		KernelID:         kernelID,
		OriginalSize:     len(data),
		Metadata:         metadata,
		CompressionInput: input,
	}, nil
}

// AddKernel registers a prepared kernel in the archive's TOC. It is the
// serial half of the map/reduce split: callers must serialize calls
// (typically behind a mutex shared with the scanner's visitor).
func (a *Archive) AddKernel(pk *PreparedKernel) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return kperr.New(kperr.BadState, component, "cannot add a kernel after finalize")
	}
	byArch, ok := a.toc[pk.RelativePath]
	if !ok {
		byArch = make(map[string]*tocEntry)
		a.toc[pk.RelativePath] = byArch
	}
	if _, exists := byArch[pk.GfxArch]; exists {
		return kperr.Newf(kperr.Duplicate, component, "duplicate kernel %s@%s", pk.RelativePath, pk.GfxArch)
	}

	ordinal := a.ordinalCounter
	a.ordinalCounter++
	byArch[pk.GfxArch] = &tocEntry{
		Type:         "hsaco",
		Ordinal:      ordinal,
		OriginalSize: pk.OriginalSize,
		Metadata:     pk.Metadata,
	}
	a.compressionInputs = append(a.compressionInputs, pk.CompressionInput)
	return nil
}

// Finalize runs the compression scheme's reduce step exactly once.
func (a *Archive) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return kperr.New(kperr.BadState, component, "archive already finalized")
	}
	blob, tocMeta, err := a.compressor.Finalize(a.compressionInputs)
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err)
	}
	a.blob = blob
	a.tocMeta = tocMeta
	a.finalized = true
	a.compressionInputs = nil
	return nil
}

// Write serializes the finalized archive to outputPath.
func (a *Archive) Write(outputPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.finalized {
		return kperr.New(kperr.BadState, component, "write called before finalize")
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
	}
	defer f.Close()

	header := make([]byte, headerSize)
	copy(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], formatVersion)
	// toc_offset placeholder; backpatched below.
	if _, err := f.Write(header); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
	}

	written := int64(headerSize)
	if pad := (blobAlignment - written%blobAlignment) % blobAlignment; pad > 0 {
		if _, err := f.Write(make([]byte, pad)); err != nil {
			return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
		}
		written += pad
	}
	blobStart := written

	if _, err := f.Write(a.blob); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
	}

	tocMeta := make(map[string]any, len(a.tocMeta)+1)
	for k, v := range a.tocMeta {
		tocMeta[k] = v
	}
	tocMeta["compression_scheme"] = a.compressor.SchemeName()
	switch a.compressor.SchemeName() {
	case "zstd-per-kernel":
		tocMeta["zstd_offset"] = uint64(blobStart)
	case "none":
		if rawBlobs, ok := tocMeta["blobs"].([]map[string]any); ok {
			for _, b := range rawBlobs {
				b["offset"] = toUint64(b["offset"]) + uint64(blobStart)
			}
		}
	}

	fullTOC := map[string]any{
		"format_version":  formatVersion,
		"group_name":      a.GroupName,
		"gfx_arch_family": a.GfxArchFamily,
		"gfx_arches":      a.GfxArches,
		"toc":             a.toc,
	}
	for k, v := range tocMeta {
		fullTOC[k] = v
	}

	tocOffset, err := f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
	}
	enc := msgpack.NewEncoder(f)
	enc.UseArrayEncodedStructs(false)
	if err := enc.Encode(fullTOC); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
	}

	if _, err := f.Seek(8, os.SEEK_SET); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
	}
	offsetBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(offsetBytes, uint64(tocOffset))
	if _, err := f.Write(offsetBytes); err != nil {
		return kperr.Wrap(kperr.IO, component, err).WithPath(outputPath)
	}
	return nil
}

// Read opens an existing kpack archive for reading.
func Read(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, kperr.Wrap(kperr.FormatInvalid, component, err).WithPath(path)
	}
	if string(header[0:4]) != magic {
		f.Close()
		return nil, kperr.Newf(kperr.FormatInvalid, component, "bad kpack magic %q", header[0:4]).WithPath(path)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != formatVersion {
		f.Close()
		return nil, kperr.Newf(kperr.FormatInvalid, component, "unsupported kpack format version %d", version).WithPath(path)
	}
	tocOffset := binary.LittleEndian.Uint64(header[8:16])

	if _, err := f.Seek(int64(tocOffset), os.SEEK_SET); err != nil {
		f.Close()
		return nil, kperr.Wrap(kperr.FormatInvalid, component, err).WithPath(path)
	}
	dec := msgpack.NewDecoder(f)
	var tocData map[string]any
	if err := dec.Decode(&tocData); err != nil {
		f.Close()
		return nil, kperr.Wrap(kperr.FormatInvalid, component, err).WithPath(path)
	}

	a := &Archive{
		GroupName:     toStr(tocData["group_name"]),
		GfxArchFamily: toStr(tocData["gfx_arch_family"]),
		toc:           make(map[string]map[string]*tocEntry),
		finalized:     true,
		filePath:      path,
	}
	if arches, ok := tocData["gfx_arches"].([]any); ok {
		for _, v := range arches {
			a.GfxArches = append(a.GfxArches, toStr(v))
		}
	}
	rawTOC, _ := tocData["toc"].(map[string]any)
	for relPath, byArchRaw := range rawTOC {
		byArchMap, ok := byArchRaw.(map[string]any)
		if !ok {
			continue
		}
		entries := make(map[string]*tocEntry, len(byArchMap))
		for arch, entryRaw := range byArchMap {
			em, ok := entryRaw.(map[string]any)
			if !ok {
				continue
			}
			entries[arch] = &tocEntry{
				Type:         toStr(em["type"]),
				Ordinal:      int(toUint64(em["ordinal"])),
				OriginalSize: int(toUint64(em["original_size"])),
			}
			if md, ok := em["metadata"].(map[string]any); ok {
				entries[arch].Metadata = md
			}
		}
		a.toc[relPath] = entries
	}

	opener := func() (kpcompress.ReaderAt, error) {
		return f, nil
	}
	compressor, err := kpcompress.FromTOC(tocData, opener)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.compressor = compressor
	return a, nil
}

// GetKernel returns the decompressed bytes for (relativePath, gfxArch),
// or kperr.Missing if no such kernel exists.
func (a *Archive) GetKernel(relativePath, gfxArch string) ([]byte, error) {
	if !a.finalized {
		return nil, kperr.New(kperr.BadState, component, "get_kernel called before finalize")
	}
	relativePath = normalizePath(relativePath)
	byArch, ok := a.toc[relativePath]
	if !ok {
		return nil, kperr.Newf(kperr.Missing, component, "no kernel entry for %s", relativePath)
	}
	entry, ok := byArch[gfxArch]
	if !ok {
		return nil, kperr.Newf(kperr.Missing, component, "no kernel entry for %s@%s", relativePath, gfxArch)
	}
	return a.compressor.DecompressKernel(entry.Ordinal)
}

// ComputePackFilename returns the conventional "<group>-<family>.kpack"
// filename for an archive.
func ComputePackFilename(groupName, gfxArchFamily string) string {
	return fmt.Sprintf("%s-%s.kpack", groupName, gfxArchFamily)
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	case uint32:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}
