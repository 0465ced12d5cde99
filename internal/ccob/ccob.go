// Package ccob decodes the Clang Compressed Offload Bundle format: a small
// header wrapping a zstd-compressed "uncompressed bundle" of per-target
// code objects. It exists because upstream tooling is known to read past
// the header's declared total_size and corrupt decompression; every read
// here is bounded by that field and nothing else.
package ccob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "ccob"

// Magic is the fixed 4-byte header prefix.
var Magic = [4]byte{'C', 'C', 'O', 'B'}

// bundleMagicPrefix is the (possibly null-padded) 24-byte magic of the
// decompressed uncompressed-bundle payload.
const bundleMagicPrefix = "__CLANG_OFFLOAD_BUNDLE__"

// Header is the 32-byte CCOB header.
type Header struct {
	Version           uint16
	CompressionMethod uint16
	TotalSize         uint64
	UncompressedSize  uint64
	Hash              uint64
}

// Entry describes one code object inside an uncompressed bundle.
type Entry struct {
	Offset uint64
	Size   uint64
	Triple string
}

// Bundle is a fully parsed, decompressed uncompressed-bundle payload.
type Bundle struct {
	Entries []Entry
	Data    []byte // the decompressed payload the entries index into
}

// ParseHeader reads the 32-byte CCOB header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < 32 {
		return h, kperr.New(kperr.FormatInvalid, component, "truncated CCOB header")
	}
	if !bytes.Equal(data[0:4], Magic[:]) {
		return h, kperr.Newf(kperr.FormatInvalid, component, "bad CCOB magic %q", data[0:4])
	}
	h.Version = binary.LittleEndian.Uint16(data[4:6])
	h.CompressionMethod = binary.LittleEndian.Uint16(data[6:8])
	switch h.Version {
	case 3:
		h.TotalSize = binary.LittleEndian.Uint64(data[8:16])
		h.UncompressedSize = binary.LittleEndian.Uint64(data[16:24])
		h.Hash = binary.LittleEndian.Uint64(data[24:32])
	case 2:
		h.TotalSize = uint64(binary.LittleEndian.Uint32(data[8:12]))
		h.UncompressedSize = uint64(binary.LittleEndian.Uint32(data[12:16]))
		h.Hash = binary.LittleEndian.Uint64(data[16:24])
	default:
		return h, kperr.Newf(kperr.FormatInvalid, component, "unsupported CCOB version %d", h.Version)
	}
	return h, nil
}

// Decompress validates and decompresses a CCOB blob, returning the raw
// uncompressed-bundle payload. It never reads past header.TotalSize even
// if data is longer.
func Decompress(data []byte) ([]byte, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.CompressionMethod != 1 {
		return nil, kperr.Newf(kperr.FormatInvalid, component, "unsupported compression method %d", h.CompressionMethod)
	}
	if h.TotalSize < 32 {
		return nil, kperr.New(kperr.FormatInvalid, component, "total_size smaller than header")
	}
	if uint64(len(data)) < h.TotalSize {
		return nil, kperr.Newf(kperr.FormatInvalid, component, "buffer shorter than declared total_size (%d < %d)", len(data), h.TotalSize)
	}
	compressed := data[32:h.TotalSize]

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(compressed, make([]byte, 0, h.UncompressedSize))
	if err != nil {
		return nil, kperr.Wrap(kperr.FormatInvalid, component, fmt.Errorf("decompress: %w", err))
	}
	if uint64(len(out)) != h.UncompressedSize {
		return nil, kperr.Newf(kperr.FormatInvalid, component, "decompressed size mismatch: got %d want %d", len(out), h.UncompressedSize)
	}
	return out, nil
}

// ParseUncompressedBundle parses the magic/entry-table layout of a
// decompressed CCOB payload.
func ParseUncompressedBundle(data []byte) (*Bundle, error) {
	if len(data) < 32 {
		return nil, kperr.New(kperr.FormatInvalid, component, "truncated uncompressed bundle header")
	}
	magic := strings.TrimRight(string(data[0:24]), "\x00")
	if !strings.HasPrefix(magic, bundleMagicPrefix) {
		return nil, kperr.Newf(kperr.FormatInvalid, component, "bad uncompressed bundle magic %q", magic)
	}
	numEntries := binary.LittleEndian.Uint64(data[24:32])

	entries := make([]Entry, 0, numEntries)
	pos := uint64(32)
	for i := uint64(0); i < numEntries; i++ {
		if pos+24 > uint64(len(data)) {
			return nil, kperr.Newf(kperr.FormatInvalid, component, "truncated entry %d", i)
		}
		offset := binary.LittleEndian.Uint64(data[pos : pos+8])
		size := binary.LittleEndian.Uint64(data[pos+8 : pos+16])
		tripleSize := binary.LittleEndian.Uint64(data[pos+16 : pos+24])
		pos += 24
		if pos+tripleSize > uint64(len(data)) {
			return nil, kperr.Newf(kperr.FormatInvalid, component, "truncated triple for entry %d", i)
		}
		triple := string(data[pos : pos+tripleSize])
		pos += tripleSize
		entries = append(entries, Entry{Offset: offset, Size: size, Triple: triple})
	}
	return &Bundle{Entries: entries, Data: data}, nil
}

// ParseFile decompresses and parses a CCOB blob read from path.
func ParseFile(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	payload, err := Decompress(raw)
	if err != nil {
		return nil, err
	}
	return ParseUncompressedBundle(payload)
}

// ListTriples returns every target triple present in the bundle.
func (b *Bundle) ListTriples() []string {
	triples := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		triples[i] = e.Triple
	}
	return triples
}

// GetCodeObject returns the payload bytes for the given triple, or false
// if no entry matches.
func (b *Bundle) GetCodeObject(triple string) ([]byte, bool) {
	for _, e := range b.Entries {
		if e.Triple == triple {
			if e.Offset+e.Size > uint64(len(b.Data)) {
				return nil, false
			}
			return b.Data[e.Offset : e.Offset+e.Size], true
		}
	}
	return nil, false
}
