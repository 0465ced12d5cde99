// Package kpcompress implements the pluggable map/reduce compression
// schemes used by a kpack archive's blob: "none" (raw concatenation) and
// "zstd-per-kernel" (independent zstd frames, one per kernel).
package kpcompress

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "kpcompress"

// Input is the map-phase output for one kernel: opaque to the archive,
// meaningful only to the scheme that produced it.
type Input interface {
	KernelID() string
}

// Compressor is the contract every compression scheme implements. The map
// phase (PrepareKernel) may be called from multiple goroutines on disjoint
// inputs; the reduce phase (Finalize) runs once, single-threaded, after
// every kernel has been prepared.
type Compressor interface {
	SchemeName() string
	PrepareKernel(data []byte, kernelID string) (Input, error)
	// Finalize concatenates/encodes every prepared input, in ordinal
	// order, into the archive's blob. It returns the blob bytes plus any
	// scheme-specific TOC metadata to merge into the archive's TOC map.
	Finalize(inputs []Input) (blob []byte, tocMeta map[string]any, err error)
	// DecompressKernel returns the raw bytes for the kernel at the given
	// ordinal, reader-side.
	DecompressKernel(ordinal int) ([]byte, error)
}

// Factory builds a reader-side Compressor from a TOC's scheme-specific
// fields. fileOpener is deferred so construction never opens the file
// itself; the first DecompressKernel call does.
type Factory func(tocMeta map[string]any, fileOpener func() (ReaderAt, error)) (Compressor, error)

// ReaderAt is satisfied by *os.File; kept as an interface so tests can
// substitute an in-memory reader.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

var registry = map[string]Factory{}

func init() {
	registry["none"] = newNoOpFromTOC
	registry["zstd-per-kernel"] = newZstdFromTOC
}

// FromTOC builds the Compressor named by tocMeta["compression_scheme"],
// defaulting to "none" when the key is absent.
func FromTOC(tocMeta map[string]any, fileOpener func() (ReaderAt, error)) (Compressor, error) {
	scheme, _ := tocMeta["compression_scheme"].(string)
	if scheme == "" {
		scheme = "none"
	}
	factory, ok := registry[scheme]
	if !ok {
		return nil, kperr.Newf(kperr.FormatInvalid, component, "unknown compression scheme %q", scheme)
	}
	return factory(tocMeta, fileOpener)
}

// New constructs a writer-side Compressor by scheme name.
func New(scheme string) (Compressor, error) {
	switch scheme {
	case "none":
		return &NoOpCompressor{}, nil
	case "zstd-per-kernel":
		return &ZstdCompressor{Level: zstd.SpeedDefault}, nil
	default:
		return nil, kperr.Newf(kperr.FormatInvalid, component, "unknown compression scheme %q", scheme)
	}
}

// --- none ---

type noOpInput struct {
	kernelID string
	data     []byte
}

func (i noOpInput) KernelID() string { return i.kernelID }

// NoOpCompressor stores kernels verbatim, concatenated in ordinal order.
type NoOpCompressor struct {
	opener func() (ReaderAt, error)
	blobs  []blobRange
	reader ReaderAt
	mu     sync.Mutex
}

type blobRange struct {
	Offset uint64
	Size   uint64
}

func (c *NoOpCompressor) SchemeName() string { return "none" }

func (c *NoOpCompressor) PrepareKernel(data []byte, kernelID string) (Input, error) {
	return noOpInput{kernelID: kernelID, data: data}, nil
}

func (c *NoOpCompressor) Finalize(inputs []Input) ([]byte, map[string]any, error) {
	var blob []byte
	blobs := make([]map[string]any, 0, len(inputs))
	var offset uint64
	for _, raw := range inputs {
		in, ok := raw.(noOpInput)
		if !ok {
			return nil, nil, kperr.New(kperr.FormatInvalid, component, "unexpected input type for none scheme")
		}
		blob = append(blob, in.data...)
		blobs = append(blobs, map[string]any{"offset": offset, "size": uint64(len(in.data))})
		offset += uint64(len(in.data))
	}
	return blob, map[string]any{"blobs": blobs}, nil
}

func (c *NoOpCompressor) DecompressKernel(ordinal int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ordinal < 0 || ordinal >= len(c.blobs) {
		return nil, kperr.Newf(kperr.Missing, component, "no blob entry for ordinal %d", ordinal)
	}
	if c.reader == nil {
		r, err := c.opener()
		if err != nil {
			return nil, kperr.Wrap(kperr.IO, component, err)
		}
		c.reader = r
	}
	br := c.blobs[ordinal]
	buf := make([]byte, br.Size)
	if _, err := c.reader.ReadAt(buf, int64(br.Offset)); err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err)
	}
	return buf, nil
}

func newNoOpFromTOC(tocMeta map[string]any, opener func() (ReaderAt, error)) (Compressor, error) {
	rawBlobs, _ := tocMeta["blobs"].([]any)
	blobs := make([]blobRange, 0, len(rawBlobs))
	for _, rb := range rawBlobs {
		m, ok := rb.(map[string]any)
		if !ok {
			return nil, kperr.New(kperr.FormatInvalid, component, "malformed blobs entry in TOC")
		}
		blobs = append(blobs, blobRange{
			Offset: toUint64(m["offset"]),
			Size:   toUint64(m["size"]),
		})
	}
	return &NoOpCompressor{opener: opener, blobs: blobs}, nil
}

// --- zstd-per-kernel ---

type zstdInput struct {
	kernelID     string
	frame        []byte
	originalSize int
}

func (i zstdInput) KernelID() string { return i.kernelID }

// ZstdCompressor independently compresses each kernel with its own
// encoder instance; encoder state is never shared across PrepareKernel
// calls, so concurrent invocations on disjoint inputs are safe.
type ZstdCompressor struct {
	Level zstd.EncoderLevel

	opener  func() (ReaderAt, error)
	zOffset uint64
	zSize   uint64

	indexOnce sync.Once
	indexErr  error
	frames    []blobRange
	blobData  []byte
	decoder   *zstd.Decoder
	decOnce   sync.Once
}

func (c *ZstdCompressor) SchemeName() string { return "zstd-per-kernel" }

func (c *ZstdCompressor) PrepareKernel(data []byte, kernelID string) (Input, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.Level))
	if err != nil {
		return nil, kperr.Wrap(kperr.IO, component, err)
	}
	defer enc.Close()
	frame := enc.EncodeAll(data, make([]byte, 0, len(data)))
	return zstdInput{kernelID: kernelID, frame: frame, originalSize: len(data)}, nil
}

func (c *ZstdCompressor) Finalize(inputs []Input) ([]byte, map[string]any, error) {
	var blob []byte
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(inputs)))
	blob = append(blob, header...)
	for _, raw := range inputs {
		in, ok := raw.(zstdInput)
		if !ok {
			return nil, nil, kperr.New(kperr.FormatInvalid, component, "unexpected input type for zstd-per-kernel scheme")
		}
		sizeField := make([]byte, 4)
		binary.LittleEndian.PutUint32(sizeField, uint32(len(in.frame)))
		blob = append(blob, sizeField...)
		blob = append(blob, in.frame...)
	}
	return blob, map[string]any{"zstd_offset": uint64(0), "zstd_size": uint64(len(blob))}, nil
}

func (c *ZstdCompressor) buildIndex() error {
	c.indexOnce.Do(func() {
		r, err := c.opener()
		if err != nil {
			c.indexErr = kperr.Wrap(kperr.IO, component, err)
			return
		}
		buf := make([]byte, c.zSize)
		if _, err := r.ReadAt(buf, int64(c.zOffset)); err != nil {
			c.indexErr = kperr.Wrap(kperr.IO, component, err)
			return
		}
		c.blobData = buf
		if len(buf) < 4 {
			c.indexErr = kperr.New(kperr.FormatInvalid, component, "truncated zstd blob header")
			return
		}
		count := binary.LittleEndian.Uint32(buf[0:4])
		pos := uint64(4)
		frames := make([]blobRange, 0, count)
		for i := uint32(0); i < count; i++ {
			if pos+4 > uint64(len(buf)) {
				c.indexErr = kperr.Newf(kperr.FormatInvalid, component, "truncated frame header for kernel %d", i)
				return
			}
			frameSize := binary.LittleEndian.Uint32(buf[pos : pos+4])
			pos += 4
			if pos+uint64(frameSize) > uint64(len(buf)) {
				c.indexErr = kperr.Newf(kperr.FormatInvalid, component, "truncated frame body for kernel %d", i)
				return
			}
			frames = append(frames, blobRange{Offset: pos, Size: uint64(frameSize)})
			pos += uint64(frameSize)
		}
		c.frames = frames
	})
	return c.indexErr
}

func (c *ZstdCompressor) DecompressKernel(ordinal int) ([]byte, error) {
	if err := c.buildIndex(); err != nil {
		return nil, err
	}
	if ordinal < 0 || ordinal >= len(c.frames) {
		return nil, kperr.Newf(kperr.Missing, component, "no frame for ordinal %d", ordinal)
	}
	var decErr error
	c.decOnce.Do(func() {
		c.decoder, decErr = zstd.NewReader(nil)
	})
	if decErr != nil {
		return nil, kperr.Wrap(kperr.IO, component, decErr)
	}
	fr := c.frames[ordinal]
	frame := c.blobData[fr.Offset : fr.Offset+fr.Size]
	out, err := c.decoder.DecodeAll(frame, nil)
	if err != nil {
		return nil, kperr.Wrap(kperr.FormatInvalid, component, fmt.Errorf("decompress kernel %d: %w", ordinal, err))
	}
	return out, nil
}

func newZstdFromTOC(tocMeta map[string]any, opener func() (ReaderAt, error)) (Compressor, error) {
	return &ZstdCompressor{
		opener:  opener,
		zOffset: toUint64(tocMeta["zstd_offset"]),
		zSize:   toUint64(tocMeta["zstd_size"]),
	}, nil
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	case int:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}
