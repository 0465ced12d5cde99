package kpcompress

import (
	"bytes"
	"testing"
)

type memReaderAt struct{ data []byte }

func (m *memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func roundTrip(t *testing.T, scheme string, kernels [][]byte) {
	t.Helper()
	c, err := New(scheme)
	if err != nil {
		t.Fatalf("New(%q): %v", scheme, err)
	}

	inputs := make([]Input, len(kernels))
	for i, data := range kernels {
		in, err := c.PrepareKernel(data, "kernel")
		if err != nil {
			t.Fatalf("PrepareKernel: %v", err)
		}
		inputs[i] = in
	}

	blob, tocMeta, err := c.Finalize(inputs)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	tocMeta["compression_scheme"] = scheme

	reader := &memReaderAt{data: blob}
	reconstructed, err := FromTOC(tocMeta, func() (ReaderAt, error) { return reader, nil })
	if err != nil {
		t.Fatalf("FromTOC: %v", err)
	}

	for i, want := range kernels {
		got, err := reconstructed.DecompressKernel(i)
		if err != nil {
			t.Fatalf("DecompressKernel(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("kernel %d = %q, want %q", i, got, want)
		}
	}
}

func TestNoOpRoundTrip(t *testing.T) {
	roundTrip(t, "none", [][]byte{[]byte("first kernel"), []byte("second kernel, longer"), {}})
}

func TestZstdRoundTrip(t *testing.T) {
	roundTrip(t, "zstd-per-kernel", [][]byte{
		bytes.Repeat([]byte("abcxyz"), 500),
		[]byte("tiny"),
	})
}

func TestNewUnknownScheme(t *testing.T) {
	if _, err := New("lz4"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestDecompressKernelMissingOrdinal(t *testing.T) {
	c, _ := New("none")
	blob, tocMeta, err := c.Finalize(nil)
	if err != nil {
		t.Fatal(err)
	}
	tocMeta["compression_scheme"] = "none"
	reader := &memReaderAt{data: blob}
	reconstructed, err := FromTOC(tocMeta, func() (ReaderAt, error) { return reader, nil })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reconstructed.DecompressKernel(0); err == nil {
		t.Fatal("expected error for out-of-range ordinal")
	}
}
