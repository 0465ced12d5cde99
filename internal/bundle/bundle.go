// Package bundle is the bundled-binary adapter: it detects ELF files
// carrying a .hip_fatbin offload bundle, extracts it (falling back to
// the CCOB codec when the external bundler hits its known truncated-read
// bug), and exposes the GPU-only {triple, payload} pairs it contains.
package bundle

import (
	"context"
	"os"
	"strings"

	"github.com/xyproto/kpacktool/internal/ccob"
	"github.com/xyproto/kpacktool/internal/kperr"
	"github.com/xyproto/kpacktool/internal/toolchain"
)

const (
	component        = "bundle"
	hipFatbinSection = ".hip_fatbin"
	hostTriplePrefix = "host-"
)

// Kind classifies a file for the purposes of the tree scanner.
type Kind int

const (
	Opaque Kind = iota
	Bundled
)

// Detect classifies path without fully parsing its contents: it must
// start with the ELF magic, and must list a .hip_fatbin section.
func Detect(ctx context.Context, tc *toolchain.Facade, path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return Opaque, kperr.Wrap(kperr.IO, component, err).WithPath(path)
	}
	defer f.Close()
	var magic [4]byte
	n, _ := f.Read(magic[:])
	if n < 4 || magic[0] != 0x7f || magic[1] != 'E' || magic[2] != 'L' || magic[3] != 'F' {
		return Opaque, nil
	}
	sections, err := tc.ListSections(ctx, path)
	if err != nil {
		return Opaque, err
	}
	for _, s := range sections {
		if s == hipFatbinSection {
			return Bundled, nil
		}
	}
	return Opaque, nil
}

// Entry is one GPU-target code object inside a bundle.
type Entry struct {
	Triple  string
	Payload []byte
}

// Adapter extracts entries from one bundled binary. The .hip_fatbin dump
// is written to a temp file when the adapter is created, and Entries adds
// one temp file per target; Close removes all of them.
type Adapter struct {
	tc         *toolchain.Facade
	path       string
	tmpFiles   []string
	ccobBundle *ccob.Bundle // set when we fell back to the CCOB codec
	payloadPth string       // path to the raw bundler payload (dumped or original)
}

// NewAdapter prepares an adapter for path, dumping the .hip_fatbin
// section to a temp file if path is an ELF container rather than a raw
// bundler payload.
func NewAdapter(ctx context.Context, tc *toolchain.Facade, path string) (*Adapter, error) {
	a := &Adapter{tc: tc, path: path}

	kind, err := Detect(ctx, tc, path)
	if err != nil {
		return nil, err
	}
	if kind == Bundled {
		tmp, err := os.CreateTemp("", "kpack-hipfatbin-*.bin")
		if err != nil {
			return nil, kperr.Wrap(kperr.IO, component, err)
		}
		tmp.Close()
		if err := tc.DumpSection(ctx, path, hipFatbinSection, tmp.Name()); err != nil {
			os.Remove(tmp.Name())
			return nil, err
		}
		a.tmpFiles = append(a.tmpFiles, tmp.Name())
		a.payloadPth = tmp.Name()
	} else {
		a.payloadPth = path
	}
	return a, nil
}

// Close removes every temp file created for this adapter's lifetime.
func (a *Adapter) Close() error {
	for _, f := range a.tmpFiles {
		os.Remove(f)
	}
	a.tmpFiles = nil
	return nil
}

func (a *Adapter) allTargets(ctx context.Context) ([]string, error) {
	targets, err := a.tc.ListTargets(ctx, a.payloadPth)
	if err == nil {
		return targets, nil
	}
	if !toolchain.IsKnownDecompressFailure(err) {
		return nil, err
	}
	b, perr := ccob.ParseFile(a.payloadPth)
	if perr != nil {
		return nil, perr
	}
	a.ccobBundle = b
	return b.ListTriples(), nil
}

// ListBundles returns the GPU target triples in this bundle; host
// entries are filtered out.
func (a *Adapter) ListBundles(ctx context.Context) ([]string, error) {
	targets, err := a.allTargets(ctx)
	if err != nil {
		return nil, err
	}
	var gpuTargets []string
	for _, t := range targets {
		if !strings.HasPrefix(t, hostTriplePrefix) {
			gpuTargets = append(gpuTargets, t)
		}
	}
	return gpuTargets, nil
}

// Entries extracts the payload for every GPU target triple.
func (a *Adapter) Entries(ctx context.Context) ([]Entry, error) {
	targets, err := a.ListBundles(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(targets))

	if a.ccobBundle != nil {
		for _, t := range targets {
			payload, ok := a.ccobBundle.GetCodeObject(t)
			if !ok {
				return nil, kperr.Newf(kperr.Missing, component, "CCOB bundle missing entry for %s", t)
			}
			entries = append(entries, Entry{Triple: t, Payload: payload})
		}
		return entries, nil
	}

	for _, t := range targets {
		tmp, err := os.CreateTemp("", "kpack-target-*.bin")
		if err != nil {
			return nil, kperr.Wrap(kperr.IO, component, err)
		}
		tmp.Close()
		a.tmpFiles = append(a.tmpFiles, tmp.Name())

		if err := a.tc.Unbundle(ctx, a.payloadPth, []string{t}, []string{tmp.Name()}); err != nil {
			return nil, err
		}
		payload, err := os.ReadFile(tmp.Name())
		if err != nil {
			return nil, kperr.Wrap(kperr.IO, component, err)
		}
		entries = append(entries, Entry{Triple: t, Payload: payload})
	}
	return entries, nil
}
