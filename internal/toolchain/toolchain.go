// Package toolchain is the facade over the external binary-editing tools
// kpacktool shells out to: the offload bundler (for listing/unbundling
// CCOB targets) and objcopy (for dumping, adding, and removing ELF
// sections). Every child process inherits TMPDIR from the operator's
// environment so scratch files land on the same filesystem as any
// caller-specified working directory.
package toolchain

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/xyproto/env/v2"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "toolchain"

// decompressFailureSignatures are substrings the bundler's stderr is
// known to contain when it hits the truncated-read bug that C2's CCOB
// codec exists to work around.
var decompressFailureSignatures = []string{"decompress", "src size is incorrect"}

// Facade wraps paths to the external tools plus the logger every call
// reports through.
type Facade struct {
	BundlerPath string
	ObjcopyPath string
	Log         *log.Logger
}

// New returns a Facade with sensible defaults, resolving the tool paths
// from $PATH unless overridden.
func New(bundlerPath, objcopyPath string, logger *log.Logger) *Facade {
	if bundlerPath == "" {
		bundlerPath = "clang-offload-bundler"
	}
	if objcopyPath == "" {
		objcopyPath = "objcopy"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Facade{BundlerPath: bundlerPath, ObjcopyPath: objcopyPath, Log: logger}
}

func (f *Facade) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	tmpdir := env.Str("TMPDIR", os.TempDir())
	cmd.Env = append(os.Environ(), "TMPDIR="+tmpdir)
	return cmd
}

func (f *Facade) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := f.command(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	f.Log.Debug("running external tool", "name", name, "args", args)
	if err := cmd.Run(); err != nil {
		return nil, kperr.Newf(kperr.BundlerFailed, component, "%s failed: %s", name, stderr.String())
	}
	return stdout.Bytes(), nil
}

// IsKnownDecompressFailure reports whether err's message carries one of
// the signatures that indicate the bundler hit the truncated-read bug
// C2 exists to route around.
func IsKnownDecompressFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range decompressFailureSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// ListTargets returns the target triples an offload-bundle file contains.
func (f *Facade) ListTargets(ctx context.Context, path string) ([]string, error) {
	out, err := f.run(ctx, f.BundlerPath, "-type=o", "-input="+path, "-list")
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			targets = append(targets, line)
		}
	}
	return targets, nil
}

// Unbundle writes the code object for each requested target triple to
// the matching output path.
func (f *Facade) Unbundle(ctx context.Context, path string, targets []string, outputs []string) error {
	if len(targets) != len(outputs) {
		return kperr.New(kperr.InputInvalid, component, "targets and outputs must have equal length")
	}
	args := []string{"-type=o", "-input=" + path, "-targets=" + strings.Join(targets, ","), "-outputs=" + strings.Join(outputs, ",")}
	_, err := f.run(ctx, f.BundlerPath, args...)
	return err
}

// ListSections returns the names of every ELF section in path.
func (f *Facade) ListSections(ctx context.Context, path string) ([]string, error) {
	out, err := f.run(ctx, f.ObjcopyPath, "--section-list", path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// DumpSection extracts sectionName from binaryPath into outPath.
func (f *Facade) DumpSection(ctx context.Context, binaryPath, sectionName, outPath string) error {
	_, err := f.run(ctx, f.ObjcopyPath, "--dump-section", sectionName+"="+outPath, binaryPath)
	return err
}

// AddSection adds a new non-allocated section named sectionName with the
// contents of dataPath, writing the result to outPath.
func (f *Facade) AddSection(ctx context.Context, binaryPath, sectionName, dataPath, outPath string) error {
	_, err := f.run(ctx, f.ObjcopyPath, "--add-section", sectionName+"="+dataPath, binaryPath, outPath)
	return err
}

// RemoveSection removes sectionName, writing the result to outPath.
func (f *Facade) RemoveSection(ctx context.Context, binaryPath, sectionName, outPath string) error {
	_, err := f.run(ctx, f.ObjcopyPath, "--remove-section="+sectionName, binaryPath, outPath)
	return err
}
