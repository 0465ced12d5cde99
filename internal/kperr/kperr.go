// Package kperr implements the kpack error taxonomy: a small set of
// classified error kinds that every component reports through, so the
// CLI layer can map a failure to the right exit code without inspecting
// component-specific error types.
package kperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error the way CompilerError's Category once classified
// a compile failure, except the axis here is "what part of the pipeline
// broke" rather than "what phase of translation broke".
type Kind int

const (
	// InputInvalid means the caller gave us something malformed before we
	// even touched a binary: a bad flag, a missing file, an unreadable path.
	InputInvalid Kind = iota
	// FormatInvalid means a file that should be a recognizable format
	// (ELF, CCOB, kpack, manifest) failed to parse as one.
	FormatInvalid
	// BundlerFailed means an external tool (objcopy, clang-offload-bundler)
	// returned a non-zero exit status.
	BundlerFailed
	// Duplicate means an archive or manifest already has an entry for the
	// key being added.
	Duplicate
	// Conflict means two shards or entries disagree on data that must
	// agree (size, kernel count, architecture membership).
	Conflict
	// Missing means a required file, section, or archive entry does not
	// exist.
	Missing
	// BadState means an operation was invoked out of order (e.g. reading
	// from an archive before it was finalized).
	BadState
	// IO wraps an underlying filesystem or OS-level failure that doesn't
	// fit any of the above.
	IO
)

func (k Kind) String() string {
	switch k {
	case InputInvalid:
		return "input-invalid"
	case FormatInvalid:
		return "format-invalid"
	case BundlerFailed:
		return "bundler-failed"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	case Missing:
		return "missing"
	case BadState:
		return "bad-state"
	case IO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every kpacktool component.
// Component and Path give enough structured context to locate the failure
// without parsing the message string.
type Error struct {
	Kind      Kind
	Component string // e.g. "ccob", "elfrewrite", "kpack"
	Path      string // file or archive path the error concerns, if any
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Component != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Component)
		sb.WriteString("]")
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Path != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Path)
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and component to an existing error, preserving it
// as the cause for errors.Is/errors.As.
func Wrap(kind Kind, component string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Message: cause.Error(), Cause: cause}
}

// WithPath returns a copy of e with Path set, for call sites that only
// learn the path after constructing the error.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// Is reports whether err is a kperr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from err, if any, the way errors.As would.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Multi collects every error from a fan-out operation so a worker pool
// can report one failure as "the" error while still surfacing all of
// them in a diagnostic summary.
type Multi struct {
	Errs []error
}

func (m *Multi) Add(err error) {
	if err != nil {
		m.Errs = append(m.Errs, err)
	}
}

func (m *Multi) Empty() bool { return len(m.Errs) == 0 }

func (m *Multi) Error() string {
	if len(m.Errs) == 0 {
		return "no errors"
	}
	parts := make([]string, len(m.Errs))
	for i, e := range m.Errs {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(m.Errs), strings.Join(parts, "; "))
}

// Summary renders every collected error as a multi-line diagnostic,
// one per line, indented as "--> location: message".
func (m *Multi) Summary() string {
	var sb strings.Builder
	for _, e := range m.Errs {
		sb.WriteString("  --> ")
		sb.WriteString(e.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}
