// Package verrors defines the error kinds surfaced by the storage engine,
// transport back-ends, and conversion pipeline.
package verrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by where it originated and how a caller should
// react to it.
type Kind int

const (
	// SourceIO means an underlying backend failed: file not found, HTTP
	// status != 2xx, short read.
	SourceIO Kind = iota
	// Corruption means the bytes read don't describe a valid container:
	// bad magic, index out of bounds, truncated compressed blob.
	Corruption
	// Unsupported means the requested operation cannot be implemented by
	// this backend (write to MBTiles, zstd PMTiles tiles, ...).
	Unsupported
	// Contract means the caller violated an API invariant: coordinate
	// outside the file's zoom range, empty pyramid on write, a bbox that
	// doesn't intersect the source.
	Contract
	// Cancelled means a task was dropped before it completed.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case SourceIO:
		return "source-io"
	case Corruption:
		return "corruption"
	case Unsupported:
		return "unsupported"
	case Contract:
		return "contract"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the component and position (a byte offset, a
// tile coordinate, a block coordinate — whatever makes sense) that the
// failure happened at, so a caller at the top (probe, convert) can print a
// chained, positioned message.
type Error struct {
	Kind      Kind
	Component string
	Context   string
	Err       error
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Component, e.Context, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a Kind, a component name for diagnostics, and an
// optional context string (e.g. "block (2,1,0)", "offset 4096").
func New(kind Kind, component, context string, err error) *Error {
	return &Error{Kind: kind, Component: component, Context: context, Err: err}
}

// Is reports whether err (or anything it wraps) is a *Error of the given
// Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
