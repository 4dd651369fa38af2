// Package apperr classifies failures crossing component boundaries so that
// the HTTP surface and logs can treat them uniformly without inspecting
// upstream bodies.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the semantic class of a failure.
type Kind int

const (
	// KindUnknown covers unclassified internal failures.
	KindUnknown Kind = iota
	// KindConfigMalformed means the active configuration cannot be used;
	// the process must not serve traffic on it.
	KindConfigMalformed
	// KindUpstreamUnavailable covers 5xx, timeouts and connection resets
	// from a remote dependency.
	KindUpstreamUnavailable
	// KindUpstreamBadResponse covers syntactically or structurally invalid
	// upstream replies; the decoded body belongs in logs only.
	KindUpstreamBadResponse
	// KindNotFound maps to a 400 with a machine-readable code.
	KindNotFound
	// KindIngestionFailed is a per-document ingestion failure.
	KindIngestionFailed
	// KindUnsupported marks a declared-but-unimplemented strategy.
	KindUnsupported
	// KindCanceled propagates client disconnects; never logged as failure.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConfigMalformed:
		return "config_malformed"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamBadResponse:
		return "upstream_bad_response"
	case KindNotFound:
		return "not_found"
	case KindIngestionFailed:
		return "ingestion_failed"
	case KindUnsupported:
		return "unsupported"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error carries a kind, the operation that failed and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err, unwrapping as needed. Context
// cancellation is always reported as KindCanceled regardless of wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
