// Package fault defines the typed error taxonomy for the session manager.
//
// Faults separate what the caller needs (a retryable/non-retryable
// classification and a safe user-facing message) from what operators need
// (the underlying cause and captured diagnostics). Raw process output never
// crosses the user boundary; it travels in Detail and is only ever logged.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a fault.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota
	// KindSpawnFailure is an OS-level failure to start the worker process.
	KindSpawnFailure
	// KindStartupTimeout means the worker never signaled readiness within
	// the startup deadline.
	KindStartupTimeout
	// KindWorkerTerminated means the process exited or crashed while
	// requests were outstanding.
	KindWorkerTerminated
	// KindRequestTimeout means an individual operation exceeded its
	// deadline while the worker may still be healthy.
	KindRequestTimeout
	// KindProtocolParse is a non-fatal wire decode failure. It is absorbed
	// locally (logged and discarded) and never surfaced to callers.
	KindProtocolParse
)

func (k Kind) String() string {
	switch k {
	case KindSpawnFailure:
		return "spawn_failure"
	case KindStartupTimeout:
		return "startup_timeout"
	case KindWorkerTerminated:
		return "worker_terminated"
	case KindRequestTimeout:
		return "request_timeout"
	case KindProtocolParse:
		return "protocol_parse"
	default:
		return "unknown"
	}
}

// Retryable reports whether a caller retry is expected to help.
// A fresh request after worker death transparently creates a new session,
// and a timed-out request may be retried with the same or another prompt.
func (k Kind) Retryable() bool {
	switch k {
	case KindSpawnFailure, KindStartupTimeout, KindWorkerTerminated, KindRequestTimeout:
		return true
	default:
		return false
	}
}

// Sentinel faults for errors.Is matching by kind.
var (
	ErrSpawnFailure     = &Fault{Kind: KindSpawnFailure}
	ErrStartupTimeout   = &Fault{Kind: KindStartupTimeout}
	ErrWorkerTerminated = &Fault{Kind: KindWorkerTerminated}
	ErrRequestTimeout   = &Fault{Kind: KindRequestTimeout}
	ErrProtocolParse    = &Fault{Kind: KindProtocolParse}
)

// Fault is a classified error carrying operation context.
type Fault struct {
	Kind       Kind
	Op         string // operation that failed: "classify", "spawn", ...
	SessionKey string
	RequestID  string
	Err        error  // underlying cause, internal only
	Detail     string // captured diagnostics (e.g. stderr tail), internal only
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	if f.Op != "" {
		fmt.Fprintf(&b, " op=%s", f.Op)
	}
	if f.SessionKey != "" {
		fmt.Fprintf(&b, " session=%s", f.SessionKey)
	}
	if f.RequestID != "" {
		fmt.Fprintf(&b, " request=%s", f.RequestID)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches any fault of the same kind, so
// errors.Is(err, fault.ErrRequestTimeout) works regardless of context fields.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Kind == f.Kind
}

// KindOf returns the kind of the first Fault in err's chain,
// or KindUnknown if there is none.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err carries a retryable fault kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// UserMessage returns the message safe to show at the caller boundary.
// It distinguishes "worker unavailable" from "request timed out" and never
// includes raw process output.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindSpawnFailure, KindStartupTimeout, KindWorkerTerminated:
		return "worker unavailable, please retry"
	case KindRequestTimeout:
		return "request timed out, please retry"
	default:
		return "internal error"
	}
}
