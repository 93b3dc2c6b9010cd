// Package merr implements the abstract error taxonomy of SPEC_FULL.md §7 as
// concrete Go sentinels, following milvus's split between plain sentinel
// errors (internal/proxy/error.go) and cockroachdb/errors-based wrapping
// with stack context (used throughout milvus, e.g.
// querynodev2/delegator/delegator_data.go).
package merr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinels corresponding to SPEC_FULL.md §7's taxonomy. Callers compare
// against these with errors.Is even after Wrap has attached a stack and a
// cause.
var (
	ErrBadInput                 = errors.New("bad input")
	ErrNotFound                 = errors.New("not found")
	ErrBadRequest                = errors.New("bad request")
	ErrBadShardSelection         = errors.New("bad shard selection")
	ErrServiceError              = errors.New("service error")
	ErrCancelled                 = errors.New("cancelled")
	ErrOutOfMemory               = errors.New("out of memory")
	ErrTimeout                   = errors.New("timeout")
	ErrInconsistentShardFailure  = errors.New("inconsistent shard failure")
	ErrForwardProxyError         = errors.New("forward proxy error")

	// Segment-level errors named explicitly in spec.md §4.5.
	ErrWrongVector          = errors.New("wrong vector")
	ErrVectorNameNotExists  = errors.New("vector name does not exist")
	ErrMissedVectorName     = errors.New("missing vector name")
	ErrPointIDNotFound      = errors.New("point id not found")
	ErrTypeError            = errors.New("type error")
	ErrInconsistentStorage  = errors.New("inconsistent storage")
)

// Wrap attaches a stack trace and an optional cause to one of the sentinels
// above, so the caller can both errors.Is(err, ErrServiceError) and recover
// the original cause via errors.Cause/errors.Unwrap.
func Wrap(sentinel error, cause error, msg string) error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrapf(cause, "%s", msg)
	} else {
		wrapped = errors.WithStack(errors.Newf("%s", msg))
	}
	return errors.Mark(wrapped, sentinel)
}

// PointIDError carries the specific missing point id, per spec.md §4.5's
// `PointIdError{missed_id}`.
type PointIDError struct {
	MissedID any
	cause    error
}

func NewPointIDError(id any) *PointIDError {
	return &PointIDError{MissedID: id, cause: ErrPointIDNotFound}
}

func (e *PointIDError) Error() string {
	return fmt.Sprintf("point id not found: %v", e.MissedID)
}

func (e *PointIDError) Unwrap() error { return e.cause }

// OutOfMemoryError carries the free-memory snapshot at the time of failure.
type OutOfMemoryError struct {
	FreeBytes uint64
}

func NewOutOfMemoryError(free uint64) *OutOfMemoryError {
	return &OutOfMemoryError{FreeBytes: free}
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: %d bytes free", e.FreeBytes)
}

func (e *OutOfMemoryError) Unwrap() error { return ErrOutOfMemory }

// TimeoutError carries the operation name and the elapsed budget, per
// spec.md §7.
type TimeoutError struct {
	Op      string
	Elapsed string
}

func NewTimeoutError(op, elapsed string) *TimeoutError {
	return &TimeoutError{Op: op, Elapsed: elapsed}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in %s after %s", e.Op, e.Elapsed)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ForwardProxyError localizes a failure to a remote peer.
type ForwardProxyError struct {
	Peer  string
	cause error
}

func NewForwardProxyError(peer string, cause error) *ForwardProxyError {
	return &ForwardProxyError{Peer: peer, cause: cause}
}

func (e *ForwardProxyError) Error() string {
	return fmt.Sprintf("forward proxy error from peer %s: %v", e.Peer, e.cause)
}

func (e *ForwardProxyError) Unwrap() error { return ErrForwardProxyError }
