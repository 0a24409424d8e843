// Package errs defines the error taxonomy shared by the scheduler, the lowering
// pass, code generation and the runtime.
//
// Every error returned by kernelgen wraps exactly one of the sentinels below, so callers
// can branch with errors.Is. The wrapping is done with github.com/pkg/errors, which keeps
// a stack trace printable with "%+v".
package errs

import (
	"github.com/pkg/errors"
)

// Scheduling-time errors. They are non-recoverable for the schedule that raised them.
var (
	// ErrInvalidTransform is returned for illegal axis reuse, splits of bound axes,
	// mutations after normalization and similar structural misuse.
	ErrInvalidTransform = errors.New("invalid transform")

	// ErrAxisSetMismatch is returned by reorder when the given axes are not live leaves
	// of the stage.
	ErrAxisSetMismatch = errors.New("axis set mismatch")

	// ErrDuplicateBinding is returned when a hardware dimension is bound twice on a stage.
	ErrDuplicateBinding = errors.New("duplicate binding")

	// ErrAttachCycle is returned by compute_at when the attachment would create a cycle.
	ErrAttachCycle = errors.New("attach cycle")

	// ErrUnscheduledStage is returned by normalization when a stage's scope and its
	// binding or attachment decisions are inconsistent.
	ErrUnscheduledStage = errors.New("unscheduled stage")

	// ErrBoundsUnresolvable is returned when a buffer region cannot be expressed in
	// closed form.
	ErrBoundsUnresolvable = errors.New("bounds unresolvable")
)

// Build and runtime errors.
var (
	// ErrCompilation is returned when a backend rejects generated source.
	ErrCompilation = errors.New("compilation error")

	// ErrBackendUnavailable is returned when the requested backend cannot run on this
	// machine. Callers are expected to skip the target, not abort.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrShapeMismatch is returned when a buffer's shape does not match its placeholder.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDTypeMismatch is returned when a buffer's dtype does not match its placeholder.
	ErrDTypeMismatch = errors.New("dtype mismatch")

	// ErrArityMismatch is returned when a kernel is called with the wrong number of buffers.
	ErrArityMismatch = errors.New("arity mismatch")
)

// IsSkippable reports whether err only means the target should be skipped.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
