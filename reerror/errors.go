// Package reerror defines the sentinel error kinds surfaced by the core.
package reerror

import "errors"

// Sentinel error kinds. Use errors.Is against these after wrapping with
// github.com/pkg/errors at call sites.
var (
	// ErrValidation covers malformed ids, oversize documents and forbidden keys.
	ErrValidation = errors.New("validation error")

	// ErrExecutor covers storage or query execution failures surfaced into
	// live query state rather than thrown.
	ErrExecutor = errors.New("executor error")

	// ErrLockContentionTimeout names the lock-contention-timeout kind. The
	// lock package does not return it: Acquire reports a timeout as false.
	ErrLockContentionTimeout = errors.New("lock contention timeout")

	// ErrUnsafeRegex marks a $regex operand rejected at compile time.
	ErrUnsafeRegex = errors.New("unsafe regex")

	// ErrFilterEvaluation marks an unknown filter operator; the predicate
	// evaluates to false rather than propagating the error.
	ErrFilterEvaluation = errors.New("filter evaluation error")
)
