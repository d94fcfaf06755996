// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import "github.com/pkg/errors"

// ErrOutOfMemory is raised when the allocator shim cannot satisfy a
// request even after an emergency full collection (spec §7).
var ErrOutOfMemory = errors.New("wisp/gc: out of memory")

// FinalizerError wraps a panic or error raised by a user __gc
// finalizer. gcTM returns it to runAFewFinalizers; the collector then
// logs it at Warn level and carries on, so it is not returned from
// Step or FullGC. During the shutdown drain (callAllPendingFinalizers)
// no FinalizerError is built and the finalizer's error is discarded.
type FinalizerError struct {
	cause error
}

func (e *FinalizerError) Error() string {
	return errors.Wrap(e.cause, "error in __gc metamethod").Error()
}

func (e *FinalizerError) Unwrap() error { return e.cause }

func newFinalizerError(cause error) *FinalizerError {
	return &FinalizerError{cause: cause}
}

// InvariantViolation reports an internal assertion failure: a color,
// list-membership or state check that should be unreachable in a
// correct collector. These checks are always on: the collector panics
// with one wherever a check fails, and no build mode or switch
// disables them. runProtected also uses one for a finalizer that
// panics with a non-error value.
type InvariantViolation struct {
	msg string
}

func (e *InvariantViolation) Error() string { return "wisp/gc: invariant violation: " + e.msg }

func newInvariantViolation(msg string) error {
	return errors.WithStack(&InvariantViolation{msg: msg})
}
