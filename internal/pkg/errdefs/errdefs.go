// Copyright (c) 2023-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package errdefs classifies launcher and hook errors. Every failing
// operation returns an error carrying a kind, which the process entry points
// translate into the documented exit codes. Kinds survive wrapping with
// fmt.Errorf("...: %w", err) and are recovered with errors.As.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind int

const (
	Unknown Kind = iota
	SecurityViolation
	ConfigInvalid
	ImageNotFound
	ImagePullFailed
	BundleBuildFailed
	MountDenied
	HookActivationMissing
	HookExecutionFailed
	RuntimeFailed
	IOFailure
	Timeout
)

var kindNames = map[Kind]string{
	Unknown:               "unknown",
	SecurityViolation:     "security violation",
	ConfigInvalid:         "invalid configuration",
	ImageNotFound:         "image not found",
	ImagePullFailed:       "image pull failed",
	BundleBuildFailed:     "bundle build failed",
	MountDenied:           "mount denied",
	HookActivationMissing: "hook activation missing",
	HookExecutionFailed:   "hook execution failed",
	RuntimeFailed:         "runtime failed",
	IOFailure:             "i/o failure",
	Timeout:               "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Severity distinguishes failures that abort the launch from those that are
// reported and tolerated (e.g. poststop hook failures, teardown errors).
type Severity int

const (
	SeverityFatal Severity = iota
	SeverityWarning
)

// Error is a classified error. SecurityViolation and ConfigInvalid are
// always fatal and must never be retried.
type Error struct {
	kind     Kind
	severity Severity
	msg      string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the classification of the error.
func (e *Error) Kind() Kind { return e.kind }

// Severity returns whether the error aborts the launch.
func (e *Error) Severity() Severity { return e.severity }

// Newf creates a classified error.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrapf creates a classified error wrapping cause. The cause remains
// reachable through errors.Is / errors.As.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// WithSeverity returns a copy of err with the given severity if err is a
// classified error, and err unchanged otherwise.
func WithSeverity(err error, s Severity) error {
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{kind: ce.kind, severity: s, msg: ce.msg, cause: ce.cause}
	}
	return err
}

// KindOf walks the error chain and returns the kind of the outermost
// classified error, or Unknown if the chain holds none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.kind
	}
	return Unknown
}

// IsKind reports whether the outermost classified error in the chain, as
// KindOf finds it, is of the given kind. Classified errors wrapped inside
// that one are not examined.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an operation that produced err may be retried.
// Security and configuration failures never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case SecurityViolation, ConfigInvalid:
		return false
	case ImagePullFailed, IOFailure, Timeout:
		return true
	default:
		return false
	}
}

// Process exit codes. Values 125 and up are reserved for the low-level
// runtime and are passed through unchanged by the caller.
const (
	ExitSuccess           = 0
	ExitInvalidInvocation = 1
	ExitConfigError       = 2
	ExitSecurityViolation = 3
	ExitImageNotFound     = 4
	ExitHookFailure       = 5
	ExitRuntimeFailure    = 6
)

// ExitCode maps an error chain to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case ConfigInvalid:
		return ExitConfigError
	case SecurityViolation, MountDenied:
		return ExitSecurityViolation
	case ImageNotFound, ImagePullFailed:
		return ExitImageNotFound
	case HookActivationMissing, HookExecutionFailed, Timeout:
		return ExitHookFailure
	case RuntimeFailed, BundleBuildFailed, IOFailure:
		return ExitRuntimeFailure
	default:
		return ExitInvalidInvocation
	}
}
