package action

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy shared by every governance component.
var (
	ErrPolicyViolation     = errors.New("policy violation")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrApprovalTimeout     = errors.New("approval timeout")
	ErrSideEffectFailure   = errors.New("side effect failure")
	ErrPermanent           = errors.New("permanent failure")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrAmbiguousOutcome    = errors.New("ambiguous outcome")
	ErrCrashLoop           = errors.New("crash loop")
)

// ErrorClass is the stable name of a failure category, used in audit payloads
// and DLQ failure history.
type ErrorClass string

const (
	ClassPolicyViolation     ErrorClass = "POLICY_VIOLATION"
	ClassRateLimitExceeded   ErrorClass = "RATE_LIMIT_EXCEEDED"
	ClassApprovalTimeout     ErrorClass = "APPROVAL_TIMEOUT"
	ClassSideEffectFailure   ErrorClass = "SIDE_EFFECT_FAILURE"
	ClassPermanentFailure    ErrorClass = "PERMANENT_FAILURE"
	ClassUpstreamUnavailable ErrorClass = "UPSTREAM_UNAVAILABLE"
	ClassAmbiguousOutcome    ErrorClass = "AMBIGUOUS_OUTCOME"
	ClassCrashLoop           ErrorClass = "CRASH_LOOP"
	ClassNone                ErrorClass = ""
)

// Classify maps err onto the taxonomy. Unrecognized errors from a handler are
// treated as transient side-effect failures, which are retryable.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrAmbiguousOutcome):
		return ClassAmbiguousOutcome
	case errors.Is(err, ErrPermanent):
		return ClassPermanentFailure
	case errors.Is(err, ErrPolicyViolation):
		return ClassPolicyViolation
	case errors.Is(err, ErrRateLimitExceeded):
		return ClassRateLimitExceeded
	case errors.Is(err, ErrApprovalTimeout):
		return ClassApprovalTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return ClassUpstreamUnavailable
	case errors.Is(err, ErrCrashLoop):
		return ClassCrashLoop
	case errors.Is(err, ErrSideEffectFailure):
		return ClassSideEffectFailure
	}

	var se *StatusError
	if errors.As(err, &se) && se.permanent() {
		return ClassPermanentFailure
	}
	return ClassSideEffectFailure
}

// StatusError carries the status code an upstream answered with. Handlers
// that call HTTP services return it so Classify can tell a rejected request
// from a transient one without reading error text.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// permanent is true for 4xx answers except the ones that invite a retry:
// 408 request timeout, 425 too early and 429 too many requests.
func (e *StatusError) permanent() bool {
	switch e.Code {
	case 408, 425, 429:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// Retryable reports whether a failed dispatch may be attempted again.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err) == ClassSideEffectFailure
}

// Permanent wraps a message as a non-retryable failure.
func Permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// Transient wraps a message as a retryable side-effect failure.
func Transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSideEffectFailure, fmt.Sprintf(format, args...))
}
