package contracts

import "errors"

// Error taxonomy. Lock and dependency errors never surface raw to gate
// callers; the decision engine converts them to FAIL_SAFE decisions. Token
// and idempotency errors map to typed 4xx responses. Invariant violations
// fail the request and page operators.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrLockContended         = errors.New("gate lock contended")
	ErrLockTimeout           = errors.New("gate lock timeout")
	ErrTokenInvalid          = errors.New("approval token invalid")
	ErrTokenBindingMismatch  = errors.New("approval token binding mismatch")
	ErrTokenConsumed         = errors.New("approval token already consumed")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrInvariantViolation    = errors.New("invariant violation")
	ErrThrottled             = errors.New("throttled")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
)
