package transport

import (
	"errors"
	"fmt"
	"time"
)

// VerificationKind classifies user-correctable destination failures.
type VerificationKind string

const (
	VerifyInvalidLink    VerificationKind = "invalid_link"
	VerifyNotMember      VerificationKind = "not_member"
	VerifyExpiredLink    VerificationKind = "expired_link"
	VerifyJoinPending    VerificationKind = "join_request_pending"
	VerifyTooManyTargets VerificationKind = "too_many_targets"
)

// VerificationError is surfaced verbatim to the user; the setup state is
// rolled back to before the attempt.
type VerificationError struct {
	Kind   VerificationKind
	Reason string
}

func (e *VerificationError) Error() string { return e.Reason }

// RateLimitedError reports a transport-mandated wait before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Forward failures that are not rate limits.
var (
	ErrForbidden = errors.New("cannot send messages to this destination")
	ErrNotFound  = errors.New("source message or destination not found")
)

// AsRateLimited extracts a rate-limit signal from a forward error.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// AsVerification extracts a typed verification failure.
func AsVerification(err error) (*VerificationError, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
