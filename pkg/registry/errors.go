package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized rejects announces from non-members and share mutations
	// the requester has no right to make. Never retried automatically.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrChecksumMismatch rejects announces whose checksum differs from the
	// canonical one fixed by the first announcer.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	ErrNotFound = errors.New("file not found")

	ErrInvalidRequest = errors.New("invalid request")
)

// RateLimitedError tells the caller when to retry.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// AsRateLimited unwraps err into a RateLimitedError if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
