package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Common domain errors
	ErrRateLimited   = errors.New("provider rate limit exceeded")
	ErrTimeout       = errors.New("provider request timed out")
	ErrNoStrategy    = errors.New("no dispatch strategy for connection")
	ErrNoAPIKeys     = errors.New("no api keys configured")
	ErrInvalidConfig = errors.New("invalid connection configuration")
	ErrBatchNotIdle  = errors.New("a batch is already in progress")
	ErrEmptyResponse = errors.New("provider returned an empty response")
)

// RateLimitError is a quota/429-class failure. RetryAfter carries the
// provider-suggested delay when one was returned, zero otherwise.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s: %v", e.Provider, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsRateLimit reports whether err is a quota/"resource exhausted" failure.
func IsRateLimit(err error) bool { return errors.Is(err, ErrRateLimited) }

// RetryAfterHint extracts the provider-suggested delay from a rate-limit
// error chain, or zero when the provider gave none.
func RetryAfterHint(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}

// IsRetriable reports whether the scheduler should re-queue the job.
// Only rate-limit and timeout failures are worth retrying; everything
// else is terminal for the job.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// IsFatalConfig reports whether the failure poisons the whole batch:
// waiting cannot fix a missing strategy or a malformed connection.
func IsFatalConfig(err error) bool {
	return errors.Is(err, ErrNoStrategy) || errors.Is(err, ErrInvalidConfig)
}
