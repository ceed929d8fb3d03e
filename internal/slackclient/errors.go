package slackclient

import (
	"errors"
	"fmt"
)

// RemoteAPIError is a non-transient failure reported by Slack (bad channel,
// missing scope, revoked token). It is never retried.
type RemoteAPIError struct {
	Op   string
	Code string
	Err  error
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("slackclient: %s: remote error %s", e.Op, e.Code)
}

func (e *RemoteAPIError) Unwrap() error { return e.Err }

// RateLimitExceededError is returned once a request has been retried
// MaxRetries times against rate limits or transient network failures.
type RateLimitExceededError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("slackclient: %s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *RateLimitExceededError) Unwrap() error { return e.Last }

// IsRemoteAPIError reports whether err wraps a RemoteAPIError.
func IsRemoteAPIError(err error) bool {
	var re *RemoteAPIError
	return errors.As(err, &re)
}

// IsRateLimitExceeded reports whether err wraps a RateLimitExceededError.
func IsRateLimitExceeded(err error) bool {
	var rle *RateLimitExceededError
	return errors.As(err, &rle)
}
