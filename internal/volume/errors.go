package volume

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidVolume = errors.New("volume must be an integer between 0 and 100")
	ErrMissingUser   = errors.New("user id is required")
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidText   = errors.New("invalid message")
)

// RateLimitedError is returned when the user has no tokens left.
type RateLimitedError struct {
	UserID            string
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %ds", e.UserID, e.RetryAfterSeconds)
}
