package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrForbidden marks permission failures (blocked by recipient, kicked from
// chat, never-started bot). These are terminal for the affected dispatch and
// must not be retried.
var ErrForbidden = errors.New("transport: forbidden")

// RateLimitedError is returned when the platform asks us to back off.
// After is the wait the platform requested before the next attempt.
type RateLimitedError struct {
	After time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transport: rate limited until %s", e.After.Format(time.RFC3339))
}

// RetryAfter extracts the platform-requested backoff from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		return 0, false
	}
	d := time.Until(rl.After)
	if d < 0 {
		d = 0
	}
	return d, true
}
