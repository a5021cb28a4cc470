package verification

import (
	"context"
	"time"
)

// Dispatcher runs a request through the worker pool and returns its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) Outcome
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
