package events

import (
	"errors"
	"fmt"
	"time"
)

// Result labels a verification event.
type Result string

// Event results.
const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Event records the outcome of one verify request. It never carries
// assertion material.
type Event struct {
	// TS is the UTC time the response was produced.
	TS time.Time `json:"ts"`
	// Result is success or failure.
	Result Result `json:"result"`
	// Reason is the failure reason, empty on success.
	Reason string `json:"reason,omitempty"`
	// RP is the relying party audience as supplied by the caller.
	RP string `json:"rp"`
	// Status is the HTTP status returned.
	Status int `json:"status"`
	// Dur is the handler latency.
	Dur time.Duration `json:"dur_ns"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Result {
	case ResultSuccess, ResultFailure:
	default:
		return fmt.Errorf("unknown result %q", e.Result)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
