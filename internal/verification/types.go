// Package verification defines the request, job, and outcome types shared by
// the admission, validation, dispatch, and response layers.
package verification

import (
	"time"
)

// Request is the validated input for a single verification.
type Request struct {
	Assertion       string
	Audience        string
	ForceIssuer     string
	AllowUnverified bool
}

// Job is the normalized payload handed to a worker process.
type Job struct {
	ID              string `json:"id"`
	Assertion       string `json:"assertion"`
	Audience        string `json:"audience"`
	ForceIssuer     string `json:"forceIssuer,omitempty"`
	AllowUnverified bool   `json:"allowUnverified"`
}

// NewJob builds the job for req under the given correlation id.
func NewJob(id string, req Request) Job {
	return Job{
		ID:              id,
		Assertion:       req.Assertion,
		Audience:        req.Audience,
		ForceIssuer:     req.ForceIssuer,
		AllowUnverified: req.AllowUnverified,
	}
}

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

// Outcome variants.
const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomePoolFailure
)

// String returns the label used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "okay"
	case OutcomeFailure:
		return "failure"
	case OutcomePoolFailure:
		return "pool_failure"
	default:
		return "unknown"
	}
}

// ReasonNoResponse is reported when the pool produced nothing usable for a job.
const ReasonNoResponse = "no response returned from child process"

// Success carries the verified claims of a valid assertion.
type Success struct {
	Claims   map[string]any `json:"claims"`
	Audience string         `json:"audience"`
	Expires  time.Time      `json:"expires"`
}

// Outcome is the single result produced for every dispatched job.
// Exactly one of Success or Reason is meaningful, selected by Kind.
type Outcome struct {
	Kind    OutcomeKind
	Success *Success
	Reason  string
}

// Succeeded builds a success outcome.
func Succeeded(s Success) Outcome {
	return Outcome{Kind: OutcomeSuccess, Success: &s}
}

// Failed builds a verification failure outcome.
func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason}
}

// PoolFailed builds an outcome for a job the pool never answered.
func PoolFailed() Outcome {
	return Outcome{Kind: OutcomePoolFailure, Reason: ReasonNoResponse}
}

// Result is the line a worker process writes for each job it receives.
// A well-formed result has exactly one of Success or Error set.
type Result struct {
	ID      string   `json:"id"`
	Success *Success `json:"success,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Classify folds a worker result and the transport error seen while waiting
// for it into an Outcome. Transport errors, application errors, and results
// without a success payload all collapse into a failure.
func Classify(res *Result, err error) Outcome {
	switch {
	case err != nil:
		return Failed(err.Error())
	case res != nil && res.Error != "":
		return Failed(res.Error)
	case res == nil || res.Success == nil:
		return Failed(ReasonNoResponse)
	case res.Success.Expires.UnixMilli() <= 0:
		// A success without a usable expiry is not a well-formed success.
		return Failed(ReasonNoResponse)
	default:
		return Succeeded(*res.Success)
	}
}
