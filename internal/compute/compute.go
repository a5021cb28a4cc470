// Package compute is the worker side of the pool protocol. A compute
// process reads one job per line from stdin and answers each with one
// result line on stdout, in order.
package compute

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

// maxLineBytes bounds a single job line. Bodies are capped upstream well below this.
const maxLineBytes = 1 << 20

// Verifier checks the assertion carried by a job.
type Verifier interface {
	Verify(job verification.Job) (*verification.Success, error)
}

// Serve answers jobs until in reaches EOF or ctx ends. A line that is not a
// job is a protocol error and stops the worker.
func Serve(ctx context.Context, in io.Reader, out io.Writer, v Verifier, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(out)

	served := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("compute canceled: %w", err)
		}
		var job verification.Job
		if err := json.Unmarshal(scanner.Bytes(), &job); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}

		res := verification.Result{ID: job.ID}
		success, err := v.Verify(job)
		if err != nil {
			res.Error = err.Error()
			logger.Debug("assertion rejected", zap.String("job_id", job.ID), zap.String("reason", res.Error))
		} else {
			res.Success = success
		}
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		served++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jobs: %w", err)
	}
	logger.Debug("input closed", zap.Int("jobs_served", served))
	return nil
}
