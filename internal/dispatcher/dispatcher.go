// Package dispatcher turns validated requests into pool jobs and waits for
// their outcome.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/metrics"
	"github.com/JakeFAU/assertion-verifier/internal/pool"
	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

// Pool is the subset of *pool.Pool used by the dispatcher.
type Pool interface {
	Enqueue(ctx context.Context, job verification.Job) (<-chan pool.Reply, error)
}

// Config bounds each job.
type Config struct {
	JobTimeout time.Duration
}

// Dispatcher submits exactly one job per request.
type Dispatcher struct {
	cfg    Config
	pool   Pool
	ids    verification.IDGenerator
	clock  verification.Clock
	logger *zap.Logger
}

var _ verification.Dispatcher = (*Dispatcher)(nil)

// New creates a Dispatcher.
func New(cfg Config, p Pool, ids verification.IDGenerator, clock verification.Clock, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		pool:   p,
		ids:    ids,
		clock:  clock,
		logger: logger.Named("dispatcher"),
	}
}

// Dispatch enqueues req and blocks until the pool answers, the job times
// out or ctx ends. It always returns an outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req verification.Request) verification.Outcome {
	out := d.dispatch(ctx, req)
	metrics.ObserveOutcome(out.Kind.String())
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, req verification.Request) verification.Outcome {
	id, err := d.ids.NewID()
	if err != nil {
		return verification.Classify(nil, err)
	}
	job := verification.NewJob(id, req)

	if d.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
		defer cancel()
	}

	start := d.clock.Now()
	replies, err := d.pool.Enqueue(ctx, job)
	if err != nil {
		d.observe(id, start)
		if errors.Is(err, pool.ErrFatal) || ctx.Err() != nil {
			return verification.PoolFailed()
		}
		return verification.Classify(nil, err)
	}

	select {
	case reply := <-replies:
		d.observe(id, start)
		if reply.Err != nil {
			return verification.PoolFailed()
		}
		return verification.Classify(reply.Result, nil)
	case <-ctx.Done():
		d.observe(id, start)
		d.logger.Warn("job abandoned", zap.String("job_id", id), zap.Error(ctx.Err()))
		return verification.PoolFailed()
	}
}

func (d *Dispatcher) observe(id string, start time.Time) {
	elapsed := d.clock.Now().Sub(start)
	metrics.ObserveVerification(elapsed)
	d.logger.Info("assertion_verification_time",
		zap.String("job_id", id),
		zap.Int64("ms", elapsed.Milliseconds()),
	)
}
