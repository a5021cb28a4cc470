// Package shutdown sequences the orderly stop of the verifier.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the lifecycle phase of the process.
type State int32

const (
	// Running accepts new work.
	Running State = iota
	// Draining refuses new work while in-flight requests finish.
	Draining
	// Stopped means every component has been released.
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	Shutdown(ctx context.Context) error
}

// Pool is satisfied by *pool.Pool.
type Pool interface {
	Exit(ctx context.Context) error
}

// Admission is satisfied by *admission.Controller.
type Admission interface {
	Close()
}

// Events is satisfied by *events.Hub.
type Events interface {
	Close(ctx context.Context) error
}

// Config bounds the drain.
type Config struct {
	Timeout time.Duration
}

// Deps are the components released on shutdown, in order. Nil entries are
// skipped.
type Deps struct {
	Server    HTTPServer
	Pool      Pool
	Admission Admission
	Events    Events
	Logger    *zap.Logger
}

// Coordinator runs the shutdown sequence exactly once.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	state *atomic.Int32
	once  sync.Once
	done  chan struct{}
	err   error
}

// New builds a Coordinator in the Running state.
func New(cfg Config, deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("shutdown"),
		state:  atomic.NewInt32(int32(Running)),
		done:   make(chan struct{}),
	}
}

// State reports the current phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Ready reports whether new work is accepted.
func (c *Coordinator) Ready() bool {
	return c.State() == Running
}

// Done is closed once the sequence has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown drains and releases every component. Concurrent and repeated
// calls wait for the first run and return its result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		defer close(c.done)
		c.err = c.run(ctx)
	})
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("wait for shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.state.Store(int32(Draining))
	c.logger.Info("shutdown initiated", zap.Duration("timeout", c.cfg.Timeout))
	start := time.Now()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var errs []error
	if c.deps.Server != nil {
		if err := c.deps.Server.Shutdown(ctx); err != nil {
			c.logger.Error("server shutdown error", zap.Error(err))
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if c.deps.Pool != nil {
		if err := c.deps.Pool.Exit(ctx); err != nil {
			c.logger.Warn("worker pool exit failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}
	if c.deps.Admission != nil {
		c.deps.Admission.Close()
	}
	if c.deps.Events != nil {
		if err := c.deps.Events.Close(ctx); err != nil {
			c.logger.Warn("events hub close failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("events hub: %w", err))
		}
	}

	c.state.Store(int32(Stopped))
	c.logger.Info("shutdown complete", zap.Duration("elapsed", time.Since(start)))
	return errors.Join(errs...)
}
