package admission

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Dampening is the weight of the previous smoothed lag against a new sample.
const Dampening = 3

// LagMonitor estimates how late the runtime fires timers.
type LagMonitor struct {
	interval time.Duration
	maxLag   time.Duration
	logger   *zap.Logger

	smoothed   *atomic.Duration
	overloaded *atomic.Bool

	started   *atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewLagMonitor builds a monitor. Call Start to begin sampling.
func NewLagMonitor(interval, maxLag time.Duration, logger *zap.Logger) *LagMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LagMonitor{
		interval:   interval,
		maxLag:     maxLag,
		logger:     logger,
		smoothed:   atomic.NewDuration(0),
		overloaded: atomic.NewBool(false),
		started:    atomic.NewBool(false),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the sampling goroutine once.
func (m *LagMonitor) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

func (m *LagMonitor) run() {
	defer close(m.done)
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	expected := time.Now().Add(m.interval)
	for {
		select {
		case <-m.stop:
			return
		case fired := <-timer.C:
			m.observe(fired.Sub(expected))
			expected = time.Now().Add(m.interval)
			timer.Reset(m.interval)
		}
	}
}

// observe folds one lag sample into the smoothed estimate.
func (m *LagMonitor) observe(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	prev := m.smoothed.Load()
	next := (lag + prev*(Dampening-1)) / Dampening
	m.smoothed.Store(next)

	busy := next > m.maxLag
	if m.overloaded.Swap(busy) != busy {
		if busy {
			m.logger.Warn("server overloaded, shedding requests",
				zap.Duration("lag", next),
				zap.Duration("max_lag", m.maxLag),
			)
		} else {
			m.logger.Info("server load recovered", zap.Duration("lag", next))
		}
	}
}

// Lag returns the current smoothed lag.
func (m *LagMonitor) Lag() time.Duration {
	return m.smoothed.Load()
}

// Overloaded reports whether the smoothed lag exceeds the maximum.
func (m *LagMonitor) Overloaded() bool {
	return m.overloaded.Load()
}

// Close stops sampling and waits for the sampler to exit. It is safe to
// call more than once, with or without Start.
func (m *LagMonitor) Close() {
	m.closeOnce.Do(func() {
		m.startOnce.Do(func() {})
		close(m.stop)
		if m.started.Load() {
			<-m.done
		}
	})
}
