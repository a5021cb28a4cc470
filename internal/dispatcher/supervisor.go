package dispatcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/pool"
)

// Supervisor logs pool events and escalates the first fatal event into
// process termination after a grace delay.
type Supervisor struct {
	grace     time.Duration
	terminate func(error)
	logger    *zap.Logger
	once      sync.Once
}

// NewSupervisor builds a Supervisor. terminate runs at most once, on its own
// goroutine.
func NewSupervisor(grace time.Duration, terminate func(error), logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		grace:     grace,
		terminate: terminate,
		logger:    logger.Named("compute"),
	}
}

// Handle is a pool.Listener.
func (s *Supervisor) Handle(ev pool.Event) {
	switch ev.Level {
	case pool.LevelError:
		s.logger.Error("error detected in verification computation process! fatal: "+ev.Message, zap.Error(ev.Err))
		s.once.Do(func() {
			time.AfterFunc(s.grace, func() {
				if s.terminate != nil {
					s.terminate(ev.Err)
				}
			})
		})
	case pool.LevelInfo:
		s.logger.Info("(compute cluster): " + ev.Message)
	default:
		s.logger.Debug("(compute cluster): " + ev.Message)
	}
}
