package admission

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/assertion-verifier/internal/metrics"
	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

// Reasons reported to callers and recorded as metric labels.
const (
	ReasonTooBusy     = "server is too busy"
	ReasonBodyTooBig  = "request body too large"
	ReasonBodyUnread  = "unable to read request body"
	labelOverloaded   = "overloaded"
	labelRateLimited  = "rate_limited"
	labelBodyTooLarge = "body_too_large"
)

// Config tunes the controller.
type Config struct {
	MaxLag         time.Duration
	CheckInterval  time.Duration
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
}

// Controller gates requests ahead of validation.
type Controller struct {
	monitor      *LagMonitor
	limiter      *rate.Limiter
	maxBodyBytes int64
	logger       *zap.Logger
}

// New builds a Controller and starts its lag monitor.
func New(cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("admission")

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	monitor := NewLagMonitor(cfg.CheckInterval, cfg.MaxLag, logger)
	monitor.Start()

	return &Controller{
		monitor:      monitor,
		limiter:      limiter,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger,
	}
}

// Monitor exposes the lag monitor.
func (c *Controller) Monitor() *LagMonitor {
	return c.monitor
}

// Overloaded reports whether new requests are being shed.
func (c *Controller) Overloaded() bool {
	return c.monitor.Overloaded()
}

// Busy rejects requests with 503 while the process is overloaded or the
// request rate exceeds the configured cap.
func (c *Controller) Busy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.monitor.Overloaded() {
			c.reject(w, http.StatusServiceUnavailable, labelOverloaded, ReasonTooBusy, false)
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.reject(w, http.StatusServiceUnavailable, labelRateLimited, ReasonTooBusy, false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitBody buffers at most MaxBodyBytes of the request body. Larger bodies
// are answered with 413 and the connection is closed.
func (c *Controller) LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > c.maxBodyBytes {
			c.reject(w, http.StatusRequestEntityTooLarge, labelBodyTooLarge, ReasonBodyTooBig, true)
			return
		}
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}

		buf, err := io.ReadAll(io.LimitReader(r.Body, c.maxBodyBytes+1))
		if err != nil {
			c.logger.Debug("read request body", zap.Error(err))
			writeFailure(w, http.StatusBadRequest, ReasonBodyUnread, true)
			return
		}
		if int64(len(buf)) > c.maxBodyBytes {
			c.reject(w, http.StatusRequestEntityTooLarge, labelBodyTooLarge, ReasonBodyTooBig, true)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

// Close stops the lag monitor.
func (c *Controller) Close() {
	c.monitor.Close()
}

func (c *Controller) reject(w http.ResponseWriter, status int, label, reason string, closeConn bool) {
	metrics.ObserveAdmissionRejected(label)
	c.logger.Debug("request rejected", zap.String("reason", label), zap.Int("status", status))
	writeFailure(w, status, reason, closeConn)
}

func writeFailure(w http.ResponseWriter, status int, reason string, closeConn bool) {
	if closeConn {
		w.Header().Set("Connection", "close")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(verification.FailureBody(reason))
}
