// Package dispatcher contains tests for job dispatch and pool supervision.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/clock/system"
	"github.com/JakeFAU/assertion-verifier/internal/pool"
	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

type fakePool struct {
	mu     sync.Mutex
	jobs   []verification.Job
	err    error
	answer func(job verification.Job) (pool.Reply, bool)
}

func (p *fakePool) Enqueue(_ context.Context, job verification.Job) (<-chan pool.Reply, error) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan pool.Reply, 1)
	if p.answer != nil {
		if reply, ok := p.answer(job); ok {
			ch <- reply
		}
	}
	return ch, nil
}

type seqIDs struct {
	mu  sync.Mutex
	n   int
	err error
}

func (s *seqIDs) NewID() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

func newDispatcher(p Pool, timeout time.Duration) *Dispatcher {
	return New(Config{JobTimeout: timeout}, p, &seqIDs{}, system.New(), zap.NewNop())
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	fp := &fakePool{answer: func(job verification.Job) (pool.Reply, bool) {
		return pool.Reply{Result: &verification.Result{
			ID: job.ID,
			Success: &verification.Success{
				Claims:   map[string]any{"email": "user@example.com"},
				Audience: "https://rp.example",
				Expires:  expires,
			},
		}}, true
	}}
	d := newDispatcher(fp, time.Second)

	out := d.Dispatch(context.Background(), verification.Request{
		Assertion:       "a.b.c",
		Audience:        "https://RP.example:443",
		ForceIssuer:     "issuer.example",
		AllowUnverified: true,
	})

	require.Equal(t, verification.OutcomeSuccess, out.Kind)
	require.Equal(t, expires, out.Success.Expires)
	require.Len(t, fp.jobs, 1)
	require.Equal(t, verification.Job{
		ID:              "job-1",
		Assertion:       "a.b.c",
		Audience:        "https://RP.example:443",
		ForceIssuer:     "issuer.example",
		AllowUnverified: true,
	}, fp.jobs[0])
}

func TestDispatchClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		reply  func(job verification.Job) pool.Reply
		kind   verification.OutcomeKind
		reason string
	}{
		{
			name: "worker error",
			reply: func(job verification.Job) pool.Reply {
				return pool.Reply{Result: &verification.Result{ID: job.ID, Error: "assertion has expired"}}
			},
			kind:   verification.OutcomeFailure,
			reason: "assertion has expired",
		},
		{
			name: "missing success",
			reply: func(job verification.Job) pool.Reply {
				return pool.Reply{Result: &verification.Result{ID: job.ID}}
			},
			kind:   verification.OutcomeFailure,
			reason: verification.ReasonNoResponse,
		},
		{
			name: "pool fatal",
			reply: func(verification.Job) pool.Reply {
				return pool.Reply{Err: fmt.Errorf("%w: worker 1 exited", pool.ErrFatal)}
			},
			kind:   verification.OutcomePoolFailure,
			reason: verification.ReasonNoResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fp := &fakePool{answer: func(job verification.Job) (pool.Reply, bool) {
				return tt.reply(job), true
			}}
			out := newDispatcher(fp, time.Second).Dispatch(context.Background(), verification.Request{Assertion: "x", Audience: "y"})
			require.Equal(t, tt.kind, out.Kind)
			require.Equal(t, tt.reason, out.Reason)
			require.Nil(t, out.Success)
		})
	}
}

func TestDispatchEnqueueErrors(t *testing.T) {
	t.Parallel()

	fatal := newDispatcher(&fakePool{err: pool.ErrFatal}, time.Second).
		Dispatch(context.Background(), verification.Request{Assertion: "x", Audience: "y"})
	require.Equal(t, verification.OutcomePoolFailure, fatal.Kind)

	exiting := newDispatcher(&fakePool{err: pool.ErrExiting}, time.Second).
		Dispatch(context.Background(), verification.Request{Assertion: "x", Audience: "y"})
	require.Equal(t, verification.OutcomeFailure, exiting.Kind)
	require.Equal(t, pool.ErrExiting.Error(), exiting.Reason)
}

func TestDispatchIDError(t *testing.T) {
	t.Parallel()

	fp := &fakePool{}
	d := New(Config{JobTimeout: time.Second}, fp, &seqIDs{err: errors.New("entropy exhausted")}, system.New(), nil)
	out := d.Dispatch(context.Background(), verification.Request{Assertion: "x", Audience: "y"})
	require.Equal(t, verification.OutcomeFailure, out.Kind)
	require.Equal(t, "entropy exhausted", out.Reason)
	require.Empty(t, fp.jobs)
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()

	d := newDispatcher(&fakePool{}, 20*time.Millisecond)
	start := time.Now()
	out := d.Dispatch(context.Background(), verification.Request{Assertion: "x", Audience: "y"})
	require.Equal(t, verification.OutcomePoolFailure, out.Kind)
	require.Equal(t, verification.ReasonNoResponse, out.Reason)
	require.Less(t, time.Since(start), time.Second)
}

func TestDispatchCallerCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newDispatcher(&fakePool{}, time.Minute).Dispatch(ctx, verification.Request{Assertion: "x", Audience: "y"})
	require.Equal(t, verification.OutcomePoolFailure, out.Kind)
}

func TestDispatchConcurrentOutcomesStaySeparate(t *testing.T) {
	t.Parallel()

	fp := &fakePool{answer: func(job verification.Job) (pool.Reply, bool) {
		return pool.Reply{Result: &verification.Result{
			ID:      job.ID,
			Success: &verification.Success{Audience: job.Audience, Expires: time.Now().Add(time.Hour)},
		}}, true
	}}
	d := newDispatcher(fp, time.Second)

	var wg sync.WaitGroup
	got := make([]string, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := d.Dispatch(context.Background(), verification.Request{Assertion: "x", Audience: fmt.Sprintf("rp-%d", i)})
			got[i] = out.Success.Audience
		}(i)
	}
	wg.Wait()
	for i, aud := range got {
		require.Equal(t, fmt.Sprintf("rp-%d", i), aud)
	}
}

func TestSupervisorTerminatesOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []error
	s := NewSupervisor(10*time.Millisecond, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, err)
	}, zap.NewNop())

	boom := errors.New("worker 1 exited")
	s.Handle(pool.Event{Level: pool.LevelInfo, Message: "spawned worker 1"})
	s.Handle(pool.Event{Level: pool.LevelError, Message: boom.Error(), Err: boom})
	s.Handle(pool.Event{Level: pool.LevelError, Message: "again", Err: errors.New("again")})
	s.Handle(pool.Event{Level: pool.LevelDebug, Message: "retired"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ErrorIs(t, calls[0], boom)
}
