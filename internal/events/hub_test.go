package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type batchSink struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (s *batchSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *batchSink) Close(context.Context) error { return nil }

func (s *batchSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func sampleEvent(result Result) Event {
	return Event{
		TS:     time.Now().UTC(),
		Result: result,
		RP:     "https://rp.example",
		Status: 200,
		Dur:    3 * time.Millisecond,
	}
}

// TestHubBatchBySize verifies the hub flushes once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(ResultSuccess))
	hub.Emit(sampleEvent(ResultFailure))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies a partial batch is flushed after MaxBatchWait.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(ResultSuccess))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Emit(sampleEvent(ResultSuccess))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 2
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlocking asserts Emit drops instead of blocking when the intake is full.
func TestHubEmitNonBlocking(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		intake:   make(chan Event),
		logger:   zap.NewNop(),
		dropped:  atomic.NewInt64(0),
		closed:   atomic.NewBool(false),
		dropWarn: rate.NewLimiter(rate.Every(time.Hour), 0),
	}
	start := time.Now()
	hub.Emit(sampleEvent(ResultSuccess))
	hub.Emit(sampleEvent(ResultFailure))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 2, hub.Dropped())
}

// TestHubFlushOnClose ensures Close drains buffered events and closes sinks.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(ResultSuccess))
	hub.Emit(sampleEvent(ResultFailure))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Events(), 2)
	require.True(t, sink.Closed())

	// Events after close are ignored and a second Close is harmless.
	hub.Emit(sampleEvent(ResultSuccess))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Events(), 2)
}

// TestHubSkipsInvalidEvents ensures malformed events never reach sinks.
func TestHubSkipsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	hub := NewHub(Config{}, sink)
	hub.Emit(Event{Result: ResultSuccess})
	hub.Emit(Event{TS: time.Now(), Result: "maybe"})
	hub.Emit(Event{TS: time.Now(), Result: ResultFailure, Dur: -time.Second})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Events())
}

// TestHubSinkErrorDoesNotStopDelivery ensures one failing sink does not starve another.
func TestHubSinkErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := &batchSink{err: errors.New("unavailable")}
	healthy := NewMemorySink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, healthy)
	hub.Emit(sampleEvent(ResultFailure))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, healthy.Events(), 1)
	require.Len(t, failing.Batches(), 1)
}

// TestNilHub ensures a nil hub is inert.
func TestNilHub(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(ResultSuccess))
	require.NoError(t, hub.Close(context.Background()))
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []Event{sampleEvent(ResultSuccess)}))
	require.NoError(t, sink.Close(context.Background()))
}
