package pool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/metrics"
	"github.com/JakeFAU/assertion-verifier/internal/queue/memory"
	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

var (
	// ErrFatal marks replies for jobs abandoned after a pool-fatal event.
	ErrFatal = errors.New("worker pool failed")
	// ErrExiting is returned for jobs submitted to or left in an exiting pool.
	ErrExiting = errors.New("worker pool exiting")
	// ErrJobTimeout marks a job whose deadline passed while a worker held it.
	// The worker is killed and replaced.
	ErrJobTimeout = errors.New("job deadline exceeded in worker")
)

// Config sizes the pool.
type Config struct {
	MaxProcesses int
	QueueDepth   int
}

// Level grades pool events.
type Level int

// Event levels.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

// Event is a diagnostic emitted by the pool. LevelError events are fatal
// and carry Err.
type Event struct {
	Level   Level
	Message string
	Err     error
}

// Listener receives pool events. It is called synchronously and must not block.
type Listener func(Event)

// Reply is the single answer delivered for a job.
type Reply struct {
	Result *verification.Result
	Err    error
}

type task struct {
	ctx     context.Context
	job     verification.Job
	done    chan Reply
	once    sync.Once
	release func()
}

func (t *task) resolve(r Reply) {
	t.once.Do(func() {
		t.done <- r
		t.release()
	})
}

// Pool dispatches jobs to worker processes.
type Pool struct {
	cfg      Config
	spawner  Spawner
	listener Listener
	logger   *zap.Logger
	queue    *memory.Queue[*task]

	mu      sync.Mutex
	workers map[int]*worker
	nextID  int

	pending   *atomic.Int64
	fatal     *atomic.Bool
	exiting   *atomic.Bool
	fatalOnce sync.Once
	exitOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds a pool. No process is started until the first job arrives.
func New(cfg Config, spawner Spawner, listener Listener, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxProcesses <= 0 {
		return nil, fmt.Errorf("pool: max processes must be positive, got %d", cfg.MaxProcesses)
	}
	if cfg.QueueDepth <= 0 {
		return nil, fmt.Errorf("pool: queue depth must be positive, got %d", cfg.QueueDepth)
	}
	if spawner == nil {
		return nil, errors.New("pool: spawner is required")
	}
	if listener == nil {
		listener = func(Event) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		spawner:  spawner,
		listener: listener,
		logger:   logger.Named("pool"),
		queue:    memory.NewQueue[*task](cfg.QueueDepth),
		workers:  make(map[int]*worker),
		pending:  atomic.NewInt64(0),
		fatal:    atomic.NewBool(false),
		exiting:  atomic.NewBool(false),
	}, nil
}

// Enqueue submits a job. The returned channel receives exactly one Reply.
// Enqueue blocks while the queue is full, until ctx ends.
func (p *Pool) Enqueue(ctx context.Context, job verification.Job) (<-chan Reply, error) {
	if p.fatal.Load() {
		return nil, ErrFatal
	}
	if p.exiting.Load() {
		return nil, ErrExiting
	}

	t := &task{ctx: ctx, job: job, done: make(chan Reply, 1), release: p.release}
	p.track(1)
	if err := p.queue.Enqueue(ctx, t); err != nil {
		p.track(-1)
		if errors.Is(err, memory.ErrClosed) {
			return nil, ErrExiting
		}
		return nil, fmt.Errorf("pool enqueue: %w", err)
	}
	if p.fatal.Load() {
		// Lost the race with a fatal drain.
		p.abandon(ErrFatal)
	}
	p.maybeSpawn(ctx)
	return t.done, nil
}

// Pending reports jobs queued or in flight.
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

// Processes reports live worker processes.
func (p *Pool) Processes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Failed reports whether a pool-fatal event has occurred.
func (p *Pool) Failed() bool {
	return p.fatal.Load()
}

// Exit stops accepting jobs, lets in-flight jobs finish, closes every
// child's stdin and waits for the children to exit. Children still running
// when ctx ends are killed. Exit runs once; later calls return nil.
func (p *Pool) Exit(ctx context.Context) error {
	var exitErr error
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exiting.Store(true)
		p.mu.Unlock()

		p.queue.Close()
		p.abandon(ErrExiting)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			p.mu.Lock()
			for _, w := range p.workers {
				if err := w.proc.Kill(); err != nil {
					p.logger.Debug("kill straggler", zap.Int("worker", w.id), zap.Error(err))
				}
			}
			p.mu.Unlock()
			<-done
			exitErr = fmt.Errorf("pool exit: %w", ctx.Err())
		}
		p.emit(LevelInfo, "all workers exited")
	})
	return exitErr
}

func (p *Pool) track(delta int64) {
	metrics.SetPoolPending(int(p.pending.Add(delta)))
}

func (p *Pool) release() {
	p.track(-1)
}

// abandon resolves every queued job with err.
func (p *Pool) abandon(err error) {
	for _, t := range p.queue.Drain() {
		t.resolve(Reply{Err: err})
	}
}

// maybeSpawn starts a worker when outstanding jobs exceed live workers.
func (p *Pool) maybeSpawn(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exiting.Load() || p.fatal.Load() {
		return
	}
	live := len(p.workers)
	if live >= p.cfg.MaxProcesses || p.pending.Load() <= int64(live) {
		return
	}

	proc, err := p.spawner.Spawn(ctx)
	if err != nil {
		p.fail(fmt.Errorf("spawn worker: %w", err))
		return
	}

	p.nextID++
	w := newWorker(p.nextID, proc)
	p.workers[w.id] = w
	metrics.SetPoolProcesses(len(p.workers))
	p.emit(LevelInfo, fmt.Sprintf("spawned worker %d (pid %d), %d/%d processes", w.id, proc.PID(), len(p.workers), p.cfg.MaxProcesses))

	p.wg.Add(2)
	go p.read(w)
	go p.run(w)
}

// fail records the first pool-fatal event and abandons queued work.
func (p *Pool) fail(err error) {
	p.fatalOnce.Do(func() {
		p.fatal.Store(true)
		metrics.ObservePoolFatal()
		p.listener(Event{Level: LevelError, Message: err.Error(), Err: err})
		p.abandon(ErrFatal)
	})
}

func (p *Pool) emit(level Level, msg string) {
	p.listener(Event{Level: level, Message: msg})
}

type worker struct {
	id       int
	proc     Process
	enc      *json.Encoder
	lines    chan []byte
	stop     chan struct{}
	readDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

func newWorker(id int, proc Process) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		id:       id,
		proc:     proc,
		enc:      json.NewEncoder(proc.Stdin()),
		lines:    make(chan []byte, 1),
		stop:     make(chan struct{}),
		readDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// read forwards stdout lines until EOF. EOF cancels the worker's context so
// an idle worker notices its child is gone.
func (p *Pool) read(w *worker) {
	defer p.wg.Done()
	defer close(w.readDone)
	defer close(w.lines)
	defer w.cancel()

	br := bufio.NewReader(w.proc.Stdout())
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 && err == nil {
			select {
			case w.lines <- line:
			case <-w.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()

	for {
		t, err := p.queue.Dequeue(w.ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || p.exiting.Load() {
				p.retire(w, false)
				return
			}
			p.fail(fmt.Errorf("worker %d (pid %d) exited unexpectedly", w.id, w.proc.PID()))
			p.retire(w, true)
			return
		}
		if !p.handle(w, t) {
			p.retire(w, true)
			// Replace a worker retired for a timeout; after a fatal event
			// or during Exit this is a no-op.
			p.maybeSpawn(context.Background())
			return
		}
	}
}

// handle runs one job on w. It returns false when w is no longer usable.
func (p *Pool) handle(w *worker, t *task) bool {
	if p.fatal.Load() {
		t.resolve(Reply{Err: ErrFatal})
		return true
	}
	if err := t.ctx.Err(); err != nil {
		t.resolve(Reply{Err: fmt.Errorf("job %s expired in queue: %w", t.job.ID, err)})
		return true
	}

	if err := w.enc.Encode(t.job); err != nil {
		p.crash(t, fmt.Errorf("worker %d (pid %d): write job: %w", w.id, w.proc.PID(), err))
		return false
	}

	line, ok, timedOut := p.await(w, t)
	if timedOut {
		t.resolve(Reply{Err: fmt.Errorf("%w: job %s", ErrJobTimeout, t.job.ID)})
		p.emit(LevelInfo, fmt.Sprintf("worker %d (pid %d) killed: job %s exceeded its deadline", w.id, w.proc.PID(), t.job.ID))
		return false
	}
	if !ok {
		p.crash(t, fmt.Errorf("worker %d (pid %d) exited with job %s in flight", w.id, w.proc.PID(), t.job.ID))
		return false
	}

	var res verification.Result
	if err := json.Unmarshal(line, &res); err != nil {
		p.crash(t, fmt.Errorf("worker %d (pid %d): protocol violation: %w", w.id, w.proc.PID(), err))
		return false
	}
	if res.ID != t.job.ID {
		p.crash(t, fmt.Errorf("worker %d (pid %d): protocol violation: result for %q while %q in flight", w.id, w.proc.PID(), res.ID, t.job.ID))
		return false
	}

	t.resolve(Reply{Result: &res})
	return true
}

// await waits for w's answer to t. It gives up when t's deadline passes;
// a job whose caller merely went away still waits for its answer.
func (p *Pool) await(w *worker, t *task) (line []byte, ok bool, timedOut bool) {
	expired := t.ctx.Done()
	if _, hasDeadline := t.ctx.Deadline(); !hasDeadline {
		expired = nil
	}
	select {
	case line, ok = <-w.lines:
		return line, ok, false
	case <-expired:
		if errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
			return nil, false, true
		}
	}
	line, ok = <-w.lines
	return line, ok, false
}

// crash abandons the in-flight job of a broken worker. Workers killed
// during Exit are expected to break and do not count as fatal.
func (p *Pool) crash(t *task, err error) {
	if p.exiting.Load() {
		t.resolve(Reply{Err: fmt.Errorf("%w: %w", ErrExiting, err)})
		return
	}
	t.resolve(Reply{Err: fmt.Errorf("%w: %w", ErrFatal, err)})
	p.fail(err)
}

// retire closes the worker's stdin, waits for its stdout to drain and reaps
// the child. A broken worker is killed first.
func (p *Pool) retire(w *worker, kill bool) {
	close(w.stop)
	if kill {
		if err := w.proc.Kill(); err != nil {
			p.logger.Debug("kill worker", zap.Int("worker", w.id), zap.Error(err))
		}
	}
	if err := w.proc.Stdin().Close(); err != nil {
		p.logger.Debug("close worker stdin", zap.Int("worker", w.id), zap.Error(err))
	}
	<-w.readDone
	if err := w.proc.Wait(); err != nil && !kill {
		p.emit(LevelDebug, fmt.Sprintf("worker %d exited: %v", w.id, err))
	}

	p.mu.Lock()
	delete(p.workers, w.id)
	live := len(p.workers)
	p.mu.Unlock()
	metrics.SetPoolProcesses(live)
	p.emit(LevelDebug, fmt.Sprintf("worker %d retired, %d processes remain", w.id, live))
}
