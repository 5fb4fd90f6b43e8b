// Package pool runs job handlers on a fixed number of workers. Jobs beyond
// capacity wait in a FIFO backlog; the pool never rejects a job because it is
// busy, it only reports saturation through Admit.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrUninitialized is returned before Start and after Shutdown.
	ErrUninitialized = errors.New("worker pool is not running")
	// ErrSaturated is returned by Admit when the backlog limit is reached.
	ErrSaturated = errors.New("worker pool is saturated")
)

// Handler runs one job to completion.
type Handler func(ctx context.Context, jobID uuid.UUID) error

// Recorder receives pool telemetry.
type Recorder interface {
	PoolChanged(active, queued int)
	JobDone(d time.Duration, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) PoolChanged(int, int)         {}
func (nopRecorder) JobDone(time.Duration, bool) {}

const (
	minWorkers = 4
	maxWorkers = 32

	defaultJobDuration = 3 * time.Minute
	// weight given to the newest sample in the job duration estimate
	durationAlpha = 0.3
)

// DefaultMaxWorkers is clamp(2*NumCPU, 4, 32).
func DefaultMaxWorkers() int {
	return min(max(2*runtime.NumCPU(), minWorkers), maxWorkers)
}

type Option func(*Pool)

// WithMaxWorkers sets the worker count. Values below 1 are ignored.
func WithMaxWorkers(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.maxWorkers = n
		}
	}
}

// WithMaxBacklog makes Admit report ErrSaturated once n jobs are waiting.
// Zero disables the limit.
func WithMaxBacklog(n int) Option {
	return func(p *Pool) { p.maxBacklog = max(n, 0) }
}

// WithDefaultJobDuration seeds the wait estimate until real jobs finish.
func WithDefaultJobDuration(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.meanDuration = d
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.rec = r }
}

// Pool is a fixed-size worker pool with a FIFO backlog.
type Pool struct {
	jobs       store.JobStore
	handler    Handler
	rec        Recorder
	maxWorkers int
	maxBacklog int
	sem        *semaphore.Weighted

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu           sync.Mutex
	cond         *sync.Cond
	backlog      []uuid.UUID
	active       map[uuid.UUID]time.Time
	queueSize    int
	reserved     int // slots taken by Submit calls still writing PENDING
	meanDuration time.Duration
	started      bool
	closed       bool
	stopped      bool // dispatcher has exited
}

func New(jobs store.JobStore, handler Handler, opts ...Option) *Pool {
	p := &Pool{
		jobs:         jobs,
		handler:      handler,
		rec:          nopRecorder{},
		maxWorkers:   DefaultMaxWorkers(),
		meanDuration: defaultJobDuration,
		active:       make(map[uuid.UUID]time.Time),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cond = sync.NewCond(&p.mu)
	p.sem = semaphore.NewWeighted(int64(p.maxWorkers))
	return p
}

// Start launches the dispatcher. Handlers run under a context that keeps
// ctx's values but is only cancelled by a Shutdown whose deadline expires.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go p.dispatch()
	slog.Info("worker pool started", "max_workers", p.maxWorkers, "max_backlog", p.maxBacklog)
}

// Admit reports whether a new job should be accepted right now.
func (p *Pool) Admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running() {
		return ErrUninitialized
	}
	if p.maxBacklog > 0 && p.waiting() >= p.maxBacklog {
		return ErrSaturated
	}
	return nil
}

// Submit queues jobID for execution. The job is marked PENDING with its queue
// position before it becomes visible to a worker. The position is reserved
// under the pool lock, so concurrent submissions never share one, and a
// Shutdown that starts during the store write still runs the job.
func (p *Pool) Submit(ctx context.Context, jobID uuid.UUID) (bool, error) {
	p.mu.Lock()
	if !p.running() {
		p.mu.Unlock()
		return false, ErrUninitialized
	}
	p.queueSize++
	p.reserved++
	position := p.queueSize
	active := len(p.active)
	p.mu.Unlock()

	ok, err := p.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusPending,
		store.WithCurrentStep("Queued for processing"),
		store.WithProgress(map[string]any{
			"queue_position": position,
			"active_workers": active,
			"max_workers":    p.maxWorkers,
		}),
	)
	if err == nil && !ok {
		err = store.ErrNotFound
	}

	p.mu.Lock()
	p.reserved--
	if err == nil && p.stopped {
		// Hard shutdown already abandoned the backlog. The job stays PENDING
		// and is failed on the next startup like the others.
		err = ErrUninitialized
	}
	if err != nil {
		p.queueSize = max(p.queueSize-1, 0)
		p.cond.Broadcast()
		p.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrUninitialized) {
			return false, err
		}
		return false, fmt.Errorf("queue job %s: %w", jobID, err)
	}
	p.backlog = append(p.backlog, jobID)
	active, queued := len(p.active), p.queueSize
	p.cond.Broadcast()
	p.mu.Unlock()

	p.rec.PoolChanged(active, queued)
	slog.Info("job queued", "job_id", jobID, "queue_position", position)
	return true, nil
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() models.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	waiting := p.waiting()
	rounds := math.Ceil(float64(waiting) / float64(p.maxWorkers))
	wait := time.Duration(rounds * float64(p.meanDuration))

	return models.PoolStatus{
		MaxWorkers:           p.maxWorkers,
		ActiveJobs:           len(p.active),
		ActiveJobIDs:         ids,
		QueueSize:            p.queueSize,
		AvailableWorkers:     max(p.maxWorkers-len(p.active), 0),
		EstimatedWait:        wait,
		EstimatedWaitSeconds: wait.Seconds(),
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. If ctx expires first, running handlers are cancelled, jobs still
// waiting are dropped, and ctx's error is returned once the workers exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		<-p.done
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		slog.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-drained
		slog.Warn("worker pool shutdown deadline exceeded; running jobs cancelled")
		return ctx.Err()
	}
}

// running must be called with mu held.
func (p *Pool) running() bool {
	return p.started && !p.closed
}

// waiting is the number of submitted jobs not yet on a worker. Caller holds mu.
func (p *Pool) waiting() int {
	return max(p.queueSize-len(p.active), 0)
}

func (p *Pool) dispatch() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.backlog) == 0 && (!p.closed || p.reserved > 0) {
			p.cond.Wait()
		}
		if len(p.backlog) == 0 {
			p.stopped = true
			p.mu.Unlock()
			return
		}
		id := p.backlog[0]
		p.backlog[0] = uuid.Nil
		p.backlog = p.backlog[1:]
		p.mu.Unlock()

		if p.runCtx.Err() != nil || p.sem.Acquire(p.runCtx, 1) != nil {
			p.abandon(id)
			return
		}

		p.mu.Lock()
		p.active[id] = time.Now()
		active, queued := len(p.active), p.queueSize
		p.mu.Unlock()
		p.rec.PoolChanged(active, queued)

		p.wg.Add(1)
		go p.work(id)
	}
}

// abandon drops id and everything still waiting after a hard shutdown.
// Those jobs stay non-terminal and are failed on the next startup.
func (p *Pool) abandon(id uuid.UUID) {
	p.mu.Lock()
	dropped := append([]uuid.UUID{id}, p.backlog...)
	p.backlog = nil
	p.queueSize = max(p.queueSize-len(dropped), 0)
	p.stopped = true
	p.mu.Unlock()
	for _, jobID := range dropped {
		slog.Warn("job dropped from queue during shutdown", "job_id", jobID)
	}
}

func (p *Pool) work(id uuid.UUID) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	start := time.Now()
	err := p.invoke(id)
	p.finish(id, time.Since(start), err)
}

// invoke runs the handler, turning a panic into a *PanicError.
func (p *Pool) invoke(id uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.handler(p.runCtx, id)
}

// finish is the completion callback. It never fails: bookkeeping always runs
// and store errors are only logged.
func (p *Pool) finish(id uuid.UUID, d time.Duration, err error) {
	p.mu.Lock()
	delete(p.active, id)
	p.queueSize = max(p.queueSize-1, 0)
	p.meanDuration = time.Duration(durationAlpha*float64(d) + (1-durationAlpha)*float64(p.meanDuration))
	active, queued := len(p.active), p.queueSize
	p.mu.Unlock()

	p.rec.PoolChanged(active, queued)
	p.rec.JobDone(d, err == nil)

	if err == nil {
		slog.Info("job finished", "job_id", id, "duration_ms", d.Milliseconds())
		return
	}

	var perr *PanicError
	if errors.As(err, &perr) {
		slog.Error("job handler panicked", "job_id", id, "panic", perr.Value, "stack", string(perr.Stack))
		p.markFailed(id, fmt.Sprintf("Worker crashed: %v", perr.Value))
		return
	}
	slog.Error("job handler failed", "job_id", id, "error", err)
	p.markFailed(id, "Job execution aborted: "+err.Error())
}

// markFailed is best effort. A job that already reached a terminal state or
// no longer exists is left alone.
func (p *Pool) markFailed(id uuid.UUID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.jobs.UpdateJobStatus(ctx, id, models.JobStatusFailed,
		store.WithCurrentStep("Failed"),
		store.WithErrorMessage(msg),
		store.WithProgress(map[string]any{"failure_reason": "Worker error"}),
	)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		slog.Error("failed to mark job failed", "job_id", id, "error", err)
	}
}

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
