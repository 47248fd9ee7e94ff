// Package workerpool implements the bounded, FIFO-accepting job
// executor described in spec section 4.3: a pool guarantees at most N
// concurrently-executing jobs, each job is either rejected (on
// shutdown), executed exactly once, or cancelled before it starts, and
// its completion callback always runs exactly once.
//
// Concurrency is bounded with github.com/sourcegraph/conc/pool, the
// panic-safe bounded-goroutine-pool primitive used elsewhere in the
// pack (scttfrdmn-objectfs); FIFO ordering and queue introspection
// (needed by the ETA Estimator's W/Q terms, spec section 4.6) are
// provided by a mutex-and-condvar-guarded slice that a fixed number of
// conc-managed workers drain.
package workerpool

import (
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// JobStatus is the terminal state reported to a job's completion
// callback.
type JobStatus int

const (
	JobFinished JobStatus = iota
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobFinished:
		return "finished"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrShutdown is returned by Submit once the pool has been shut down.
var ErrShutdown = errors.New("workerpool: pool is shut down")

// CancelToken is polled cooperatively by running jobs at chunk
// boundaries (spec section 4.3, "cancellation is cooperative").
type CancelToken struct {
	ch   chan struct{}
	once sync.Once
}

// NewCancelToken creates a token in the not-cancelled state.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel marks the token cancelled. Idempotent.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that's closed once the token is cancelled,
// for use in select statements.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}

type job struct {
	size       int64
	run        func(cancel *CancelToken) error
	onComplete func(JobStatus, error)
	cancel     *CancelToken
	startedAt  time.Time
}

// ActiveJob describes one job currently executing, for ETA purposes.
type ActiveJob struct {
	Size      int64
	StartedAt time.Time
}

// Snapshot is a point-in-time view of a pool's active and queued work,
// consumed by the ETA Estimator (spec section 4.6).
type Snapshot struct {
	Concurrency int
	Active      []ActiveJob
	QueuedBytes int64
}

// Pool is a bounded, FIFO-accepting job executor for one channel
// (e.g. "fetch" or "checksum").
type Pool struct {
	log         *zap.Logger
	concurrency int
	workers     *pool.Pool

	mu       sync.Mutex
	cond     *sync.Cond
	queued   []*job
	active   []*job
	shutdown bool
}

// New starts a pool with the given concurrency (spec section 4.3: the
// fetch pool's concurrency equals upstream.max_connections, the
// checksum pool's concurrency is separately configurable).
func New(concurrency int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}

	p := &Pool{
		log:         log,
		concurrency: concurrency,
		workers:     pool.New().WithMaxGoroutines(concurrency),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < concurrency; i++ {
		p.workers.Go(p.drain)
	}

	return p
}

func (p *Pool) drain() {
	for {
		p.mu.Lock()
		for len(p.queued) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queued) == 0 {
			p.mu.Unlock()
			return
		}

		j := p.queued[0]
		p.queued = p.queued[1:]
		j.startedAt = time.Now()
		p.active = append(p.active, j)
		p.mu.Unlock()

		p.execute(j)

		p.mu.Lock()
		p.removeActiveLocked(j)
		p.mu.Unlock()
	}
}

func (p *Pool) removeActiveLocked(target *job) {
	for i, j := range p.active {
		if j == target {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

func (p *Pool) execute(j *job) {
	if j.cancel.Cancelled() {
		j.onComplete(JobCancelled, nil)
		return
	}

	err := j.run(j.cancel)

	switch {
	case j.cancel.Cancelled():
		j.onComplete(JobCancelled, nil)
	case err != nil:
		j.onComplete(JobFailed, err)
	default:
		j.onComplete(JobFinished, nil)
	}
}

// Submit enqueues a job, non-blocking, returning the token that will
// cancel it. size is the job's byte footprint, used only for ETA
// queue-position accounting. onComplete is guaranteed to run exactly
// once, whether the job succeeds, fails, or is cancelled before it
// starts.
func (p *Pool) Submit(size int64, run func(cancel *CancelToken) error, onComplete func(JobStatus, error)) (*CancelToken, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	token := NewCancelToken()
	p.queued = append(p.queued, &job{size: size, run: run, onComplete: onComplete, cancel: token})
	p.mu.Unlock()

	p.cond.Signal()
	return token, nil
}

// Snapshot returns the pool's current active jobs and total queued
// bytes.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Concurrency: p.concurrency}
	for _, j := range p.active {
		snap.Active = append(snap.Active, ActiveJob{Size: j.size, StartedAt: j.startedAt})
	}
	for _, j := range p.queued {
		snap.QueuedBytes += j.size
	}
	return snap
}

// QueuePosition returns the sum of sizes of jobs still queued ahead of
// token's job, and whether token's job was found still queued (as
// opposed to already active or complete).
func (p *Pool) QueuePosition(token *CancelToken) (aheadBytes int64, found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, j := range p.queued {
		if j.cancel == token {
			return aheadBytes, true
		}
		aheadBytes += j.size
	}
	return 0, false
}

// Shutdown stops accepting new jobs and waits for in-flight/queued
// jobs to drain (queued jobs still run; cancel tokens should be used
// by callers that want to abort queued work on shutdown).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.workers.Wait()
}
