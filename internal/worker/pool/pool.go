// Package pool implements the worker pool of spec.md §4.4: it bounds
// concurrent workers and aggregate reserved memory, and hands out one
// worker per acquisition with no cross-call affinity (per the spec's Open
// Question decision to keep pooling strictly per-call).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/questionpy-go/questionpy-server/internal/ipc"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/metrics"
	"github.com/questionpy-go/questionpy-server/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// StopGrace is how long Release waits for a clean Exit before killing the
// worker (spec.md §4.4 step 6).
const StopGrace = 10 * time.Second

// maxStartRetries bounds the internal retry of transient start failures
// (spec.md §7: "only pool-level transient failures ... are retried
// internally").
const maxStartRetries = 3

// Factory constructs a not-yet-started Worker for one acquisition.
type Factory func(loc manifest.Location, limits ipc.ResourceLimits) *worker.Worker

// Pool bounds concurrency (a counting semaphore of size MaxWorkers) and
// aggregate reserved memory (a mutex+condition guarding UsedMemory), per
// spec.md §4.4.
type Pool struct {
	maxWorkers     int64
	maxMemoryBytes int64
	factory        Factory
	log            *zap.Logger

	sem *semaphore.Weighted

	mu         sync.Mutex
	cond       *sync.Cond
	usedMemory int64

	active int64 // workers currently acquired (requests_in_process)
	queued int64 // callers blocked waiting for a slot (requests_in_queue)
}

func New(maxWorkers int, maxMemoryBytes int64, factory Factory, log *zap.Logger) *Pool {
	p := &Pool{
		maxWorkers:     int64(maxWorkers),
		maxMemoryBytes: maxMemoryBytes,
		factory:        factory,
		log:            log,
		sem:            semaphore.NewWeighted(int64(maxWorkers)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Handle is the scoped acquisition result; Release must be called exactly
// once, typically via defer, to return the worker's resources to the pool.
type Handle struct {
	Worker *worker.Worker

	pool    *Pool
	reserve int64
	once    sync.Once
}

// Release implements spec.md §4.4 step 6: stop the worker with a grace
// period, give back the memory reservation, notify waiters, release the
// semaphore slot.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.Worker.Stop(StopGrace)

		h.pool.mu.Lock()
		h.pool.usedMemory -= h.reserve
		h.pool.cond.Broadcast()
		h.pool.mu.Unlock()

		h.pool.sem.Release(1)
		h.pool.addActive(-1)
	})
}

// Acquire implements the six-step scoped operation of spec.md §4.4.
func (p *Pool) Acquire(ctx context.Context, loc manifest.Location, limits ipc.ResourceLimits) (*Handle, error) {
	reserve := limits.MaxMemoryBytes
	if reserve > p.maxMemoryBytes {
		return nil, &worker.StartError{Temporary: false, Err: fmt.Errorf(
			"pool: requested memory %d exceeds pool maximum %d", reserve, p.maxMemoryBytes)}
	}

	p.addQueued(1)
	defer p.addQueued(-1)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := p.reserveMemory(ctx, reserve); err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.addActive(1)

	w, err := p.startWithRetry(ctx, loc, limits)
	if err != nil {
		p.mu.Lock()
		p.usedMemory -= reserve
		p.cond.Broadcast()
		p.mu.Unlock()
		p.sem.Release(1)
		p.addActive(-1)
		return nil, err
	}

	return &Handle{Worker: w, pool: p, reserve: reserve}, nil
}

// addQueued and addActive keep the pool's request_in_queue/request_in_process
// gauges (spec.md §6.5) in lockstep with the atomic counters Usage reports.
func (p *Pool) addQueued(delta int64) {
	metrics.RequestsInQueue.Set(float64(atomic.AddInt64(&p.queued, delta)))
}

func (p *Pool) addActive(delta int64) {
	metrics.RequestsInProcess.Set(float64(atomic.AddInt64(&p.active, delta)))
}

// reserveMemory blocks until usedMemory+reserve fits under the pool's
// ceiling or ctx is cancelled, per spec.md §4.4 step 3.
func (p *Pool) reserveMemory(ctx context.Context, reserve int64) error {
	cancelled := false
	stopWaiting := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			cancelled = true
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stopWaiting:
		}
	}()
	defer close(stopWaiting)

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.usedMemory+reserve > p.maxMemoryBytes && !cancelled {
		p.cond.Wait()
	}
	if cancelled {
		return ctx.Err()
	}
	p.usedMemory += reserve
	return nil
}

// startWithRetry retries only StartError{Temporary: true} failures, with
// exponential backoff, per spec.md §7's recovery policy.
func (p *Pool) startWithRetry(ctx context.Context, loc manifest.Location, limits ipc.ResourceLimits) (*worker.Worker, error) {
	var lastErr error
	var started *worker.Worker
	b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), maxStartRetries)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		w := p.factory(loc, limits)
		if err := w.Start(ctx); err != nil {
			var se *worker.StartError
			if errors.As(err, &se) && !se.Temporary {
				metrics.WorkersFailed.WithLabelValues("false").Inc()
				lastErr = err
				return backoff.Permanent(err)
			}
			metrics.WorkersFailed.WithLabelValues("true").Inc()
			lastErr = err
			if p.log != nil {
				p.log.Warn("transient worker start failure, retrying",
					zap.Int("attempt", attempt), zap.Error(err))
			}
			return err
		}
		metrics.WorkersStarted.Inc()
		lastErr = nil
		started = w
		return nil
	}, b)

	if err != nil || started == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return started, nil
}

// Usage reports the pool's current occupancy for the /status endpoint
// (spec.md §6: ServerStatus.usage).
func (p *Pool) Usage() (requestsInProcess, requestsInQueue int) {
	return int(atomic.LoadInt64(&p.active)), int(atomic.LoadInt64(&p.queued))
}
