package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

var ErrStopped = errors.New("dispatcher stopped")

// RunFunc synchronizes one account. It reports only through logs.
type RunFunc func(ctx context.Context, accountID int64)

// Dispatcher runs account synchronizations on a bounded worker pool. An
// account is never queued or running twice at the same time.
type Dispatcher struct {
	run     RunFunc
	logger  *slog.Logger
	workers int
	queue   chan int64

	mu      sync.Mutex
	pending map[int64]struct{}
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(run RunFunc, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	return &Dispatcher{
		run:     run,
		logger:  logger,
		workers: workers,
		queue:   make(chan int64, queueSize),
		pending: make(map[int64]struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Runs inherit ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go func() {
		defer close(d.done)
		p := pool.New().WithMaxGoroutines(d.workers)
		for accountID := range d.queue {
			p.Go(func() {
				defer d.finish(accountID)
				d.logger.Debug("sync task started", "account_id", accountID)
				d.run(ctx, accountID)
			})
		}
		p.Wait()
	}()
}

// Dispatch queues a synchronization of the account without blocking. It
// reports whether a new task was queued; false means one is already queued
// or running, or the queue is full.
func (d *Dispatcher) Dispatch(accountID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false, ErrStopped
	}
	if _, ok := d.pending[accountID]; ok {
		d.logger.Debug("sync already pending", "account_id", accountID)
		return false, nil
	}
	select {
	case d.queue <- accountID:
		d.pending[accountID] = struct{}{}
		return true, nil
	default:
		d.logger.Warn("sync queue full, dropping task", "account_id", accountID)
		return false, nil
	}
}

// Pending reports whether a task for the account is queued or running.
func (d *Dispatcher) Pending(accountID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[accountID]
	return ok
}

func (d *Dispatcher) finish(accountID int64) {
	d.mu.Lock()
	delete(d.pending, accountID)
	d.mu.Unlock()
}

// Stop refuses new tasks, cancels running ones and waits for the workers
// to exit or ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
