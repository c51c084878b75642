// Package admission bounds how many execution units run at once across the
// whole process.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"orca/pkg/metrics"
)

// ErrClosed is returned by Acquire once the gate has been closed.
var ErrClosed = errors.New("admission gate closed")

// Gate is a counting gate. Waiters are granted slots in arrival order.
type Gate struct {
	capacity int64
	sem      *semaphore.Weighted

	inUse   atomic.Int64
	waiting atomic.Int64

	closing context.Context
	close   context.CancelFunc
}

// New returns a gate with capacity slots. Capacity must be at least 1.
func New(capacity int) (*Gate, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("admission capacity must be >= 1, got %d", capacity)
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Gate{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		closing:  closing,
		close:    cancel,
	}, nil
}

// Acquire blocks until a slot is free, ctx is done, or the gate closes.
// On success the caller must call Release exactly once.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.closing.Err() != nil {
		return ErrClosed
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.closing, cancel)
	defer stop()

	g.waiting.Add(1)
	metrics.SlotsWaiting.Inc()
	start := time.Now()
	err := g.sem.Acquire(waitCtx, 1)
	g.waiting.Add(-1)
	metrics.SlotsWaiting.Dec()
	metrics.AdmissionWait.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}
	if g.closing.Err() != nil {
		g.sem.Release(1)
		return ErrClosed
	}
	g.inUse.Add(1)
	metrics.SlotsInUse.Inc()
	return nil
}

// Release returns a slot and wakes the longest waiting acquirer.
func (g *Gate) Release() {
	if g.inUse.Add(-1) < 0 {
		panic("admission: release without acquire")
	}
	metrics.SlotsInUse.Dec()
	g.sem.Release(1)
}

// Close makes every pending and future Acquire fail with ErrClosed.
// Slots already held stay valid until released.
func (g *Gate) Close() { g.close() }

func (g *Gate) Closed() bool { return g.closing.Err() != nil }

func (g *Gate) Capacity() int { return int(g.capacity) }

func (g *Gate) InUse() int { return int(g.inUse.Load()) }

func (g *Gate) Available() int { return int(g.capacity - g.inUse.Load()) }

// Waiting is the number of callers blocked in Acquire.
func (g *Gate) Waiting() int { return int(g.waiting.Load()) }
