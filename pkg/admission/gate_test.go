package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsZeroCapacity(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestGate_NeverExceedsCapacity(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Acquire(context.Background()))
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, 0, g.InUse())
	assert.Equal(t, 3, g.Available())
}

func TestGate_FIFO(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)
	require.NoError(t, g.Acquire(context.Background()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}(i)
		require.Eventually(t, func() bool { return g.Waiting() == i+1 }, time.Second, time.Millisecond)
	}

	g.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestGate_AcquireHonoursContext(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.Waiting())
	assert.Equal(t, 1, g.InUse())
}

func TestGate_CloseWakesWaiters(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)
	require.NoError(t, g.Acquire(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- g.Acquire(context.Background()) }()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	g.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	assert.ErrorIs(t, g.Acquire(context.Background()), ErrClosed)
	assert.True(t, g.Closed())

	// Held slots are still released normally.
	g.Release()
	assert.Equal(t, 0, g.InUse())
}

func TestGate_ReleaseWithoutAcquirePanics(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)
	assert.Panics(t, g.Release)
}
