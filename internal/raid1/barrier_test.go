package raid1

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBarrierConf() *conf {
	c := &conf{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *conf) counters() (barrier, pending, syncing int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barrier, c.nrPending, c.nrSync
}

func TestRaiseBarrierBoundsResyncDepth(t *testing.T) {
	c := newBarrierConf()
	ctx := context.Background()
	for i := 0; i < ResyncDepth-1; i++ {
		require.NoError(t, c.raiseBarrier(ctx))
	}

	done := make(chan error, 1)
	go func() { done <- c.raiseBarrier(ctx) }()
	select {
	case <-done:
		t.Fatalf("more than %d resync requests admitted", ResyncDepth-1)
	case <-time.After(50 * time.Millisecond):
	}

	c.lowerBarrier()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("freed place was not taken")
	}

	barrier, pending, n := c.counters()
	assert.Equal(t, ResyncDepth-1, barrier)
	assert.Equal(t, ResyncDepth-1, n)
	assert.Zero(t, pending)
}

func TestWaitBarrierBlocksWhileRaised(t *testing.T) {
	c := newBarrierConf()
	require.NoError(t, c.raiseBarrier(context.Background()))

	entered := make(chan struct{})
	go func() {
		c.waitBarrier()
		close(entered)
	}()

	require.Never(t, func() bool {
		select {
		case <-entered:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	c.lowerBarrier()
	require.Eventually(t, func() bool {
		select {
		case <-entered:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	_, pending, _ := c.counters()
	assert.Equal(t, 1, pending)
	c.allowBarrier()
}

func TestRaiseBarrierWaitsForPendingIO(t *testing.T) {
	c := newBarrierConf()
	c.waitBarrier()

	done := make(chan error, 1)
	go func() { done <- c.raiseBarrier(context.Background()) }()

	select {
	case <-done:
		t.Fatal("barrier raised over pending I/O")
	case <-time.After(50 * time.Millisecond):
	}

	c.allowBarrier()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("barrier never raised")
	}
	c.lowerBarrier()
}

func TestFreezeWaitsForQueuedRequests(t *testing.T) {
	c := newBarrierConf()
	c.waitBarrier()
	c.waitBarrier()

	frozen := make(chan struct{})
	go func() {
		c.freeze(0)
		close(frozen)
	}()

	c.allowBarrier()
	select {
	case <-frozen:
		t.Fatal("froze with a request still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// parked on the retry list
	c.mu.Lock()
	c.nrQueued++
	c.mu.Unlock()
	c.cond.Broadcast()

	select {
	case <-frozen:
	case <-time.After(time.Second):
		t.Fatal("freeze never completed")
	}

	entered := make(chan struct{})
	go func() {
		c.waitBarrier()
		close(entered)
	}()
	select {
	case <-entered:
		t.Fatal("request admitted while frozen")
	case <-time.After(50 * time.Millisecond):
	}

	c.unfreeze()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("request not admitted after unfreeze")
	}
}

func TestRaiseBarrierCancelled(t *testing.T) {
	c := newBarrierConf()
	c.freeze(0)
	defer c.unfreeze()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.raiseBarrier(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	barrier, _, n := c.counters()
	assert.Equal(t, 1, barrier, "only the freeze holds the barrier")
	assert.Zero(t, n)
}
