package md

import (
	"context"
	"sync"
	"time"
)

// WaitQueue lets goroutines sleep until a condition they check becomes true. Wake must be
// called after every change that could make a waiter's condition true.
type WaitQueue struct {
	mu sync.Mutex
	ch chan struct{}
}

func (w *WaitQueue) channel() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		w.ch = make(chan struct{})
	}
	return w.ch
}

// Wake wakes every waiter.
func (w *WaitQueue) Wake() {
	w.mu.Lock()
	if w.ch != nil {
		close(w.ch)
		w.ch = nil
	}
	w.mu.Unlock()
}

// Wait blocks until cond returns true or ctx is done.
func (w *WaitQueue) Wait(ctx context.Context, cond func() bool) error {
	for {
		ch := w.channel()
		if cond() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitUninterruptible blocks until cond returns true.
func (w *WaitQueue) WaitUninterruptible(cond func() bool) {
	_ = w.Wait(context.Background(), cond)
}

// WaitTimeout blocks until cond returns true or d elapses. It reports whether cond held.
func (w *WaitQueue) WaitTimeout(d time.Duration, cond func() bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.Wait(ctx, cond) == nil
}
