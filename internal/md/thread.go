package md

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Thread is a background worker that runs fn whenever it is woken or its timeout expires.
type Thread struct {
	name    string
	fn      func(ctx context.Context)
	timeout time.Duration
	log     logrus.FieldLogger

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartThread starts a worker. A zero timeout means fn only runs when woken.
func StartThread(name string, timeout time.Duration, log logrus.FieldLogger, fn func(ctx context.Context)) *Thread {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		name:    name,
		fn:      fn,
		timeout: timeout,
		log:     log.WithField("thread", name),
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

func (t *Thread) run(ctx context.Context) {
	defer close(t.done)
	t.log.Debug("thread started")

	var tick <-chan time.Time
	if t.timeout > 0 {
		ticker := time.NewTicker(t.timeout)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			t.log.Debug("thread stopped")
			return
		case <-t.wake:
		case <-tick:
		}
		t.fn(ctx)
	}
}

// Wakeup schedules one run of fn. Wakeups arriving before fn starts are merged.
func (t *Thread) Wakeup() {
	if t == nil {
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Stop stops the worker and waits for a running fn to return.
func (t *Thread) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}
