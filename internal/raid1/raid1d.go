package raid1

import "context"

// raid1d is the retry goroutine. It finishes I/O that cannot complete from a completion
// path: read errors, write errors, bad-block updates and the write half of resync requests.
func (c *conf) raid1d(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			r1 := c.nextRetry()
			if r1 == nil {
				break
			}
			c.handle(r1)
		}
	}
}

func (c *conf) nextRetry() *r1bio {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.retry) == 0 {
		return nil
	}
	r1 := c.retry[0]
	c.retry[0] = nil
	c.retry = c.retry[1:]
	c.nrQueued--
	return r1
}

func (c *conf) handle(r1 *r1bio) {
	switch {
	case r1.state.Has(r1IsSync):
		if r1.state.Any(r1MadeGood | r1WriteError) {
			c.handleSyncWriteFinished(r1)
		} else {
			c.syncRequestWrite(r1)
		}
	case r1.state.Any(r1MadeGood | r1WriteError):
		c.handleWriteFinished(r1)
	case r1.state.Has(r1ReadError):
		c.handleReadError(r1)
	}
}
