package raid1

import "context"

// The barrier keeps normal I/O and resync I/O apart. Normal requests enter with waitBarrier
// and leave with allowBarrier; a resync request raises the barrier, which holds new
// requests back until it has drained the ones in flight.

// raiseBarrier admits one resync request. It returns an error if ctx ends first.
func (c *conf) raiseBarrier(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	// let requests already waiting go first
	for c.nrWaiting > 0 && ctx.Err() == nil {
		c.cond.Wait()
	}
	c.barrier++
	for (c.nrPending > 0 || c.barrier >= ResyncDepth || c.frozen > 0) && ctx.Err() == nil {
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		c.barrier--
		c.cond.Broadcast()
		return err
	}
	c.nrSync++
	return nil
}

func (c *conf) lowerBarrier() {
	c.mu.Lock()
	c.barrier--
	c.nrSync--
	c.mu.Unlock()
	c.cond.Broadcast()
}

// waitBarrier admits one normal request.
func (c *conf) waitBarrier() {
	c.mu.Lock()
	if c.barrier > 0 {
		c.nrWaiting++
		for c.barrier > 0 {
			c.cond.Wait()
		}
		c.nrWaiting--
	}
	c.nrPending++
	c.mu.Unlock()
}

// holdBarrier admits a request split off one that is already admitted.
func (c *conf) holdBarrier() {
	c.mu.Lock()
	c.nrPending++
	c.mu.Unlock()
}

func (c *conf) allowBarrier() {
	c.mu.Lock()
	c.nrPending--
	c.mu.Unlock()
	c.cond.Broadcast()
}

// freeze blocks new requests and waits until every admitted request is either finished or
// parked on the retry list. extra counts admitted requests the caller itself holds.
func (c *conf) freeze(extra int) {
	c.mu.Lock()
	c.barrier++
	c.nrWaiting++
	c.frozen++
	for c.nrPending != c.nrQueued+extra {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

func (c *conf) unfreeze() {
	c.mu.Lock()
	c.barrier--
	c.nrWaiting--
	c.frozen--
	c.mu.Unlock()
	c.cond.Broadcast()
}

// closeSync waits for resync requests still in flight.
func (c *conf) closeSync() {
	c.waitBarrier()
	c.allowBarrier()
}
