package raid1

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-mdraid/internal/badblocks"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// write issues the first part of a write at sector and returns how many sectors it covered.
// The caller has taken a barrier reference for it.
func (c *conf) write(q *request, sector uint64, data []byte) uint64 {
	r1 := c.newR1bio(q, sector, data)
	targets := c.writeTargets(r1)

	bm := c.a.Bitmap()
	behind := false
	if bm != nil && bm.BehindWrites() < bm.MaxWriteBehind() {
		for _, t := range targets {
			if t != nil && t.Has(md.WriteMostly) {
				behind = true
				break
			}
		}
	}
	buf := r1.data
	if behind {
		// every branch writes from a private copy so the caller can be answered early
		buf = append([]byte(nil), r1.data...)
		r1.state.Set(r1BehindIO)
	}

	r1.remaining.Store(1)
	for i, rdev := range targets {
		if rdev == nil {
			continue
		}
		b := &branch{rdev: rdev, op: md.OpWrite, data: buf}
		if behind && rdev.Has(md.WriteMostly) {
			b.behind = true
			r1.behindRemaining.Add(1)
		}
		r1.branches[i] = b
		r1.remaining.Add(1)
	}

	if bm != nil {
		bm.StartWrite(r1.sector, r1.sectors, behind)
		// the dirty bits must be on disk before any mirror is written
		if err := bm.Unplug(); err != nil {
			c.log.WithError(err).Warn("bitmap update failed before write")
		}
	}

	q.add()
	for _, b := range r1.branches {
		if b != nil {
			go c.endWrite(r1, b)
		}
	}
	c.writeDone(r1)
	return r1.sectors
}

// writeTargets chooses the members r1 is written to, indexed by slot, and takes an I/O
// reference on each. It shortens r1 so that every target can take the whole range.
func (c *conf) writeTargets(r1 *r1bio) []*md.Rdev {
	for {
		g := r1.geo
		targets := make([]*md.Rdev, len(g.mirrors))
		maxSectors := r1.sectors
		var blocked *md.Rdev
		r1.state.Clear(r1Degraded)

		for i, m := range g.mirrors {
			rdev := m.rdev.Load()
			if rdev != nil && rdev.Has(md.Blocked) {
				rdev.IncPending()
				blocked = rdev
				break
			}
			if rdev == nil || rdev.Has(md.Faulty) {
				if i < g.raidDisks {
					r1.state.Set(r1Degraded)
				}
				continue
			}
			rdev.IncPending()
			res, firstBad, badSectors := rdev.IsBadBlock(r1.sector, maxSectors)
			if res == badblocks.Unacked {
				// wait until the new bad blocks are on disk
				rdev.SetFlag(md.BlockedBadBlocks)
				blocked = rdev
				break
			}
			if res != badblocks.Clean {
				if firstBad <= r1.sector {
					// the range starts bad here; the log already says this copy is stale
					if bad := badSectors - (r1.sector - firstBad); bad < maxSectors {
						maxSectors = bad
					}
					rdev.DecPending()
					continue
				}
				if good := firstBad - r1.sector; good < maxSectors {
					maxSectors = good
				}
			}
			targets[i] = rdev
		}

		if blocked == nil {
			if maxSectors < r1.sectors {
				r1.trim(maxSectors)
			}
			return targets
		}

		for _, t := range targets {
			if t != nil {
				t.DecPending()
			}
		}
		c.log.WithField("device", blocked.Name()).Debug("write waiting for blocked member")
		c.allowBarrier()
		blocked.WaitBlocked()
		c.waitBarrier()
		r1.geo = c.geo.Load()
		r1.tried = make([]bool, len(r1.geo.mirrors))
		r1.branches = make([]*branch, len(r1.geo.mirrors))
	}
}

func (c *conf) endWrite(r1 *r1bio, b *branch) {
	err := b.rdev.WriteData(r1.sector, b.data)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"device": b.rdev.Name(),
			"sector": r1.sector,
		}).Warn("write error")
		c.noteWriteError(b.rdev)
		b.failed = true
		r1.state.Set(r1WriteError)
	} else {
		r1.state.Set(r1Uptodate)
		if res, _, _ := b.rdev.IsBadBlock(r1.sector, r1.sectors); res != badblocks.Clean {
			b.madeGood = true
			r1.state.Set(r1MadeGood)
		}
	}

	if b.behind {
		r1.behindRemaining.Add(-1)
	}
	if r1.state.Has(r1BehindIO | r1Uptodate) && r1.behindRemaining.Load() >= r1.remaining.Load()-1 {
		// only write-behind branches are left
		c.endIO(r1)
	}
	if !b.failed && !b.madeGood {
		b.release()
	}
	c.writeDone(r1)
}

func (c *conf) writeDone(r1 *r1bio) {
	if r1.remaining.Add(-1) != 0 {
		return
	}
	if r1.state.Has(r1WriteError) {
		c.reschedule(r1)
		return
	}
	c.closeWrite(r1)
	if r1.state.Has(r1MadeGood) {
		c.reschedule(r1)
		return
	}
	c.endIO(r1)
}

func (c *conf) closeWrite(r1 *r1bio) {
	if bm := c.a.Bitmap(); bm != nil {
		bm.EndWrite(r1.sector, r1.sectors, !r1.state.Has(r1Degraded), r1.state.Has(r1BehindIO))
	}
}

// handleWriteFinished runs on the retry goroutine for writes that failed on some member or
// that overwrote known bad blocks.
func (c *conf) handleWriteFinished(r1 *r1bio) {
	narrowed := false
	for _, b := range r1.branches {
		switch {
		case b == nil:
		case b.madeGood:
			b.rdev.ClearBadBlocks(r1.sector, r1.sectors)
			b.release()
		case b.failed:
			if c.narrowWriteError(r1, b) {
				narrowed = true
			} else {
				c.a.Error(b.rdev)
				// the bitmap must keep this range dirty
				r1.state.Set(r1Degraded)
			}
			b.release()
		}
	}
	if !r1.state.Has(r1WriteError) {
		c.endIO(r1)
		return
	}
	if !narrowed {
		c.closeWrite(r1)
		c.endIO(r1)
		return
	}

	// the new bad blocks must be on disk before the write is acknowledged
	c.mu.Lock()
	c.nrQueued++
	c.mu.Unlock()
	c.a.WakeThread()
	go func() {
		c.a.SbWait().WaitUninterruptible(func() bool {
			return !c.a.SbFlags().Has(md.SbChangePending)
		})
		c.closeWrite(r1)
		c.endIO(r1)
		c.mu.Lock()
		c.nrQueued--
		c.mu.Unlock()
		c.cond.Broadcast()
	}()
}

// narrowWriteError rewrites a failed range one bad-block unit at a time and records the
// units that still fail. It reports false if the failure could not be recorded.
func (c *conf) narrowWriteError(r1 *r1bio, b *branch) bool {
	rdev := b.rdev
	if rdev.Has(md.Faulty) || rdev.BadBlocks.Disabled() {
		return false
	}
	block := uint64(1) << rdev.BadBlocks.Shift()
	sector, left := r1.sector, r1.sectors
	n := ((sector + block) &^ (block - 1)) - sector
	ok := true
	for left > 0 {
		n = min(n, left)
		off := (sector - r1.sector) << types.SectorShift
		if err := rdev.WriteData(sector, b.data[off:off+n<<types.SectorShift]); err != nil {
			ok = rdev.SetBadBlocks(sector, n) && ok
		}
		left -= n
		sector += n
		n = block
	}
	if ok {
		c.log.WithFields(logrus.Fields{
			"device":  rdev.Name(),
			"sector":  r1.sector,
			"sectors": r1.sectors,
		}).Warn("write error recorded as bad blocks")
	}
	return ok
}

// flush makes completed writes durable on every working member. It fails only if no member
// could be flushed.
func (c *conf) flush(bio *md.Bio) {
	defer c.allowBarrier()
	g := c.geo.Load()
	var eg errgroup.Group
	var flushed atomic.Int32
	for _, m := range g.mirrors {
		rdev := m.rdev.Load()
		if rdev == nil || rdev.Has(md.Faulty) {
			continue
		}
		rdev.IncPending()
		eg.Go(func() error {
			defer rdev.DecPending()
			if err := rdev.Bdev.Flush(); err != nil {
				c.a.Error(rdev)
				return fmt.Errorf("flush %s: %w", rdev.Name(), err)
			}
			flushed.Add(1)
			return nil
		})
	}
	err := eg.Wait()
	switch {
	case flushed.Load() > 0:
		err = nil
	case err == nil:
		err = fmt.Errorf("%s: no member to flush: %w", c.a.DevName(), types.ErrIO)
	default:
		err = fmt.Errorf("%s: %w: %w", c.a.DevName(), types.ErrIO, err)
	}
	bio.Endio(err)
}
