package raid1

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Error fails a member. The last in-sync mirror is never failed; recovery is disabled
// instead so that it is not retried against the same errors.
func (c *conf) Error(rdev *md.Rdev) {
	a := c.a
	log := c.log.WithField("device", rdev.Name())

	c.mu.Lock()
	if rdev.Has(md.InSync) && c.geo.Load().raidDisks-a.Degraded() == 1 {
		c.recoveryDisabled.Store(int64(a.RecoveryDisabled()))
		c.mu.Unlock()
		log.Warn("not failing the last working mirror")
		return
	}
	rdev.SetFlag(md.Blocked)
	if rdev.ClearFlag(md.InSync) {
		a.AddDegraded(1)
	}
	rdev.SetFlag(md.Faulty)
	c.mu.Unlock()

	a.Recovery().Set(md.RecoveryIntr)
	a.SbFlags().Set(md.SbChangeDevs | md.SbChangePending)
	g := c.geo.Load()
	log.WithFields(logrus.Fields{
		"operational": g.raidDisks - a.Degraded(),
		"mirrors":     g.raidDisks,
	}).Errorf("disk failure, disabling device; operation continuing on %d devices", g.raidDisks-a.Degraded())
}

// HotAddDisk places rdev into a free slot, or next to a member that wants replacing. A slot
// preset on rdev, or the one it held before it was removed, is preferred.
func (c *conf) HotAddDisk(rdev *md.Rdev) error {
	a := c.a
	if int64(a.RecoveryDisabled()) == c.recoveryDisabled.Load() {
		return fmt.Errorf("%s: recovery disabled after unrecoverable errors: %w", a.DevName(), types.ErrBusy)
	}
	g := c.geo.Load()
	first, last := 0, g.raidDisks-1
	if s := rdev.RaidDisk(); s >= 0 {
		if s >= g.raidDisks {
			return fmt.Errorf("%s: slot %d out of range: %w", a.DevName(), s, types.ErrInvalidArgument)
		}
		first, last = s, s
	} else if s := rdev.SavedRaidDisk(); s >= 0 && s < g.raidDisks && g.rdev(s) == nil {
		first, last = s, s
	}

	for slot := first; slot <= last; slot++ {
		p := g.mirrors[slot]
		cur := p.rdev.Load()
		if cur == nil {
			p.head.Store(0)
			rdev.SetRaidDisk(slot)
			if rdev.SavedRaidDisk() < 0 {
				c.fullsync.Store(true)
			}
			p.rdev.Store(rdev)
			c.log.WithFields(logrus.Fields{"device": rdev.Name(), "slot": slot}).Debug("member added")
			return nil
		}
		if cur.Has(md.WantReplacement) && g.rdev(g.raidDisks+slot) == nil {
			rdev.ClearFlag(md.InSync)
			rdev.SetFlag(md.Replacement)
			rdev.SetRaidDisk(slot)
			c.fullsync.Store(true)
			g.mirrors[g.raidDisks+slot].rdev.Store(rdev)
			c.log.WithFields(logrus.Fields{
				"device":   rdev.Name(),
				"slot":     slot,
				"replaces": cur.Name(),
			}).Info("replacement added")
			return nil
		}
	}
	return fmt.Errorf("%s: no free slot for %s: %w", a.DevName(), rdev.Name(), types.ErrBusy)
}

// HotRemoveDisk takes rdev out of its slot. If rdev had a replacement, the replacement takes
// over the slot.
func (c *conf) HotRemoveDisk(rdev *md.Rdev) error {
	a := c.a
	g := c.geo.Load()
	slot := rdev.RaidDisk()
	if slot < 0 || slot >= g.raidDisks {
		return nil
	}
	p := g.mirrors[slot]
	if p.rdev.Load() != rdev {
		p = g.mirrors[g.raidDisks+slot]
	}
	if p.rdev.Load() != rdev {
		return nil
	}
	if rdev.Has(md.InSync) || rdev.Pending() > 0 {
		return fmt.Errorf("%s: %s is in use: %w", a.DevName(), rdev.Name(), types.ErrBusy)
	}
	if !rdev.Has(md.Faulty) && a.Recovery().Has(md.RecoveryRunning) &&
		int64(a.RecoveryDisabled()) != c.recoveryDisabled.Load() && a.Degraded() < g.raidDisks {
		return fmt.Errorf("%s: %s is being rebuilt: %w", a.DevName(), rdev.Name(), types.ErrBusy)
	}

	p.rdev.Store(nil)
	if rdev.Pending() > 0 {
		// raced with new I/O
		p.rdev.Store(rdev)
		return fmt.Errorf("%s: %s is in use: %w", a.DevName(), rdev.Name(), types.ErrBusy)
	}

	if p == g.mirrors[slot] {
		if repl := g.rdev(g.raidDisks + slot); repl != nil {
			c.freeze(0)
			repl.ClearFlag(md.Replacement)
			p.rdev.Store(repl)
			g.mirrors[g.raidDisks+slot].rdev.Store(nil)
			c.unfreeze()
			c.log.WithFields(logrus.Fields{"device": repl.Name(), "slot": slot}).Info("replacement took over slot")
		}
	}
	rdev.ClearFlag(md.WantReplacement)
	return nil
}

// SpareActive marks every fully recovered member in sync and returns how many slots that
// brought back. A recovered replacement retires the member it replaced.
func (c *conf) SpareActive() int {
	a := c.a
	g := c.geo.Load()
	count := 0

	c.mu.Lock()
	for i := 0; i < g.raidDisks; i++ {
		rdev := g.rdev(i)
		repl := g.rdev(g.raidDisks + i)
		if repl != nil && repl.RecoveryOffset() == types.MaxSector && !repl.Has(md.Faulty) &&
			!repl.SetFlag(md.InSync) {
			if rdev == nil || !rdev.ClearFlag(md.InSync) {
				count++
			}
			if rdev != nil {
				// the replaced member is removed by the next recovery check
				rdev.SetFlag(md.Faulty)
				a.Recovery().Set(md.RecoveryNeeded)
			}
		}
		if rdev != nil && rdev.RecoveryOffset() == types.MaxSector && !rdev.Has(md.Faulty) &&
			!rdev.SetFlag(md.InSync) {
			count++
		}
	}
	a.AddDegraded(-count)
	c.mu.Unlock()
	return count
}
