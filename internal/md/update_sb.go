package md

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// UpdateSuperblocks bumps the event counter and writes the superblock of every member that
// needs it. force rewrites all members, not only those behind by one event. The caller holds
// the reconfiguration lock.
func (a *Array) UpdateSuperblocks(force bool) {
	if a.ReadOnly() != types.ReadWrite {
		if force {
			a.sbFlags.Set(SbChangeDevs)
		}
		return
	}
	if !a.persistent {
		a.sbFlags.Clear(SbChangeClean | SbChangeDevs)
		if !a.sbFlags.Has(SbChangePending) {
			return
		}
		a.sbFlags.Clear(SbChangePending)
		a.sbWait.Wake()
		return
	}

	for {
		rdevs := a.Rdevs()
		completed := a.CurrResyncCompleted()
		for _, r := range rdevs {
			if r.RaidDisk() >= 0 && !r.Has(InSync) && completed > r.RecoveryOffset() {
				r.SetRecoveryOffset(completed)
			}
		}

		a.stateMu.Lock()
		a.utime = time.Now()
		force := force
		if a.sbFlags.Clear(SbChangeDevs) {
			force = true
		}
		nospares := a.sbFlags.Clear(SbChangeClean)
		if force || a.Degraded() > 0 {
			nospares = false
		}
		syncReq := a.InSync()

		// Going clean right after going dirty can roll the counter back so that spares, which
		// were not written for the dirty transition, need no rewrite.
		if nospares && syncReq && a.RecoveryCp() == types.MaxSector && a.canDecrease && a.Events() != 1 {
			a.events.Add(^uint64(0))
			a.canDecrease = false
		} else {
			a.events.Add(1)
			a.canDecrease = nospares
		}
		events := a.Events()

		badblocksChanged := false
		for _, r := range rdevs {
			if r.BadBlocks.Changed() {
				badblocksChanged = true
			}
			if r.Has(Faulty) {
				r.SetFlag(FaultRecorded)
			}
		}
		for _, r := range rdevs {
			r.sbWrite = false
			if r.sbEvents == events || (nospares && r.RaidDisk() < 0 && r.sbEvents+1 == events) {
				continue
			}
			if err := a.syncSuper(r, rdevs); err != nil {
				r.log.WithError(err).Warn("cannot encode superblock")
				continue
			}
			r.sbEvents = events
			r.sbWrite = true
		}
		a.stateMu.Unlock()

		a.log.WithFields(logrus.Fields{"events": events, "force": force, "clean": syncReq}).Debug("updating superblocks")

		if bm := a.Bitmap(); bm != nil {
			if err := bm.UpdateSuper(events); err != nil {
				a.log.WithError(err).Warn("bitmap superblock update failed")
			}
		}

		failed := make([]bool, len(rdevs))
		var g errgroup.Group
		for i, r := range rdevs {
			if !r.sbWrite || r.Has(Faulty) {
				continue
			}
			g.Go(func() error {
				if err := r.writeSuper(); err != nil {
					r.log.WithError(err).Error("superblock write failed")
					failed[i] = true
				}
				return nil
			})
		}
		_ = g.Wait()
		for i, r := range rdevs {
			if failed[i] {
				a.Error(r)
			}
		}

		if a.InSync() != syncReq || a.sbFlags.Has(SbChangeDevs) {
			continue
		}
		a.sbFlags.ClearUnless(SbChangePending, SbChangeDevs|SbChangeClean)
		a.sbWait.Wake()

		for _, r := range rdevs {
			if r.flags.Clear(FaultRecorded) {
				r.ClearFlag(Blocked)
			}
			if badblocksChanged {
				r.BadBlocks.AckAll()
			}
			r.ClearFlag(BlockedBadBlocks)
			r.blocked.Wake()
		}
		return
	}
}
