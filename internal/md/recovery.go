package md

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Sync action names as accepted by SetSyncAction and reported by SyncAction.
const (
	ActionIdle    = "idle"
	ActionFrozen  = "frozen"
	ActionResync  = "resync"
	ActionRecover = "recover"
	ActionCheck   = "check"
	ActionRepair  = "repair"
)

// checkRecovery is the management thread body. It runs the bitmap sweep, marks an idle array
// clean, writes pending superblock changes and starts or reaps resync and recovery.
func (a *Array) checkRecovery(ctx context.Context) {
	if a.suspended.Load() || !a.Running() {
		return
	}
	if bm := a.Bitmap(); bm != nil {
		if err := bm.DaemonWork(); err != nil {
			a.log.WithError(err).Debug("bitmap sweep")
		}
	}
	if a.ReadOnly() != types.ReadWrite && !a.recovery.Has(RecoveryNeeded) {
		return
	}
	a.checkSafemode()

	if a.sbFlags.Load() == 0 && !a.recovery.Any(RecoveryNeeded|RecoveryDone) {
		return
	}
	if !a.TryLock() {
		return
	}
	defer a.reconfig.Release(1)
	defer a.sbWait.Wake()

	if a.ReadOnly() != types.ReadWrite {
		// a read-only array may still drop failed members
		a.removeAndAddSpares(true)
		a.recovery.Clear(RecoveryNeeded)
		return
	}

	if a.sbFlags.Load() != 0 {
		a.UpdateSuperblocks(false)
	}

	if a.recovery.Has(RecoveryRunning) && !a.recovery.Has(RecoveryDone) {
		return
	}
	if a.syncDone != nil {
		a.reapSyncThread()
		return
	}

	a.currResyncCompleted.Store(0)
	a.recovery.Set(RecoveryRunning)
	a.recovery.Clear(RecoveryNeeded | RecoveryIntr | RecoveryDone | RecoveryError)

	if a.recovery.Has(RecoveryFrozen) {
		a.notRunning()
		return
	}
	spares := a.chooseSyncAction()
	if !a.recovery.Any(RecoverySync | RecoveryRecover) {
		a.notRunning()
		return
	}
	if spares > 0 {
		if bm := a.Bitmap(); bm != nil {
			if err := bm.WriteAll(); err != nil {
				a.log.WithError(err).Warn("bitmap write before recovery failed")
			}
		}
	}
	a.startSync()
}

func (a *Array) notRunning() {
	a.recovery.Clear(RecoveryRunning | RecoveryRecover)
	a.registry.resyncWait.Wake()
}

// chooseSyncAction decides between recovery onto spares and resync. It returns the number of
// members that will be recovered.
func (a *Array) chooseSyncAction() int {
	if spares := a.removeAndAddSpares(false); spares > 0 {
		a.recovery.Clear(RecoverySync | RecoveryCheck | RecoveryRequested)
		a.recovery.Set(RecoveryRecover)
		return spares
	}
	a.recovery.Clear(RecoveryRecover)
	if a.RecoveryCp() < types.MaxSector {
		a.recovery.Set(RecoverySync)
	}
	return 0
}

// removeAndAddSpares takes failed members out of their slots and, unless removeOnly, places
// spares into free slots. It returns the number of slotted members awaiting recovery.
func (a *Array) removeAndAddSpares(removeOnly bool) int {
	pers := a.Personality()
	if pers == nil {
		return 0
	}
	rdevs := a.Rdevs()

	removed := 0
	for _, r := range rdevs {
		if r.RaidDisk() < 0 || r.Has(Blocked) || !r.Has(Faulty) || r.Pending() > 0 {
			continue
		}
		if err := pers.HotRemoveDisk(r); err != nil {
			r.log.WithError(err).Debug("failed member not removable yet")
			continue
		}
		r.SetSavedRaidDisk(r.RaidDisk())
		r.SetRaidDisk(-1)
		r.log.Info("failed member removed from its slot")
		removed++
	}
	if removed > 0 {
		a.sbFlags.Set(SbChangeDevs)
	}
	if removeOnly {
		return 0
	}

	spares := 0
	for _, r := range rdevs {
		if r.RaidDisk() >= 0 && !r.Has(InSync) && !r.Has(Faulty) {
			spares++
		}
		if r.RaidDisk() >= 0 || r.Has(InSync) || r.Has(Faulty) {
			continue
		}
		r.SetRecoveryOffset(0)
		if err := pers.HotAddDisk(r); err != nil {
			continue
		}
		r.log.WithField("slot", r.RaidDisk()).Info("spare added for recovery")
		spares++
		a.sbFlags.Set(SbChangeDevs)
	}
	return spares
}

func (a *Array) startSync() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.syncCancel = cancel
	a.syncDone = done
	a.registry.resyncWait.Wake()
	go func() {
		defer close(done)
		a.doSync(ctx)
	}()
}

// interruptSync asks a running resync to stop at the next step.
func (a *Array) interruptSync() {
	if a.syncDone == nil {
		return
	}
	a.recovery.Set(RecoveryIntr)
	a.syncCancel()
	a.recoveryWait.Wake()
	a.registry.resyncWait.Wake()
}

// reapSyncThread waits for the resync goroutine and applies its result. The caller holds the
// reconfiguration lock.
func (a *Array) reapSyncThread() {
	if a.syncDone == nil {
		return
	}
	<-a.syncDone
	a.syncCancel()
	a.syncDone = nil
	a.syncCancel = nil

	pers := a.Personality()
	if pers != nil && !a.recovery.Any(RecoveryIntr|RecoveryRequested) && a.Degraded() != a.RaidDisks() {
		if n := pers.SpareActive(); n > 0 {
			a.log.WithField("members", n).Info("recovery complete, members in sync")
			a.sbFlags.Set(SbChangeDevs)
		}
	}
	if a.Degraded() == 0 {
		for _, r := range a.Rdevs() {
			r.SetSavedRaidDisk(-1)
		}
	}
	a.UpdateSuperblocks(true)

	a.log.WithFields(logrus.Fields{
		"action":      a.lastSyncAction.Load(),
		"interrupted": a.recovery.Has(RecoveryIntr),
		"mismatches":  a.MismatchCount(),
	}).Info("sync finished")
	a.recovery.Clear(RecoveryRunning | RecoveryDone | RecoverySync | RecoveryReshape |
		RecoveryRequested | RecoveryCheck | RecoveryRecover)
	a.registry.resyncWait.Wake()
	a.recovery.Set(RecoveryNeeded)
	a.WakeThread()
}

// SyncAction reports what the array is doing, in the terms SetSyncAction accepts.
func (a *Array) SyncAction() string {
	f := a.recovery.Load()
	switch {
	case f&RecoveryFrozen != 0:
		return ActionFrozen
	case f&RecoveryRunning != 0:
		switch {
		case f&RecoveryRecover != 0:
			return ActionRecover
		case f&RecoverySync != 0 && f&RecoveryRequested != 0 && f&RecoveryCheck != 0:
			return ActionCheck
		case f&RecoverySync != 0 && f&RecoveryRequested != 0:
			return ActionRepair
		case f&RecoverySync != 0:
			return ActionResync
		}
	case f&RecoveryNeeded != 0 && a.RecoveryCp() < types.MaxSector:
		return ActionResync
	}
	return ActionIdle
}

// LastSyncAction names the last resync or recovery that ran.
func (a *Array) LastSyncAction() string {
	if s, ok := a.lastSyncAction.Load().(string); ok {
		return s
	}
	return "none"
}
