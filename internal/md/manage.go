package md

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// locked runs fn under the reconfiguration lock.
func (a *Array) locked(ctx context.Context, fn func() error) error {
	if err := a.Lock(ctx); err != nil {
		return err
	}
	defer a.Unlock()
	return fn()
}

func (a *Array) requireRunning() error {
	if a.Personality() == nil {
		return fmt.Errorf("%s: %w", a.DevName(), types.ErrNotRunning)
	}
	return nil
}

// memberLayout returns the data offset and bitmap space used by existing members, so that a new
// member gets the same layout.
func (a *Array) memberLayout() (dataOffset, bitmapSectors uint64) {
	if rdevs := a.Rdevs(); len(rdevs) > 0 {
		dataOffset = rdevs[0].dataOffset
	}
	if bm := a.Bitmap(); bm != nil && a.bitmapInfo.File == "" {
		bitmapSectors = bitmap.StorageSectors(a.DevSectors(), uint32(bm.ChunkSectors()<<types.SectorShift))
	}
	return dataOffset, bitmapSectors
}

// HotAdd writes a fresh superblock to bdev and adds it as a spare. Recovery onto it starts
// when a slot is free. The array owns bdev from here on.
func (a *Array) HotAdd(ctx context.Context, bdev interfaces.BlockDevice) error {
	err := a.locked(ctx, func() error {
		if err := a.requireRunning(); err != nil {
			return err
		}
		r := NewRdev(bdev, a.log)
		dataOffset, bitmapSectors := a.memberLayout()
		if err := a.initRdev(r, dataOffset, bitmapSectors); err != nil {
			return err
		}
		if r.sectors < a.DevSectors() {
			return fmt.Errorf("%s: %d data sectors, array needs %d: %w", r.Name(), r.sectors, a.DevSectors(), types.ErrOutOfSpace)
		}
		if err := a.Bind(r); err != nil {
			return err
		}
		r.log.Info("added as spare")
		a.UpdateSuperblocks(true)
		a.recovery.Set(RecoveryNeeded)
		return nil
	})
	if err != nil {
		_ = bdev.Close()
	}
	return err
}

// AddNewDisk adds a device that carries a superblock of this array. A device that left
// recently enough to be recovered from the bitmap returns to its old slot; otherwise it is
// rejected. The array owns bdev from here on.
func (a *Array) AddNewDisk(ctx context.Context, bdev interfaces.BlockDevice) error {
	err := a.locked(ctx, func() error {
		if err := a.requireRunning(); err != nil {
			return err
		}
		var ref *Rdev
		for _, o := range a.Rdevs() {
			if o.Has(InSync) && o.sb != nil {
				ref = o
				break
			}
		}
		r := NewRdev(bdev, a.log)
		if _, err := LoadSuper(r, ref, a.minorVersion); err != nil {
			return err
		}
		if err := a.validateSuper(r, nil, false); err != nil {
			return err
		}
		if r.SavedRaidDisk() < 0 {
			return fmt.Errorf("%s is too old to re-add, add it as a new spare: %w", r.Name(), types.ErrInvalidArgument)
		}
		if r.sectors < a.DevSectors() {
			return fmt.Errorf("%s: %d data sectors, array needs %d: %w", r.Name(), r.sectors, a.DevSectors(), types.ErrOutOfSpace)
		}
		if err := a.Bind(r); err != nil {
			return err
		}
		r.log.WithField("slot", r.SavedRaidDisk()).Info("re-added")
		a.UpdateSuperblocks(true)
		a.recovery.Set(RecoveryNeeded)
		return nil
	})
	if err != nil {
		_ = bdev.Close()
	}
	return err
}

// HotRemove unbinds a spare or a failed member. A member still in a slot is busy.
func (a *Array) HotRemove(ctx context.Context, path string) error {
	return a.locked(ctx, func() error {
		r, err := a.FindRdev(path)
		if err != nil {
			return err
		}
		if r.RaidDisk() >= 0 && r.Has(Faulty) {
			r.ClearFlag(Blocked)
			a.removeAndAddSpares(true)
		}
		if r.RaidDisk() >= 0 {
			return fmt.Errorf("%s is active in slot %d: %w", r.Name(), r.RaidDisk(), types.ErrBusy)
		}
		if err := a.Unbind(r); err != nil {
			return err
		}
		if a.Personality() != nil {
			a.UpdateSuperblocks(true)
		}
		return nil
	})
}

// SetFaulty fails a member. The personality may refuse to fail the last working copy, in
// which case ErrBusy is returned.
func (a *Array) SetFaulty(ctx context.Context, path string) error {
	return a.locked(ctx, func() error {
		if err := a.requireRunning(); err != nil {
			return err
		}
		r, err := a.FindRdev(path)
		if err != nil {
			return err
		}
		a.Error(r)
		if !r.Has(Faulty) {
			return fmt.Errorf("%s cannot be failed: %w", r.Name(), types.ErrBusy)
		}
		return nil
	})
}

// SetWriteMostly changes whether a member serves reads only as a last resort.
func (a *Array) SetWriteMostly(ctx context.Context, path string, on bool) error {
	return a.locked(ctx, func() error {
		r, err := a.FindRdev(path)
		if err != nil {
			return err
		}
		if on {
			r.SetFlag(WriteMostly)
		} else {
			r.ClearFlag(WriteMostly)
		}
		a.sbFlags.Set(SbChangeDevs)
		return nil
	})
}

// SetWantReplacement asks for a member to be rebuilt onto a spare while it stays in service.
func (a *Array) SetWantReplacement(ctx context.Context, path string) error {
	return a.locked(ctx, func() error {
		r, err := a.FindRdev(path)
		if err != nil {
			return err
		}
		if r.RaidDisk() < 0 || r.Has(Faulty) || r.Has(Replacement) {
			return fmt.Errorf("%s is not an active member: %w", r.Name(), types.ErrInvalidArgument)
		}
		r.SetFlag(WantReplacement)
		a.recovery.Set(RecoveryNeeded)
		return nil
	})
}

// SetSlot places a spare into a specific slot, or with slot -1 takes a failed or recovering
// member out of its slot.
func (a *Array) SetSlot(ctx context.Context, path string, slot int) error {
	return a.locked(ctx, func() error {
		r, err := a.FindRdev(path)
		if err != nil {
			return err
		}
		if slot >= a.RaidDisks() || slot < -1 {
			return fmt.Errorf("slot %d outside 0..%d: %w", slot, a.RaidDisks()-1, types.ErrInvalidArgument)
		}
		pers := a.Personality()
		if pers == nil {
			r.SetRaidDisk(slot)
			return nil
		}
		if slot < 0 {
			if r.RaidDisk() < 0 {
				return nil
			}
			if r.Has(InSync) && !r.Has(Faulty) {
				return fmt.Errorf("%s is in sync: %w", r.Name(), types.ErrBusy)
			}
			if err := pers.HotRemoveDisk(r); err != nil {
				return err
			}
			r.SetRaidDisk(-1)
			a.sbFlags.Set(SbChangeDevs)
			return nil
		}
		if r.RaidDisk() >= 0 || r.Has(Faulty) {
			return fmt.Errorf("%s is not a spare: %w", r.Name(), types.ErrBusy)
		}
		r.SetRecoveryOffset(0)
		r.SetRaidDisk(slot)
		if err := pers.HotAddDisk(r); err != nil {
			r.SetRaidDisk(-1)
			return err
		}
		a.sbFlags.Set(SbChangeDevs)
		a.recovery.Set(RecoveryNeeded)
		return nil
	})
}

// SetBadBlocks records a range of a member's data area as unreadable.
func (a *Array) SetBadBlocks(ctx context.Context, path string, sector, sectors uint64) error {
	return a.locked(ctx, func() error {
		r, err := a.FindRdev(path)
		if err != nil {
			return err
		}
		if r.BadBlocks.Disabled() {
			return fmt.Errorf("%s has no bad block log: %w", r.Name(), types.ErrInvalidArgument)
		}
		if !r.SetBadBlocks(sector, sectors) {
			return fmt.Errorf("%s: bad block log full: %w", r.Name(), types.ErrOutOfSpace)
		}
		return nil
	})
}

// ClearBadBlocks forgets a range of a member's data area.
func (a *Array) ClearBadBlocks(ctx context.Context, path string, sector, sectors uint64) error {
	return a.locked(ctx, func() error {
		r, err := a.FindRdev(path)
		if err != nil {
			return err
		}
		if err := r.BadBlocks.Clear(sector+r.dataOffset, sectors); err != nil {
			return err
		}
		a.sbFlags.Set(SbChangeClean | SbChangePending)
		return nil
	})
}

// SetSyncAction controls resync: idle stops a running pass, frozen also prevents new ones, and
// resync, recover, check and repair request a pass.
func (a *Array) SetSyncAction(ctx context.Context, action string) error {
	err := a.locked(ctx, func() error {
		if err := a.requireRunning(); err != nil {
			return err
		}
		switch action {
		case ActionIdle, ActionFrozen:
			a.recovery.Set(RecoveryFrozen)
			a.interruptSync()
			a.reapSyncThread()
			if action == ActionIdle {
				a.recovery.Clear(RecoveryFrozen)
			}
			return nil
		}
		if a.recovery.Has(RecoveryRunning) {
			return fmt.Errorf("%s: %s already running: %w", a.DevName(), a.SyncAction(), types.ErrBusy)
		}
		switch action {
		case ActionResync:
		case ActionRecover:
			a.recovery.Set(RecoveryRecover)
		case ActionCheck:
			a.recovery.Set(RecoveryCheck | RecoveryRequested | RecoverySync)
		case ActionRepair:
			a.recovery.Set(RecoveryRequested | RecoverySync)
		default:
			return fmt.Errorf("sync action %q: %w", action, types.ErrInvalidArgument)
		}
		a.recovery.Clear(RecoveryFrozen)
		return nil
	})
	if err != nil {
		return err
	}
	a.log.WithField("action", action).Info("sync action requested")
	a.recovery.Set(RecoveryNeeded)
	a.WakeThread()
	return nil
}

// SetSyncSpeed overrides the resync speed limits in KiB/s. Zero restores the system default.
func (a *Array) SetSyncSpeed(speedMin, speedMax int) error {
	if speedMin < 0 || speedMax < 0 {
		return fmt.Errorf("negative sync speed: %w", types.ErrInvalidArgument)
	}
	a.speedMin.Store(int32(speedMin))
	a.speedMax.Store(int32(speedMax))
	if a.SpeedMax() < a.SpeedMin() {
		a.speedMin.Store(0)
		a.speedMax.Store(0)
		return fmt.Errorf("sync speed max %d below min %d: %w", a.SpeedMax(), a.SpeedMin(), types.ErrInvalidArgument)
	}
	return nil
}

// SetParallelResync lets this array resync at the same time as arrays sharing its disks.
func (a *Array) SetParallelResync(on bool) { a.parallelResync.Store(on) }

// ResyncWindow returns the range a requested check or repair covers.
func (a *Array) ResyncWindow() (uint64, uint64) { return a.resyncMin.Load(), a.resyncMax.Load() }

// SetResyncWindow limits a requested check or repair to [start, end). The start cannot move
// while a pass runs.
func (a *Array) SetResyncWindow(ctx context.Context, start, end uint64) error {
	err := a.locked(ctx, func() error {
		if start >= end {
			return fmt.Errorf("resync window %d..%d: %w", start, end, types.ErrInvalidArgument)
		}
		if end != types.MaxSector && end > a.DevSectors() {
			return fmt.Errorf("resync window end %d beyond %d: %w", end, a.DevSectors(), types.ErrInvalidArgument)
		}
		if a.recovery.Has(RecoveryRunning) && start != a.resyncMin.Load() {
			return fmt.Errorf("resync window start: %w", types.ErrBusy)
		}
		if bm := a.Bitmap(); bm != nil {
			start &^= bm.ChunkSectors() - 1
		}
		a.resyncMin.Store(start)
		a.resyncMax.Store(end)
		return nil
	})
	if err == nil {
		a.recoveryWait.Wake()
	}
	return err
}

// SetBitmapChunk sets the chunk size used when a bitmap is next created.
func (a *Array) SetBitmapChunk(ctx context.Context, chunkBytes uint32) error {
	return a.locked(ctx, func() error {
		if a.Bitmap() != nil {
			return fmt.Errorf("%s: bitmap in use: %w", a.DevName(), types.ErrBusy)
		}
		if chunkBytes < types.BitmapMinChunk || chunkBytes&(chunkBytes-1) != 0 {
			return fmt.Errorf("bitmap chunk %d: %w", chunkBytes, types.ErrInvalidArgument)
		}
		a.bitmapInfo.Config.ChunkSize = chunkBytes
		return nil
	})
}

// SetDaemonSleep changes the bitmap clean sweep period.
func (a *Array) SetDaemonSleep(ctx context.Context, d time.Duration) error {
	return a.locked(ctx, func() error {
		bm := a.Bitmap()
		if bm == nil {
			if d <= 0 {
				return fmt.Errorf("daemon sleep %s: %w", d, types.ErrInvalidArgument)
			}
			a.bitmapInfo.Config.DaemonSleep = d
			return nil
		}
		if err := bm.SetDaemonSleep(d); err != nil {
			return err
		}
		a.sbFlags.Set(SbChangeClean)
		return nil
	})
}

// Resize changes the number of sectors used on each member.
func (a *Array) Resize(ctx context.Context, sectors uint64) error {
	return a.locked(ctx, func() error {
		if err := a.requireRunning(); err != nil {
			return err
		}
		if sectors == 0 {
			sectors = types.MaxSector
			for _, r := range a.Rdevs() {
				if r.RaidDisk() >= 0 && !r.Has(Faulty) {
					sectors = min(sectors, r.sectors)
				}
			}
		}
		sectors &^= types.PageSectors - 1
		for _, r := range a.Rdevs() {
			if r.Has(Faulty) {
				continue
			}
			if r.sectors < sectors {
				return fmt.Errorf("%s has %d data sectors, %d requested: %w", r.Name(), r.sectors, sectors, types.ErrOutOfSpace)
			}
		}
		old := a.DevSectors()
		if err := a.Personality().Resize(sectors); err != nil {
			return err
		}
		a.log.WithFields(logrus.Fields{"from": old, "to": sectors}).Info("member size changed")
		a.UpdateSuperblocks(true)
		return nil
	})
}

// GrowRaidDisks changes the number of mirrors.
func (a *Array) GrowRaidDisks(ctx context.Context, raidDisks int) error {
	return a.locked(ctx, func() error {
		if err := a.requireRunning(); err != nil {
			return err
		}
		if raidDisks < 1 {
			return fmt.Errorf("raid disks %d: %w", raidDisks, types.ErrInvalidArgument)
		}
		if a.recovery.Has(RecoveryRunning) {
			return fmt.Errorf("%s: sync running: %w", a.DevName(), types.ErrBusy)
		}
		old := a.RaidDisks()
		if err := a.Personality().CheckReshape(raidDisks); err != nil {
			return err
		}
		a.log.WithFields(logrus.Fields{"from": old, "to": raidDisks}).Info("raid disks changed")
		a.UpdateSuperblocks(true)
		a.recovery.Set(RecoveryNeeded)
		return nil
	})
}

// SetReadOnly switches between read-only and read-write. Going read-only stops resync and
// marks the array clean.
func (a *Array) SetReadOnly(ctx context.Context, ro bool) error {
	return a.locked(ctx, func() error {
		if err := a.requireRunning(); err != nil {
			return err
		}
		if !ro {
			a.ro.Store(int32(types.ReadWrite))
			a.recovery.Set(RecoveryNeeded)
			return nil
		}
		if a.ReadOnly() == types.ReadOnly {
			return nil
		}
		if a.writesPending.Load() > 0 {
			return fmt.Errorf("%s has writes in flight: %w", a.DevName(), types.ErrBusy)
		}
		a.stopWrites()
		a.recovery.Clear(RecoveryFrozen)
		a.ro.Store(int32(types.ReadOnly))
		return nil
	})
}
