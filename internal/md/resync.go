package md

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

const (
	syncMarks    = 10
	syncMarkStep = 3 * time.Second

	// syncWindow is how much resync I/O is issued between speed checks.
	syncWindow = 32 * types.PageSectors

	// checkpointInterval bounds the time between resync checkpoints.
	checkpointInterval = 10 * time.Second

	// idleThreshold is the foreground I/O, in sectors, that makes a member busy.
	idleThreshold = 64
)

// SpeedMin returns the resync speed floor in KiB/s.
func (a *Array) SpeedMin() int {
	if v := int(a.speedMin.Load()); v > 0 {
		return v
	}
	return a.registry.Defaults().SpeedMin
}

// SpeedMax returns the resync speed ceiling in KiB/s.
func (a *Array) SpeedMax() int {
	if v := int(a.speedMax.Load()); v > 0 {
		return v
	}
	return a.registry.Defaults().SpeedMax
}

func (a *Array) parallel() bool {
	return a.parallelResync.Load() || a.registry.Defaults().ParallelResync
}

// syncSpeed returns the current speed in KiB/s measured from the oldest mark.
func (a *Array) syncSpeed(done uint64) uint64 {
	since := time.Since(time.Unix(0, a.resyncMark.Load()))
	secs := uint64(since/time.Second) + 1
	return (done - a.resyncMarkCnt.Load()) / 2 / secs
}

// SyncSpeed returns the speed of the running resync in KiB/s.
func (a *Array) SyncSpeed() uint64 {
	if a.CurrResync() <= resyncActive {
		return 0
	}
	return a.syncSpeed(a.currMarkCnt.Load())
}

// sharesPhysical reports whether two arrays have members on the same physical disk.
func (a *Array) sharesPhysical(o *Array) bool {
	disks := make(map[string]struct{})
	for _, r := range a.Rdevs() {
		if p := r.Bdev.Physical(); p != "" && !r.Has(Faulty) {
			disks[p] = struct{}{}
		}
	}
	for _, r := range o.Rdevs() {
		if _, ok := disks[r.Bdev.Physical()]; ok && !r.Has(Faulty) {
			return true
		}
	}
	return false
}

// waitForPeers delays the resync while another array sharing a physical disk resyncs. Of two
// arrays that start together the one with the lower unit yields.
func (a *Array) waitForPeers(ctx context.Context) bool {
	if a.parallel() {
		return true
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	var announced *Array
	for {
		a.currResync.Store(resyncDelayed)
	scan:
		for {
			for _, o := range a.registry.Arrays() {
				if a.recovery.Has(RecoveryIntr) || ctx.Err() != nil {
					return false
				}
				if o == a || o.CurrResync() == resyncNone || !a.sharesPhysical(o) {
					continue
				}
				if a.unit < o.unit && a.currResync.CompareAndSwap(resyncDelayed, resyncYielded) {
					a.registry.resyncWait.Wake()
				}
				if a.unit > o.unit && a.CurrResync() == resyncYielded {
					continue
				}
				if o.CurrResync() < a.CurrResync() {
					continue
				}
				if announced != o {
					announced = o
					a.log.WithField("peer", o.DevName()).
						Info("delaying resync until peer has finished, they share physical disks")
				}
				wctx, cancel := context.WithTimeout(ctx, bo.NextBackOff())
				_ = a.registry.resyncWait.Wait(wctx, func() bool {
					return a.recovery.Has(RecoveryIntr) || o.CurrResync() < a.CurrResync()
				})
				cancel()
				continue scan
			}
			break
		}
		if a.CurrResync() >= resyncDelayed {
			return true
		}
	}
}

// isIdle reports whether the members saw little foreground I/O since the last call.
func (a *Array) isIdle() bool {
	idle := true
	for _, r := range a.Rdevs() {
		if r.RaidDisk() < 0 || r.Has(Faulty) {
			continue
		}
		curr := r.foregroundIO()
		if curr-r.lastEvents > idleThreshold {
			idle = false
		}
		r.lastEvents = curr
	}
	return idle
}

// doSync runs one resync, check, repair or recovery pass. It is the body of the sync goroutine
// started by the management thread.
func (a *Array) doSync(ctx context.Context) {
	defer a.finishSync()

	pers := a.Personality()
	if pers == nil || a.recovery.Any(RecoveryDone|RecoveryIntr) || a.ReadOnly() != types.ReadWrite {
		return
	}

	action := "resync"
	switch {
	case a.recovery.Has(RecoverySync | RecoveryCheck):
		action = "check"
	case a.recovery.Has(RecoverySync | RecoveryRequested):
		action = "repair"
	case a.recovery.Has(RecoveryRecover):
		action = "recover"
	}
	a.lastSyncAction.Store(action)

	if !a.waitForPeers(ctx) {
		return
	}

	var j, maxSectors uint64
	if a.recovery.Has(RecoverySync) {
		maxSectors = a.ResyncMaxSectors()
		a.resyncMismatches.Store(0)
		switch {
		case a.recovery.Has(RecoveryRequested):
			j = a.resyncMin.Load()
		case a.Bitmap() != nil:
			j = a.RecoveryCp()
			if j < maxSectors {
				j &^= a.Bitmap().ChunkSectors() - 1
			}
		default:
			j = a.RecoveryCp()
		}
	} else {
		maxSectors = a.DevSectors()
		j = types.MaxSector
		for _, r := range a.Rdevs() {
			if r.RaidDisk() >= 0 && !r.Has(Faulty) && !r.Has(InSync) && r.RecoveryOffset() < j {
				j = r.RecoveryOffset()
			}
		}
		// writes started before the spare was added must finish before the bitmap is trusted
		if a.Bitmap() != nil {
			pers.Quiesce(true)
			pers.Quiesce(false)
		}
	}
	if j > maxSectors {
		j = maxSectors
	}

	log := a.log.WithFields(logrus.Fields{"action": action, "from": j, "to": maxSectors})
	log.WithFields(logrus.Fields{"speed_min": a.SpeedMin(), "speed_max": a.SpeedMax()}).Info("sync started")

	var marks [syncMarks]time.Time
	var markCnt [syncMarks]uint64
	now := time.Now()
	for i := range marks {
		marks[i] = now
	}
	last := 0
	a.resyncMark.Store(now.UnixNano())
	a.resyncMarkCnt.Store(0)
	a.currMarkCnt.Store(0)

	limiter := rate.NewLimiter(rate.Limit(a.SpeedMax()*2), syncWindow)
	ioSectors := uint64(0)
	lastCheck := uint64(0)
	updateTime := now

	if j > resyncActive {
		a.currResync.Store(j)
	} else {
		a.currResync.Store(resyncActive)
	}
	a.currResyncCompleted.Store(j)
	a.registry.resyncWait.Wake()

	for j < maxSectors {
		if ctx.Err() != nil || a.recovery.Has(RecoveryIntr) {
			break
		}
		if a.recovery.Has(RecoverySync) && j >= a.resyncMax.Load() {
			_ = a.recoveryWait.Wait(ctx, func() bool {
				return a.resyncMax.Load() > j || a.recovery.Has(RecoveryIntr)
			})
			continue
		}

		completed := a.CurrResyncCompleted()
		curr := a.CurrResync()
		if (curr > completed && curr-completed > maxSectors>>4) ||
			time.Since(updateTime) >= checkpointInterval ||
			(j-completed)*2 >= a.resyncMax.Load()-completed {
			a.recoveryWait.WaitUninterruptible(func() bool { return a.recoveryActive.Load() == 0 })
			a.currResyncCompleted.Store(j)
			if a.recovery.Has(RecoverySync) && j > a.RecoveryCp() {
				a.recoveryCp.Store(j)
			}
			updateTime = time.Now()
			a.sbFlags.Set(SbChangeClean)
			a.WakeThread()
		}

		sectors, skipped := pers.SyncRequest(ctx, j)
		if sectors == 0 {
			a.recovery.Set(RecoveryIntr)
			break
		}
		if !skipped {
			ioSectors += sectors
			a.recoveryActive.Add(int64(sectors))
		}
		j += sectors
		if j > maxSectors {
			j = maxSectors
		}
		if j > resyncActive {
			a.currResync.Store(j)
		}
		a.currMarkCnt.Store(ioSectors)

		if lastCheck+syncWindow > ioSectors || j >= maxSectors {
			continue
		}
		lastCheck = ioSectors

		if time.Since(marks[last]) >= syncMarkStep {
			next := (last + 1) % syncMarks
			a.resyncMark.Store(marks[next].UnixNano())
			a.resyncMarkCnt.Store(markCnt[next])
			marks[next] = time.Now()
			markCnt[next] = ioSectors
			last = next
		}

		if ctx.Err() != nil || a.recovery.Has(RecoveryIntr) {
			break
		}

		limiter.SetLimit(rate.Limit(a.SpeedMax() * 2))
		if err := limiter.WaitN(ctx, syncWindow); err != nil {
			break
		}
		if a.syncSpeed(ioSectors) > uint64(a.SpeedMin()) && !a.isIdle() {
			// give foreground I/O a chance
			a.recoveryWait.WaitUninterruptible(func() bool { return a.recoveryActive.Load() == 0 })
		}
	}

	// let the personality release its resync state
	pers.SyncRequest(ctx, maxSectors)
	a.recoveryWait.WaitUninterruptible(func() bool { return a.recoveryActive.Load() == 0 })

	intr := a.recovery.Has(RecoveryIntr) || ctx.Err() != nil
	if !intr {
		a.currResyncCompleted.Store(a.CurrResync())
	}
	if !a.recovery.Has(RecoveryCheck) && a.CurrResync() > resyncActive {
		if a.recovery.Has(RecoverySync) {
			if intr {
				if a.CurrResync() >= a.RecoveryCp() {
					if a.recovery.Has(RecoveryError) {
						a.recoveryCp.Store(a.CurrResyncCompleted())
					} else {
						a.recoveryCp.Store(a.CurrResync())
					}
				}
			} else {
				a.recoveryCp.Store(types.MaxSector)
			}
		} else {
			if !intr {
				a.currResync.Store(types.MaxSector)
			}
			for _, r := range a.Rdevs() {
				if r.RaidDisk() >= 0 && !r.Has(Faulty) && !r.Has(InSync) && r.RecoveryOffset() < a.CurrResync() {
					r.SetRecoveryOffset(a.CurrResync())
				}
			}
		}
	}
	log.WithFields(logrus.Fields{"reached": a.CurrResyncCompleted(), "interrupted": intr}).Info("sync stopped")
}

func (a *Array) finishSync() {
	a.sbFlags.Set(SbChangePending | SbChangeDevs)
	if !a.recovery.Has(RecoveryIntr) {
		if a.recovery.Has(RecoveryRequested) {
			a.resyncMin.Store(0)
		}
		a.resyncMax.Store(types.MaxSector)
	} else if a.recovery.Has(RecoveryRequested) {
		a.resyncMin.Store(a.CurrResyncCompleted())
	}
	a.recovery.Set(RecoveryDone)
	a.currResync.Store(resyncNone)
	a.registry.resyncWait.Wake()
	a.WakeThread()
}
