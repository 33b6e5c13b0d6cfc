// Package md coordinates software RAID arrays: member registration, superblock handling,
// request admission, the management thread and the resync driver. RAID levels plug in
// through Personality.
package md

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/deploymenttheory/go-mdraid/internal/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Resync cursor values below any real sector.
const (
	resyncNone    uint64 = 0
	resyncYielded uint64 = 1
	resyncDelayed uint64 = 2
	resyncActive  uint64 = 3
)

// BitmapInfo describes where the write-intent bitmap lives.
type BitmapInfo struct {
	// Offset is the sector offset of an internal bitmap from each superblock; zero means none.
	Offset int32
	// File is the path of an external bitmap file.
	File string
	// Config is applied when the bitmap is created.
	Config bitmap.Config
}

// Array is one md array.
type Array struct {
	registry *Registry
	unit     int
	log      logrus.FieldLogger

	// reconfig serialises configuration changes. It is acquired with a context so that
	// administrative callers can give up.
	reconfig *semaphore.Weighted

	// array identity, written under reconfig while stopped
	name          string
	uuid          uuid.UUID
	level         int
	layout        uint32
	chunkSectors  uint32
	raidDisks     atomic.Int32
	majorVersion  int
	minorVersion  int
	maxDev        uint32
	ctime         time.Time
	utime         time.Time
	devSectors    atomic.Uint64
	arraySectors  atomic.Uint64
	events        atomic.Uint64
	canDecrease   bool
	persistent    bool
	holdActive    bool
	startReadOnly bool

	rdevsMu sync.RWMutex
	rdevs   []*Rdev

	persMu sync.RWMutex
	pers   Personality
	ready  atomic.Bool

	ro            atomic.Int32
	inSync        atomic.Bool
	degraded      atomic.Int32
	suspended     atomic.Bool
	activeIO      atomic.Int64
	writesPending atomic.Int64
	safemode      atomic.Int32
	safemodeDelay time.Duration
	safemodeTimer *time.Timer
	stateMu       sync.Mutex

	sbFlags  Flags[SbFlag]
	recovery Flags[RecoveryFlag]
	sbWait   WaitQueue

	recoveryCp          atomic.Uint64
	resyncMin           atomic.Uint64
	resyncMax           atomic.Uint64
	currResync          atomic.Uint64
	currResyncCompleted atomic.Uint64
	currMarkCnt         atomic.Uint64
	resyncMark          atomic.Int64
	resyncMarkCnt       atomic.Uint64
	resyncMismatches    atomic.Uint64
	recoveryActive      atomic.Int64
	recoveryWait        WaitQueue
	recoveryDisabled    int
	lastSyncAction      atomic.Value
	speedMin            atomic.Int32
	speedMax            atomic.Int32
	parallelResync      atomic.Bool

	bitmapInfo   BitmapInfo
	bitmap       atomic.Pointer[bitmap.Bitmap]
	bmStore      bitmap.Store
	formatBitmap bool

	thread     atomic.Pointer[Thread]
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

func newArray(g *Registry, unit int) *Array {
	a := &Array{
		registry:     g,
		unit:         unit,
		log:          g.log.WithField("array", fmt.Sprintf("md%d", unit)),
		reconfig:     semaphore.NewWeighted(1),
		majorVersion: 1,
		minorVersion: 2,
		maxDev:       types.Sb1DefaultMaxDev,
		persistent:   true,
	}
	a.resyncMax.Store(types.MaxSector)
	a.recoveryCp.Store(types.MaxSector)
	a.lastSyncAction.Store("none")
	return a
}

// Lock acquires the reconfiguration lock.
func (a *Array) Lock(ctx context.Context) error {
	if err := a.reconfig.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: waiting for reconfiguration lock: %w", a.DevName(), err)
	}
	return nil
}

// TryLock acquires the reconfiguration lock if it is free.
func (a *Array) TryLock() bool { return a.reconfig.TryAcquire(1) }

// Unlock releases the reconfiguration lock and lets the management thread look for work
// that was deferred while it was held.
func (a *Array) Unlock() {
	a.reconfig.Release(1)
	a.WakeThread()
}

// Unit returns the unit number.
func (a *Array) Unit() int { return a.unit }

// DevName returns "md<unit>".
func (a *Array) DevName() string { return fmt.Sprintf("md%d", a.unit) }

// Name returns the array name stored in the superblocks.
func (a *Array) Name() string {
	if a.name == "" {
		return a.DevName()
	}
	return a.name
}

// UUID returns the array identity.
func (a *Array) UUID() uuid.UUID { return a.uuid }

// Level returns the RAID level.
func (a *Array) Level() int { return a.level }

// RaidDisks returns the number of active slots.
func (a *Array) RaidDisks() int { return int(a.raidDisks.Load()) }

// SetRaidDisks is called by a personality that has applied a disk count change.
func (a *Array) SetRaidDisks(n int) { a.raidDisks.Store(int32(n)) }

// DevSectors returns the number of sectors used on each member.
func (a *Array) DevSectors() uint64 { return a.devSectors.Load() }

// SetDevSectors is called by a personality that has applied a size change.
func (a *Array) SetDevSectors(n uint64) { a.devSectors.Store(n) }

// ArraySectors returns the exported size of the array.
func (a *Array) ArraySectors() uint64 { return a.arraySectors.Load() }

// SetArraySectors records the exported size.
func (a *Array) SetArraySectors(n uint64) { a.arraySectors.Store(n) }

// Events returns the superblock event counter.
func (a *Array) Events() uint64 { return a.events.Load() }

// Degraded returns the number of missing or failed slots.
func (a *Array) Degraded() int { return int(a.degraded.Load()) }

// SetDegraded is called by the personality.
func (a *Array) SetDegraded(n int) { a.degraded.Store(int32(n)) }

// AddDegraded adjusts the degraded count.
func (a *Array) AddDegraded(n int) int { return int(a.degraded.Add(int32(n))) }

// ReadOnly returns the writability state.
func (a *Array) ReadOnly() types.ReadOnlyState { return types.ReadOnlyState(a.ro.Load()) }

// InSync reports whether the array is marked clean.
func (a *Array) InSync() bool { return a.inSync.Load() }

// RecoveryCp returns the resync checkpoint.
func (a *Array) RecoveryCp() uint64 { return a.recoveryCp.Load() }

// SetRecoveryCp moves the resync checkpoint.
func (a *Array) SetRecoveryCp(s uint64) { a.recoveryCp.Store(s) }

// CurrResync returns the resync cursor.
func (a *Array) CurrResync() uint64 { return a.currResync.Load() }

// CurrResyncCompleted returns the position up to which resync I/O has finished.
func (a *Array) CurrResyncCompleted() uint64 { return a.currResyncCompleted.Load() }

// ResyncMaxSectors is the end of a resync pass.
func (a *Array) ResyncMaxSectors() uint64 { return a.devSectors.Load() }

// Recovery exposes the recovery state bits.
func (a *Array) Recovery() *Flags[RecoveryFlag] { return &a.recovery }

// SbFlags exposes the pending superblock work bits.
func (a *Array) SbFlags() *Flags[SbFlag] { return &a.sbFlags }

// SbWait is woken when superblock writes finish and when suspension ends.
func (a *Array) SbWait() *WaitQueue { return &a.sbWait }

// RecoveryWait is woken when resync I/O completes.
func (a *Array) RecoveryWait() *WaitQueue { return &a.recoveryWait }

// RecoveryDisabled returns a token that changes whenever members are added.
func (a *Array) RecoveryDisabled() int { return a.recoveryDisabled }

// Logger returns the array logger.
func (a *Array) Logger() logrus.FieldLogger { return a.log }

// Bitmap returns the write-intent bitmap, or nil.
func (a *Array) Bitmap() *bitmap.Bitmap { return a.bitmap.Load() }

// Personality returns the running personality, or nil.
func (a *Array) Personality() Personality {
	a.persMu.RLock()
	defer a.persMu.RUnlock()
	return a.pers
}

func (a *Array) setPersonality(p Personality) {
	a.persMu.Lock()
	a.pers = p
	a.persMu.Unlock()
}

// Running reports whether a personality is bound and accepting requests.
func (a *Array) Running() bool { return a.Personality() != nil && a.ready.Load() }

// Rdevs returns a snapshot of the members.
func (a *Array) Rdevs() []*Rdev {
	a.rdevsMu.RLock()
	defer a.rdevsMu.RUnlock()
	out := make([]*Rdev, len(a.rdevs))
	copy(out, a.rdevs)
	return out
}

// FindRdev returns the member opened from path.
func (a *Array) FindRdev(path string) (*Rdev, error) {
	for _, r := range a.Rdevs() {
		if r.Name() == path {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%s is not a member of %s: %w", path, a.DevName(), types.ErrNotFound)
}

// WakeThread wakes the management thread.
func (a *Array) WakeThread() { a.thread.Load().Wakeup() }

// AddMismatches counts sectors found to differ during check or repair.
func (a *Array) AddMismatches(sectors uint64) { a.resyncMismatches.Add(sectors) }

// MismatchCount returns the sectors found to differ by the last check or repair.
func (a *Array) MismatchCount() uint64 { return a.resyncMismatches.Load() }

// DoneSync is called by the personality when resync I/O for blocks sectors completes.
func (a *Array) DoneSync(blocks uint64, ok bool) {
	a.recoveryActive.Add(-int64(blocks))
	a.recoveryWait.Wake()
	if !ok {
		a.recovery.Set(RecoveryIntr | RecoveryError)
		a.WakeThread()
	}
}

// BitmapCondEndSync periodically releases resync claims on finished bitmap chunks and records
// the completed position. The resync I/O in flight must drain first.
func (a *Array) BitmapCondEndSync(sector uint64, force bool) {
	bm := a.Bitmap()
	if bm == nil || !bm.CondEndSyncDue(sector, force) {
		return
	}
	a.recoveryWait.WaitUninterruptible(func() bool { return a.recoveryActive.Load() == 0 })
	sector &^= bm.ChunkSectors() - 1
	a.currResyncCompleted.Store(sector)
	a.sbFlags.Set(SbChangeClean)
	bm.CondEndSync(sector)
}

// Error reports a member I/O error. The personality decides whether the device is failed.
func (a *Array) Error(r *Rdev) {
	if r == nil || r.Has(Faulty) {
		return
	}
	pers := a.Personality()
	if pers == nil {
		return
	}
	pers.Error(r)
	if a.Degraded() > 0 {
		a.recovery.Set(RecoveryRecover)
	}
	a.recovery.Set(RecoveryIntr | RecoveryNeeded)
	a.WakeThread()
}

// Bind adds a device to the member list. The device must have a superblock or a layout.
// The caller holds the reconfiguration lock.
func (a *Array) Bind(r *Rdev) error {
	if r.Array() != nil {
		return fmt.Errorf("%s is already bound to %s: %w", r.Name(), r.Array().DevName(), types.ErrBusy)
	}

	a.rdevsMu.Lock()
	defer a.rdevsMu.Unlock()
	for _, o := range a.rdevs {
		if o.Bdev.Identity() == r.Bdev.Identity() {
			return fmt.Errorf("%s is already a member of %s: %w", r.Name(), a.DevName(), types.ErrAlreadyExists)
		}
	}

	if r.descNr < 0 {
		choice := 0
		if a.Personality() != nil {
			choice = a.RaidDisks()
		}
		for a.descInUseLocked(choice) {
			choice++
		}
		r.descNr = choice
	} else if a.descInUseLocked(r.descNr) {
		return fmt.Errorf("%s: device number %d in use: %w", r.Name(), r.descNr, types.ErrBusy)
	}
	if uint32(r.descNr) >= types.Sb1MaxDev {
		return fmt.Errorf("%s: device number %d exceeds %d: %w", r.Name(), r.descNr, types.Sb1MaxDev, types.ErrBusy)
	}

	r.array.Store(a)
	r.log = r.log.WithField("array", a.DevName())
	a.rdevs = append(a.rdevs, r)
	a.recoveryDisabled++
	r.log.WithField("desc_nr", r.descNr).Info("bind")
	return nil
}

func (a *Array) descInUseLocked(nr int) bool {
	for _, o := range a.rdevs {
		if o.descNr == nr {
			return true
		}
	}
	return false
}

// Unbind removes a device from the member list and closes it once its I/O drains.
// The caller holds the reconfiguration lock.
func (a *Array) Unbind(r *Rdev) error {
	if r.Array() != a {
		return fmt.Errorf("%s is not bound to %s: %w", r.Name(), a.DevName(), types.ErrInvalidArgument)
	}

	a.rdevsMu.Lock()
	for i, o := range a.rdevs {
		if o == r {
			a.rdevs = append(a.rdevs[:i:i], a.rdevs[i+1:]...)
			break
		}
	}
	a.rdevsMu.Unlock()

	r.array.Store(nil)
	r.log.Info("unbind")
	go func() {
		if err := r.close(); err != nil {
			r.log.WithError(err).Warn("close failed")
		}
	}()
	return nil
}

// kick removes a member and notes that every superblock must be rewritten.
func (a *Array) kick(r *Rdev) {
	if err := a.Unbind(r); err != nil {
		a.log.WithError(err).Warn("kick")
		return
	}
	a.sbFlags.Set(SbChangeDevs)
}

// disposable reports whether the registry may forget the array.
func (a *Array) disposable() bool {
	if !a.TryLock() {
		return false
	}
	defer a.reconfig.Release(1)
	a.rdevsMu.RLock()
	n := len(a.rdevs)
	a.rdevsMu.RUnlock()
	return n == 0 && !a.holdActive && a.Personality() == nil
}

// SetHoldActive keeps an empty array registered.
func (a *Array) SetHoldActive(hold bool) {
	a.holdActive = hold
}

// SetName sets the array name stored in new superblocks.
func (a *Array) SetName(name string) error {
	if len(name) > 32 {
		return fmt.Errorf("array name %q longer than 32 bytes: %w", name, types.ErrInvalidArgument)
	}
	a.name = name
	return nil
}
