package md

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/badblocks"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/parsers/superblock"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// blockedTimeout bounds a wait for a blocked device; the caller re-checks and waits again.
const blockedTimeout = 5 * time.Second

// Rdev is one member device of an array.
type Rdev struct {
	Bdev interfaces.BlockDevice
	log  logrus.FieldLogger

	flags Flags[RdevFlag]
	array atomic.Pointer[Array]

	descNr        int
	raidDisk      atomic.Int32
	savedRaidDisk int

	recoveryOffset  atomic.Uint64
	correctedErrors atomic.Uint32
	readErrors      atomic.Uint32

	nrPending atomic.Int32
	drain     WaitQueue
	blocked   WaitQueue

	// geometry in absolute device sectors
	sbStart      uint64
	dataOffset   uint64
	sectors      uint64
	bitmapOffset int32
	bblogOffset  int32
	bblogSize    uint16

	deviceUUID [16]byte
	BadBlocks  *badblocks.List

	// superblock image and update bookkeeping, guarded by the array reconfiguration lock
	sb       *types.Superblock1
	sbPage   []byte
	bbPage   []byte
	bbDirty  bool
	sbEvents uint64
	sbWrite  bool

	ioSectors   atomic.Uint64
	syncSectors atomic.Uint64
	lastEvents  uint64

	closeOnce sync.Once
}

// NewRdev wraps an opened block device. The device has no superblock until LoadSuper or
// InitSuper is called.
func NewRdev(bdev interfaces.BlockDevice, log logrus.FieldLogger) *Rdev {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Rdev{
		Bdev:          bdev,
		log:           log.WithField("device", bdev.DevicePath()),
		descNr:        -1,
		savedRaidDisk: -1,
		sectors:       bdev.Sectors(),
		BadBlocks:     badblocks.New(-1),
		sbPage:        make([]byte, types.Sb1PageSize),
	}
	r.raidDisk.Store(-1)
	return r
}

// Name returns the device path.
func (r *Rdev) Name() string { return r.Bdev.DevicePath() }

func (r *Rdev) String() string { return r.Name() }

// Has reports whether every flag in f is set.
func (r *Rdev) Has(f RdevFlag) bool { return r.flags.Has(f) }

// SetFlag sets f and reports whether it was already set.
func (r *Rdev) SetFlag(f RdevFlag) bool { return r.flags.Set(f) }

// ClearFlag clears f and reports whether it was set.
func (r *Rdev) ClearFlag(f RdevFlag) bool {
	was := r.flags.Clear(f)
	if was && f&(Blocked|BlockedBadBlocks) != 0 {
		r.blocked.Wake()
	}
	return was
}

// Flags returns a snapshot of the state bits.
func (r *Rdev) Flags() RdevFlag { return r.flags.Load() }

// Array returns the array the device is bound to, or nil.
func (r *Rdev) Array() *Array { return r.array.Load() }

// DescNr returns the index of the device in the superblock role table.
func (r *Rdev) DescNr() int { return r.descNr }

// RaidDisk returns the slot the device occupies, or -1 for spares.
func (r *Rdev) RaidDisk() int { return int(r.raidDisk.Load()) }

// SetRaidDisk assigns the slot.
func (r *Rdev) SetRaidDisk(slot int) { r.raidDisk.Store(int32(slot)) }

// SavedRaidDisk returns the slot held before the device was removed, or -1.
func (r *Rdev) SavedRaidDisk() int { return r.savedRaidDisk }

// SetSavedRaidDisk records the slot a re-added device should return to.
func (r *Rdev) SetSavedRaidDisk(slot int) { r.savedRaidDisk = slot }

// RecoveryOffset returns how far the device has been rebuilt.
func (r *Rdev) RecoveryOffset() uint64 { return r.recoveryOffset.Load() }

// SetRecoveryOffset records rebuild progress.
func (r *Rdev) SetRecoveryOffset(s uint64) { r.recoveryOffset.Store(s) }

// Sectors returns the usable data size.
func (r *Rdev) Sectors() uint64 { return r.sectors }

// DataOffset returns the start of the data area.
func (r *Rdev) DataOffset() uint64 { return r.dataOffset }

// SbStart returns the superblock location.
func (r *Rdev) SbStart() uint64 { return r.sbStart }

// Superblock returns the last loaded or written superblock.
func (r *Rdev) Superblock() *types.Superblock1 { return r.sb }

// Events returns the event count of the loaded superblock.
func (r *Rdev) Events() uint64 {
	if r.sb == nil {
		return 0
	}
	return r.sb.Events
}

// CorrectedErrors returns the number of read errors fixed by rewriting.
func (r *Rdev) CorrectedErrors() uint32 { return r.correctedErrors.Load() }

// AddCorrectedErrors counts read errors fixed by rewriting.
func (r *Rdev) AddCorrectedErrors(n uint32) { r.correctedErrors.Add(n) }

// ReadErrors returns the number of read errors seen since the last successful rewrite.
func (r *Rdev) ReadErrors() uint32 { return r.readErrors.Load() }

// AddReadError counts one read error.
func (r *Rdev) AddReadError() uint32 { return r.readErrors.Add(1) }

// IncPending takes an I/O reference.
func (r *Rdev) IncPending() { r.nrPending.Add(1) }

// DecPending drops an I/O reference. The last reference on a faulty device asks the array to
// remove it.
func (r *Rdev) DecPending() {
	if r.nrPending.Add(-1) != 0 {
		return
	}
	r.drain.Wake()
	if r.Has(Faulty) {
		if a := r.Array(); a != nil {
			a.recovery.Set(RecoveryNeeded)
			a.WakeThread()
		}
	}
}

// Pending returns the number of I/O references.
func (r *Rdev) Pending() int { return int(r.nrPending.Load()) }

// WaitDrained blocks until no I/O reference remains.
func (r *Rdev) WaitDrained() {
	r.drain.WaitUninterruptible(func() bool { return r.nrPending.Load() == 0 })
}

// ReadData reads from the data area; sector is relative to the data offset.
func (r *Rdev) ReadData(sector uint64, buf []byte) error {
	r.ioSectors.Add(uint64(len(buf)) >> types.SectorShift)
	return r.Bdev.ReadSectors(r.dataOffset+sector, buf)
}

// WriteData writes to the data area; sector is relative to the data offset.
func (r *Rdev) WriteData(sector uint64, data []byte) error {
	r.ioSectors.Add(uint64(len(data)) >> types.SectorShift)
	return r.Bdev.WriteSectors(r.dataOffset+sector, data)
}

// AccountSync records resync traffic so that it is not mistaken for foreground I/O.
func (r *Rdev) AccountSync(sectors uint64) { r.syncSectors.Add(sectors) }

// foregroundIO returns the sectors transferred for reasons other than resync.
func (r *Rdev) foregroundIO() uint64 { return r.ioSectors.Load() - r.syncSectors.Load() }

// IsBadBlock checks the data-relative range [s, s+sectors) against the bad-block list.
// firstBad is data-relative.
func (r *Rdev) IsBadBlock(s, sectors uint64) (res badblocks.CheckResult, firstBad, badSectors uint64) {
	res, firstBad, badSectors = r.BadBlocks.Check(s+r.dataOffset, sectors)
	if res != badblocks.Clean {
		if firstBad < r.dataOffset {
			badSectors -= min(badSectors, r.dataOffset-firstBad)
			firstBad = 0
		} else {
			firstBad -= r.dataOffset
		}
	}
	return res, firstBad, badSectors
}

// SetBadBlocks records a data-relative range as bad. It reports false when the range could not
// be recorded, in which case the caller must fail the device.
func (r *Rdev) SetBadBlocks(s, sectors uint64) bool {
	if err := r.BadBlocks.Set(s+r.dataOffset, sectors, false); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"sector": s, "sectors": sectors}).
			Warn("cannot record bad blocks")
		return false
	}
	if a := r.Array(); a != nil {
		a.sbFlags.Set(SbChangeClean | SbChangePending)
		a.WakeThread()
	}
	return true
}

// ClearBadBlocks forgets a data-relative range after a successful rewrite.
func (r *Rdev) ClearBadBlocks(s, sectors uint64) {
	if err := r.BadBlocks.Clear(s+r.dataOffset, sectors); err != nil {
		r.log.WithError(err).Debug("bad block range left in place")
	}
}

// WaitBlocked waits for a blocked device to be released, then drops the I/O reference the
// caller took when it found the device blocked.
func (r *Rdev) WaitBlocked() {
	r.blocked.WaitTimeout(blockedTimeout, func() bool {
		return !r.flags.Any(Blocked | BlockedBadBlocks)
	})
	r.DecPending()
}

// applyLayout sets the metadata geometry of a fresh member.
func (r *Rdev) applyLayout(l superblock.Layout) {
	r.sbStart = l.SbStart
	r.dataOffset = l.DataOffset
	r.sectors = l.DataSize
	r.bitmapOffset = l.BitmapOffset
	r.bblogOffset = l.BBLogOffset
	r.bblogSize = l.BBLogSize
	if l.BBLogSize > 0 {
		r.BadBlocks.Enable(0)
	}
}

// close releases the block device once no I/O reference remains.
func (r *Rdev) close() error {
	var err error
	r.closeOnce.Do(func() {
		r.WaitDrained()
		err = r.Bdev.Close()
	})
	if err != nil {
		return fmt.Errorf("close %s: %w", r.Name(), err)
	}
	return nil
}
