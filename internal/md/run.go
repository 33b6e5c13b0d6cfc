package md

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// probeMinors is the order in which superblock locations are tried when assembling.
var probeMinors = []int{2, 1, 0}

// AssembleOptions control Assemble.
type AssembleOptions struct {
	// Minor selects the 1.x superblock location; a negative value probes 1.2, 1.1 then 1.0.
	Minor int

	// ReadOnly starts the array auto-read-only: it switches to read-write on the first write.
	ReadOnly bool

	// BitmapFile is the path of an external bitmap.
	BitmapFile string
}

// CreateOptions describe a new array.
type CreateOptions struct {
	Level     int
	RaidDisks int
	Name      string

	// UUID is generated when zero.
	UUID uuid.UUID

	// Minor is the 1.x superblock location.
	Minor int

	// DataOffset is the data start for 1.1 and 1.2; zero picks the default.
	DataOffset uint64

	// Size limits the sectors used on each member; zero uses the smallest member.
	Size uint64

	// AssumeClean skips the initial resync.
	AssumeClean bool

	// Bitmap adds an internal write-intent bitmap. BitmapFile selects an external one instead.
	Bitmap       bool
	BitmapFile   string
	BitmapConfig bitmap.Config

	// WriteMostly lists slots that serve reads only when no other copy is available.
	WriteMostly []int
}

func closeDevices(bdevs []interfaces.BlockDevice) {
	for _, b := range bdevs {
		if b != nil {
			_ = b.Close()
		}
	}
}

// Assemble loads the superblocks on bdevs and starts the array they describe. Members with
// unreadable, foreign or stale superblocks are left out. The array owns bdevs from here on:
// they are closed when left out, when assembly fails and when the array stops.
func (a *Array) Assemble(ctx context.Context, bdevs []interfaces.BlockDevice, opts AssembleOptions) error {
	if err := a.Lock(ctx); err != nil {
		closeDevices(bdevs)
		return err
	}
	defer a.Unlock()

	if a.Personality() != nil || len(a.Rdevs()) > 0 {
		closeDevices(bdevs)
		return fmt.Errorf("%s is already in use: %w", a.DevName(), types.ErrBusy)
	}

	minor := opts.Minor
	kicked := 0
	var freshest *Rdev
	for _, bdev := range bdevs {
		r := NewRdev(bdev, a.log)
		m, res, err := probeSuper(r, freshest, minor)
		if err == nil {
			err = a.Bind(r)
		}
		if err != nil {
			r.log.WithError(err).Warn("fatal superblock inconsistency, removing from array")
			_ = bdev.Close()
			kicked++
			continue
		}
		minor = m
		if res == LoadFresher {
			freshest = r
		}
	}
	if freshest == nil {
		return fmt.Errorf("%s: no member has a usable superblock: %w", a.DevName(), types.ErrInvalidSuperblock)
	}

	a.minorVersion = minor
	a.bitmapInfo = BitmapInfo{File: opts.BitmapFile, Config: a.registry.Defaults().Bitmap}
	fail := func(err error) error {
		for _, r := range a.Rdevs() {
			_ = a.Unbind(r)
		}
		a.bitmapInfo = BitmapInfo{}
		return err
	}

	if err := a.validateSuper(freshest, freshest.sb, true); err != nil {
		return fail(err)
	}
	for _, r := range a.Rdevs() {
		if r == freshest {
			continue
		}
		if err := a.validateSuper(r, freshest.sb, false); err != nil {
			r.log.WithError(err).Warn("kicking non-fresh device from array")
			a.kick(r)
			kicked++
		}
	}
	if kicked > 0 && kicked >= a.RaidDisks() {
		return fail(fmt.Errorf("%s: %d of %d members unusable: %w", a.DevName(), kicked, a.RaidDisks(), types.ErrInvalidSuperblock))
	}

	a.startReadOnly = opts.ReadOnly
	if err := a.run(ctx); err != nil {
		return fail(err)
	}
	return nil
}

func probeSuper(r *Rdev, ref *Rdev, minor int) (int, LoadResult, error) {
	if minor >= 0 {
		res, err := LoadSuper(r, ref, minor)
		return minor, res, err
	}
	var lastErr error
	for _, m := range probeMinors {
		res, err := LoadSuper(r, ref, m)
		if err == nil {
			return m, res, nil
		}
		lastErr = err
	}
	return -1, LoadSame, lastErr
}

// Create writes fresh superblocks to bdevs and starts the array. A nil entry leaves its slot
// missing. The array owns bdevs from here on.
func (a *Array) Create(ctx context.Context, bdevs []interfaces.BlockDevice, opts CreateOptions) error {
	if err := a.Lock(ctx); err != nil {
		closeDevices(bdevs)
		return err
	}
	defer a.Unlock()

	if err := a.checkCreate(bdevs, opts); err != nil {
		closeDevices(bdevs)
		return err
	}

	defaults := a.registry.Defaults()
	cfg := opts.BitmapConfig
	if cfg.ChunkSize == 0 {
		cfg = defaults.Bitmap
	}
	smallest := types.MaxSector
	for _, b := range bdevs {
		if b != nil {
			smallest = min(smallest, b.Sectors())
		}
	}
	bitmapSectors := uint64(0)
	if opts.Bitmap && opts.BitmapFile == "" {
		bitmapSectors = bitmap.StorageSectors(smallest, cfg.ChunkSize)
	}

	a.level = opts.Level
	a.layout = 0
	a.chunkSectors = 0
	a.raidDisks.Store(int32(opts.RaidDisks))
	a.minorVersion = opts.Minor
	a.maxDev = types.Sb1DefaultMaxDev
	a.uuid = opts.UUID
	if a.uuid == uuid.Nil {
		a.uuid = uuid.New()
	}
	if err := a.SetName(opts.Name); err != nil {
		closeDevices(bdevs)
		return err
	}
	a.ctime = time.Now()
	a.utime = a.ctime
	a.events.Store(0)
	a.bitmapInfo = BitmapInfo{File: opts.BitmapFile, Config: cfg}

	fail := func(err error) error {
		for _, r := range a.Rdevs() {
			_ = a.Unbind(r)
		}
		a.bitmapInfo = BitmapInfo{}
		a.formatBitmap = false
		return err
	}

	writeMostly := make(map[int]bool, len(opts.WriteMostly))
	for _, slot := range opts.WriteMostly {
		writeMostly[slot] = true
	}
	devSectors := types.MaxSector
	for i, bdev := range bdevs {
		if bdev == nil {
			continue
		}
		r := NewRdev(bdev, a.log)
		if err := a.initRdev(r, opts.DataOffset, bitmapSectors); err != nil {
			_ = bdev.Close()
			closeDevices(bdevs[i+1:])
			return fail(err)
		}
		r.descNr = i
		r.SetRaidDisk(i)
		r.SetFlag(InSync)
		r.SetRecoveryOffset(types.MaxSector)
		if writeMostly[i] {
			r.SetFlag(WriteMostly)
		}
		if err := a.Bind(r); err != nil {
			_ = bdev.Close()
			closeDevices(bdevs[i+1:])
			return fail(err)
		}
		devSectors = min(devSectors, r.sectors)
		if opts.Bitmap && opts.BitmapFile == "" {
			a.bitmapInfo.Offset = r.bitmapOffset
		}
	}

	devSectors &^= types.PageSectors - 1
	if opts.Size > 0 {
		if opts.Size > devSectors {
			return fail(fmt.Errorf("size %d larger than smallest member %d: %w", opts.Size, devSectors, types.ErrOutOfSpace))
		}
		devSectors = opts.Size &^ (types.PageSectors - 1)
	}
	if devSectors == 0 {
		return fail(fmt.Errorf("members too small: %w", types.ErrOutOfSpace))
	}
	a.devSectors.Store(devSectors)
	if opts.AssumeClean {
		a.recoveryCp.Store(types.MaxSector)
	} else {
		a.recoveryCp.Store(0)
	}
	a.formatBitmap = opts.Bitmap || opts.BitmapFile != ""

	if err := a.run(ctx); err != nil {
		return fail(err)
	}
	a.UpdateSuperblocks(true)
	a.log.WithFields(logrus.Fields{
		"uuid":         a.uuid,
		"raid_disks":   opts.RaidDisks,
		"size":         devSectors,
		"assume_clean": opts.AssumeClean,
	}).Info("array created")
	return nil
}

func (a *Array) checkCreate(bdevs []interfaces.BlockDevice, opts CreateOptions) error {
	if a.Personality() != nil || len(a.Rdevs()) > 0 {
		return fmt.Errorf("%s is already in use: %w", a.DevName(), types.ErrBusy)
	}
	if _, err := findPersonality(opts.Level); err != nil {
		return err
	}
	if opts.RaidDisks < 1 || len(bdevs) != opts.RaidDisks {
		return fmt.Errorf("%d devices given for %d raid disks: %w", len(bdevs), opts.RaidDisks, types.ErrInvalidArgument)
	}
	present := 0
	for _, b := range bdevs {
		if b != nil {
			present++
		}
	}
	if present == 0 {
		return fmt.Errorf("no devices given: %w", types.ErrInvalidArgument)
	}
	if opts.Minor < 0 || opts.Minor > 2 {
		return fmt.Errorf("superblock version 1.%d: %w", opts.Minor, types.ErrInvalidArgument)
	}
	return nil
}

// Run starts an array whose members are bound and validated.
func (a *Array) Run(ctx context.Context) error {
	if err := a.Lock(ctx); err != nil {
		return err
	}
	defer a.Unlock()
	return a.run(ctx)
}

func (a *Array) run(ctx context.Context) error {
	if a.Personality() != nil {
		return fmt.Errorf("%s is already running: %w", a.DevName(), types.ErrBusy)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rdevs := a.Rdevs()
	if a.RaidDisks() <= 0 || len(rdevs) == 0 {
		return fmt.Errorf("%s has no members: %w", a.DevName(), types.ErrInvalidArgument)
	}

	devSectors := a.DevSectors()
	for _, r := range rdevs {
		if r.Has(Faulty) {
			continue
		}
		if r.sectors < devSectors {
			return fmt.Errorf("%s: data area of %d sectors smaller than member size %d: %w",
				r.Name(), r.sectors, devSectors, types.ErrOutOfSpace)
		}
		if r.RaidDisk() >= a.RaidDisks() {
			r.SetRaidDisk(-1)
			r.ClearFlag(InSync)
		}
	}
	a.warnSharedDisks(rdevs)

	f, err := findPersonality(a.level)
	if err != nil {
		return err
	}
	pers, err := f.Run(a)
	if err != nil {
		return fmt.Errorf("%s: start %s: %w", a.DevName(), f.Name, err)
	}
	a.setPersonality(pers)
	a.SetArraySectors(pers.Size(0, 0))

	if err := a.startBitmap(); err != nil {
		pers.Free()
		a.setPersonality(nil)
		return fmt.Errorf("%s: %w", a.DevName(), err)
	}

	defaults := a.registry.Defaults()
	a.stateMu.Lock()
	a.safemodeDelay = defaults.SafemodeDelay
	a.stateMu.Unlock()
	a.safemode.Store(safemodeOff)
	a.inSync.Store(true)
	if a.startReadOnly {
		a.ro.Store(int32(types.AutoReadOnly))
	} else {
		a.ro.Store(int32(types.ReadWrite))
	}
	a.resyncMin.Store(0)
	a.resyncMax.Store(types.MaxSector)
	a.ready.Store(true)

	if a.Degraded() > 0 && a.ReadOnly() == types.ReadWrite {
		a.recovery.Set(RecoveryRecover)
	}
	a.recovery.Set(RecoveryNeeded)

	timeout := types.BitmapDefaultDaemonSleep
	if bm := a.Bitmap(); bm != nil {
		timeout = bm.DaemonSleep()
	}
	a.thread.Store(StartThread(a.DevName()+"_raid", timeout, a.log, a.checkRecovery))

	a.log.WithFields(logrus.Fields{
		"level":      f.Name,
		"raid_disks": a.RaidDisks(),
		"degraded":   a.Degraded(),
		"sectors":    a.ArraySectors(),
		"bitmap":     a.Bitmap() != nil,
	}).Info("array started")

	if a.sbFlags.Load() != 0 {
		a.UpdateSuperblocks(false)
	}
	return nil
}

func (a *Array) warnSharedDisks(rdevs []*Rdev) {
	seen := make(map[string]*Rdev, len(rdevs))
	for _, r := range rdevs {
		p := r.Bdev.Physical()
		if p == "" {
			continue
		}
		if o, ok := seen[p]; ok {
			a.log.WithFields(logrus.Fields{"device": r.Name(), "other": o.Name(), "disk": p}).
				Warn("members share a physical disk, redundancy is reduced")
			continue
		}
		seen[p] = r
	}
}

// bitmapReserved returns the sectors available to an internal bitmap on every member.
func (a *Array) bitmapReserved() uint32 {
	for _, r := range a.Rdevs() {
		off := a.bitmapInfo.Offset
		switch {
		case r.bblogSize > 0 && r.bblogOffset > off:
			return uint32(r.bblogOffset - off)
		case off > 0 && r.dataOffset > r.sbStart+uint64(off):
			return uint32(r.dataOffset - r.sbStart - uint64(off))
		}
	}
	return 0
}

func (a *Array) startBitmap() error {
	info := a.bitmapInfo
	if info.Offset == 0 && info.File == "" {
		return nil
	}

	var store bitmap.Store
	cfg := info.Config
	if cfg.ChunkSize == 0 {
		cfg = a.registry.Defaults().Bitmap
	}
	if info.File != "" {
		fs, err := bitmap.OpenFileStore(info.File)
		if err != nil {
			return err
		}
		store = fs
	} else {
		store = &memberStore{a: a}
		cfg.SectorsReserved = a.bitmapReserved()
	}

	bm, err := bitmap.New(store, a, cfg, a.uuid, a.DevSectors(), a.log.WithField("array", a.DevName()))
	if err == nil && a.formatBitmap {
		err = bm.Format(a.Events())
	}
	if err == nil {
		err = bm.Load(a.RecoveryCp())
	}
	a.formatBitmap = false
	if err != nil {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
		return fmt.Errorf("bitmap: %w", err)
	}
	a.bmStore = store
	a.bitmap.Store(bm)
	return nil
}

func (a *Array) destroyBitmap() {
	bm := a.bitmap.Swap(nil)
	if bm == nil {
		return
	}
	if c, ok := a.bmStore.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.WithError(err).Warn("closing bitmap store")
		}
	}
	a.bmStore = nil
}

// Stop stops the array and releases every member.
func (a *Array) Stop(ctx context.Context) error {
	if err := a.Lock(ctx); err != nil {
		return err
	}
	if err := a.stopRunning(ctx); err != nil {
		a.Unlock()
		return err
	}
	for _, r := range a.Rdevs() {
		_ = a.Unbind(r)
	}
	a.reconfig.Release(1)
	a.log.Info("array stopped")
	a.registry.Put(a)
	return nil
}

// stopWrites makes the array clean and quiet: resync stopped, bitmap flushed and superblocks
// marked clean. It leaves the personality in place.
func (a *Array) stopWrites() {
	a.recovery.Set(RecoveryFrozen)
	a.interruptSync()
	a.reapSyncThread()
	a.stopSafemodeTimer()

	if pers := a.Personality(); pers != nil {
		pers.Quiesce(true)
		pers.Quiesce(false)
	}
	if bm := a.Bitmap(); bm != nil {
		if err := bm.Flush(a.Events()); err != nil {
			a.log.WithError(err).Warn("bitmap flush failed")
		}
	}
	if a.ReadOnly() == types.ReadWrite && (!a.InSync() || a.sbFlags.Load() != 0) {
		a.inSync.Store(true)
		a.UpdateSuperblocks(true)
	}
}

func (a *Array) stopRunning(ctx context.Context) error {
	pers := a.Personality()
	if pers == nil {
		return nil
	}

	a.ready.Store(false)
	a.suspended.Store(true)
	err := a.sbWait.Wait(ctx, func() bool { return a.activeIO.Load() == 0 })
	a.suspended.Store(false)
	a.sbWait.Wake()
	if err != nil {
		a.ready.Store(true)
		return err
	}

	a.stopWrites()
	a.thread.Swap(nil).Stop()
	pers.Free()
	a.setPersonality(nil)
	a.destroyBitmap()
	a.recovery.Store(0)
	a.sbFlags.Store(0)
	a.ro.Store(int32(types.ReadWrite))
	return nil
}
