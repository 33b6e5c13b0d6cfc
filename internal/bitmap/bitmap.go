// Package bitmap implements the write-intent bitmap: one 16-bit in-memory counter and one
// on-disk bit per chunk of the array. A set bit means the chunk may differ between mirrors.
package bitmap

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	bmparser "github.com/deploymenttheory/go-mdraid/internal/parsers/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Owner is the array the bitmap belongs to.
type Owner interface {
	// Events returns the array event counter
	Events() uint64

	// Degraded returns the number of missing or failed mirrors
	Degraded() int
}

// Config describes the bitmap geometry and behaviour.
type Config struct {
	// ChunkSize is the number of bytes covered by one bit. Power of two, at least 512.
	ChunkSize uint32

	// DaemonSleep is the period of the lazy clean sweep.
	DaemonSleep time.Duration

	// MaxWriteBehind bounds outstanding write-behind requests.
	MaxWriteBehind int

	// SectorsReserved is the space available to the bitmap; zero means unbounded.
	SectorsReserved uint32
}

// DefaultConfig returns the default bitmap configuration
func DefaultConfig() Config {
	return Config{
		ChunkSize:      types.BitmapDefaultChunk,
		DaemonSleep:    types.BitmapDefaultDaemonSleep,
		MaxWriteBehind: types.BitmapDefaultWriteBehind,
	}
}

// Stats is a point-in-time summary used by status output.
type Stats struct {
	Chunks        uint64
	DirtyChunks   uint64
	Pages         int
	ChunkSize     uint32
	DaemonSleep   time.Duration
	EventsCleared uint64
	BehindWrites  int
	MaxBehind     int
	Stale         bool
	WriteError    bool
}

type shard struct {
	mu       sync.Mutex
	counters []uint16
}

// Bitmap is a write-intent bitmap attached to one array.
type Bitmap struct {
	log   logrus.FieldLogger
	store Store
	owner Owner

	// mu guards the superblock copy, pending-clean sets and sync bookkeeping.
	mu            sync.Mutex
	sb            types.BitmapSuper
	daemonSleep   time.Duration
	lastDaemon    time.Time
	lastEndSync   time.Time
	endSyncFrom   uint64
	eventsCleared uint64
	needSuper     bool
	pendingCur    map[int]struct{}
	pendingNext   map[int]struct{}

	chunkShift uint
	chunks     uint64
	syncSize   uint64
	shards     []*shard

	// pageMu guards the on-disk image and its dirty set.
	pageMu sync.Mutex
	pages  [][]byte
	dirty  map[int]struct{}

	// writeMu orders page writes so that a completed Unplug covers every bit set before it.
	writeMu sync.Mutex

	behindMu       sync.Mutex
	behindCond     *sync.Cond
	behindWrites   atomic.Int32
	maxBehind      atomic.Int32
	maxWriteBehind int
}

// New builds a bitmap covering syncSize sectors. Nothing is read or written until Load or Format.
func New(store Store, owner Owner, cfg Config, uuid [16]byte, syncSize uint64, log logrus.FieldLogger) (*Bitmap, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.DaemonSleep <= 0 {
		cfg.DaemonSleep = types.BitmapDefaultDaemonSleep
	}
	if cfg.MaxWriteBehind < 0 || cfg.MaxWriteBehind > int(types.CounterMax) {
		return nil, fmt.Errorf("write-behind %d out of range: %w", cfg.MaxWriteBehind, types.ErrInvalidArgument)
	}

	b := &Bitmap{
		log:            log.WithField("component", "bitmap"),
		store:          store,
		owner:          owner,
		daemonSleep:    cfg.DaemonSleep,
		maxWriteBehind: cfg.MaxWriteBehind,
		pendingCur:     make(map[int]struct{}),
		pendingNext:    make(map[int]struct{}),
		dirty:          make(map[int]struct{}),
	}
	b.behindCond = sync.NewCond(&b.behindMu)
	b.sb = types.BitmapSuper{
		Magic:           types.BitmapMagic,
		Version:         types.BitmapMajorHi,
		UUID:            uuid,
		ChunkSize:       cfg.ChunkSize,
		DaemonSleep:     uint32(cfg.DaemonSleep / time.Second),
		WriteBehind:     uint32(cfg.MaxWriteBehind),
		SectorsReserved: cfg.SectorsReserved,
	}
	if err := b.setGeometry(cfg.ChunkSize, syncSize); err != nil {
		return nil, err
	}
	return b, nil
}

// StorageSectors returns the space needed on disk for a bitmap of the given geometry.
func StorageSectors(syncSize uint64, chunkSize uint32) uint64 {
	if chunkSize < types.BitmapMinChunk {
		return 0
	}
	chunkSectors := uint64(chunkSize) >> types.SectorShift
	chunks := (syncSize + chunkSectors - 1) / chunkSectors
	bytes := uint64(types.BitmapSuperSize) + (chunks+7)/8
	return (bytes + types.PageSize - 1) / types.PageSize * types.PageSectors
}

func (b *Bitmap) setGeometry(chunkSize uint32, syncSize uint64) error {
	if chunkSize < types.BitmapMinChunk || chunkSize&(chunkSize-1) != 0 {
		return fmt.Errorf("bitmap chunk size %d is not a power of two of at least %d: %w", chunkSize, types.BitmapMinChunk, types.ErrInvalidArgument)
	}
	if reserved := uint64(b.sb.SectorsReserved); reserved > 0 && StorageSectors(syncSize, chunkSize) > reserved {
		return fmt.Errorf("bitmap of %d sectors with %d byte chunks needs more than %d reserved sectors: %w",
			syncSize, chunkSize, reserved, types.ErrOutOfSpace)
	}

	b.chunkShift = uint(bits.TrailingZeros32(chunkSize >> types.SectorShift))
	b.syncSize = syncSize
	b.chunks = (syncSize + b.chunkSectors() - 1) >> b.chunkShift
	b.sb.ChunkSize = chunkSize
	b.sb.SyncSize = syncSize

	nshards := int((b.chunks + types.CountersPerPage - 1) / types.CountersPerPage)
	shards := make([]*shard, nshards)
	for i := range shards {
		n := types.CountersPerPage
		if rem := b.chunks - uint64(i)*types.CountersPerPage; rem < uint64(n) {
			n = int(rem)
		}
		shards[i] = &shard{counters: make([]uint16, n)}
	}
	b.shards = shards

	npages := int(StorageSectors(syncSize, chunkSize) / types.PageSectors)
	b.pageMu.Lock()
	b.pages = make([][]byte, npages)
	for i := range b.pages {
		b.pages[i] = make([]byte, types.PageSize)
	}
	b.dirty = make(map[int]struct{})
	b.pageMu.Unlock()
	return nil
}

func (b *Bitmap) chunkSectors() uint64 { return 1 << b.chunkShift }

// ChunkSectors returns the number of sectors covered by one chunk.
func (b *Bitmap) ChunkSectors() uint64 { return b.chunkSectors() }

// Chunks returns the number of chunks.
func (b *Bitmap) Chunks() uint64 { return b.chunks }

// counter locates the counter for a sector. It returns nil past the end.
func (b *Bitmap) counter(sector uint64) (sh *shard, idx int, shardIdx int, blocks uint64) {
	blocks = b.chunkSectors() - (sector & (b.chunkSectors() - 1))
	chunk := sector >> b.chunkShift
	if chunk >= b.chunks {
		return nil, 0, 0, blocks
	}
	shardIdx = int(chunk / types.CountersPerPage)
	return b.shards[shardIdx], int(chunk % types.CountersPerPage), shardIdx, blocks
}

func bitPosition(chunk uint64) (page int, byteOff int, mask byte) {
	off := uint64(types.BitmapSuperSize) + chunk/8
	return int(off / types.PageSize), int(off % types.PageSize), byte(1) << (chunk % 8)
}

func (b *Bitmap) setDiskBit(chunk uint64) {
	page, off, mask := bitPosition(chunk)
	b.pageMu.Lock()
	if b.pages[page][off]&mask == 0 {
		b.pages[page][off] |= mask
		b.dirty[page] = struct{}{}
	}
	b.pageMu.Unlock()
}

func (b *Bitmap) clearDiskBit(chunk uint64) {
	page, off, mask := bitPosition(chunk)
	b.pageMu.Lock()
	if b.pages[page][off]&mask != 0 {
		b.pages[page][off] &^= mask
		b.dirty[page] = struct{}{}
	}
	b.pageMu.Unlock()
}

func (b *Bitmap) diskBit(chunk uint64) bool {
	page, off, mask := bitPosition(chunk)
	b.pageMu.Lock()
	defer b.pageMu.Unlock()
	return b.pages[page][off]&mask != 0
}

func (b *Bitmap) queueClean(shardIdx int) {
	b.mu.Lock()
	b.pendingNext[shardIdx] = struct{}{}
	b.mu.Unlock()
}

// StartWrite records intent to write [offset, offset+sectors). The on-disk bits it sets are
// persisted by the next Unplug, which must complete before the data write is issued.
func (b *Bitmap) StartWrite(offset, sectors uint64, behind bool) {
	if behind {
		n := b.behindWrites.Add(1)
		for {
			m := b.maxBehind.Load()
			if n <= m || b.maxBehind.CompareAndSwap(m, n) {
				break
			}
		}
	}

	for sectors > 0 {
		sh, idx, _, blocks := b.counter(offset)
		if sh == nil {
			return
		}
		sh.mu.Lock()
		v := sh.counters[idx]
		switch count := v & types.CounterMax; {
		case count == types.CounterMax:
			// saturated: stays dirty until the bitmap is reloaded
		case count == 0:
			b.setDiskBit(offset >> b.chunkShift)
			sh.counters[idx] = v + 1
		default:
			sh.counters[idx] = v + 1
		}
		sh.mu.Unlock()

		offset += blocks
		if sectors <= blocks {
			break
		}
		sectors -= blocks
	}
}

// EndWrite records completion of a write started with StartWrite. A failed or degraded write
// leaves the chunks NEEDED so that they are resynced later.
func (b *Bitmap) EndWrite(offset, sectors uint64, success, behind bool) {
	if behind {
		if b.behindWrites.Add(-1) == 0 {
			b.behindMu.Lock()
			b.behindCond.Broadcast()
			b.behindMu.Unlock()
		}
	}

	if success && b.owner.Degraded() == 0 {
		events := b.owner.Events()
		b.mu.Lock()
		if b.eventsCleared < events {
			b.eventsCleared = events
			b.needSuper = true
		}
		b.mu.Unlock()
	}

	for sectors > 0 {
		sh, idx, shardIdx, blocks := b.counter(offset)
		if sh == nil {
			return
		}
		sh.mu.Lock()
		v := sh.counters[idx]
		if !success {
			v |= types.CounterNeeded
		}
		if count := v & types.CounterMax; count > 0 && count < types.CounterMax {
			v--
		}
		sh.counters[idx] = v
		sh.mu.Unlock()
		if v == 0 {
			b.queueClean(shardIdx)
		}

		offset += blocks
		if sectors <= blocks {
			break
		}
		sectors -= blocks
	}
}

// StartSync reports whether the chunk holding offset needs resync and how many sectors
// the answer covers. On a non-degraded array a NEEDED chunk is claimed (RESYNC set, NEEDED
// cleared) so that a concurrent write failure can mark it again.
func (b *Bitmap) StartSync(offset uint64, degraded bool) (blocks uint64, needed bool) {
	sh, idx, _, blocks := b.counter(offset)
	if sh == nil {
		return blocks, false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v := sh.counters[idx]
	switch {
	case v&types.CounterResync != 0:
		needed = true
	case v&types.CounterNeeded != 0:
		needed = true
		if !degraded {
			sh.counters[idx] = (v | types.CounterResync) &^ types.CounterNeeded
		}
	}
	return blocks, needed
}

// EndSync releases the RESYNC claim on the chunk holding offset. An aborted resync restores
// NEEDED.
func (b *Bitmap) EndSync(offset uint64, aborted bool) uint64 {
	sh, idx, shardIdx, blocks := b.counter(offset)
	if sh == nil {
		return blocks
	}
	sh.mu.Lock()
	v := sh.counters[idx]
	queue := false
	if v&types.CounterResync != 0 {
		v &^= types.CounterResync
		if v&types.CounterNeeded == 0 && aborted {
			v |= types.CounterNeeded
		} else if v == 0 {
			queue = true
		}
		sh.counters[idx] = v
	}
	sh.mu.Unlock()
	if queue {
		b.queueClean(shardIdx)
	}
	return blocks
}

// CloseSync releases every remaining RESYNC claim after a resync pass ends.
func (b *Bitmap) CloseSync() {
	for s := uint64(0); s < b.syncSize; {
		s += b.EndSync(s, false)
	}
	b.mu.Lock()
	b.endSyncFrom = 0
	b.mu.Unlock()
}

// CondEndSyncDue reports whether a periodic release of completed resync chunks is due.
// A call with sector 0 starts a new pass.
func (b *Bitmap) CondEndSyncDue(sector uint64, force bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sector == 0 {
		b.lastEndSync = time.Now()
		b.endSyncFrom = 0
		return false
	}
	return force || time.Since(b.lastEndSync) >= b.daemonSleep
}

// CondEndSync releases RESYNC on every chunk wholly below sector. The caller must have waited
// for in-flight resync I/O to drain.
func (b *Bitmap) CondEndSync(sector uint64) {
	sector &^= b.chunkSectors() - 1

	b.mu.Lock()
	s := b.endSyncFrom
	b.mu.Unlock()

	for s < sector && s < b.syncSize {
		s += b.EndSync(s, false)
	}

	b.mu.Lock()
	b.endSyncFrom = s
	b.lastEndSync = time.Now()
	b.mu.Unlock()
}

// DirtyBits marks chunks [start, end] NEEDED and persists their bits.
func (b *Bitmap) DirtyBits(start, end uint64) error {
	for chunk := start; chunk <= end && chunk < b.chunks; chunk++ {
		sh, idx, _, _ := b.counter(chunk << b.chunkShift)
		sh.mu.Lock()
		sh.counters[idx] |= types.CounterNeeded
		sh.mu.Unlock()
		b.setDiskBit(chunk)
	}
	return b.Unplug()
}

// Unplug writes every page dirtied since the last write.
func (b *Bitmap) Unplug() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.writeDirtyLocked()
}

func (b *Bitmap) writeDirtyLocked() error {
	b.pageMu.Lock()
	if len(b.dirty) == 0 {
		b.pageMu.Unlock()
		return nil
	}
	idx := make([]int, 0, len(b.dirty))
	for i := range b.dirty {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	copies := make([][]byte, len(idx))
	for n, i := range idx {
		copies[n] = append([]byte(nil), b.pages[i]...)
	}
	b.dirty = make(map[int]struct{})
	b.pageMu.Unlock()

	var errs error
	for n, i := range idx {
		if err := b.store.WritePage(i, copies[n]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		b.mu.Lock()
		b.sb.State |= types.BitmapStateWriteError
		b.mu.Unlock()
		b.log.WithError(errs).Error("bitmap page write failed")
	}
	return errs
}

// DaemonWork runs one lazy clean sweep if the daemon period has elapsed: chunks that became
// idle before the previous sweep have their on-disk bits cleared and written.
func (b *Bitmap) DaemonWork() error {
	return b.daemonWork(false)
}

func (b *Bitmap) daemonWork(force bool) error {
	b.mu.Lock()
	if !force && time.Since(b.lastDaemon) < b.daemonSleep {
		b.mu.Unlock()
		return nil
	}
	b.lastDaemon = time.Now()
	cur := b.pendingCur
	b.pendingCur = b.pendingNext
	b.pendingNext = make(map[int]struct{})
	needSuper := b.needSuper
	b.needSuper = false
	b.mu.Unlock()

	if needSuper {
		b.encodeSuper()
	}

	cleared := 0
	for shardIdx := range cur {
		sh := b.shards[shardIdx]
		base := uint64(shardIdx) * types.CountersPerPage
		sh.mu.Lock()
		for i, v := range sh.counters {
			if v != 0 {
				continue
			}
			chunk := base + uint64(i)
			if b.diskBit(chunk) {
				b.clearDiskBit(chunk)
				cleared++
			}
		}
		sh.mu.Unlock()
	}
	if cleared > 0 {
		b.log.WithField("chunks", cleared).Debug("bitmap chunks cleaned")
	}
	return b.Unplug()
}

// encodeSuper refreshes the superblock bytes in page 0 and marks it dirty.
func (b *Bitmap) encodeSuper() {
	b.mu.Lock()
	b.sb.EventsCleared = b.eventsCleared
	b.sb.DaemonSleep = uint32(b.daemonSleep / time.Second)
	sb := b.sb
	b.mu.Unlock()

	b.pageMu.Lock()
	_ = bmparser.EncodeSuper(&sb, b.pages[0])
	b.dirty[0] = struct{}{}
	b.pageMu.Unlock()
}

// UpdateSuper stores the array event counter in the bitmap superblock and writes it.
func (b *Bitmap) UpdateSuper(events uint64) error {
	b.mu.Lock()
	b.sb.Events = events
	if events < b.eventsCleared {
		b.eventsCleared = events
	}
	b.mu.Unlock()
	b.encodeSuper()
	return b.Unplug()
}

// Format initialises a clean bitmap on the store: a fresh superblock and all bits zero.
func (b *Bitmap) Format(events uint64) error {
	b.mu.Lock()
	b.sb.Events = events
	b.sb.State = 0
	b.eventsCleared = events
	b.mu.Unlock()

	for _, sh := range b.shards {
		sh.mu.Lock()
		for i := range sh.counters {
			sh.counters[i] = 0
		}
		sh.mu.Unlock()
	}
	b.pageMu.Lock()
	for i := range b.pages {
		for j := range b.pages[i] {
			b.pages[i][j] = 0
		}
	}
	b.pageMu.Unlock()
	b.encodeSuper()
	return b.WriteAll()
}

// Load reads the bitmap from the store. Chunks whose bit is set, and every chunk at or past
// start, become NEEDED. An unreadable, foreign or out-of-date bitmap makes every chunk NEEDED.
func (b *Bitmap) Load(start uint64) error {
	page0 := make([]byte, types.PageSize)
	full := false

	sb, err := func() (*types.BitmapSuper, error) {
		if err := b.store.ReadPage(0, page0); err != nil {
			return nil, err
		}
		return bmparser.DecodeSuper(page0)
	}()

	b.mu.Lock()
	uuid := b.sb.UUID
	b.mu.Unlock()

	events := b.owner.Events()
	switch {
	case err != nil:
		b.log.WithError(err).Warn("bitmap superblock unreadable, assuming every chunk dirty")
		full = true
	case sb.UUID != uuid:
		b.log.Warn("bitmap belongs to another array, assuming every chunk dirty")
		full = true
	case sb.Events < events:
		b.log.WithFields(logrus.Fields{"bitmap_events": sb.Events, "array_events": events}).
			Warn("bitmap is out of date, forcing full recovery")
		full = true
	case sb.State&types.BitmapStateStale != 0:
		b.log.Warn("bitmap marked stale, forcing full recovery")
		full = true
	}

	if !full {
		b.mu.Lock()
		reserved := b.sb.SectorsReserved
		b.sb.SectorsReserved = 0
		geoErr := error(nil)
		if sb.ChunkSize != b.sb.ChunkSize {
			geoErr = b.setGeometry(sb.ChunkSize, b.syncSize)
		}
		b.sb.SectorsReserved = reserved
		b.sb.Events = sb.Events
		b.sb.WriteBehind = sb.WriteBehind
		b.eventsCleared = sb.EventsCleared
		if sb.SyncSize < b.syncSize && sb.SyncSize < start {
			start = sb.SyncSize
		}
		b.mu.Unlock()
		if geoErr != nil {
			return geoErr
		}

		b.pageMu.Lock()
		copy(b.pages[0], page0)
		for i := 1; i < len(b.pages); i++ {
			if err := b.store.ReadPage(i, b.pages[i]); err != nil {
				b.log.WithError(err).WithField("page", i).Warn("bitmap page unreadable, assuming every chunk dirty")
				full = true
				break
			}
		}
		b.pageMu.Unlock()
	}

	if full {
		b.mu.Lock()
		b.sb.State &^= types.BitmapStateStale
		b.eventsCleared = events
		b.mu.Unlock()
		start = 0
	}

	dirty := uint64(0)
	for chunk := uint64(0); chunk < b.chunks; chunk++ {
		needed := chunk<<b.chunkShift >= start
		if !needed {
			needed = b.diskBit(chunk)
		}
		if !needed {
			continue
		}
		sh, idx, _, _ := b.counter(chunk << b.chunkShift)
		sh.mu.Lock()
		sh.counters[idx] = types.CounterNeeded
		sh.mu.Unlock()
		b.setDiskBit(chunk)
		dirty++
	}

	b.mu.Lock()
	b.lastDaemon = time.Now()
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"chunks": b.chunks, "dirty": dirty, "full": full}).Info("bitmap loaded")
	b.encodeSuper()
	if full {
		return b.WriteAll()
	}
	return b.Unplug()
}

// WriteAll rewrites every page.
func (b *Bitmap) WriteAll() error {
	b.pageMu.Lock()
	for i := range b.pages {
		b.dirty[i] = struct{}{}
	}
	b.pageMu.Unlock()
	return b.Unplug()
}

// Flush runs the clean sweep until nothing is pending and writes the superblock.
func (b *Bitmap) Flush(events uint64) error {
	var errs error
	for i := 0; i < 3; i++ {
		errs = multierr.Append(errs, b.daemonWork(true))
	}
	return multierr.Append(errs, b.UpdateSuper(events))
}

// Resize changes the covered size. New space is marked NEEDED.
func (b *Bitmap) Resize(syncSize uint64) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	oldChunks := b.chunks
	old := make([]uint16, 0, oldChunks)
	for _, sh := range b.shards {
		sh.mu.Lock()
		old = append(old, sh.counters...)
		sh.mu.Unlock()
	}

	b.mu.Lock()
	err := b.setGeometry(b.sb.ChunkSize, syncSize)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	for chunk := uint64(0); chunk < b.chunks; chunk++ {
		v := types.CounterNeeded
		if chunk < oldChunks {
			v = old[chunk] & (types.CounterNeeded | types.CounterResync)
			if old[chunk]&types.CounterMax != 0 {
				v |= types.CounterNeeded
			}
		}
		if v == 0 {
			continue
		}
		sh, idx, _, _ := b.counter(chunk << b.chunkShift)
		sh.mu.Lock()
		sh.counters[idx] = v
		sh.mu.Unlock()
		b.setDiskBit(chunk)
	}
	b.encodeSuper()
	b.pageMu.Lock()
	for i := range b.pages {
		b.dirty[i] = struct{}{}
	}
	b.pageMu.Unlock()
	return b.writeDirtyLocked()
}

// WaitBehindWrites blocks until no write-behind request is outstanding.
func (b *Bitmap) WaitBehindWrites() {
	b.behindMu.Lock()
	for b.behindWrites.Load() > 0 {
		b.behindCond.Wait()
	}
	b.behindMu.Unlock()
}

// BehindWrites returns the number of outstanding write-behind requests.
func (b *Bitmap) BehindWrites() int { return int(b.behindWrites.Load()) }

// MaxWriteBehind returns the configured write-behind limit.
func (b *Bitmap) MaxWriteBehind() int { return b.maxWriteBehind }

// SetDaemonSleep changes the sweep period.
func (b *Bitmap) SetDaemonSleep(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("daemon sleep %s must be positive: %w", d, types.ErrInvalidArgument)
	}
	b.mu.Lock()
	b.daemonSleep = d
	b.mu.Unlock()
	return nil
}

// DaemonSleep returns the sweep period.
func (b *Bitmap) DaemonSleep() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.daemonSleep
}

// EventsCleared returns the event count from which bits have been allowed to clear.
func (b *Bitmap) EventsCleared() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventsCleared
}

// Counter returns the raw counter for the chunk holding sector.
func (b *Bitmap) Counter(sector uint64) uint16 {
	sh, idx, _, _ := b.counter(sector)
	if sh == nil {
		return 0
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.counters[idx]
}

// ChunkDirty reports whether the on-disk bit for the chunk holding sector is set.
func (b *Bitmap) ChunkDirty(sector uint64) bool {
	chunk := sector >> b.chunkShift
	if chunk >= b.chunks {
		return false
	}
	return b.diskBit(chunk)
}

// Stats returns a summary of the bitmap state.
func (b *Bitmap) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		Chunks:        b.chunks,
		ChunkSize:     b.sb.ChunkSize,
		DaemonSleep:   b.daemonSleep,
		EventsCleared: b.eventsCleared,
		Stale:         b.sb.State&types.BitmapStateStale != 0,
		WriteError:    b.sb.State&types.BitmapStateWriteError != 0,
	}
	b.mu.Unlock()

	b.pageMu.Lock()
	st.Pages = len(b.pages)
	for chunk := uint64(0); chunk < b.chunks; chunk++ {
		page, off, mask := bitPosition(chunk)
		if b.pages[page][off]&mask != 0 {
			st.DirtyChunks++
		}
	}
	b.pageMu.Unlock()

	st.BehindWrites = int(b.behindWrites.Load())
	st.MaxBehind = int(b.maxBehind.Load())
	return st
}
