package raid1

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/badblocks"
	"github.com/deploymenttheory/go-mdraid/internal/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// startSync asks the bitmap whether the chunk at sector needs syncing. Without a bitmap
// everything does.
func startSync(bm *bitmap.Bitmap, sector uint64, degraded bool) (uint64, bool) {
	if bm == nil {
		return unbitmappedSyncBlocks, true
	}
	return bm.StartSync(sector, degraded)
}

// SyncRequest issues one resync or recovery request starting at sectorNr. It returns the
// number of sectors covered and whether they were skipped without I/O. A call at or past the
// end of the device closes the pass.
func (c *conf) SyncRequest(ctx context.Context, sectorNr uint64) (uint64, bool) {
	a := c.a
	bm := a.Bitmap()
	maxSector := a.DevSectors()

	if sectorNr >= maxSector {
		if bm != nil {
			if curr := a.CurrResync(); curr < maxSector {
				// interrupted: the chunk being synced stays dirty
				bm.EndSync(curr, true)
			}
			bm.CloseSync()
		}
		if a.CurrResync() >= maxSector {
			c.fullsync.Store(false)
		}
		c.closeSync()
		return 0, false
	}

	rec := a.Recovery()
	requested := rec.Has(md.RecoveryRequested)
	if bm == nil && a.RecoveryCp() == types.MaxSector && !requested && !c.fullsync.Load() {
		// nothing to do, and no bitmap to say otherwise
		return maxSector - sectorNr, true
	}

	blocks, needed := startSync(bm, sectorNr, true)
	if !needed && !c.fullsync.Load() && !requested {
		return blocks, true
	}

	c.throttle(ctx)
	a.BitmapCondEndSync(sectorNr, false)
	if err := c.raiseBarrier(ctx); err != nil {
		return 0, false
	}
	c.nextResync.Store(sectorNr)

	g := c.geo.Load()
	r1 := &r1bio{
		c:        c,
		geo:      g,
		sector:   sectorNr,
		readDisk: -1,
		branches: make([]*branch, len(g.mirrors)),
	}
	r1.state.Set(r1IsSync)

	syncing := rec.Has(md.RecoverySync)
	check := rec.Has(md.RecoveryCheck)
	disk, wonly := -1, -1
	goodSectors := uint64(resyncPages * types.PageSectors)
	minBad := uint64(0)
	stillDegraded := false
	readTargets, writeTargets := 0, 0

	for i, m := range g.mirrors {
		rdev := m.rdev.Load()
		op := md.OpRead
		switch {
		case rdev == nil || rdev.Has(md.Faulty):
			if i < g.raidDisks {
				stillDegraded = true
			}
			continue
		case !rdev.Has(md.InSync):
			op = md.OpWrite
			writeTargets++
		default:
			firstBad := types.MaxSector
			if res, fb, bad := rdev.IsBadBlock(sectorNr, goodSectors); res != badblocks.Clean {
				firstBad = fb
				if fb > sectorNr {
					goodSectors = fb - sectorNr
				} else {
					bad -= sectorNr - fb
					if minBad == 0 || minBad > bad {
						minBad = bad
					}
				}
			}
			switch {
			case sectorNr < firstBad:
				if rdev.Has(md.WriteMostly) {
					if wonly < 0 {
						wonly = i
					}
				} else if disk < 0 {
					disk = i
				}
				readTargets++
			case !rdev.Has(md.WriteErrorSeen) && syncing && !check:
				// rewriting a bad range may clear it
				op = md.OpWrite
				writeTargets++
			default:
				continue
			}
		}
		rdev.IncPending()
		r1.branches[i] = &branch{rdev: rdev, op: op}
	}
	if disk < 0 {
		disk = wonly
	}
	r1.readDisk = disk

	if readTargets == 0 && minBad > 0 {
		// no member has this range; give up on it for the members being rebuilt
		ok := true
		for _, b := range r1.branches {
			if b != nil && b.op == md.OpWrite {
				ok = b.rdev.SetBadBlocks(sectorNr, minBad) && ok
			}
		}
		a.SbFlags().Set(md.SbChangeDevs)
		c.putBuf(r1)
		if !ok {
			c.log.WithField("sector", sectorNr).Error("cannot record unreadable range, aborting recovery")
			c.recoveryDisabled.Store(int64(a.RecoveryDisabled()))
			rec.Set(md.RecoveryIntr)
			return 0, false
		}
		return minBad, true
	}
	if minBad > 0 && minBad < goodSectors {
		goodSectors = minBad
	}
	if syncing && readTargets > 0 {
		// in-sync members are rewritten from the read copy too
		writeTargets += readTargets - 1
	}
	if writeTargets == 0 || readTargets == 0 {
		rest := maxSector - sectorNr
		if minBad > 0 {
			rest = minBad
		}
		c.putBuf(r1)
		return rest, true
	}

	if _, resyncMax := a.ResyncWindow(); syncing && maxSector > resyncMax {
		maxSector = resyncMax
	}
	if maxSector > sectorNr+goodSectors {
		maxSector = sectorNr + goodSectors
	}

	nr := uint64(0)
	syncBlocks := uint64(0)
	for nr < resyncPages*types.PageSectors && sectorNr+nr < maxSector {
		n := min(uint64(types.PageSectors), maxSector-(sectorNr+nr))
		if syncBlocks == 0 {
			var needed bool
			syncBlocks, needed = startSync(bm, sectorNr+nr, stillDegraded)
			if !needed && !c.fullsync.Load() && !requested {
				break
			}
		}
		n = min(n, syncBlocks)
		nr += n
		syncBlocks -= n
	}
	if nr == 0 {
		c.putBuf(r1)
		return blocks, true
	}
	r1.sectors = nr

	for _, b := range r1.branches {
		if b != nil && b.op == md.OpRead {
			b.data = make([]byte, nr<<types.SectorShift)
		}
	}
	if requested {
		r1.remaining.Store(int32(readTargets))
		for _, b := range r1.branches {
			if b != nil && b.op == md.OpRead {
				go c.endSyncRead(r1, b)
			}
		}
	} else {
		r1.remaining.Store(1)
		go c.endSyncRead(r1, r1.branches[disk])
	}
	return nr, false
}

// throttle gives waiting foreground requests a chance when resync runs above its floor.
func (c *conf) throttle(ctx context.Context) {
	c.mu.Lock()
	waiting := c.nrWaiting > c.frozen
	c.mu.Unlock()
	if !waiting || c.a.SyncSpeed() <= uint64(c.a.SpeedMin()) {
		return
	}
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// putBuf releases a resync request's member references and its barrier slot.
func (c *conf) putBuf(r1 *r1bio) {
	for _, b := range r1.branches {
		if b != nil {
			b.release()
		}
	}
	c.lowerBarrier()
}

func (c *conf) endSyncRead(r1 *r1bio, b *branch) {
	b.rdev.AccountSync(r1.sectors)
	if err := b.rdev.ReadData(r1.sector, b.data); err != nil {
		c.log.WithError(err).WithField("device", b.rdev.Name()).Debug("resync read failed")
	} else {
		b.ok = true
		r1.state.Set(r1Uptodate)
	}
	if r1.remaining.Add(-1) == 0 {
		c.reschedule(r1)
	}
}

// syncRequestWrite runs on the retry goroutine once the reads of a resync request are done.
// It writes the data out to every member that needs it.
func (c *conf) syncRequestWrite(r1 *r1bio) {
	a := c.a
	if !r1.state.Has(r1Uptodate) && !c.fixSyncReadError(r1) {
		return
	}
	if a.Recovery().Has(md.RecoveryRequested) {
		c.processChecks(r1)
	}

	syncing := a.Recovery().Has(md.RecoverySync)
	src := r1.branches[r1.readDisk].data
	r1.remaining.Store(1)
	for i, b := range r1.branches {
		if b == nil || b.released {
			continue
		}
		if b.op == md.OpRead && (i == r1.readDisk || !syncing) {
			continue
		}
		b.data = src
		b.op = md.OpWrite
		r1.remaining.Add(1)
		go c.endSyncWrite(r1, b)
	}
	c.syncWriteDone(r1)
}

func (c *conf) endSyncWrite(r1 *r1bio, b *branch) {
	a := c.a
	b.rdev.AccountSync(r1.sectors)
	if err := b.rdev.WriteData(r1.sector, b.data); err != nil {
		c.log.WithError(err).WithField("device", b.rdev.Name()).Warn("resync write failed")
		if bm := a.Bitmap(); bm != nil {
			// keep the range dirty
			for s, end := r1.sector, r1.sector+r1.sectors; s < end; {
				s += max(bm.EndSync(s, true), 1)
			}
		}
		c.noteWriteError(b.rdev)
		b.failed = true
		r1.state.Set(r1WriteError)
	} else if res, _, _ := b.rdev.IsBadBlock(r1.sector, r1.sectors); res != badblocks.Clean {
		if rr, _, _ := r1.branches[r1.readDisk].rdev.IsBadBlock(r1.sector, r1.sectors); rr == badblocks.Clean {
			b.madeGood = true
			r1.state.Set(r1MadeGood)
		}
	}
	c.syncWriteDone(r1)
}

func (c *conf) syncWriteDone(r1 *r1bio) {
	if r1.remaining.Add(-1) != 0 {
		return
	}
	if r1.state.Any(r1MadeGood | r1WriteError) {
		c.reschedule(r1)
		return
	}
	s := r1.sectors
	c.putBuf(r1)
	c.a.DoneSync(s, true)
}

// handleSyncWriteFinished updates the bad-block logs after a resync write that failed or
// overwrote known bad blocks.
func (c *conf) handleSyncWriteFinished(r1 *r1bio) {
	for _, b := range r1.branches {
		switch {
		case b == nil || b.released:
		case b.madeGood:
			b.rdev.ClearBadBlocks(r1.sector, r1.sectors)
		case b.failed:
			if !b.rdev.SetBadBlocks(r1.sector, r1.sectors) {
				c.a.Error(b.rdev)
			}
		}
	}
	s := r1.sectors
	c.putBuf(r1)
	c.a.DoneSync(s, true)
}

// processChecks compares every copy read by a check or repair with the first good one.
// Members that match, and in check mode members that were read, are dropped from the write
// phase; the rest are rewritten from the good copy.
func (c *conf) processChecks(r1 *r1bio) {
	a := c.a
	primary := -1
	for i, b := range r1.branches {
		if b != nil && b.op == md.OpRead && b.ok {
			primary = i
			break
		}
	}
	if primary < 0 {
		return
	}
	r1.readDisk = primary
	pdata := r1.branches[primary].data
	check := a.Recovery().Has(md.RecoveryCheck)

	for i, b := range r1.branches {
		if b == nil || b.released || b.op != md.OpRead || i == primary {
			continue
		}
		if b.ok && bytes.Equal(b.data, pdata) {
			b.release()
			continue
		}
		a.AddMismatches(r1.sectors)
		if check && b.ok {
			b.release()
			continue
		}
		b.data = pdata
	}
}

// fixSyncReadError recovers a resync request whose read failed by trying each page on the
// other in-sync members and rewriting the members that failed. It reports false if the
// request had to be abandoned.
func (c *conf) fixSyncReadError(r1 *r1bio) bool {
	a := c.a
	n := len(r1.branches)
	prev := func(d int) int {
		if d == 0 {
			d = n
		}
		return d - 1
	}
	readable := func(d int) *branch {
		b := r1.branches[d]
		if b == nil || b.released || b.op != md.OpRead {
			return nil
		}
		return b
	}
	rb := r1.branches[r1.readDisk]
	if rb.data == nil {
		rb.data = make([]byte, r1.sectors<<types.SectorShift)
	}
	sector, left := r1.sector, r1.sectors
	off := uint64(0)

	for left > 0 {
		s := min(left, uint64(types.PageSectors))
		page := rb.data[off : off+s<<types.SectorShift]

		d, ok := r1.readDisk, false
		for {
			if b := readable(d); b != nil && b.rdev.ReadData(sector, page) == nil {
				ok = true
				break
			}
			d = (d + 1) % n
			if d == r1.readDisk {
				break
			}
		}

		if !ok {
			c.log.WithFields(logrus.Fields{"sector": sector, "sectors": s}).
				Error("unrecoverable read error during resync")
			abort := false
			for _, m := range r1.geo.mirrors {
				rdev := m.rdev.Load()
				if rdev == nil || rdev.Has(md.Faulty) {
					continue
				}
				if !rdev.SetBadBlocks(sector, s) {
					abort = true
				}
			}
			if abort {
				c.recoveryDisabled.Store(int64(a.RecoveryDisabled()))
				a.Recovery().Set(md.RecoveryIntr)
				sectors := r1.sectors
				c.putBuf(r1)
				a.DoneSync(sectors, false)
				return false
			}
		} else {
			start := d
			for d != r1.readDisk {
				d = prev(d)
				if b := readable(d); b != nil && !c.syncPageIO(b.rdev, sector, page, md.OpWrite) {
					b.release()
				}
			}
			d = start
			for d != r1.readDisk {
				d = prev(d)
				if b := readable(d); b != nil && c.syncPageIO(b.rdev, sector, page, md.OpRead) {
					b.rdev.AddCorrectedErrors(uint32(s))
				}
			}
		}
		left -= s
		sector += s
		off += s << types.SectorShift
	}
	r1.state.Set(r1Uptodate)
	rb.ok = true
	return true
}
