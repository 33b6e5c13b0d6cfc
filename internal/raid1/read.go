package raid1

import (
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/badblocks"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// readBalance picks the mirror to read r1 from and takes an I/O reference on it. It returns
// -1 when no mirror can serve the first sector, otherwise the slot, the member and the number
// of sectors that mirror can serve from r1.sector on.
func (c *conf) readBalance(r1 *r1bio) (int, *md.Rdev, uint64) {
	g := r1.geo
	sector, sectors := r1.sector, r1.sectors

	for {
		best, bestDist := -1, types.MaxSector
		bestGood := uint64(0)
		// in the unsynced region every mirror may differ, so always read the same one
		chooseFirst := c.a.RecoveryCp() < types.MaxSector && sector+sectors >= c.nextResync.Load()
		maxSectors := sectors

		for disk, m := range g.mirrors {
			if r1.tried[disk] {
				continue
			}
			rdev := m.rdev.Load()
			if rdev == nil || rdev.Has(md.Faulty) {
				continue
			}
			if !rdev.Has(md.InSync) && rdev.RecoveryOffset() < sector+sectors {
				continue
			}
			if rdev.Has(md.WriteMostly) {
				// only a fallback
				if best < 0 {
					if res, firstBad, _ := rdev.IsBadBlock(sector, sectors); res != badblocks.Clean {
						if firstBad <= sector {
							continue
						}
						bestGood = firstBad - sector
					} else {
						bestGood = sectors
					}
					best = disk
				}
				continue
			}

			res, firstBad, badSectors := rdev.IsBadBlock(sector, sectors)
			if res != badblocks.Clean {
				if bestDist < types.MaxSector {
					// a full-length mirror has already been found
					continue
				}
				if firstBad <= sector {
					// cannot read here, but later sectors may only be readable here
					if bad := badSectors - (sector - firstBad); bad < maxSectors {
						maxSectors = bad
					}
					continue
				}
				good := firstBad - sector
				if good > bestGood {
					bestGood = good
					best = disk
				}
				if chooseFirst {
					break
				}
				continue
			}
			bestGood = sectors

			if chooseFirst {
				best = disk
				break
			}
			head := m.head.Load()
			dist := head - sector
			if sector > head {
				dist = sector - head
			}
			if dist == 0 {
				// sequential
				best = disk
				break
			}
			if dist < bestDist {
				bestDist = dist
				best = disk
			}
		}

		if best < 0 {
			return -1, nil, 0
		}
		rdev := g.rdev(best)
		if rdev == nil {
			continue
		}
		rdev.IncPending()
		if rdev.Has(md.Faulty) {
			// failed while we were choosing
			rdev.DecPending()
			continue
		}
		if bestGood > maxSectors {
			bestGood = maxSectors
		}
		if bestGood == 0 {
			rdev.DecPending()
			return -1, nil, 0
		}
		g.mirrors[best].head.Store(sector + bestGood)
		return best, rdev, bestGood
	}
}

// read issues the first part of a read at sector and returns how many sectors it covered.
// The caller has taken a barrier reference for it.
func (c *conf) read(q *request, sector uint64, data []byte) uint64 {
	r1 := c.newR1bio(q, sector, data)
	q.add()
	disk, rdev, good := c.readBalance(r1)
	if disk < 0 {
		c.log.WithFields(logrus.Fields{"sector": sector, "sectors": r1.sectors}).
			Error("no mirror can serve read")
		c.endIO(r1)
		return r1.sectors
	}
	if good < r1.sectors {
		r1.trim(good)
	}
	c.issueRead(r1, disk, rdev)
	return r1.sectors
}

func (c *conf) issueRead(r1 *r1bio, disk int, rdev *md.Rdev) {
	r1.readDisk = disk
	r1.branches[disk] = &branch{rdev: rdev, op: md.OpRead, data: r1.data}
	go c.endRead(r1, rdev)
}

func (c *conf) endRead(r1 *r1bio, rdev *md.Rdev) {
	if rdev.Has(md.WriteMostly) {
		if bm := c.a.Bitmap(); bm != nil {
			// must not overtake writes still in flight to this member
			bm.WaitBehindWrites()
		}
	}
	if err := rdev.ReadData(r1.sector, r1.data); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"device": rdev.Name(),
			"sector": r1.sector,
		}).Warn("read error, retrying on another mirror")
		r1.state.Set(r1ReadError)
		c.reschedule(r1)
		return
	}
	r1.state.Set(r1Uptodate)
	rdev.DecPending()
	c.endIO(r1)
}

// handleReadError runs on the retry goroutine. It repairs the failed range if the array is
// writable, fails the member if it is not, and resubmits the read to the remaining mirrors.
func (c *conf) handleReadError(r1 *r1bio) {
	a := c.a
	rdev := r1.branches[r1.readDisk].rdev
	switch {
	case rdev.AddReadError() > maxReadErrors:
		c.log.WithField("device", rdev.Name()).Error("too many read errors, failing member")
		a.Error(rdev)
	case a.ReadOnly() == types.ReadWrite:
		c.freeze(1)
		c.fixReadError(r1.geo, r1.readDisk, r1.sector, r1.sectors)
		c.unfreeze()
	default:
		// no rewrite is possible
		a.Error(rdev)
	}
	rdev.DecPending()
	r1.tried[r1.readDisk] = true
	r1.branches[r1.readDisk] = nil
	r1.state.Clear(r1ReadError)

	for {
		disk, next, good := c.readBalance(r1)
		if disk < 0 {
			c.log.WithFields(logrus.Fields{"sector": r1.sector, "sectors": r1.sectors}).
				Error("unrecoverable read error")
			c.endIO(r1)
			return
		}
		if good >= r1.sectors {
			c.issueRead(r1, disk, next)
			return
		}
		rest := r1.trim(good)
		r1.req.add()
		c.holdBarrier()
		c.issueRead(r1, disk, next)
		r1 = rest
	}
}

// fixReadError reads each page of the range from another mirror and writes it back over the
// copies that failed. The array is frozen.
func (c *conf) fixReadError(g *geometry, readDisk int, sector, sectors uint64) {
	a := c.a
	n := len(g.mirrors)
	prev := func(d int) int {
		if d == 0 {
			d = n
		}
		return d - 1
	}
	usable := func(r *md.Rdev, s, cnt uint64) bool {
		if r == nil || r.Has(md.Faulty) {
			return false
		}
		if !r.Has(md.InSync) && r.RecoveryOffset() < s+cnt {
			return false
		}
		res, _, _ := r.IsBadBlock(s, cnt)
		return res == badblocks.Clean
	}
	buf := make([]byte, types.PageSize)

	for sectors > 0 {
		s := min(sectors, uint64(types.PageSectors))
		page := buf[:s<<types.SectorShift]

		d, ok := readDisk, false
		for {
			if r := g.rdev(d); usable(r, sector, s) {
				r.IncPending()
				err := r.ReadData(sector, page)
				r.DecPending()
				if err == nil {
					ok = true
					break
				}
			}
			d = (d + 1) % n
			if d == readDisk {
				break
			}
		}
		if !ok {
			// no good copy anywhere; record it on the member that failed
			if r := g.rdev(readDisk); r != nil && !r.SetBadBlocks(sector, s) {
				a.Error(r)
			}
			break
		}

		start := d
		for d != readDisk {
			d = prev(d)
			if r := g.rdev(d); r != nil && r.Has(md.InSync) && !r.Has(md.Faulty) {
				c.syncPageIO(r, sector, page, md.OpWrite)
			}
		}
		d = start
		for d != readDisk {
			d = prev(d)
			if r := g.rdev(d); r != nil && r.Has(md.InSync) && !r.Has(md.Faulty) {
				if c.syncPageIO(r, sector, page, md.OpRead) {
					r.AddCorrectedErrors(uint32(s))
					c.log.WithFields(logrus.Fields{"device": r.Name(), "sector": sector, "sectors": s}).
						Info("read error corrected")
				}
			}
		}
		sectors -= s
		sector += s
	}
}

// syncPageIO does one synchronous transfer on behalf of error repair. A failure is recorded
// as a bad block, or fails the member if that is not possible.
func (c *conf) syncPageIO(r *md.Rdev, sector uint64, page []byte, op md.Op) bool {
	var err error
	if op == md.OpWrite {
		err = r.WriteData(sector, page)
	} else {
		err = r.ReadData(sector, page)
	}
	if err == nil {
		return true
	}
	if op == md.OpWrite {
		c.noteWriteError(r)
	}
	if !r.SetBadBlocks(sector, uint64(len(page))>>types.SectorShift) {
		c.a.Error(r)
	}
	return false
}

func (c *conf) noteWriteError(r *md.Rdev) {
	r.SetFlag(md.WriteErrorSeen)
	if !r.SetFlag(md.WantReplacement) {
		c.a.Recovery().Set(md.RecoveryNeeded)
		c.a.WakeThread()
	}
}
