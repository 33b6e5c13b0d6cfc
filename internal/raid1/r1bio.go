package raid1

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// request tracks a caller's bio across the r1bios it was split into.
type request struct {
	bio   *md.Bio
	parts atomic.Int32

	mu  sync.Mutex
	err error
}

// newRequest holds one part until the caller has finished splitting.
func newRequest(bio *md.Bio) *request {
	q := &request{bio: bio}
	q.parts.Store(1)
	return q
}

func (q *request) add() { q.parts.Add(1) }

func (q *request) done(err error) {
	if err != nil {
		q.mu.Lock()
		if q.err == nil {
			q.err = err
		}
		q.mu.Unlock()
	}
	if q.parts.Add(-1) == 0 {
		q.mu.Lock()
		err := q.err
		q.mu.Unlock()
		q.bio.Endio(err)
	}
}

type r1state uint32

const (
	// r1Uptodate is set once any copy of the data is good.
	r1Uptodate r1state = 1 << iota
	// r1Degraded means a slot missed the write, so the bitmap must stay dirty.
	r1Degraded
	r1BehindIO
	// r1Returned is set when the caller has been answered.
	r1Returned
	r1WriteError
	// r1MadeGood means a write succeeded over a known bad range.
	r1MadeGood
	r1ReadError
	r1IsSync
)

// branch is the I/O to one mirror.
type branch struct {
	rdev *md.Rdev
	op   md.Op
	data []byte

	ok       bool
	failed   bool
	madeGood bool
	behind   bool
	// released is set once the member's pending reference has been dropped.
	released bool
}

func (b *branch) release() {
	if !b.released {
		b.released = true
		b.rdev.DecPending()
	}
}

// r1bio is the unit of mirrored I/O: one range against every mirror. Requests are split so
// that each r1bio sees the same bad-block layout across its whole range.
type r1bio struct {
	c   *conf
	geo *geometry
	req *request

	sector  uint64
	sectors uint64
	data    []byte

	state           md.Flags[r1state]
	remaining       atomic.Int32
	behindRemaining atomic.Int32

	readDisk int
	tried    []bool
	branches []*branch
}

func (c *conf) newR1bio(q *request, sector uint64, data []byte) *r1bio {
	g := c.geo.Load()
	return &r1bio{
		c:        c,
		geo:      g,
		req:      q,
		sector:   sector,
		sectors:  uint64(len(data)) >> types.SectorShift,
		data:     data,
		readDisk: -1,
		tried:    make([]bool, len(g.mirrors)),
		branches: make([]*branch, len(g.mirrors)),
	}
}

// trim shortens r1 to n sectors and returns the rest of its range as a new r1bio on the
// same request.
func (r1 *r1bio) trim(n uint64) *r1bio {
	rest := r1.c.newR1bio(r1.req, r1.sector+n, r1.data[n<<types.SectorShift:])
	r1.data = r1.data[:n<<types.SectorShift]
	r1.sectors = n
	return rest
}

func (r1 *r1bio) err() error {
	if r1.state.Has(r1Uptodate) {
		return nil
	}
	op := "read"
	if r1.state.Has(r1WriteError) || r1.req.bio.Op == md.OpWrite {
		op = "write"
	}
	return fmt.Errorf("%s: %s of sectors %d+%d failed on every mirror: %w",
		r1.c.a.DevName(), op, r1.sector, r1.sectors, types.ErrIO)
}

// endIO answers the caller for r1's range and releases its barrier reference.
func (c *conf) endIO(r1 *r1bio) {
	if r1.state.Set(r1Returned) {
		return
	}
	r1.req.done(r1.err())
	c.allowBarrier()
}

// reschedule hands r1 to the retry goroutine.
func (c *conf) reschedule(r1 *r1bio) {
	c.mu.Lock()
	c.retry = append(c.retry, r1)
	c.nrQueued++
	c.mu.Unlock()
	c.cond.Broadcast()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// MakeRequest splits bio into r1bios and issues them. Completion is reported through
// bio.Endio.
func (c *conf) MakeRequest(bio *md.Bio) {
	if bio.Op == md.OpFlush {
		c.waitBarrier()
		go c.flush(bio)
		return
	}
	q := newRequest(bio)
	sector, data := bio.Sector, bio.Data
	for len(data) > 0 {
		c.waitBarrier()
		var n uint64
		if bio.Op == md.OpRead {
			n = c.read(q, sector, data)
		} else {
			n = c.write(q, sector, data)
		}
		sector += n
		data = data[n<<types.SectorShift:]
	}
	q.done(nil)
}
