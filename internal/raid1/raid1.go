// Package raid1 is the mirroring personality. Every active slot holds a full copy of the
// array; reads go to one mirror and writes go to all of them.
//
// Each slot may also carry a replacement that is rebuilt from the others and takes over the
// slot once it is in sync. Failed reads are retried on another mirror and the bad copy is
// rewritten; failed writes are narrowed down to bad-block ranges where the member keeps a
// bad-block log.
package raid1

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

const (
	// ResyncDepth bounds the resync requests in flight at once.
	ResyncDepth = 32

	// resyncPages is the size of one resync request in pages.
	resyncPages = 16

	// maxReadErrors is how many read errors a member may return before it is failed.
	maxReadErrors = 20

	// unbitmappedSyncBlocks is the resync step when the array has no bitmap.
	unbitmappedSyncBlocks = 1024
)

func init() {
	md.RegisterPersonality(md.Factory{Name: "raid1", Level: types.LevelRaid1, Run: run})
}

type mirror struct {
	rdev atomic.Pointer[md.Rdev]
	// head is the sector after the last read sent to this mirror.
	head atomic.Uint64
}

// geometry is replaced as a whole on reshape. The first raidDisks mirrors are the active
// slots, the rest hold their replacements.
type geometry struct {
	raidDisks int
	mirrors   []*mirror
}

func newGeometry(raidDisks int) *geometry {
	g := &geometry{raidDisks: raidDisks, mirrors: make([]*mirror, 2*raidDisks)}
	for i := range g.mirrors {
		g.mirrors[i] = &mirror{}
	}
	return g
}

func (g *geometry) rdev(i int) *md.Rdev { return g.mirrors[i].rdev.Load() }

// conf is the per-array personality state.
type conf struct {
	a   *md.Array
	log logrus.FieldLogger
	geo atomic.Pointer[geometry]

	// mu guards the barrier counters and the retry list.
	mu        sync.Mutex
	cond      *sync.Cond
	barrier   int
	nrPending int
	nrWaiting int
	nrQueued  int
	nrSync    int
	frozen    int
	retry     []*r1bio

	nextResync atomic.Uint64
	fullsync   atomic.Bool
	// recoveryDisabled equals the array's counter once recovery has hit an unrecoverable error.
	recoveryDisabled atomic.Int64

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func run(a *md.Array) (md.Personality, error) {
	if a.Level() != types.LevelRaid1 {
		return nil, fmt.Errorf("%s: level %d is not raid1: %w", a.DevName(), a.Level(), types.ErrInvalidLevel)
	}
	raidDisks := a.RaidDisks()
	if raidDisks < 1 {
		return nil, fmt.Errorf("%s: no mirrors: %w", a.DevName(), types.ErrInvalidArgument)
	}
	c := &conf{
		a:    a,
		log:  a.Logger().WithField("personality", "raid1"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	g := newGeometry(raidDisks)
	for _, r := range a.Rdevs() {
		slot := r.RaidDisk()
		if slot < 0 || slot >= raidDisks {
			continue
		}
		idx := slot
		if r.Has(md.Replacement) {
			idx += raidDisks
		}
		if g.rdev(idx) != nil {
			return nil, fmt.Errorf("%s: two members claim slot %d: %w", a.DevName(), slot, types.ErrInvalidSuperblock)
		}
		g.mirrors[idx].rdev.Store(r)
	}

	for i := 0; i < raidDisks; i++ {
		repl := g.rdev(raidDisks + i)
		if repl == nil {
			continue
		}
		orig := g.rdev(i)
		switch {
		case orig == nil:
			// the original is gone; the replacement becomes the slot's rebuilding member
			g.mirrors[i].rdev.Store(repl)
			g.mirrors[raidDisks+i].rdev.Store(nil)
			repl.ClearFlag(md.Replacement)
		case !orig.Has(md.InSync):
			return nil, fmt.Errorf("%s: slot %d has a replacement but no in-sync original: %w",
				a.DevName(), i, types.ErrInvalidSuperblock)
		}
	}

	degraded := 0
	for i, m := range g.mirrors {
		r := m.rdev.Load()
		if r != nil && !r.Has(md.InSync) && r.SavedRaidDisk() < 0 {
			c.fullsync.Store(true)
		}
		if i < raidDisks && (r == nil || !r.Has(md.InSync) || r.Has(md.Faulty)) {
			degraded++
		}
	}
	if degraded == raidDisks {
		return nil, fmt.Errorf("%s: no operational mirrors: %w", a.DevName(), types.ErrIO)
	}
	a.SetDegraded(degraded)
	if raidDisks-degraded == 1 {
		a.SetRecoveryCp(types.MaxSector)
	}
	c.geo.Store(g)
	c.recoveryDisabled.Store(int64(a.RecoveryDisabled()) - 1)

	if a.RecoveryCp() != types.MaxSector {
		c.log.WithField("checkpoint", a.RecoveryCp()).Info("array not clean, starting background reconstruction")
	}
	c.log.WithFields(logrus.Fields{
		"active":  raidDisks - degraded,
		"mirrors": raidDisks,
	}).Infof("raid1 array active with %d out of %d mirrors", raidDisks-degraded, raidDisks)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.raid1d(ctx)
	return c, nil
}

func (c *conf) Name() string { return "raid1" }

func (c *conf) Level() int { return types.LevelRaid1 }

// Free waits for queued work to drain and stops the retry goroutine.
func (c *conf) Free() {
	c.mu.Lock()
	for c.nrPending > 0 || c.nrQueued > 0 || c.nrSync > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
	c.cancel()
	<-c.done
}

// Status writes "[n/m] [UU_]" where n is the slot count and m the in-sync members.
func (c *conf) Status(w io.Writer) {
	g := c.geo.Load()
	fmt.Fprintf(w, "[%d/%d] [", g.raidDisks, g.raidDisks-c.a.Degraded())
	for i := 0; i < g.raidDisks; i++ {
		if r := g.rdev(i); r != nil && r.Has(md.InSync) && !r.Has(md.Faulty) {
			io.WriteString(w, "U")
		} else {
			io.WriteString(w, "_")
		}
	}
	io.WriteString(w, "]")
}

// Size returns the array size for the given member size; every mirror holds all of it.
func (c *conf) Size(sectors uint64, raidDisks int) uint64 {
	if sectors == 0 {
		return c.a.DevSectors()
	}
	return sectors
}

// Resize changes the usable member size. Space gained past a clean array is resynced.
func (c *conf) Resize(sectors uint64) error {
	a := c.a
	if bm := a.Bitmap(); bm != nil {
		if err := bm.Resize(sectors); err != nil {
			return err
		}
	}
	a.SetArraySectors(c.Size(sectors, 0))
	if old := a.DevSectors(); sectors > old && a.RecoveryCp() > old {
		a.SetRecoveryCp(old)
		a.Recovery().Set(md.RecoveryNeeded)
	}
	a.SetDevSectors(sectors)
	return nil
}

// CheckReshape changes the number of slots. Occupied slots are packed to the front.
func (c *conf) CheckReshape(raidDisks int) error {
	a := c.a
	old := c.geo.Load()
	if raidDisks == old.raidDisks {
		return nil
	}
	if raidDisks < 1 {
		return fmt.Errorf("%s: %d mirrors: %w", a.DevName(), raidDisks, types.ErrInvalidArgument)
	}
	occupied := 0
	for i, m := range old.mirrors {
		if m.rdev.Load() == nil {
			continue
		}
		if i >= old.raidDisks {
			return fmt.Errorf("%s: replacement in progress: %w", a.DevName(), types.ErrBusy)
		}
		occupied++
	}
	if occupied > raidDisks {
		return fmt.Errorf("%s: %d members do not fit in %d slots: %w", a.DevName(), occupied, raidDisks, types.ErrBusy)
	}

	g := newGeometry(raidDisks)
	c.freeze(0)
	d2 := 0
	for d := 0; d < old.raidDisks; d++ {
		r := old.rdev(d)
		if r == nil {
			continue
		}
		r.SetRaidDisk(d2)
		g.mirrors[d2].rdev.Store(r)
		g.mirrors[d2].head.Store(old.mirrors[d].head.Load())
		d2++
	}
	a.AddDegraded(raidDisks - old.raidDisks)
	c.geo.Store(g)
	a.SetRaidDisks(raidDisks)
	c.unfreeze()

	c.log.WithFields(logrus.Fields{"from": old.raidDisks, "to": raidDisks}).Info("mirror count changed")
	a.Recovery().Set(md.RecoveryNeeded)
	a.WakeThread()
	return nil
}

// Quiesce stops and restarts array I/O. While quiesced no request or resync I/O is in
// flight to any member.
func (c *conf) Quiesce(stop bool) {
	if !stop {
		c.unfreeze()
		return
	}
	c.freeze(0)
	c.mu.Lock()
	for c.nrSync > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}
