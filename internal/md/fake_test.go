package md

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/device"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// fakeLevel is a level no real personality uses.
const fakeLevel = 101

const (
	testDevSectors = types.Sb1DefaultDataOffset + 4096
	waitFor        = 5 * time.Second
	tick           = 5 * time.Millisecond
)

func init() {
	RegisterPersonality(Factory{Name: "fake", Level: fakeLevel, Run: runFake})
}

// fakeMirror is a synchronous mirror: every request completes before MakeRequest returns.
type fakeMirror struct {
	a *Array

	mu    sync.Mutex
	slots []*Rdev

	quiesced  atomic.Int32
	syncCalls atomic.Int64
	requests  atomic.Int64
}

var lastFake atomic.Pointer[fakeMirror]

func runFake(a *Array) (Personality, error) {
	f := &fakeMirror{a: a, slots: make([]*Rdev, a.RaidDisks())}
	degraded := a.RaidDisks()
	for _, r := range a.Rdevs() {
		s := r.RaidDisk()
		if s < 0 || s >= len(f.slots) || r.Has(Faulty) {
			continue
		}
		f.slots[s] = r
		if r.Has(InSync) {
			degraded--
		}
	}
	if degraded == a.RaidDisks() {
		return nil, fmt.Errorf("no working member: %w", types.ErrIO)
	}
	a.SetDegraded(degraded)
	lastFake.Store(f)
	return f, nil
}

func (f *fakeMirror) Name() string { return "fake" }
func (f *fakeMirror) Level() int   { return fakeLevel }
func (f *fakeMirror) Free()        {}

func (f *fakeMirror) members() []*Rdev {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Rdev(nil), f.slots...)
}

func (f *fakeMirror) MakeRequest(bio *Bio) {
	f.requests.Add(1)
	switch bio.Op {
	case OpRead:
		for _, r := range f.members() {
			if r == nil || !r.Has(InSync) || r.Has(Faulty) {
				continue
			}
			if err := r.ReadData(bio.Sector, bio.Data); err != nil {
				f.a.Error(r)
				continue
			}
			bio.Endio(nil)
			return
		}
		bio.Endio(types.ErrIO)
	case OpWrite:
		ok := false
		for _, r := range f.members() {
			if r == nil || r.Has(Faulty) {
				continue
			}
			if err := r.WriteData(bio.Sector, bio.Data); err != nil {
				f.a.Error(r)
				continue
			}
			ok = true
		}
		if !ok {
			bio.Endio(types.ErrIO)
			return
		}
		bio.Endio(nil)
	default:
		bio.Endio(nil)
	}
}

func (f *fakeMirror) Status(w io.Writer) {
	fmt.Fprintf(w, "[%d/%d]", len(f.slots), len(f.slots)-f.a.Degraded())
}

func (f *fakeMirror) Error(r *Rdev) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Has(InSync) && len(f.slots)-f.a.Degraded() == 1 {
		return
	}
	r.SetFlag(Blocked)
	if r.ClearFlag(InSync) {
		f.a.AddDegraded(1)
	}
	r.SetFlag(Faulty)
	f.a.SbFlags().Set(SbChangeDevs | SbChangePending)
}

func (f *fakeMirror) HotAddDisk(r *Rdev) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.slots {
		if s == nil {
			f.slots[i] = r
			r.SetRaidDisk(i)
			return nil
		}
	}
	return types.ErrBusy
}

func (f *fakeMirror) HotRemoveDisk(r *Rdev) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Has(InSync) {
		return types.ErrBusy
	}
	for i, s := range f.slots {
		if s == r {
			f.slots[i] = nil
		}
	}
	return nil
}

func (f *fakeMirror) SpareActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.slots {
		if r != nil && !r.Has(Faulty) && r.RecoveryOffset() == types.MaxSector && !r.SetFlag(InSync) {
			n++
		}
	}
	f.a.AddDegraded(-n)
	return n
}

// SyncRequest copies from the first in-sync member to every other one, 128 sectors at a time.
func (f *fakeMirror) SyncRequest(ctx context.Context, sector uint64) (uint64, bool) {
	end := f.a.DevSectors()
	if sector >= end {
		return 0, true
	}
	f.syncCalls.Add(1)
	n := min(uint64(128), end-sector)
	buf := make([]byte, n<<types.SectorShift)
	var src *Rdev
	for _, r := range f.members() {
		if r != nil && r.Has(InSync) && !r.Has(Faulty) {
			src = r
			break
		}
	}
	ok := src != nil && src.ReadData(sector, buf) == nil
	if ok {
		for _, r := range f.members() {
			if r != nil && r != src && !r.Has(Faulty) {
				_ = r.WriteData(sector, buf)
			}
		}
	}
	go f.a.DoneSync(n, ok)
	return n, false
}

func (f *fakeMirror) Size(sectors uint64, raidDisks int) uint64 {
	if sectors == 0 {
		return f.a.DevSectors()
	}
	return sectors
}

func (f *fakeMirror) Resize(sectors uint64) error {
	f.a.SetArraySectors(sectors)
	f.a.SetDevSectors(sectors)
	return nil
}

func (f *fakeMirror) CheckReshape(raidDisks int) error {
	return fmt.Errorf("fake: %w", types.ErrInvalidArgument)
}

func (f *fakeMirror) Quiesce(q bool) {
	if q {
		f.quiesced.Add(1)
	} else {
		f.quiesced.Add(-1)
	}
}

func testRegistry() *Registry {
	d := DefaultDefaults()
	d.SafemodeDelay = 10 * time.Millisecond
	d.Bitmap.ChunkSize = 64 << 10
	d.Bitmap.DaemonSleep = 10 * time.Millisecond
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRegistry(d, log)
}

func memDevices(n int) []*device.Memory {
	devs := make([]*device.Memory, n)
	for i := range devs {
		devs[i] = device.NewMemory(fmt.Sprintf("/dev/mem%d", i), testDevSectors)
	}
	return devs
}

func blockDevices(devs []*device.Memory) []interfaces.BlockDevice {
	out := make([]interfaces.BlockDevice, len(devs))
	for i, d := range devs {
		if d != nil {
			out[i] = d
		}
	}
	return out
}

func createFake(t *testing.T, reg *Registry, devs []*device.Memory, opts CreateOptions) *Array {
	t.Helper()
	a, err := reg.Get(reg.FreeUnit())
	require.NoError(t, err)
	opts.Level = fakeLevel
	opts.RaidDisks = len(devs)
	require.NoError(t, a.Create(context.Background(), blockDevices(devs), opts))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}
