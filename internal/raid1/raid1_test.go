package raid1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/device"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

const (
	testDataSectors = 4096
	testDevSectors  = types.Sb1DefaultDataOffset + testDataSectors
	dataOffset      = types.Sb1DefaultDataOffset
	waitFor         = 5 * time.Second
	tick            = 5 * time.Millisecond
)

func testRegistry() *md.Registry {
	d := md.DefaultDefaults()
	d.SafemodeDelay = 10 * time.Millisecond
	d.Bitmap.ChunkSize = 64 << 10
	d.Bitmap.DaemonSleep = 10 * time.Millisecond
	log := logrus.New()
	log.SetOutput(io.Discard)
	return md.NewRegistry(d, log)
}

func memDevices(names ...string) []*device.Memory {
	devs := make([]*device.Memory, len(names))
	for i, n := range names {
		devs[i] = device.NewMemory(n, testDevSectors)
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

// newMirror creates a clean raid1 with a bitmap over devs; nil entries are missing slots.
func newMirror(t *testing.T, reg *md.Registry, devs []*device.Memory) *md.Array {
	t.Helper()
	a, err := reg.Get(reg.FreeUnit())
	require.NoError(t, err)
	require.NoError(t, a.Create(context.Background(), blockDevices(devs), md.CreateOptions{
		Level:       types.LevelRaid1,
		RaidDisks:   len(devs),
		Name:        "test",
		Minor:       1,
		AssumeClean: true,
		Bitmap:      true,
	}))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func pattern(sectors int, seed byte) []byte {
	buf := make([]byte, sectors*types.SectorSize)
	for i := range buf {
		buf[i] = seed + byte(i/types.SectorSize)
	}
	return buf
}

func peek(d *device.Memory, sector uint64, sectors int) []byte {
	buf := make([]byte, sectors*types.SectorSize)
	d.Peek(dataOffset+sector, buf)
	return buf
}

func member(t *testing.T, a *md.Array, d *device.Memory) *md.Rdev {
	t.Helper()
	r, err := a.FindRdev(d.DevicePath())
	require.NoError(t, err)
	return r
}

func waitIdle(t *testing.T, a *md.Array, last string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.LastSyncAction() == last && a.SyncAction() == md.ActionIdle &&
			!a.Recovery().Has(md.RecoveryRunning)
	}, waitFor, tick, "waiting for %s to finish", last)
}

func TestWriteReachesEveryMirror(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)

	data := pattern(100, 1)
	require.NoError(t, a.WriteSectors(ctx, 0, data))

	assert.Equal(t, data, peek(devs[0], 0, 100))
	assert.Equal(t, data, peek(devs[1], 0, 100))

	got := make([]byte, len(data))
	require.NoError(t, a.ReadSectors(ctx, 0, got))
	assert.Equal(t, data, got)

	require.Eventually(t, func() bool {
		return a.Bitmap().Stats().DirtyChunks == 0
	}, waitFor, tick, "bitmap should be cleaned once the array is idle")
	assert.True(t, a.InSync())
}

func TestStatusLine(t *testing.T) {
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), []*device.Memory{devs[0], nil})

	var buf bytes.Buffer
	a.Personality().Status(&buf)
	assert.Equal(t, "[2/1] [U_]", buf.String())
	assert.Equal(t, 1, a.Degraded())
}

func TestWriteFailureFailsMember(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)

	held, release := devs[1].HoldWrites(dataOffset)
	done := make(chan error, 1)
	go func() { done <- a.WriteSectors(ctx, 0, pattern(8, 7)) }()

	select {
	case <-held:
	case <-time.After(waitFor):
		t.Fatal("write never reached the second mirror")
	}
	devs[1].SetDead(true)
	release(types.ErrIO)

	select {
	case err := <-done:
		require.NoError(t, err, "the first mirror still holds the data")
	case <-time.After(waitFor):
		t.Fatal("write was never acknowledged")
	}

	b := member(t, a, devs[1])
	require.Eventually(t, func() bool { return b.Has(md.Faulty) }, waitFor, tick)
	assert.Equal(t, 1, a.Degraded())
	assert.Equal(t, pattern(8, 7), peek(devs[0], 0, 8))

	devs[1].ResetCounters()
	got := make([]byte, 8*types.SectorSize)
	require.NoError(t, a.ReadSectors(ctx, 0, got))
	assert.Equal(t, pattern(8, 7), got)
	assert.Zero(t, devs[1].ReadCount(), "reads must not go to a failed member")
}

func TestLastMirrorIsNotFailed(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), []*device.Memory{devs[0], nil})

	err := a.SetFaulty(ctx, devs[0].DevicePath())
	require.ErrorIs(t, err, types.ErrBusy)
	assert.False(t, member(t, a, devs[0]).Has(md.Faulty))
}

func TestReadErrorIsRepaired(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)

	data := pattern(16, 3)
	require.NoError(t, a.WriteSectors(ctx, 64, data))
	// reads now prefer the first mirror
	require.NoError(t, a.SetWriteMostly(ctx, devs[1].DevicePath(), true))

	devs[0].Poke(dataOffset+64, make([]byte, len(data)))
	devs[0].FailRange(dataOffset+64, 16, true, false)

	got := make([]byte, len(data))
	require.NoError(t, a.ReadSectors(ctx, 64, got))
	assert.Equal(t, data, got)

	r0 := member(t, a, devs[0])
	assert.False(t, r0.Has(md.Faulty))
	assert.NotZero(t, r0.ReadErrors())
	assert.Equal(t, data, peek(devs[0], 64, 16), "failed copy should have been rewritten")
}

func TestReadErrorOnReadOnlyArrayFailsMember(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)

	data := pattern(16, 5)
	require.NoError(t, a.WriteSectors(ctx, 64, data))
	require.NoError(t, a.SetWriteMostly(ctx, devs[1].DevicePath(), true))
	require.Eventually(t, func() bool { return a.SetReadOnly(ctx, true) == nil }, waitFor, tick)
	require.Equal(t, types.ReadOnly, a.ReadOnly())

	devs[0].Poke(dataOffset+64, make([]byte, len(data)))
	devs[0].FailRange(dataOffset+64, 16, true, false)

	got := make([]byte, len(data))
	require.NoError(t, a.ReadSectors(ctx, 64, got))
	assert.Equal(t, data, got)

	assert.True(t, member(t, a, devs[0]).Has(md.Faulty))
	assert.Equal(t, 1, a.Degraded())
	assert.Equal(t, make([]byte, len(data)), peek(devs[0], 64, 16), "a read-only array is not rewritten")
}

func TestRecoveryOntoSpare(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), []*device.Memory{devs[0], nil})

	data := pattern(256, 9)
	require.NoError(t, a.WriteSectors(ctx, 1024, data))

	require.NoError(t, a.HotAdd(ctx, devs[1]))
	spare := member(t, a, devs[1])

	require.Eventually(t, func() bool {
		return spare.Has(md.InSync) && a.Degraded() == 0
	}, waitFor, tick, "spare should be recovered")
	assert.Equal(t, 1, spare.RaidDisk())
	assert.Equal(t, data, peek(devs[1], 1024, 256))

	var buf bytes.Buffer
	a.Personality().Status(&buf)
	assert.Equal(t, "[2/2] [UU]", buf.String())
}

func TestCleanStopNeedsNoResync(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	devs := memDevices("/dev/mem0", "/dev/mem1")

	a, err := reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Create(ctx, blockDevices(devs), md.CreateOptions{
		Level:       types.LevelRaid1,
		RaidDisks:   2,
		Minor:       1,
		AssumeClean: true,
		Bitmap:      true,
	}))
	data := pattern(32, 5)
	require.NoError(t, a.WriteSectors(ctx, 200, data))
	require.NoError(t, a.Stop(ctx))

	for _, d := range devs {
		require.Eventually(t, d.Closed, waitFor, tick)
		d.Reopen()
	}

	a, err = reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Assemble(ctx, blockDevices(devs), md.AssembleOptions{Minor: 1}))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	assert.Equal(t, types.MaxSector, a.RecoveryCp())
	assert.Equal(t, 0, a.Degraded())
	assert.Zero(t, a.Bitmap().Stats().DirtyChunks)
	assert.NotEqual(t, md.ActionResync, a.SyncAction())

	got := make([]byte, len(data))
	require.NoError(t, a.ReadSectors(ctx, 200, got))
	assert.Equal(t, data, got)
}

func TestWriteAroundBadBlocks(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)

	require.NoError(t, a.SetBadBlocks(ctx, devs[0].DevicePath(), 500, 10))
	r0 := member(t, a, devs[0])
	require.Eventually(t, func() bool { return !r0.BadBlocks.HasUnacked() }, waitFor, tick)

	data := pattern(25, 11)
	require.NoError(t, a.WriteSectors(ctx, 495, data))

	sec := func(buf []byte, from, to int) []byte {
		return buf[from*types.SectorSize : to*types.SectorSize]
	}
	got0 := peek(devs[0], 495, 25)
	assert.Equal(t, sec(data, 0, 5), sec(got0, 0, 5))
	assert.Equal(t, make([]byte, 10*types.SectorSize), sec(got0, 5, 15), "bad range must not be written")
	assert.Equal(t, sec(data, 15, 25), sec(got0, 15, 25))
	assert.Equal(t, data, peek(devs[1], 495, 25))

	// reads of the bad range come from the other mirror
	got := make([]byte, len(data))
	require.NoError(t, a.ReadSectors(ctx, 495, got))
	assert.Equal(t, data, got)
}

func TestCheckAndRepair(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)

	data := pattern(64, 21)
	require.NoError(t, a.WriteSectors(ctx, 0, data))
	devs[1].Poke(dataOffset+8, pattern(4, 99))

	require.NoError(t, a.SetSyncAction(ctx, md.ActionCheck))
	waitIdle(t, a, md.ActionCheck)
	assert.NotZero(t, a.MismatchCount())
	assert.Equal(t, pattern(4, 99), peek(devs[1], 8, 4), "check must not rewrite")

	require.NoError(t, a.SetSyncAction(ctx, md.ActionRepair))
	waitIdle(t, a, md.ActionRepair)
	assert.NotZero(t, a.MismatchCount())
	assert.Equal(t, peek(devs[0], 0, 64), peek(devs[1], 0, 64))

	require.NoError(t, a.SetSyncAction(ctx, md.ActionCheck))
	waitIdle(t, a, md.ActionCheck)
	assert.Zero(t, a.MismatchCount())
}

func TestGrowAndShrinkMirrors(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1", "/dev/mem2")
	a := newMirror(t, testRegistry(), devs[:2])

	require.NoError(t, a.GrowRaidDisks(ctx, 3))
	assert.Equal(t, 3, a.RaidDisks())
	assert.Equal(t, 1, a.Degraded())

	require.NoError(t, a.HotAdd(ctx, devs[2]))
	r2 := member(t, a, devs[2])
	require.Eventually(t, func() bool { return r2.Has(md.InSync) && a.Degraded() == 0 }, waitFor, tick)

	err := a.GrowRaidDisks(ctx, 2)
	require.ErrorIs(t, err, types.ErrBusy, "three members do not fit two slots")
}

func TestReplacement(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1", "/dev/mem2")
	a := newMirror(t, testRegistry(), devs[:2])

	data := pattern(128, 17)
	require.NoError(t, a.WriteSectors(ctx, 0, data))

	require.NoError(t, a.SetWantReplacement(ctx, devs[1].DevicePath()))
	require.NoError(t, a.HotAdd(ctx, devs[2]))
	old, repl := member(t, a, devs[1]), member(t, a, devs[2])

	require.Eventually(t, func() bool {
		return repl.Has(md.InSync) && repl.RaidDisk() == 1 && !repl.Has(md.Replacement)
	}, waitFor, tick, "replacement should take over slot 1")
	require.Eventually(t, func() bool { return old.RaidDisk() < 0 }, waitFor, tick)
	assert.True(t, old.Has(md.Faulty))
	assert.Equal(t, 0, a.Degraded())
	assert.Equal(t, data, peek(devs[2], 0, 128))
}

func TestReAddRecoversFromBitmap(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)

	require.NoError(t, a.WriteSectors(ctx, 0, pattern(64, 1)))
	require.NoError(t, a.SetFaulty(ctx, devs[1].DevicePath()))
	require.Eventually(t, func() bool {
		return a.HotRemove(ctx, devs[1].DevicePath()) == nil
	}, waitFor, tick)

	later := pattern(64, 40)
	require.NoError(t, a.WriteSectors(ctx, 2048, later))

	require.Eventually(t, devs[1].Closed, waitFor, tick)
	devs[1].Reopen()
	devs[1].ResetCounters()
	require.NoError(t, a.AddNewDisk(ctx, devs[1]))
	b := member(t, a, devs[1])
	require.Eventually(t, func() bool { return b.Has(md.InSync) && a.Degraded() == 0 }, waitFor, tick)

	assert.Equal(t, later, peek(devs[1], 2048, 64))
	assert.Less(t, devs[1].WriteCount(), uint64(testDataSectors), "only dirty chunks are copied")
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	devs := memDevices("/dev/mem0", "/dev/mem1")
	a := newMirror(t, testRegistry(), devs)
	require.NoError(t, a.Flush(ctx))

	devs[1].SetDead(true)
	require.NoError(t, a.Flush(ctx), "one member is enough")
}

func Example_status() {
	devs := memDevices("/dev/mem0", "/dev/mem1")
	reg := testRegistry()
	a, _ := reg.Get(0)
	_ = a.Create(context.Background(), blockDevices(devs), md.CreateOptions{
		Level: types.LevelRaid1, RaidDisks: 2, Minor: 1, AssumeClean: true,
	})
	defer a.Stop(context.Background())

	var buf bytes.Buffer
	a.Personality().Status(&buf)
	fmt.Println(buf.String())
	// Output: [2/2] [UU]
}
