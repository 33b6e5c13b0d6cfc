package md

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/badblocks"
	"github.com/deploymenttheory/go-mdraid/internal/device"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

func fill(sectors int, seed byte) []byte {
	buf := make([]byte, sectors*types.SectorSize)
	for i := range buf {
		buf[i] = seed + byte(i/types.SectorSize)
	}
	return buf
}

func reopenAll(t *testing.T, devs []*device.Memory) {
	t.Helper()
	for _, d := range devs {
		require.Eventually(t, d.Closed, waitFor, tick)
		d.Reopen()
	}
}

func TestCreateAndAssemble(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	devs := memDevices(2)

	a, err := reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Create(ctx, blockDevices(devs), CreateOptions{
		Level:       fakeLevel,
		RaidDisks:   2,
		Name:        "data",
		Minor:       2,
		AssumeClean: true,
		Bitmap:      true,
	}))
	id := a.UUID()
	data := fill(16, 4)
	require.NoError(t, a.WriteSectors(ctx, 40, data))
	events := a.Events()
	require.NoError(t, a.Stop(ctx))

	_, err = reg.Lookup(0)
	require.ErrorIs(t, err, types.ErrNotFound, "a stopped array is forgotten")

	reopenAll(t, devs)
	a, err = reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Assemble(ctx, blockDevices(devs), AssembleOptions{Minor: -1}))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	assert.Equal(t, id, a.UUID())
	assert.Equal(t, "data", a.Name())
	assert.Equal(t, fakeLevel, a.Level())
	assert.Equal(t, 2, a.RaidDisks())
	assert.Zero(t, a.Degraded())
	assert.GreaterOrEqual(t, a.Events(), events)
	assert.Equal(t, types.MaxSector, a.RecoveryCp())
	require.NotNil(t, a.Bitmap())

	got := make([]byte, len(data))
	require.NoError(t, a.ReadSectors(ctx, 40, got))
	assert.Equal(t, data, got)

	found, err := reg.LookupName("data")
	require.NoError(t, err)
	assert.Same(t, a, found)
}

func TestAssembleLeavesFailedMemberOut(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	devs := memDevices(2)

	a, err := reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Create(ctx, blockDevices(devs), CreateOptions{
		Level: fakeLevel, RaidDisks: 2, Minor: 1, AssumeClean: true,
	}))
	require.NoError(t, a.SetFaulty(ctx, devs[1].DevicePath()))
	assert.Equal(t, 1, a.Degraded())
	require.NoError(t, a.Stop(ctx))

	reopenAll(t, devs)
	a, err = reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Assemble(ctx, blockDevices(devs), AssembleOptions{Minor: 1}))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	assert.Equal(t, 1, a.Degraded())
	r0, err := a.FindRdev(devs[0].DevicePath())
	require.NoError(t, err)
	assert.True(t, r0.Has(InSync))
	if r1, err := a.FindRdev(devs[1].DevicePath()); err == nil {
		assert.False(t, r1.Has(InSync))
	}
}

func TestAssembleWithoutSuperblocks(t *testing.T) {
	reg := testRegistry()
	devs := memDevices(2)
	a, err := reg.Get(0)
	require.NoError(t, err)

	err = a.Assemble(context.Background(), blockDevices(devs), AssembleOptions{Minor: -1})
	require.ErrorIs(t, err, types.ErrInvalidSuperblock)
	for _, d := range devs {
		assert.True(t, d.Closed(), "rejected devices are closed")
	}
}

func TestCreateRejects(t *testing.T) {
	tests := []struct {
		name string
		devs int
		opts CreateOptions
		want error
	}{
		{name: "unknown level", devs: 2, opts: CreateOptions{Level: 77, RaidDisks: 2}, want: types.ErrInvalidLevel},
		{name: "device count", devs: 1, opts: CreateOptions{Level: fakeLevel, RaidDisks: 2}, want: types.ErrInvalidArgument},
		{name: "minor", devs: 2, opts: CreateOptions{Level: fakeLevel, RaidDisks: 2, Minor: 3}, want: types.ErrInvalidArgument},
		{name: "name too long", devs: 2, opts: CreateOptions{Level: fakeLevel, RaidDisks: 2, Name: strings.Repeat("n", 33)}, want: types.ErrInvalidArgument},
		{name: "size", devs: 2, opts: CreateOptions{Level: fakeLevel, RaidDisks: 2, Minor: 1, Size: 1 << 20}, want: types.ErrOutOfSpace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := testRegistry().Get(0)
			require.NoError(t, err)
			err = a.Create(context.Background(), blockDevices(memDevices(tt.devs)), tt.opts)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, a.Personality())
			assert.Empty(t, a.Rdevs())
		})
	}
}

func TestSubmitRejects(t *testing.T) {
	ctx := context.Background()
	a := createFake(t, testRegistry(), memDevices(2), CreateOptions{Minor: 1, AssumeClean: true})

	err := a.WriteSectors(ctx, 0, make([]byte, 100))
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	err = a.ReadSectors(ctx, a.ArraySectors()-1, make([]byte, 2*types.SectorSize))
	require.ErrorIs(t, err, types.ErrIO)

	require.NoError(t, a.SetReadOnly(ctx, true))
	err = a.WriteSectors(ctx, 0, make([]byte, types.SectorSize))
	require.ErrorIs(t, err, types.ErrReadOnly)
	require.NoError(t, a.ReadSectors(ctx, 0, make([]byte, types.SectorSize)))

	require.NoError(t, a.SetReadOnly(ctx, false))
	require.NoError(t, a.WriteSectors(ctx, 0, make([]byte, types.SectorSize)))

	require.NoError(t, a.Stop(ctx))
	err = a.ReadSectors(ctx, 0, make([]byte, types.SectorSize))
	require.ErrorIs(t, err, types.ErrNotRunning)
}

func TestAutoReadOnlySwitchesOnWrite(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	devs := memDevices(2)
	a, err := reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Create(ctx, blockDevices(devs), CreateOptions{
		Level: fakeLevel, RaidDisks: 2, Minor: 1, AssumeClean: true,
	}))
	require.NoError(t, a.Stop(ctx))

	reopenAll(t, devs)
	a, err = reg.Get(0)
	require.NoError(t, err)
	require.NoError(t, a.Assemble(ctx, blockDevices(devs), AssembleOptions{Minor: 1, ReadOnly: true}))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	assert.Equal(t, types.AutoReadOnly, a.ReadOnly())
	require.NoError(t, a.WriteSectors(ctx, 0, fill(1, 1)))
	assert.Equal(t, types.ReadWrite, a.ReadOnly())
}

func TestWriteMarksArrayDirty(t *testing.T) {
	ctx := context.Background()
	a := createFake(t, testRegistry(), memDevices(2), CreateOptions{Minor: 1, AssumeClean: true})
	require.Eventually(t, func() bool { return a.SbFlags().Load() == 0 }, waitFor, tick)

	before := a.Events()
	require.NoError(t, a.WriteSectors(ctx, 0, fill(8, 1)))
	assert.Greater(t, a.Events(), before, "going dirty is written out before the write")

	require.Eventually(t, a.InSync, waitFor, tick, "idle array goes clean after the safemode delay")
	require.Eventually(t, func() bool { return a.SbFlags().Load() == 0 }, waitFor, tick)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clean", st.State)
}

func TestSuspendHoldsRequests(t *testing.T) {
	ctx := context.Background()
	a := createFake(t, testRegistry(), memDevices(2), CreateOptions{Minor: 1, AssumeClean: true})
	f := lastFake.Load()

	require.NoError(t, a.Suspend(ctx))
	assert.True(t, a.Suspended())
	assert.Equal(t, int32(1), f.quiesced.Load())
	require.ErrorIs(t, a.Suspend(ctx), types.ErrBusy)

	done := make(chan error, 1)
	go func() { done <- a.ReadSectors(ctx, 0, make([]byte, types.SectorSize)) }()
	select {
	case <-done:
		t.Fatal("request admitted while suspended")
	case <-time.After(30 * time.Millisecond):
	}

	a.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("request not admitted after resume")
	}
	assert.Zero(t, f.quiesced.Load())

	cctx, cancel := context.WithCancel(ctx)
	require.NoError(t, a.Suspend(ctx))
	cancel()
	err := a.ReadSectors(cctx, 0, make([]byte, types.SectorSize))
	require.ErrorIs(t, err, context.Canceled)
	a.Resume()
}

func TestSuspendWhileMarkingDirty(t *testing.T) {
	ctx := context.Background()
	devs := memDevices(2)
	a := createFake(t, testRegistry(), devs, CreateOptions{Minor: 1, AssumeClean: true})
	require.Eventually(t, func() bool { return a.InSync() && a.SbFlags().Load() == 0 }, waitFor, tick)

	held, release := devs[0].HoldWrites(0)
	defer release(nil)

	done := make(chan error, 1)
	go func() { done <- a.WriteSectors(ctx, 0, fill(8, 3)) }()
	select {
	case <-held:
	case <-time.After(waitFor):
		t.Fatal("superblock write never issued")
	}

	sctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, a.Suspend(sctx), "a write waiting for the dirty mark must not block suspend")
	select {
	case err := <-done:
		t.Fatalf("write completed while suspended: %v", err)
	default:
	}

	a.Resume()
	release(nil)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("write not admitted after resume")
	}

	got := make([]byte, 8*types.SectorSize)
	require.NoError(t, a.ReadSectors(ctx, 0, got))
	assert.Equal(t, fill(8, 3), got)
}

func TestInitialResync(t *testing.T) {
	devs := memDevices(2)
	data := fill(32, 9)
	devs[0].Poke(types.Sb1DefaultDataOffset+3000, data)

	a := createFake(t, testRegistry(), devs, CreateOptions{Minor: 1})
	require.Eventually(t, func() bool {
		return a.RecoveryCp() == types.MaxSector && !a.Recovery().Has(RecoveryRunning)
	}, waitFor, tick)
	assert.Equal(t, ActionResync, a.LastSyncAction())
	assert.Equal(t, ActionIdle, a.SyncAction())
	assert.NotZero(t, lastFake.Load().syncCalls.Load())

	got := make([]byte, len(data))
	devs[1].Peek(types.Sb1DefaultDataOffset+3000, got)
	assert.Equal(t, data, got)
}

func TestSyncActionControl(t *testing.T) {
	ctx := context.Background()
	a := createFake(t, testRegistry(), memDevices(2), CreateOptions{Minor: 1, AssumeClean: true})

	require.NoError(t, a.SetSyncAction(ctx, ActionFrozen))
	assert.Equal(t, ActionFrozen, a.SyncAction())
	require.NoError(t, a.SetSyncAction(ctx, ActionRepair))
	require.Eventually(t, func() bool {
		return a.LastSyncAction() == ActionRepair && !a.Recovery().Has(RecoveryRunning)
	}, waitFor, tick)

	err := a.SetSyncAction(ctx, "scrub")
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestReplaceFailedMember(t *testing.T) {
	ctx := context.Background()
	devs := memDevices(3)
	a := createFake(t, testRegistry(), devs[:2], CreateOptions{Minor: 1, AssumeClean: true})

	data := fill(64, 2)
	require.NoError(t, a.WriteSectors(ctx, 512, data))

	require.NoError(t, a.SetFaulty(ctx, devs[1].DevicePath()))
	require.ErrorIs(t, a.SetFaulty(ctx, devs[0].DevicePath()), types.ErrBusy, "last copy stays")
	require.Eventually(t, func() bool {
		return a.HotRemove(ctx, devs[1].DevicePath()) == nil
	}, waitFor, tick)
	_, err := a.FindRdev(devs[1].DevicePath())
	require.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, a.HotAdd(ctx, devs[2]))
	r2, err := a.FindRdev(devs[2].DevicePath())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r2.Has(InSync) && a.Degraded() == 0 && !a.Recovery().Has(RecoveryRunning)
	}, waitFor, tick)
	assert.Equal(t, ActionRecover, a.LastSyncAction())

	got := make([]byte, len(data))
	devs[2].Peek(types.Sb1DefaultDataOffset+512, got)
	assert.Equal(t, data, got)
}

func TestSuperblockWriteFailureFailsMember(t *testing.T) {
	ctx := context.Background()
	devs := memDevices(2)
	a := createFake(t, testRegistry(), devs, CreateOptions{Minor: 1, AssumeClean: true})

	devs[1].SetDead(true)
	require.NoError(t, a.Lock(ctx))
	a.UpdateSuperblocks(true)
	a.Unlock()

	r1, err := a.FindRdev(devs[1].DevicePath())
	require.NoError(t, err)
	assert.True(t, r1.Has(Faulty))
	assert.Equal(t, 1, a.Degraded())
	assert.False(t, a.SbFlags().Has(SbChangePending))
}

func TestBadBlockAdmin(t *testing.T) {
	ctx := context.Background()
	devs := memDevices(2)
	a := createFake(t, testRegistry(), devs, CreateOptions{Minor: 1, AssumeClean: true})
	path := devs[0].DevicePath()

	require.NoError(t, a.SetBadBlocks(ctx, path, 100, 8))
	r0, err := a.FindRdev(path)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !r0.BadBlocks.HasUnacked() }, waitFor, tick)

	res, first, n := r0.IsBadBlock(96, 16)
	assert.Equal(t, badblocks.Acked, res)
	assert.Equal(t, uint64(100), first)
	assert.Equal(t, uint64(8), n)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Devices[0].BadBlocks)

	require.NoError(t, a.ClearBadBlocks(ctx, path, 100, 8))
	assert.Zero(t, r0.BadBlocks.Len())
}

func TestResize(t *testing.T) {
	ctx := context.Background()
	a := createFake(t, testRegistry(), memDevices(2), CreateOptions{Minor: 1, AssumeClean: true})
	full := a.DevSectors()

	require.NoError(t, a.Resize(ctx, 2048))
	assert.Equal(t, uint64(2048), a.ArraySectors())
	err := a.WriteSectors(ctx, 2048, fill(1, 0))
	require.ErrorIs(t, err, types.ErrIO)

	require.NoError(t, a.Resize(ctx, 0))
	assert.Equal(t, full, a.DevSectors())
	require.ErrorIs(t, a.Resize(ctx, full*2), types.ErrOutOfSpace)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	devs := memDevices(2)
	a := createFake(t, testRegistry(), devs, CreateOptions{Minor: 1, AssumeClean: true, Bitmap: true, WriteMostly: []int{1}})

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "md0", st.Device)
	assert.Equal(t, "fake", st.Level)
	assert.Equal(t, "[2/2]", st.Personality)
	assert.Equal(t, 2, st.ActiveDisks)
	assert.Equal(t, ActionIdle, st.SyncAction)
	require.Len(t, st.Devices, 2)
	assert.Equal(t, []string{"in_sync"}, st.Devices[0].State)
	assert.Equal(t, []string{"in_sync", "write_mostly"}, st.Devices[1].State)
	require.NotNil(t, st.Bitmap)
	assert.False(t, st.Syncing())

	mdstat := st.Mdstat()
	assert.True(t, strings.HasPrefix(mdstat, "md0 : active fake /dev/mem0[0] /dev/mem1[1](W)\n"), mdstat)
	assert.Contains(t, mdstat, "bitmap: ")

	var buf bytes.Buffer
	a.Personality().Status(&buf)
	assert.Equal(t, st.Personality, buf.String())
}

func TestRegistry(t *testing.T) {
	reg := testRegistry()

	_, err := reg.Get(-1)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = reg.Lookup(3)
	require.ErrorIs(t, err, types.ErrNotFound)

	a0, err := reg.Get(0)
	require.NoError(t, err)
	again, err := reg.Get(0)
	require.NoError(t, err)
	assert.Same(t, a0, again)
	assert.Equal(t, 1, reg.FreeUnit())

	a0.SetHoldActive(true)
	reg.Put(a0)
	_, err = reg.Lookup(0)
	require.NoError(t, err, "held arrays stay registered")

	a0.SetHoldActive(false)
	reg.Put(a0)
	_, err = reg.Lookup(0)
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = reg.LookupName("md7")
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, Personalities(), "fake")
}
