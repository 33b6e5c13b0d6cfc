package md

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Safemode states.
const (
	safemodeOff       int32 = 0
	safemodeTimedOut  int32 = 1
	safemodeImmediate int32 = 2
)

// Submit admits a request and hands it to the personality, which completes it with Endio.
// A rejected request returns an error and its completion callback is not called.
func (a *Array) Submit(ctx context.Context, bio *Bio) error {
	if !a.Running() {
		return fmt.Errorf("%s: %w: %w", a.DevName(), types.ErrNotRunning, types.ErrIO)
	}
	if bio.Op != OpFlush {
		if len(bio.Data) == 0 || len(bio.Data)%types.SectorSize != 0 {
			return fmt.Errorf("request of %d bytes is not a whole number of sectors: %w", len(bio.Data), types.ErrInvalidArgument)
		}
		if bio.End() > a.ArraySectors() {
			return fmt.Errorf("request %d+%d beyond array end %d: %w", bio.Sector, bio.Sectors(), a.ArraySectors(), types.ErrIO)
		}
	}
	if bio.Op != OpRead {
		switch a.ReadOnly() {
		case types.ReadOnly:
			return fmt.Errorf("%s: %w", a.DevName(), types.ErrReadOnly)
		case types.AutoReadOnly:
			if a.ro.CompareAndSwap(int32(types.AutoReadOnly), int32(types.ReadWrite)) {
				a.log.Info("switching to read-write on first write")
				a.recovery.Set(RecoveryNeeded)
				a.WakeThread()
			}
		}
	}

	for {
		a.activeIO.Add(1)
		if !a.suspended.Load() {
			if bio.Op != OpWrite {
				break
			}
			err := a.writeStart(ctx)
			if err == nil {
				break
			}
			if !errors.Is(err, errSuspendedDirty) {
				a.endActive()
				return err
			}
		}
		a.endActive()
		if err := a.sbWait.Wait(ctx, func() bool { return !a.suspended.Load() }); err != nil {
			return err
		}
	}
	defer a.endActive()

	if bio.Op == OpWrite {
		bio.onEnd(func(error) { a.writeEnd() })
	}

	pers := a.Personality()
	if pers == nil {
		bio.Endio(fmt.Errorf("%s: %w", a.DevName(), types.ErrIO))
		return nil
	}
	pers.MakeRequest(bio)
	return nil
}

func (a *Array) endActive() {
	if a.activeIO.Add(-1) == 0 && a.suspended.Load() {
		a.sbWait.Wake()
	}
}

// errSuspendedDirty sends a write back to admission when the array is suspended before the
// dirty state reached the superblocks.
var errSuspendedDirty = errors.New("suspended while marking dirty")

// writeStart marks the array dirty before the first write after it was clean and waits for
// that state to reach the superblocks.
func (a *Array) writeStart(ctx context.Context) error {
	a.writesPending.Add(1)
	a.safemode.CompareAndSwap(safemodeTimedOut, safemodeOff)

	a.stateMu.Lock()
	if a.inSync.Load() {
		a.inSync.Store(false)
		a.sbFlags.Set(SbChangeClean | SbChangePending)
		a.WakeThread()
	}
	a.stateMu.Unlock()

	if !a.persistent {
		return nil
	}
	err := a.sbWait.Wait(ctx, func() bool {
		return !a.sbFlags.Has(SbChangePending) || a.suspended.Load()
	})
	if err == nil && a.sbFlags.Has(SbChangePending) {
		err = errSuspendedDirty
	}
	if err != nil {
		a.writeEnd()
		return err
	}
	return nil
}

// writeEnd drops a pending write. When the last one finishes the array may be marked clean
// after the safemode delay.
func (a *Array) writeEnd() {
	if a.writesPending.Add(-1) != 0 {
		return
	}
	if a.safemode.Load() == safemodeImmediate {
		a.WakeThread()
		return
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.safemodeDelay <= 0 {
		return
	}
	if a.safemodeTimer == nil {
		a.safemodeTimer = time.AfterFunc(a.safemodeDelay, a.safemodeTimeout)
		return
	}
	a.safemodeTimer.Reset(a.safemodeDelay)
}

func (a *Array) safemodeTimeout() {
	if a.writesPending.Load() == 0 {
		a.safemode.CompareAndSwap(safemodeOff, safemodeTimedOut)
		a.WakeThread()
	}
}

// stopSafemodeTimer is called when the array stops.
func (a *Array) stopSafemodeTimer() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.safemodeTimer != nil {
		a.safemodeTimer.Stop()
		a.safemodeTimer = nil
	}
}

// SafemodeDelay returns how long the array stays dirty after the last write.
func (a *Array) SafemodeDelay() time.Duration {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.safemodeDelay
}

// SetSafemodeDelay changes the delay. Zero keeps the array dirty until it stops.
func (a *Array) SetSafemodeDelay(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("safemode delay %s: %w", d, types.ErrInvalidArgument)
	}
	a.stateMu.Lock()
	a.safemodeDelay = d
	a.stateMu.Unlock()
	return nil
}

// checkSafemode marks an idle array clean once the safemode delay expired.
func (a *Array) checkSafemode() {
	if a.safemode.Load() == safemodeOff {
		return
	}
	a.stateMu.Lock()
	if !a.inSync.Load() && a.writesPending.Load() == 0 {
		a.inSync.Store(true)
		a.sbFlags.Set(SbChangeClean)
	}
	a.stateMu.Unlock()
	a.safemode.CompareAndSwap(safemodeTimedOut, safemodeOff)
}

func (a *Array) submitWait(ctx context.Context, op Op, sector uint64, data []byte) error {
	done := make(chan error, 1)
	bio := NewBio(op, sector, data, func(err error) { done <- err })
	if err := a.Submit(ctx, bio); err != nil {
		return err
	}
	// the buffer belongs to the request until it completes
	return <-done
}

// ReadSectors reads len(buf) bytes from the array starting at sector.
func (a *Array) ReadSectors(ctx context.Context, sector uint64, buf []byte) error {
	return a.submitWait(ctx, OpRead, sector, buf)
}

// WriteSectors writes data to the array starting at sector.
func (a *Array) WriteSectors(ctx context.Context, sector uint64, data []byte) error {
	return a.submitWait(ctx, OpWrite, sector, data)
}

// Flush makes completed writes durable on every member.
func (a *Array) Flush(ctx context.Context) error {
	return a.submitWait(ctx, OpFlush, 0, nil)
}

// Suspend stops admitting requests and waits for the personality to go idle. Admitted
// requests are drained first.
func (a *Array) Suspend(ctx context.Context) error {
	if !a.suspended.CompareAndSwap(false, true) {
		return fmt.Errorf("%s is already suspended: %w", a.DevName(), types.ErrBusy)
	}
	a.sbWait.Wake()
	if err := a.sbWait.Wait(ctx, func() bool { return a.activeIO.Load() == 0 }); err != nil {
		a.suspended.Store(false)
		a.sbWait.Wake()
		return err
	}
	if pers := a.Personality(); pers != nil {
		pers.Quiesce(true)
	}
	return nil
}

// Resume undoes Suspend.
func (a *Array) Resume() {
	if !a.suspended.Load() {
		return
	}
	if pers := a.Personality(); pers != nil {
		pers.Quiesce(false)
	}
	a.suspended.Store(false)
	a.sbWait.Wake()
	a.recovery.Set(RecoveryNeeded)
	a.WakeThread()
}

// Suspended reports whether request admission is stopped.
func (a *Array) Suspended() bool { return a.suspended.Load() }
