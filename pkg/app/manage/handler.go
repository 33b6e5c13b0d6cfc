package manage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/config"
	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

// pollInterval is how often WaitSync samples resync progress.
const pollInterval = 250 * time.Millisecond

// Session is an array assembled read-write for the duration of one command.
type Session struct {
	ctx      *app.Context
	Registry *md.Registry
	Array    *md.Array

	started time.Time
	op      string
	members []string
	poll    time.Duration
}

func newSession(ctx *app.Context, unit int) (*Session, error) {
	reg, err := ctx.NewRegistry()
	if err != nil {
		return nil, err
	}
	if unit < 0 {
		unit = reg.FreeUnit()
	}
	a, err := reg.Get(unit)
	if err != nil {
		return nil, app.WrapError("invalid unit", err)
	}
	return &Session{ctx: ctx, Registry: reg, Array: a, started: time.Now(), poll: pollInterval}, nil
}

// Assemble starts the array on target's devices.
func Assemble(ctx *app.Context, target app.ArrayTarget) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	s, err := newSession(ctx, target.Unit)
	if err != nil {
		return nil, err
	}
	ctx.Log(fmt.Sprintf("Assembling %s from %s", s.Array.DevName(), target.String()))
	bdevs, err := ctx.OpenDevices(target.Devices)
	if err != nil {
		return nil, err
	}
	if err := s.Array.Assemble(ctx, bdevs, md.AssembleOptions{Minor: target.Minor}); err != nil {
		return nil, app.WrapError("assembly failed", err)
	}
	s.op = "assemble"
	s.members = target.Devices
	return s, nil
}

// Create writes new superblocks to the request's devices and starts the array.
func Create(ctx *app.Context, req *CreateRequest) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s, err := newSession(ctx, req.Unit)
	if err != nil {
		return nil, err
	}
	opts, err := s.createOptions(req)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, d := range req.Devices {
		if d != Missing {
			paths = append(paths, d)
		}
	}
	opened, err := ctx.OpenDevices(paths)
	if err != nil {
		return nil, err
	}
	bdevs := make([]interfaces.BlockDevice, len(req.Devices))
	next := 0
	for i, d := range req.Devices {
		if d != Missing {
			bdevs[i] = opened[next]
			next++
		}
	}

	ctx.Log(fmt.Sprintf("Creating %s: raid%d over %d devices", s.Array.DevName(), opts.Level, opts.RaidDisks))
	if err := s.Array.Create(ctx, bdevs, opts); err != nil {
		return nil, app.WrapError("create failed", err)
	}
	s.op = "create"
	s.members = paths
	return s, nil
}

func (s *Session) createOptions(req *CreateRequest) (md.CreateOptions, error) {
	_, minor, err := config.ParseMetadata(req.metadata())
	if err != nil {
		return md.CreateOptions{}, app.WrapError("invalid metadata version", err)
	}
	defaults, err := s.ctx.Defaults()
	if err != nil {
		return md.CreateOptions{}, app.WrapError("invalid configuration", err)
	}
	opts := md.CreateOptions{
		Level:        req.Level,
		RaidDisks:    len(req.Devices),
		Name:         req.Name,
		Minor:        minor,
		AssumeClean:  req.AssumeClean,
		Bitmap:       req.Bitmap,
		BitmapConfig: defaults.Bitmap,
	}
	if opts.Level == 0 {
		opts.Level = types.LevelRaid1
	}
	if req.Size != "" {
		if opts.Size, err = config.ParseSectors(req.Size); err != nil {
			return md.CreateOptions{}, app.WrapError("invalid size", err)
		}
	}
	if req.Bitmap && req.BitmapChunk != "" {
		if opts.BitmapConfig.ChunkSize, err = (config.BitmapConfig{ChunkSize: req.BitmapChunk}).ChunkBytes(); err != nil {
			return md.CreateOptions{}, app.WrapError("invalid bitmap chunk", err)
		}
	}
	for _, w := range req.WriteMostly {
		for slot, d := range req.Devices {
			if d == w {
				opts.WriteMostly = append(opts.WriteMostly, slot)
			}
		}
	}
	return opts, nil
}

// Close stops the array, marking it clean and closing its members.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ctx.DefaultTimeout)
	defer cancel()
	if err := s.Array.Stop(ctx); err != nil {
		return app.WrapError(fmt.Sprintf("failed to stop %s", s.Array.DevName()), err)
	}
	return nil
}

func (s *Session) eachDevice(op string, paths []string, fn func(path string) error) error {
	s.op = op
	s.members = paths
	for _, p := range paths {
		if err := fn(p); err != nil {
			return app.WrapError(fmt.Sprintf("%s %s", op, p), err)
		}
		s.ctx.Log(fmt.Sprintf("%s: %s %s", s.Array.DevName(), op, p))
	}
	return nil
}

// Add adds fresh devices as spares; recovery onto them starts when a slot is free.
func (s *Session) Add(paths []string) error {
	return s.eachDevice("add", paths, func(p string) error {
		bdevs, err := s.ctx.OpenDevices([]string{p})
		if err != nil {
			return err
		}
		return s.Array.HotAdd(s.ctx, bdevs[0])
	})
}

// ReAdd returns former members to the array. With a bitmap only the chunks written while
// they were away are recovered.
func (s *Session) ReAdd(paths []string) error {
	return s.eachDevice("re-add", paths, func(p string) error {
		bdevs, err := s.ctx.OpenDevices([]string{p})
		if err != nil {
			return err
		}
		return s.Array.AddNewDisk(s.ctx, bdevs[0])
	})
}

// Remove takes spares or failed members out of the array.
func (s *Session) Remove(paths []string) error {
	return s.eachDevice("remove", paths, func(p string) error {
		return s.Array.HotRemove(s.ctx, p)
	})
}

// Fail marks members faulty.
func (s *Session) Fail(paths []string) error {
	return s.eachDevice("fail", paths, func(p string) error {
		return s.Array.SetFaulty(s.ctx, p)
	})
}

// SetWriteMostly changes whether members serve reads only as a last resort.
func (s *Session) SetWriteMostly(paths []string, on bool) error {
	return s.eachDevice("write-mostly", paths, func(p string) error {
		return s.Array.SetWriteMostly(s.ctx, p, on)
	})
}

// SetAction requests a sync action: idle, frozen, resync, recover, check or repair.
func (s *Session) SetAction(action string) error {
	if err := validateAction(action); err != nil {
		return err
	}
	s.op = action
	if err := s.Array.SetSyncAction(s.ctx, action); err != nil {
		return app.WrapError(fmt.Sprintf("sync action %s", action), err)
	}
	return nil
}

// SetResyncWindow limits check and repair to [start, end) in sectors.
func (s *Session) SetResyncWindow(start, end uint64) error {
	if err := s.Array.SetResyncWindow(s.ctx, start, end); err != nil {
		return app.WrapError("resync window", err)
	}
	return nil
}

// SetSpeed overrides the resync speed limits in KiB/s.
func (s *Session) SetSpeed(speedMin, speedMax int) error {
	s.op = "speed"
	if err := s.Array.SetSyncSpeed(speedMin, speedMax); err != nil {
		return app.WrapError("sync speed", err)
	}
	return nil
}

// SetDaemonSleep changes the bitmap clean sweep period.
func (s *Session) SetDaemonSleep(d time.Duration) error {
	s.op = "bitmap"
	if err := s.Array.SetDaemonSleep(s.ctx, d); err != nil {
		return app.WrapError("bitmap daemon sleep", err)
	}
	return nil
}

// BadBlocks records or clears a bad range on one member.
func (s *Session) BadBlocks(req *BadBlockRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	s.op = "badblocks"
	s.members = []string{req.Device}
	var err error
	if req.Clear {
		err = s.Array.ClearBadBlocks(s.ctx, req.Device, req.Sector, req.Sectors)
	} else {
		err = s.Array.SetBadBlocks(s.ctx, req.Device, req.Sector, req.Sectors)
	}
	if err != nil {
		return app.WrapError("bad blocks", err)
	}
	return nil
}

// Grow changes the number of mirrors and, when size is not empty, the space used on each
// member. "max" uses all available space.
func (s *Session) Grow(raidDisks int, size string) error {
	s.op = "grow"
	if raidDisks > 0 && raidDisks != s.Array.RaidDisks() {
		if err := s.Array.GrowRaidDisks(s.ctx, raidDisks); err != nil {
			return app.WrapError("raid disks", err)
		}
	}
	if size == "" {
		return nil
	}
	var sectors uint64
	if size != "max" {
		var err error
		if sectors, err = config.ParseSectors(size); err != nil {
			return app.WrapError("invalid size", err)
		}
	}
	if err := s.Array.Resize(s.ctx, sectors); err != nil {
		return app.WrapError("resize", err)
	}
	return nil
}

// WaitSync blocks until no resync or recovery is pending or running, reporting progress.
// A positive timeout bounds the wait.
func (s *Session) WaitSync(timeout time.Duration) error {
	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = s.ctx.WithTimeout(timeout)
		defer cancel()
	}
	a := s.Array
	started := time.Now()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	// a finished sync re-arms the management thread, so idle must be seen twice in a row
	idle := 0
	for {
		if a.Recovery().Any(md.RecoveryRunning | md.RecoveryNeeded) {
			idle = 0
		} else if idle++; idle == 2 {
			ctx.Progress("sync finished", 100)
			return nil
		}
		if action := a.SyncAction(); action != md.ActionIdle && action != md.ActionFrozen {
			total := a.ResyncMaxSectors()
			p := progress(action, min(a.CurrResyncCompleted(), total), total, started)
			ctx.Progress(fmt.Sprintf("%s: %d/%d sectors, eta %s", p.Message, p.Completed, p.Total, p.ETA()), p.Percent())
		}
		select {
		case <-ctx.Done():
			return app.WrapError("waiting for sync", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Result summarises the session so far.
func (s *Session) Result() *Result {
	a := s.Array
	r := &Result{
		Device:        a.DevName(),
		Operation:     s.op,
		Members:       s.members,
		MismatchCount: a.MismatchCount(),
		Degraded:      a.Degraded(),
		Elapsed:       time.Since(s.started),
	}
	if last := a.LastSyncAction(); last != "none" {
		r.SyncAction = last
	}
	s.ctx.Logger.WithFields(logrus.Fields{
		"array":     r.Device,
		"operation": r.Operation,
		"degraded":  r.Degraded,
	}).Debug("management command finished")
	return r
}
