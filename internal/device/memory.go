package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Memory is an in-memory member device with fault injection. It backs the package tests
// of every layer above it.
type Memory struct {
	path     string
	physical string

	mu   sync.RWMutex
	data []byte

	faultMu sync.Mutex
	faults  []fault
	gate    chan struct{}
	gateMin uint64
	gateErr error
	gated   chan uint64

	dead   atomic.Bool
	closed atomic.Bool

	reads  atomic.Uint64
	writes atomic.Uint64
}

type fault struct {
	start, end uint64
	reads      bool
	writes     bool
}

// NewMemory returns a zero-filled device of the given size in sectors.
func NewMemory(path string, sectors uint64) *Memory {
	return &Memory{
		path:     path,
		physical: path,
		data:     make([]byte, sectors<<types.SectorShift),
	}
}

// SetPhysical sets the physical disk key returned by Physical.
func (m *Memory) SetPhysical(key string) { m.physical = key }

// FailRange makes reads and/or writes touching [start, start+sectors) fail with ErrIO.
func (m *Memory) FailRange(start, sectors uint64, reads, writes bool) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults = append(m.faults, fault{start: start, end: start + sectors, reads: reads, writes: writes})
}

// ClearFaults removes every injected range fault.
func (m *Memory) ClearFaults() {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults = nil
}

// SetDead makes every operation fail while dead is true.
func (m *Memory) SetDead(dead bool) { m.dead.Store(dead) }

// HoldWrites blocks data writes at or beyond sector minSector until the returned release function
// is called. Release completes the held writes with err (nil lets them proceed). The returned channel
// receives the sector of each write as it becomes held.
func (m *Memory) HoldWrites(minSector uint64) (held <-chan uint64, release func(err error)) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	gate := make(chan struct{})
	ch := make(chan uint64, 64)
	m.gate = gate
	m.gateMin = minSector
	m.gated = ch
	var once sync.Once
	return ch, func(err error) {
		once.Do(func() {
			m.faultMu.Lock()
			m.gateErr = err
			m.gate = nil
			m.faultMu.Unlock()
			close(gate)
		})
	}
}

// ReadSectors implements interfaces.BlockDeviceReader
func (m *Memory) ReadSectors(sector uint64, buf []byte) error {
	if err := m.check(sector, len(buf), false); err != nil {
		return err
	}
	m.mu.RLock()
	copy(buf, m.data[sector<<types.SectorShift:])
	m.mu.RUnlock()
	m.reads.Add(uint64(len(buf) >> types.SectorShift))
	return nil
}

// WriteSectors implements interfaces.BlockDeviceWriter
func (m *Memory) WriteSectors(sector uint64, data []byte) error {
	if err := m.wait(sector); err != nil {
		return err
	}
	if err := m.check(sector, len(data), true); err != nil {
		return err
	}
	m.mu.Lock()
	copy(m.data[sector<<types.SectorShift:], data)
	m.mu.Unlock()
	m.writes.Add(uint64(len(data) >> types.SectorShift))
	return nil
}

func (m *Memory) wait(sector uint64) error {
	m.faultMu.Lock()
	gate, ch, minSector := m.gate, m.gated, m.gateMin
	m.faultMu.Unlock()
	if gate == nil || sector < minSector {
		return nil
	}
	select {
	case ch <- sector:
	default:
	}
	<-gate
	m.faultMu.Lock()
	err := m.gateErr
	m.faultMu.Unlock()
	if err != nil {
		return fmt.Errorf("held write to %s at sector %d: %v: %w", m.path, sector, err, types.ErrIO)
	}
	return nil
}

func (m *Memory) check(sector uint64, n int, write bool) error {
	if m.closed.Load() {
		return fmt.Errorf("%s is closed: %w", m.path, types.ErrIO)
	}
	if m.dead.Load() {
		return fmt.Errorf("%s is not responding: %w", m.path, types.ErrIO)
	}
	if n%types.SectorSize != 0 {
		return fmt.Errorf("transfer of %d bytes is not sector aligned: %w", n, types.ErrInvalidArgument)
	}
	end := sector + uint64(n>>types.SectorShift)
	if end > m.Sectors() {
		return fmt.Errorf("sector %d beyond end of %s: %w", end, m.path, types.ErrIO)
	}

	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	for _, f := range m.faults {
		if sector >= f.end || end <= f.start {
			continue
		}
		if (write && f.writes) || (!write && f.reads) {
			return fmt.Errorf("medium error on %s at sector %d: %w", m.path, max(sector, f.start), types.ErrIO)
		}
	}
	return nil
}

// Flush implements interfaces.BlockDeviceWriter
func (m *Memory) Flush() error {
	if m.dead.Load() {
		return fmt.Errorf("%s is not responding: %w", m.path, types.ErrIO)
	}
	return nil
}

// Sectors implements interfaces.BlockDeviceReader
func (m *Memory) Sectors() uint64 { return uint64(len(m.data)) >> types.SectorShift }

// DevicePath implements interfaces.BlockDeviceInfo
func (m *Memory) DevicePath() string { return m.path }

// Identity implements interfaces.BlockDeviceInfo
func (m *Memory) Identity() string { return "mem:" + m.path }

// Physical implements interfaces.BlockDeviceInfo
func (m *Memory) Physical() string { return m.physical }

// Close marks the device closed; later I/O fails.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// Reopen clears the closed state so a test can assemble the same device again.
func (m *Memory) Reopen() { m.closed.Store(false) }

// Closed reports whether Close has been called.
func (m *Memory) Closed() bool { return m.closed.Load() }

// ReadCount returns the number of sectors read so far.
func (m *Memory) ReadCount() uint64 { return m.reads.Load() }

// WriteCount returns the number of sectors written so far.
func (m *Memory) WriteCount() uint64 { return m.writes.Load() }

// ResetCounters zeroes the read and write counters.
func (m *Memory) ResetCounters() {
	m.reads.Store(0)
	m.writes.Store(0)
}

// Peek copies raw contents at an absolute sector without fault checks.
func (m *Memory) Peek(sector uint64, buf []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(buf, m.data[sector<<types.SectorShift:])
}

// Poke overwrites raw contents at an absolute sector without fault checks.
func (m *Memory) Poke(sector uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[sector<<types.SectorShift:], data)
}
