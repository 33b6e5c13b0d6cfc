package md

import (
	"strings"
	"sync/atomic"
)

// Flags is a set of independently settable bits that can be read without a lock.
type Flags[F ~uint32] struct {
	v atomic.Uint32
}

// Has reports whether every bit in f is set.
func (s *Flags[F]) Has(f F) bool {
	return F(s.v.Load())&f == f
}

// Any reports whether any bit in f is set.
func (s *Flags[F]) Any(f F) bool {
	return F(s.v.Load())&f != 0
}

// Set sets f and reports whether it was already set.
func (s *Flags[F]) Set(f F) bool {
	for {
		old := s.v.Load()
		if s.v.CompareAndSwap(old, old|uint32(f)) {
			return F(old)&f == f
		}
	}
}

// Clear clears f and reports whether any of it was set.
func (s *Flags[F]) Clear(f F) bool {
	for {
		old := s.v.Load()
		if s.v.CompareAndSwap(old, old&^uint32(f)) {
			return F(old)&f != 0
		}
	}
}

// ClearUnless clears f unless any bit of keep is set. It reports whether f was cleared.
func (s *Flags[F]) ClearUnless(f, keep F) bool {
	for {
		old := s.v.Load()
		if F(old)&keep != 0 {
			return false
		}
		if s.v.CompareAndSwap(old, old&^uint32(f)) {
			return true
		}
	}
}

// Load returns the whole set.
func (s *Flags[F]) Load() F { return F(s.v.Load()) }

// Store replaces the whole set.
func (s *Flags[F]) Store(f F) { s.v.Store(uint32(f)) }

// RdevFlag is a member device state bit.
type RdevFlag uint32

const (
	// Faulty devices receive no new I/O.
	Faulty RdevFlag = 1 << iota
	// InSync devices hold a complete copy of the array data.
	InSync
	// WriteMostly devices are avoided for reads.
	WriteMostly
	// Blocked devices hold writes until the failure is recorded in the superblocks.
	Blocked
	// WriteErrorSeen is set once a write to the device has failed.
	WriteErrorSeen
	// WantReplacement asks for a spare to take over this device.
	WantReplacement
	// Replacement devices are being rebuilt to take over another device's slot.
	Replacement
	// AutoDetected devices were found by scanning rather than named explicitly.
	AutoDetected
	// BlockedBadBlocks is set while a write waits for new bad blocks to be acknowledged.
	BlockedBadBlocks
	// FaultRecorded means the superblocks written after the failure mark the device faulty.
	FaultRecorded
)

var rdevFlagNames = []struct {
	f    RdevFlag
	name string
}{
	{Faulty, "faulty"},
	{InSync, "in_sync"},
	{WriteMostly, "write_mostly"},
	{Blocked, "blocked"},
	{WriteErrorSeen, "write_error"},
	{WantReplacement, "want_replacement"},
	{Replacement, "replacement"},
	{AutoDetected, "auto_detected"},
	{BlockedBadBlocks, "blocked_badblocks"},
	{FaultRecorded, "fault_recorded"},
}

func (f RdevFlag) String() string {
	var names []string
	for _, n := range rdevFlagNames {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// RecoveryFlag describes the state of the background resync.
type RecoveryFlag uint32

const (
	RecoveryRunning RecoveryFlag = 1 << iota
	RecoverySync
	RecoveryRecover
	RecoveryIntr
	RecoveryNeeded
	RecoveryRequested
	RecoveryCheck
	RecoveryReshape
	RecoveryFrozen
	RecoveryDone
	RecoveryError
)

// SbFlag records pending superblock work.
type SbFlag uint32

const (
	// SbChangeDevs forces every member superblock to be rewritten.
	SbChangeDevs SbFlag = 1 << iota
	// SbChangeClean is a clean/dirty transition; idle spares may be skipped.
	SbChangeClean
	// SbChangePending holds writes until the superblocks are on disk.
	SbChangePending
)
