// Package badblocks keeps the per-device list of known bad sector ranges.
//
// Entries are sorted and never overlap. Each entry covers at most MaxLen units and the list
// holds at most MaxEntries entries so that it fits the one-page on-disk log. Positions are
// kept in units of 1<<shift sectors; callers always pass and receive sectors.
package badblocks

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

const (
	// MaxEntries is the capacity of one page of packed 64-bit records.
	MaxEntries = types.PageSize / 8

	// MaxLen is the longest single entry in units.
	MaxLen = 512

	logLenBits = 10
	logLenMask = 1<<logLenBits - 1
)

// CheckResult summarises the bad blocks found in a range.
type CheckResult int

const (
	// Clean means no bad blocks overlap the range.
	Clean CheckResult = 0
	// Acked means every overlapping bad block has been recorded on disk.
	Acked CheckResult = 1
	// Unacked means at least one overlapping bad block has not been recorded yet.
	Unacked CheckResult = -1
)

// Range is one bad extent.
type Range struct {
	Start uint64
	Len   uint64
	Acked bool
}

// End returns the first position past the range.
func (r Range) End() uint64 { return r.Start + r.Len }

func lessRange(a, b Range) bool { return a.Start < b.Start }

// List is a bad-block list. The zero value is not usable; call New.
type List struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[Range]
	shift   int
	changed bool
	unacked bool
}

// New returns an empty list with the given granularity. A negative shift disables the list:
// every check is clean and every Set fails.
func New(shift int) *List {
	return &List{
		tree:  btree.NewG[Range](16, lessRange),
		shift: shift,
	}
}

// Disabled reports whether the list is disabled.
func (l *List) Disabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shift < 0
}

// Shift returns the granularity.
func (l *List) Shift() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shift
}

// Enable turns on a disabled, empty list with the given granularity.
func (l *List) Enable(shift int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shift < 0 && l.tree.Len() == 0 {
		l.shift = shift
	}
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Len()
}

// Changed reports whether the list differs from the last encoded log.
func (l *List) Changed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changed
}

// HasUnacked reports whether any entry is not yet acknowledged.
func (l *List) HasUnacked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unacked
}

// Check looks for bad blocks in [s, s+sectors). It returns the first overlapping entry as
// firstBad and badSectors when the result is not Clean.
func (l *List) Check(s, sectors uint64) (res CheckResult, firstBad, badSectors uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.shift < 0 || sectors == 0 || l.tree.Len() == 0 {
		return Clean, 0, 0
	}
	target := s + sectors
	if l.shift > 0 {
		s >>= l.shift
		target = (target + (1 << l.shift) - 1) >> l.shift
	}

	var first Range
	found := false
	unacked := false
	l.tree.DescendLessOrEqual(Range{Start: target - 1}, func(r Range) bool {
		if r.End() <= s {
			return false
		}
		first = r
		found = true
		if !r.Acked {
			unacked = true
		}
		return true
	})
	if !found {
		return Clean, 0, 0
	}

	firstBad = first.Start << l.shift
	badSectors = first.Len << l.shift
	if unacked {
		return Unacked, firstBad, badSectors
	}
	return Acked, firstBad, badSectors
}

// Set records [s, s+sectors) as bad. Overlapping entries are merged, the merged part is
// acknowledged if either side was. The list is left unchanged and ErrOutOfSpace returned
// when the result would not fit.
func (l *List) Set(s, sectors uint64, acked bool) error {
	if sectors == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shift < 0 {
		return fmt.Errorf("bad block log disabled: %w", types.ErrInvalidArgument)
	}
	if l.shift > 0 {
		next := (s + sectors + (1 << l.shift) - 1) >> l.shift
		s >>= l.shift
		sectors = next - s
	}
	return l.setLocked(s, sectors, acked)
}

func (l *List) setLocked(s, sectors uint64, acked bool) error {
	end := s + sectors
	var touching []Range
	l.tree.DescendLessOrEqual(Range{Start: end}, func(r Range) bool {
		if r.End() < s {
			return false
		}
		touching = append(touching, r)
		return true
	})

	merged := mergeRanges(touching, Range{Start: s, Len: sectors, Acked: acked})
	if l.tree.Len()-len(touching)+len(merged) > MaxEntries {
		return fmt.Errorf("bad block list full (%d entries): %w", l.tree.Len(), types.ErrOutOfSpace)
	}

	for _, r := range touching {
		l.tree.Delete(r)
	}
	for _, r := range merged {
		l.tree.ReplaceOrInsert(r)
		if !r.Acked {
			l.unacked = true
		}
	}
	l.changed = true
	return nil
}

// mergeRanges combines non-overlapping existing entries with one new range. Every elementary
// segment is acknowledged if any range covering it is; equal neighbours are coalesced and
// the result split at MaxLen.
func mergeRanges(existing []Range, add Range) []Range {
	points := []uint64{add.Start, add.End()}
	for _, r := range existing {
		points = append(points, r.Start, r.End())
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var runs []Range
	for i := 0; i+1 < len(points); i++ {
		p, q := points[i], points[i+1]
		if p == q {
			continue
		}
		covered := p >= add.Start && q <= add.End()
		ack := covered && add.Acked
		for _, r := range existing {
			if r.Start <= p && r.End() >= q {
				covered = true
				ack = ack || r.Acked
			}
		}
		if !covered {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].End() == p && runs[n-1].Acked == ack {
			runs[n-1].Len += q - p
			continue
		}
		runs = append(runs, Range{Start: p, Len: q - p, Acked: ack})
	}

	var out []Range
	for _, r := range runs {
		for r.Len > MaxLen {
			out = append(out, Range{Start: r.Start, Len: MaxLen, Acked: r.Acked})
			r.Start += MaxLen
			r.Len -= MaxLen
		}
		out = append(out, r)
	}
	return out
}

// Clear removes [s, s+sectors) from the list, splitting entries that straddle the edges.
// With a non-zero shift only whole units inside the range are cleared.
func (l *List) Clear(s, sectors uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shift < 0 || sectors == 0 {
		return nil
	}
	end := s + sectors
	if l.shift > 0 {
		s = (s + (1 << l.shift) - 1) >> l.shift
		end >>= l.shift
		if end <= s {
			return nil
		}
	}

	var hit, keep []Range
	l.tree.DescendLessOrEqual(Range{Start: end - 1}, func(r Range) bool {
		if r.End() <= s {
			return false
		}
		hit = append(hit, r)
		if r.Start < s {
			keep = append(keep, Range{Start: r.Start, Len: s - r.Start, Acked: r.Acked})
		}
		if r.End() > end {
			keep = append(keep, Range{Start: end, Len: r.End() - end, Acked: r.Acked})
		}
		return true
	})
	if len(hit) == 0 {
		return nil
	}
	if l.tree.Len()-len(hit)+len(keep) > MaxEntries {
		return fmt.Errorf("bad block list full (%d entries): %w", l.tree.Len(), types.ErrOutOfSpace)
	}

	for _, r := range hit {
		l.tree.Delete(r)
	}
	for _, r := range keep {
		l.tree.ReplaceOrInsert(r)
	}
	l.changed = true
	return nil
}

// AckAll acknowledges every entry once the current contents have been written out. It is a
// no-op while changes are pending.
func (l *List) AckAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.changed || !l.unacked {
		return
	}
	var pending []Range
	l.tree.Ascend(func(r Range) bool {
		if !r.Acked {
			pending = append(pending, r)
		}
		return true
	})
	for _, r := range pending {
		r.Acked = true
		l.tree.ReplaceOrInsert(r)
	}
	l.unacked = false
}

// Ranges returns a copy of the entries in sectors.
func (l *List) Ranges() []Range {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Range, 0, l.tree.Len())
	shift := max(l.shift, 0)
	l.tree.Ascend(func(r Range) bool {
		out = append(out, Range{Start: r.Start << shift, Len: r.Len << shift, Acked: r.Acked})
		return true
	})
	return out
}

// Encode writes the on-disk log into page and marks the list unchanged. Each record is
// (start << 10 | len) in units; unused records are all ones.
func (l *List) Encode(page []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range page {
		page[i] = 0xff
	}
	n := 0
	l.tree.Ascend(func(r Range) bool {
		if (n+1)*8 > len(page) {
			return false
		}
		binary.LittleEndian.PutUint64(page[n*8:], r.Start<<logLenBits|r.Len)
		n++
		return true
	})
	l.changed = false
	return n
}

// Load merges records from an on-disk log. Loaded entries are acknowledged.
func (l *List) Load(page []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shift < 0 {
		return fmt.Errorf("bad block log disabled: %w", types.ErrInvalidArgument)
	}
	for off := 0; off+8 <= len(page); off += 8 {
		rec := binary.LittleEndian.Uint64(page[off:])
		if rec == ^uint64(0) {
			break
		}
		start, n := rec>>logLenBits, rec&logLenMask
		if n == 0 {
			continue
		}
		if err := l.setLocked(start, n, true); err != nil {
			return err
		}
	}
	l.changed = false
	return nil
}
