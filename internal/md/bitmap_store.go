package md

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-mdraid/internal/parsers/superblock"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// memberStore keeps an internal bitmap next to the superblock of every active member.
type memberStore struct {
	a *Array
}

func (s *memberStore) pageSector(r *Rdev, index int) uint64 {
	return superblock.AbsOffset(r.sbStart, s.a.bitmapInfo.Offset) + uint64(index)*types.PageSectors
}

// ReadPage reads from the first in-sync member that answers.
func (s *memberStore) ReadPage(index int, page []byte) error {
	var errs error
	for _, r := range s.a.Rdevs() {
		if r.RaidDisk() < 0 || !r.Has(InSync) || r.Has(Faulty) {
			continue
		}
		err := r.Bdev.ReadSectors(s.pageSector(r, index), page)
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Name(), err))
	}
	if errs == nil {
		return fmt.Errorf("no in-sync member holds the bitmap: %w", types.ErrIO)
	}
	return errs
}

// WritePage writes to every active member. Members that fail are reported to the array; the
// write fails only when no member took it.
func (s *memberStore) WritePage(index int, page []byte) error {
	var errs error
	written := 0
	for _, r := range s.a.Rdevs() {
		if r.RaidDisk() < 0 || r.Has(Faulty) {
			continue
		}
		if err := r.Bdev.WriteSectors(s.pageSector(r, index), page); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			s.a.Error(r)
			continue
		}
		written++
	}
	if written == 0 {
		return multierr.Append(errs, fmt.Errorf("bitmap page %d not written to any member: %w", index, types.ErrIO))
	}
	return nil
}
