package superblock

import (
	"fmt"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Layout is where the superblock, bitmap, bad-block log and data area live on one member.
// Offsets of the bitmap and the log are relative to SbStart, as stored in the superblock.
type Layout struct {
	SbStart      uint64
	DataOffset   uint64
	DataSize     uint64
	BitmapOffset int32
	BBLogOffset  int32
	BBLogSize    uint16
}

// SuperOffset returns the sector where a superblock of the given minor version lives on a
// device of devSectors sectors.
func SuperOffset(minor int, devSectors uint64) (uint64, error) {
	switch minor {
	case 0:
		if devSectors < 16 {
			return 0, fmt.Errorf("device of %d sectors too small for superblock: %w", devSectors, types.ErrInvalidArgument)
		}
		return (devSectors - 8*2) &^ (4*2 - 1), nil
	case 1:
		return 0, nil
	case 2:
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown superblock minor version %d: %w", minor, types.ErrInvalidArgument)
	}
}

// NewLayout places metadata for a fresh member. dataOffset is ignored for minor 0, which keeps
// its metadata at the end of the device. bitmapSectors may be zero for arrays without an
// internal bitmap.
func NewLayout(minor int, devSectors, dataOffset, bitmapSectors uint64) (Layout, error) {
	sbStart, err := SuperOffset(minor, devSectors)
	if err != nil {
		return Layout{}, err
	}

	l := Layout{SbStart: sbStart, BBLogSize: types.Sb1BBLogSectors}
	bitmapSectors = (bitmapSectors + types.PageSectors - 1) &^ (types.PageSectors - 1)

	if minor == 0 {
		reserved := types.Sb1BBLogSectors + bitmapSectors
		if sbStart < reserved+types.PageSectors {
			return Layout{}, fmt.Errorf("device of %d sectors too small for metadata: %w", devSectors, types.ErrInvalidArgument)
		}
		l.BBLogOffset = -int32(types.Sb1BBLogSectors)
		if bitmapSectors > 0 {
			l.BitmapOffset = -int32(reserved)
		}
		l.DataOffset = 0
		l.DataSize = (sbStart - reserved) &^ (types.PageSectors - 1)
		return l, nil
	}

	if dataOffset == 0 {
		dataOffset = types.Sb1DefaultDataOffset
	}
	metaEnd := sbStart + types.PageSectors + bitmapSectors
	if metaEnd+types.Sb1BBLogSectors > dataOffset {
		return Layout{}, fmt.Errorf("data offset %d leaves no room for %d bitmap sectors: %w", dataOffset, bitmapSectors, types.ErrInvalidArgument)
	}
	if devSectors <= dataOffset {
		return Layout{}, fmt.Errorf("device of %d sectors has no room for data after offset %d: %w", devSectors, dataOffset, types.ErrInvalidArgument)
	}
	if bitmapSectors > 0 {
		l.BitmapOffset = int32(types.PageSectors)
	}
	l.BBLogOffset = int32(dataOffset - types.Sb1BBLogSectors - sbStart)
	l.DataOffset = dataOffset
	l.DataSize = devSectors - dataOffset
	return l, nil
}

// AbsOffset applies a signed superblock-relative offset.
func AbsOffset(sbStart uint64, rel int32) uint64 {
	if rel < 0 {
		return sbStart - uint64(-int64(rel))
	}
	return sbStart + uint64(rel)
}
