package bitmap

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

var le = binary.LittleEndian

// DecodeSuper parses the 256-byte bitmap superblock and validates its header fields.
func DecodeSuper(data []byte) (*types.BitmapSuper, error) {
	if len(data) < types.BitmapSuperSize {
		return nil, fmt.Errorf("data too small for bitmap superblock: %d bytes: %w", len(data), types.ErrInvalidSuperblock)
	}

	sb := &types.BitmapSuper{
		Magic:           le.Uint32(data[0:4]),
		Version:         le.Uint32(data[4:8]),
		Events:          le.Uint64(data[24:32]),
		EventsCleared:   le.Uint64(data[32:40]),
		SyncSize:        le.Uint64(data[40:48]),
		State:           le.Uint32(data[48:52]),
		ChunkSize:       le.Uint32(data[52:56]),
		DaemonSleep:     le.Uint32(data[56:60]),
		WriteBehind:     le.Uint32(data[60:64]),
		SectorsReserved: le.Uint32(data[64:68]),
		Nodes:           le.Uint32(data[68:72]),
	}
	copy(sb.UUID[:], data[8:24])

	if sb.Magic != types.BitmapMagic {
		return nil, fmt.Errorf("invalid bitmap magic: got 0x%08x, want 0x%08x: %w", sb.Magic, types.BitmapMagic, types.ErrInvalidSuperblock)
	}
	if sb.Version < types.BitmapMajorLo || sb.Version > types.BitmapMajorHi {
		return nil, fmt.Errorf("unsupported bitmap version %d: %w", sb.Version, types.ErrInvalidSuperblock)
	}
	if sb.ChunkSize < types.BitmapMinChunk || sb.ChunkSize&(sb.ChunkSize-1) != 0 {
		return nil, fmt.Errorf("bitmap chunk size %d is not a power of two of at least %d: %w", sb.ChunkSize, types.BitmapMinChunk, types.ErrInvalidSuperblock)
	}
	if sb.WriteBehind > uint32(types.CounterMax) {
		return nil, fmt.Errorf("bitmap write-behind %d exceeds %d: %w", sb.WriteBehind, types.CounterMax, types.ErrInvalidSuperblock)
	}
	return sb, nil
}

// EncodeSuper writes sb into the first 256 bytes of page.
func EncodeSuper(sb *types.BitmapSuper, page []byte) error {
	if len(page) < types.BitmapSuperSize {
		return fmt.Errorf("page too small for bitmap superblock: %d bytes: %w", len(page), types.ErrInvalidArgument)
	}
	for i := range page[:types.BitmapSuperSize] {
		page[i] = 0
	}
	le.PutUint32(page[0:4], types.BitmapMagic)
	le.PutUint32(page[4:8], sb.Version)
	copy(page[8:24], sb.UUID[:])
	le.PutUint64(page[24:32], sb.Events)
	le.PutUint64(page[32:40], sb.EventsCleared)
	le.PutUint64(page[40:48], sb.SyncSize)
	le.PutUint32(page[48:52], sb.State)
	le.PutUint32(page[52:56], sb.ChunkSize)
	le.PutUint32(page[56:60], sb.DaemonSleep)
	le.PutUint32(page[60:64], sb.WriteBehind)
	le.PutUint32(page[64:68], sb.SectorsReserved)
	le.PutUint32(page[68:72], sb.Nodes)
	return nil
}
