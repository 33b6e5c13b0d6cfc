package types

import "time"

// Write-intent bitmap
// The bitmap superblock is 256 bytes and is immediately followed by one bit per chunk.

// BitmapSuper is the decoded bitmap superblock.
type BitmapSuper struct {
	// Magic must equal BitmapMagic.
	Magic uint32

	// Version is between BitmapMajorLo and BitmapMajorHi.
	Version uint32

	// UUID matches the array set UUID.
	UUID [16]byte

	// Events mirrors the array event counter at the last superblock update.
	Events uint64

	// EventsCleared is the event count at which bits were last allowed to clear.
	EventsCleared uint64

	// SyncSize is the number of sectors covered by the bitmap.
	SyncSize uint64

	// State holds BitmapState* bits.
	State uint32

	// ChunkSize is the number of bytes covered by one bit.
	ChunkSize uint32

	// DaemonSleep is the sweep period in seconds.
	DaemonSleep uint32

	// WriteBehind is the maximum number of outstanding write-behind requests.
	WriteBehind uint32

	// SectorsReserved is the space reserved for the bitmap in sectors.
	SectorsReserved uint32

	// Nodes is reserved for clustered arrays and always zero here.
	Nodes uint32
}

const (
	// BitmapMagic is "bitm" in little-endian.
	BitmapMagic uint32 = 0x6d746962

	// BitmapMajorLo is the oldest readable bitmap version.
	BitmapMajorLo uint32 = 3

	// BitmapMajorHi is the version written by this implementation.
	BitmapMajorHi uint32 = 4

	// BitmapSuperSize is the size of the on-disk bitmap superblock.
	BitmapSuperSize = 256

	// BitmapMinChunk is the smallest chunk size in bytes.
	BitmapMinChunk = 512

	// BitmapDefaultChunk is used when no chunk size is configured.
	BitmapDefaultChunk = 64 << 20

	// BitmapDefaultDaemonSleep is the default sweep period.
	BitmapDefaultDaemonSleep = 5 * time.Second

	// BitmapDefaultWriteBehind is the default write-behind depth.
	BitmapDefaultWriteBehind = 256

	// BitmapDefaultOffset is the internal bitmap's sector offset from the superblock.
	BitmapDefaultOffset int32 = 8
)

// Bitmap superblock state bits.
const (
	BitmapStateStale      uint32 = 1 << 1
	BitmapStateWriteError uint32 = 1 << 2
	BitmapStateHostEndian uint32 = 1 << 15
)

// In-memory chunk counter layout.
const (
	CounterNeeded uint16 = 0x8000
	CounterResync uint16 = 0x4000
	CounterMax    uint16 = 0x3fff

	// CountersPerPage is the number of counters guarded by one shard lock.
	CountersPerPage = PageSize / 2
)

// Byte offsets within the bitmap superblock.
const (
	BmOffMagic           = 0
	BmOffVersion         = 4
	BmOffUUID            = 8
	BmOffEvents          = 24
	BmOffEventsCleared   = 32
	BmOffSyncSize        = 40
	BmOffState           = 48
	BmOffChunkSize       = 52
	BmOffDaemonSleep     = 56
	BmOffWriteBehind     = 60
	BmOffSectorsReserved = 64
	BmOffNodes           = 68
)
