package types

// Sector addressing
// All array, device and bitmap positions are expressed in 512-byte sectors.

const (
	// SectorSize is the size of one addressable unit in bytes.
	SectorSize = 512

	// SectorShift converts between bytes and sectors.
	SectorShift = 9

	// PageSize is the unit used for metadata pages and resync buffers.
	PageSize = 4096

	// PageSectors is the number of sectors in one page.
	PageSectors = PageSize / SectorSize

	// MaxSector marks "no limit" for checkpoints and recovery offsets.
	MaxSector uint64 = ^uint64(0)
)

// SectorsToBytes converts a sector count to a byte count.
func SectorsToBytes(sectors uint64) uint64 {
	return sectors << SectorShift
}

// BytesToSectors converts a byte count to whole sectors, rounding down.
func BytesToSectors(n uint64) uint64 {
	return n >> SectorShift
}

// Array levels understood by the personality registry.
const (
	LevelMultipath = -4
	LevelLinear    = -1
	LevelRaid0     = 0
	LevelRaid1     = 1
	LevelRaid4     = 4
	LevelRaid5     = 5
	LevelRaid6     = 6
	LevelRaid10    = 10
)

// ReadOnlyState is the array's writability.
type ReadOnlyState int32

const (
	// ReadWrite arrays accept writes.
	ReadWrite ReadOnlyState = 0

	// ReadOnly arrays reject writes with ErrReadOnly.
	ReadOnly ReadOnlyState = 1

	// AutoReadOnly arrays switch to ReadWrite on the first write.
	AutoReadOnly ReadOnlyState = 2
)

func (s ReadOnlyState) String() string {
	switch s {
	case ReadOnly:
		return "readonly"
	case AutoReadOnly:
		return "read-auto"
	default:
		return "read-write"
	}
}
