package types

// Version-1 superblock (pages of the md on-disk format)
// The superblock occupies a 256-byte fixed header followed by a table of 16-bit device roles.
// All multi-byte fields are little-endian.

// Superblock1 is the decoded form of a version-1 member superblock.
type Superblock1 struct {
	// Magic must equal MdSbMagic.
	Magic uint32

	// MajorVersion is always 1.
	MajorVersion uint32

	// FeatureMap is a bit set of Feature* values describing optional fields.
	FeatureMap uint32

	// Pad0 is reserved and always zero.
	Pad0 uint32

	// SetUUID identifies the array. Every member carries the same value.
	SetUUID [16]byte

	// SetName is the NUL-padded human readable array name.
	SetName [32]byte

	// Ctime is the creation time: low 40 bits seconds, high 24 bits microseconds.
	Ctime uint64

	// Level is the RAID level (1 for mirrors).
	Level int32

	// Layout is personality specific and zero for mirrors.
	Layout uint32

	// Size is the number of sectors used from each member's data area.
	Size uint64

	// ChunkSize is in sectors; zero for mirrors.
	ChunkSize uint32

	// RaidDisks is the number of active slots.
	RaidDisks uint32

	// BitmapOffset is the signed sector offset of the internal bitmap relative to the superblock.
	// Only meaningful when FeatureBitmapOffset is set.
	BitmapOffset int32

	// Reshape fields, valid when FeatureReshapeActive is set.
	NewLevel        int32
	ReshapePosition uint64
	DeltaDisks      int32
	NewLayout       uint32
	NewChunk        uint32
	NewOffset       int32

	// DataOffset is the sector where the data area starts on this member.
	DataOffset uint64

	// DataSize is the number of usable sectors in the data area.
	DataSize uint64

	// SuperOffset is the sector where this superblock lives; it must match the read location.
	SuperOffset uint64

	// RecoveryOffset is how far recovery onto this member progressed. Valid with FeatureRecoveryOffset.
	RecoveryOffset uint64

	// DevNumber is this member's index into DevRoles.
	DevNumber uint32

	// CntCorrectedRead counts read errors that were corrected by rewriting.
	CntCorrectedRead uint32

	// DeviceUUID identifies this member.
	DeviceUUID [16]byte

	// DevFlags holds DevFlag* bits.
	DevFlags uint8

	// BBLogShift is the granularity (log2 sectors) of the bad-block log.
	BBLogShift uint8

	// BBLogSize is the size of the bad-block log in sectors; zero disables it.
	BBLogSize uint16

	// BBLogOffset is the signed sector offset of the bad-block log relative to the superblock.
	BBLogOffset int32

	// Utime is the last update time in the same encoding as Ctime.
	Utime uint64

	// Events is the monotonically increasing update counter.
	Events uint64

	// ResyncOffset is the array resync checkpoint; MaxSector when clean.
	ResyncOffset uint64

	// SbCsum covers the header and DevRoles.
	SbCsum uint32

	// MaxDev is the number of entries in DevRoles.
	MaxDev uint32

	// DevRoles maps DevNumber to a slot or one of the Role* markers.
	DevRoles []uint16
}

const (
	// MdSbMagic identifies a version-1 superblock.
	MdSbMagic uint32 = 0xa92b4efc

	// MdSbMajorVersion is the only supported major version.
	MdSbMajorVersion uint32 = 1

	// Sb1HeaderSize is the size of the fixed header.
	Sb1HeaderSize = 256

	// Sb1PageSize is the space reserved for the superblock on each member.
	Sb1PageSize = 4096

	// Sb1MaxDev bounds DevRoles so the whole superblock fits in one page.
	Sb1MaxDev = (Sb1PageSize - Sb1HeaderSize) / 2

	// Sb1DefaultMaxDev is used for freshly created arrays.
	Sb1DefaultMaxDev = 384

	// Sb1DefaultDataOffset is the data area start for minor versions 1 and 2.
	Sb1DefaultDataOffset uint64 = 2048

	// Sb1BBLogSectors is the space reserved for the bad-block log.
	Sb1BBLogSectors = 8
)

// Device role markers stored in DevRoles.
const (
	RoleSpare   uint16 = 0xffff
	RoleFaulty  uint16 = 0xfffe
	RoleJournal uint16 = 0xfffd
)

// Feature map bits.
const (
	FeatureBitmapOffset     uint32 = 1
	FeatureRecoveryOffset   uint32 = 2
	FeatureReshapeActive    uint32 = 4
	FeatureBadBlocks        uint32 = 8
	FeatureReplacement      uint32 = 16
	FeatureReshapeBackwards uint32 = 32
	FeatureNewOffset        uint32 = 64
	FeatureRecoveryBitmap   uint32 = 128

	// FeatureAll is every feature bit this implementation can load.
	FeatureAll = FeatureBitmapOffset | FeatureRecoveryOffset | FeatureReshapeActive |
		FeatureBadBlocks | FeatureReplacement | FeatureReshapeBackwards |
		FeatureNewOffset | FeatureRecoveryBitmap
)

// Per-device flag bits.
const (
	DevFlagWriteMostly uint8 = 1
	DevFlagFailFast    uint8 = 2
)

// Byte offsets of the fixed header fields.
const (
	Sb1OffMagic           = 0
	Sb1OffMajorVersion    = 4
	Sb1OffFeatureMap      = 8
	Sb1OffPad0            = 12
	Sb1OffSetUUID         = 16
	Sb1OffSetName         = 32
	Sb1OffCtime           = 64
	Sb1OffLevel           = 72
	Sb1OffLayout          = 76
	Sb1OffSize            = 80
	Sb1OffChunkSize       = 88
	Sb1OffRaidDisks       = 92
	Sb1OffBitmapOffset    = 96
	Sb1OffNewLevel        = 100
	Sb1OffReshapePosition = 104
	Sb1OffDeltaDisks      = 112
	Sb1OffNewLayout       = 116
	Sb1OffNewChunk        = 120
	Sb1OffNewOffset       = 124
	Sb1OffDataOffset      = 128
	Sb1OffDataSize        = 136
	Sb1OffSuperOffset     = 144
	Sb1OffRecoveryOffset  = 152
	Sb1OffDevNumber       = 160
	Sb1OffCntCorrected    = 164
	Sb1OffDeviceUUID      = 168
	Sb1OffDevFlags        = 184
	Sb1OffBBLogShift      = 185
	Sb1OffBBLogSize       = 186
	Sb1OffBBLogOffset     = 188
	Sb1OffUtime           = 192
	Sb1OffEvents          = 200
	Sb1OffResyncOffset    = 208
	Sb1OffSbCsum          = 216
	Sb1OffMaxDev          = 220
	Sb1OffPad3            = 224
	Sb1OffDevRoles        = 256
)

// SuperblockSize returns the number of bytes covered by the checksum for maxDev roles.
func SuperblockSize(maxDev uint32) int {
	return Sb1HeaderSize + 2*int(maxDev)
}

// Name returns SetName without trailing NULs.
func (sb *Superblock1) Name() string {
	n := 0
	for n < len(sb.SetName) && sb.SetName[n] != 0 {
		n++
	}
	return string(sb.SetName[:n])
}

// Role returns the role stored for devNumber, or RoleSpare when out of range.
func (sb *Superblock1) Role(devNumber uint32) uint16 {
	if devNumber >= sb.MaxDev || int(devNumber) >= len(sb.DevRoles) {
		return RoleSpare
	}
	return sb.DevRoles[devNumber]
}

// HasFeature reports whether all bits in f are set in FeatureMap.
func (sb *Superblock1) HasFeature(f uint32) bool {
	return sb.FeatureMap&f == f
}
