package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

var le = binary.LittleEndian

// Decode parses a version-1 superblock image. It checks the header, the role table bounds
// and the checksum; it does not check that SuperOffset matches the read location.
func Decode(data []byte) (*types.Superblock1, error) {
	if len(data) < types.Sb1HeaderSize {
		return nil, fmt.Errorf("data too small for superblock: %d bytes: %w", len(data), types.ErrInvalidSuperblock)
	}

	if magic := le.Uint32(data[0:4]); magic != types.MdSbMagic {
		return nil, fmt.Errorf("invalid superblock magic: got 0x%08x, want 0x%08x: %w", magic, types.MdSbMagic, types.ErrInvalidSuperblock)
	}
	if major := le.Uint32(data[4:8]); major != types.MdSbMajorVersion {
		return nil, fmt.Errorf("unsupported superblock major version %d: %w", major, types.ErrInvalidSuperblock)
	}

	maxDev := le.Uint32(data[220:224])
	if maxDev > types.Sb1MaxDev {
		return nil, fmt.Errorf("max_dev %d exceeds %d: %w", maxDev, types.Sb1MaxDev, types.ErrInvalidSuperblock)
	}
	size := types.SuperblockSize(maxDev)
	if len(data) < size {
		return nil, fmt.Errorf("data too small for %d device roles: %d bytes: %w", maxDev, len(data), types.ErrInvalidSuperblock)
	}

	if got, want := le.Uint32(data[216:220]), Checksum(data, maxDev); got != want {
		return nil, fmt.Errorf("superblock checksum mismatch: got 0x%08x, want 0x%08x: %w", got, want, types.ErrInvalidSuperblock)
	}

	sb := parse(data, maxDev)
	if sb.FeatureMap&^types.FeatureAll != 0 {
		return nil, fmt.Errorf("unknown feature bits 0x%x: %w", sb.FeatureMap&^types.FeatureAll, types.ErrInvalidSuperblock)
	}
	return sb, nil
}

// parse decodes fields without validation
func parse(data []byte, maxDev uint32) *types.Superblock1 {
	sb := &types.Superblock1{}

	sb.Magic = le.Uint32(data[0:4])
	sb.MajorVersion = le.Uint32(data[4:8])
	sb.FeatureMap = le.Uint32(data[8:12])
	sb.Pad0 = le.Uint32(data[12:16])
	copy(sb.SetUUID[:], data[16:32])
	copy(sb.SetName[:], data[32:64])
	sb.Ctime = le.Uint64(data[64:72])
	sb.Level = int32(le.Uint32(data[72:76]))
	sb.Layout = le.Uint32(data[76:80])
	sb.Size = le.Uint64(data[80:88])
	sb.ChunkSize = le.Uint32(data[88:92])
	sb.RaidDisks = le.Uint32(data[92:96])
	sb.BitmapOffset = int32(le.Uint32(data[96:100]))

	// Reshape
	sb.NewLevel = int32(le.Uint32(data[100:104]))
	sb.ReshapePosition = le.Uint64(data[104:112])
	sb.DeltaDisks = int32(le.Uint32(data[112:116]))
	sb.NewLayout = le.Uint32(data[116:120])
	sb.NewChunk = le.Uint32(data[120:124])
	sb.NewOffset = int32(le.Uint32(data[124:128]))

	// Device
	sb.DataOffset = le.Uint64(data[128:136])
	sb.DataSize = le.Uint64(data[136:144])
	sb.SuperOffset = le.Uint64(data[144:152])
	sb.RecoveryOffset = le.Uint64(data[152:160])
	sb.DevNumber = le.Uint32(data[160:164])
	sb.CntCorrectedRead = le.Uint32(data[164:168])
	copy(sb.DeviceUUID[:], data[168:184])
	sb.DevFlags = data[184]
	sb.BBLogShift = data[185]
	sb.BBLogSize = le.Uint16(data[186:188])
	sb.BBLogOffset = int32(le.Uint32(data[188:192]))

	// Array state
	sb.Utime = le.Uint64(data[192:200])
	sb.Events = le.Uint64(data[200:208])
	sb.ResyncOffset = le.Uint64(data[208:216])
	sb.SbCsum = le.Uint32(data[216:220])
	sb.MaxDev = maxDev

	sb.DevRoles = make([]uint16, maxDev)
	for i := range sb.DevRoles {
		off := types.Sb1OffDevRoles + 2*i
		sb.DevRoles[i] = le.Uint16(data[off : off+2])
	}
	return sb
}

// Encode serialises sb into a superblock page and stores a fresh checksum in both the
// page and sb.SbCsum. Magic and MajorVersion are always written as the v1 constants.
func Encode(sb *types.Superblock1) ([]byte, error) {
	if sb.MaxDev > types.Sb1MaxDev {
		return nil, fmt.Errorf("max_dev %d exceeds %d: %w", sb.MaxDev, types.Sb1MaxDev, types.ErrInvalidArgument)
	}
	if len(sb.DevRoles) > int(sb.MaxDev) {
		return nil, fmt.Errorf("%d device roles do not fit max_dev %d: %w", len(sb.DevRoles), sb.MaxDev, types.ErrInvalidArgument)
	}

	data := make([]byte, types.Sb1PageSize)
	sb.Magic = types.MdSbMagic
	sb.MajorVersion = types.MdSbMajorVersion

	le.PutUint32(data[0:4], sb.Magic)
	le.PutUint32(data[4:8], sb.MajorVersion)
	le.PutUint32(data[8:12], sb.FeatureMap)
	le.PutUint32(data[12:16], 0)
	copy(data[16:32], sb.SetUUID[:])
	copy(data[32:64], sb.SetName[:])
	le.PutUint64(data[64:72], sb.Ctime)
	le.PutUint32(data[72:76], uint32(sb.Level))
	le.PutUint32(data[76:80], sb.Layout)
	le.PutUint64(data[80:88], sb.Size)
	le.PutUint32(data[88:92], sb.ChunkSize)
	le.PutUint32(data[92:96], sb.RaidDisks)
	le.PutUint32(data[96:100], uint32(sb.BitmapOffset))

	le.PutUint32(data[100:104], uint32(sb.NewLevel))
	le.PutUint64(data[104:112], sb.ReshapePosition)
	le.PutUint32(data[112:116], uint32(sb.DeltaDisks))
	le.PutUint32(data[116:120], sb.NewLayout)
	le.PutUint32(data[120:124], sb.NewChunk)
	le.PutUint32(data[124:128], uint32(sb.NewOffset))

	le.PutUint64(data[128:136], sb.DataOffset)
	le.PutUint64(data[136:144], sb.DataSize)
	le.PutUint64(data[144:152], sb.SuperOffset)
	le.PutUint64(data[152:160], sb.RecoveryOffset)
	le.PutUint32(data[160:164], sb.DevNumber)
	le.PutUint32(data[164:168], sb.CntCorrectedRead)
	copy(data[168:184], sb.DeviceUUID[:])
	data[184] = sb.DevFlags
	data[185] = sb.BBLogShift
	le.PutUint16(data[186:188], sb.BBLogSize)
	le.PutUint32(data[188:192], uint32(sb.BBLogOffset))

	le.PutUint64(data[192:200], sb.Utime)
	le.PutUint64(data[200:208], sb.Events)
	le.PutUint64(data[208:216], sb.ResyncOffset)
	le.PutUint32(data[220:224], sb.MaxDev)

	// Roles beyond the supplied table are faulty so that a stale desc_nr never claims a slot.
	for i := 0; i < int(sb.MaxDev); i++ {
		role := types.RoleFaulty
		if i < len(sb.DevRoles) {
			role = sb.DevRoles[i]
		}
		off := types.Sb1OffDevRoles + 2*i
		le.PutUint16(data[off:off+2], role)
	}

	sb.SbCsum = Checksum(data, sb.MaxDev)
	le.PutUint32(data[216:220], sb.SbCsum)
	return data, nil
}

// Checksum computes the v1 superblock checksum over the header and maxDev roles. The stored
// checksum field is treated as zero.
func Checksum(data []byte, maxDev uint32) uint32 {
	size := types.SuperblockSize(maxDev)
	var sum uint64
	i := 0
	for ; i+4 <= size; i += 4 {
		if i == types.Sb1OffSbCsum {
			continue
		}
		sum += uint64(le.Uint32(data[i : i+4]))
	}
	if size-i == 2 {
		sum += uint64(le.Uint16(data[i : i+2]))
	}
	return uint32((sum & 0xffffffff) + (sum >> 32))
}

// Sectors returns the number of sectors the superblock occupies on disk for maxDev roles.
func Sectors(maxDev uint32) uint64 {
	return (uint64(types.SuperblockSize(maxDev)) + types.SectorSize - 1) >> types.SectorShift
}
