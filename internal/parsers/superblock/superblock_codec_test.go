package superblock

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// createTestSuperblock creates a populated superblock for a two-way mirror
func createTestSuperblock(maxDev uint32) *types.Superblock1 {
	sb := &types.Superblock1{
		FeatureMap:     types.FeatureBitmapOffset | types.FeatureBadBlocks,
		Ctime:          1700000000,
		Level:          1,
		Size:           2048,
		RaidDisks:      2,
		BitmapOffset:   8,
		DataOffset:     2048,
		DataSize:       4096,
		SuperOffset:    8,
		RecoveryOffset: 0,
		DevNumber:      1,
		DevFlags:       types.DevFlagWriteMostly,
		BBLogSize:      8,
		BBLogOffset:    2032,
		Utime:          1700000100,
		Events:         42,
		ResyncOffset:   types.MaxSector,
		MaxDev:         maxDev,
	}
	id := uuid.MustParse("8b4e2c9a-1f5d-4a3e-9c7b-0d2e6f8a1b3c")
	copy(sb.SetUUID[:], id[:])
	dev := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	copy(sb.DeviceUUID[:], dev[:])
	copy(sb.SetName[:], "host:md0")

	sb.DevRoles = make([]uint16, maxDev)
	for i := range sb.DevRoles {
		sb.DevRoles[i] = types.RoleSpare
	}
	sb.DevRoles[0] = 0
	sb.DevRoles[1] = 1
	return sb
}

// createTestSuperblockData builds a raw image with an arbitrary magic and a valid checksum
func createTestSuperblockData(magic, major, maxDev uint32) []byte {
	data := make([]byte, types.Sb1PageSize)
	binary.LittleEndian.PutUint32(data[0:4], magic)
	binary.LittleEndian.PutUint32(data[4:8], major)
	binary.LittleEndian.PutUint32(data[72:76], 1)
	binary.LittleEndian.PutUint32(data[92:96], 2)
	binary.LittleEndian.PutUint32(data[220:224], maxDev)
	if maxDev <= types.Sb1MaxDev {
		binary.LittleEndian.PutUint32(data[216:220], Checksum(data, maxDev))
	}
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		maxDev uint32
	}{
		{"even role count", 384},
		{"odd role count", 3},
		{"full page", types.Sb1MaxDev},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := createTestSuperblock(tt.maxDev)
			data, err := Encode(sb)
			require.NoError(t, err)
			assert.Len(t, data, types.Sb1PageSize)

			got, err := Decode(data)
			require.NoError(t, err)
			if diff := cmp.Diff(sb, got); diff != "" {
				t.Errorf("decoded superblock mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, "host:md0", got.Name())
			assert.Equal(t, uint16(1), got.Role(1))
			assert.Equal(t, types.RoleSpare, got.Role(tt.maxDev+10))
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short buffer", make([]byte, 100)},
		{"bad magic", createTestSuperblockData(0xdeadbeef, 1, 16)},
		{"bad major version", createTestSuperblockData(types.MdSbMagic, 0, 16)},
		{"max_dev beyond one page", createTestSuperblockData(types.MdSbMagic, 1, types.Sb1MaxDev+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, types.ErrInvalidSuperblock)
		})
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	data, err := Encode(createTestSuperblock(16))
	require.NoError(t, err)
	_, err = Decode(data)
	require.NoError(t, err)

	// Flip one bit in the events field and in a role entry.
	for _, off := range []int{types.Sb1OffEvents, types.Sb1OffDevRoles + 6} {
		corrupt := append([]byte(nil), data...)
		corrupt[off] ^= 0x01
		_, err := Decode(corrupt)
		assert.ErrorIs(t, err, types.ErrInvalidSuperblock, "offset %d", off)
	}

	// Bytes past the role table are not covered.
	tail := append([]byte(nil), data...)
	tail[types.SuperblockSize(16)+10] = 0xff
	_, err = Decode(tail)
	assert.NoError(t, err)
}

func TestChecksumFoldsCarry(t *testing.T) {
	data := make([]byte, types.Sb1PageSize)
	for i := 0; i < types.Sb1HeaderSize; i += 4 {
		binary.LittleEndian.PutUint32(data[i:i+4], 0xffffffff)
	}
	// 63 words of 0xffffffff (the checksum word is skipped)
	var sum uint64 = 63 * 0xffffffff
	want := uint32((sum & 0xffffffff) + (sum >> 32))
	assert.Equal(t, want, Checksum(data, 0))
}

func TestEncodeRejectsOversizedRoles(t *testing.T) {
	sb := createTestSuperblock(4)
	sb.DevRoles = append(sb.DevRoles, 0)
	_, err := Encode(sb)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestSectors(t *testing.T) {
	assert.Equal(t, uint64(1), Sectors(0))
	assert.Equal(t, uint64(1), Sectors(128))
	assert.Equal(t, uint64(2), Sectors(129))
	assert.Equal(t, uint64(8), Sectors(types.Sb1MaxDev))
}
