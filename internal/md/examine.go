package md

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-mdraid/internal/badblocks"
	bmparser "github.com/deploymenttheory/go-mdraid/internal/parsers/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/parsers/superblock"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Examination is the on-disk metadata of a single member, read without assembling.
type Examination struct {
	Path           string             `json:"path" yaml:"path"`
	Metadata       string             `json:"metadata" yaml:"metadata"`
	ArrayUUID      string             `json:"array_uuid" yaml:"array_uuid"`
	DeviceUUID     string             `json:"device_uuid" yaml:"device_uuid"`
	Name           string             `json:"name" yaml:"name"`
	Level          int                `json:"level" yaml:"level"`
	RaidDisks      int                `json:"raid_disks" yaml:"raid_disks"`
	Created        time.Time          `json:"created" yaml:"created"`
	Updated        time.Time          `json:"updated" yaml:"updated"`
	Events         uint64             `json:"events" yaml:"events"`
	ResyncOffset   uint64             `json:"resync_offset" yaml:"resync_offset"`
	RecoveryOffset uint64             `json:"recovery_offset,omitempty" yaml:"recovery_offset,omitempty"`
	SuperOffset    uint64             `json:"super_offset" yaml:"super_offset"`
	DataOffset     uint64             `json:"data_offset" yaml:"data_offset"`
	DataSize       uint64             `json:"data_size" yaml:"data_size"`
	UsedSize       uint64             `json:"used_size" yaml:"used_size"`
	DevNumber      int                `json:"dev_number" yaml:"dev_number"`
	Role           string             `json:"role" yaml:"role"`
	Features       []string           `json:"features" yaml:"features"`
	WriteMostly    bool               `json:"write_mostly" yaml:"write_mostly"`
	Checksum       uint32             `json:"checksum" yaml:"checksum"`
	Bitmap         *types.BitmapSuper `json:"bitmap,omitempty" yaml:"bitmap,omitempty"`
	BadBlocks      []badblocks.Range  `json:"bad_blocks,omitempty" yaml:"bad_blocks,omitempty"`
}

var featureNames = []struct {
	bit  uint32
	name string
}{
	{types.FeatureBitmapOffset, "bitmap"},
	{types.FeatureRecoveryOffset, "recovery_offset"},
	{types.FeatureReshapeActive, "reshape"},
	{types.FeatureBadBlocks, "bad_blocks"},
	{types.FeatureReplacement, "replacement"},
	{types.FeatureReshapeBackwards, "reshape_backwards"},
	{types.FeatureNewOffset, "new_offset"},
	{types.FeatureRecoveryBitmap, "recovery_bitmap"},
}

func roleName(role uint16) string {
	switch role {
	case types.RoleSpare:
		return "spare"
	case types.RoleFaulty:
		return "faulty"
	case types.RoleJournal:
		return "journal"
	}
	return fmt.Sprintf("active %d", role)
}

// Examine reads the superblock, bitmap superblock and bad block log of one device. A negative
// minor probes 1.2, 1.1 then 1.0. The device is not closed.
func Examine(r *Rdev, minor int) (*Examination, error) {
	minor, _, err := probeSuper(r, nil, minor)
	if err != nil {
		return nil, err
	}
	sb := r.sb

	e := &Examination{
		Path:           r.Name(),
		Metadata:       fmt.Sprintf("1.%d", minor),
		ArrayUUID:      uuid.UUID(sb.SetUUID).String(),
		DeviceUUID:     uuid.UUID(sb.DeviceUUID).String(),
		Name:           strings.TrimRight(string(sb.SetName[:]), "\x00"),
		Level:          int(sb.Level),
		RaidDisks:      int(sb.RaidDisks),
		Created:        decodeTime(sb.Ctime),
		Updated:        decodeTime(sb.Utime),
		Events:         sb.Events,
		ResyncOffset:   sb.ResyncOffset,
		SuperOffset:    sb.SuperOffset,
		DataOffset:     sb.DataOffset,
		DataSize:       r.sectors,
		UsedSize:       sb.Size,
		DevNumber:      int(sb.DevNumber),
		Role:           "spare",
		WriteMostly:    sb.DevFlags&types.DevFlagWriteMostly != 0,
		Checksum:       sb.SbCsum,
		BadBlocks:      r.BadBlocks.Ranges(),
	}
	if sb.HasFeature(types.FeatureRecoveryOffset) {
		e.RecoveryOffset = sb.RecoveryOffset
	}
	if int(sb.DevNumber) < len(sb.DevRoles) {
		e.Role = roleName(sb.DevRoles[sb.DevNumber])
	}
	for _, f := range featureNames {
		if sb.HasFeature(f.bit) {
			e.Features = append(e.Features, f.name)
		}
	}

	if sb.HasFeature(types.FeatureBitmapOffset) {
		page := make([]byte, types.SectorSize)
		if err := r.Bdev.ReadSectors(superblock.AbsOffset(r.sbStart, sb.BitmapOffset), page); err != nil {
			return nil, fmt.Errorf("read bitmap superblock of %s: %w", r.Name(), err)
		}
		bsb, err := bmparser.DecodeSuper(page)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name(), err)
		}
		e.Bitmap = bsb
	}
	return e, nil
}
