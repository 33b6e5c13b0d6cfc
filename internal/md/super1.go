package md

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-mdraid/internal/badblocks"
	"github.com/deploymenttheory/go-mdraid/internal/parsers/superblock"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// LoadResult tells the caller whether a loaded superblock should replace the reference.
type LoadResult int

const (
	// LoadSame means the reference superblock stays authoritative.
	LoadSame LoadResult = iota
	// LoadFresher means the loaded superblock has a higher event count.
	LoadFresher
)

// LoadSuper reads and checks the version-1 superblock of the given minor version. With a
// reference device it also checks that both belong to the same array and compares events.
func LoadSuper(r *Rdev, ref *Rdev, minor int) (LoadResult, error) {
	devSectors := r.Bdev.Sectors()
	sbStart, err := superblock.SuperOffset(minor, devSectors)
	if err != nil {
		return LoadSame, err
	}
	if err := r.Bdev.ReadSectors(sbStart, r.sbPage); err != nil {
		return LoadSame, fmt.Errorf("read superblock of %s: %w", r.Name(), err)
	}
	sb, err := superblock.Decode(r.sbPage)
	if err != nil {
		return LoadSame, fmt.Errorf("%s: %w", r.Name(), err)
	}
	if sb.SuperOffset != sbStart {
		return LoadSame, fmt.Errorf("%s: superblock claims sector %d but was read from %d: %w",
			r.Name(), sb.SuperOffset, sbStart, types.ErrInvalidSuperblock)
	}
	if sb.HasFeature(types.FeatureReshapeActive) {
		return LoadSame, fmt.Errorf("%s: reshape in progress is not supported: %w", r.Name(), types.ErrInvalidSuperblock)
	}

	dataSize := sb.DataSize
	if dataSize == 0 {
		switch {
		case minor == 0:
			dataSize = sbStart
		case devSectors > sb.DataOffset:
			dataSize = devSectors - sb.DataOffset
		}
	}
	if sb.DataOffset+dataSize > devSectors || dataSize < sb.Size {
		return LoadSame, fmt.Errorf("%s: data area %d+%d does not fit device of %d sectors: %w",
			r.Name(), sb.DataOffset, dataSize, devSectors, types.ErrInvalidSuperblock)
	}

	r.sb = sb
	r.sbStart = sbStart
	r.dataOffset = sb.DataOffset
	r.sectors = dataSize
	r.descNr = int(sb.DevNumber)
	r.deviceUUID = sb.DeviceUUID
	r.sbEvents = sb.Events
	r.correctedErrors.Store(sb.CntCorrectedRead)
	if sb.HasFeature(types.FeatureBitmapOffset) {
		r.bitmapOffset = sb.BitmapOffset
	}
	if err := loadBadBlocks(r, sb); err != nil {
		return LoadSame, err
	}

	if ref == nil || ref.sb == nil {
		return LoadFresher, nil
	}
	refsb := ref.sb
	if refsb.SetUUID != sb.SetUUID {
		return LoadSame, fmt.Errorf("%s does not belong to the array of %s: %w", r.Name(), ref.Name(), types.ErrUUIDMismatch)
	}
	if refsb.Level != sb.Level || refsb.Layout != sb.Layout || refsb.ChunkSize != sb.ChunkSize {
		return LoadSame, fmt.Errorf("%s has a strangely different superblock to %s: %w", r.Name(), ref.Name(), types.ErrGeometryMismatch)
	}
	if sb.Events > refsb.Events {
		return LoadFresher, nil
	}
	return LoadSame, nil
}

func loadBadBlocks(r *Rdev, sb *types.Superblock1) error {
	r.bblogOffset = sb.BBLogOffset
	r.bblogSize = sb.BBLogSize
	if sb.BBLogSize == 0 || sb.BBLogOffset == 0 {
		r.BadBlocks = badblocks.New(-1)
		return nil
	}
	r.BadBlocks = badblocks.New(int(sb.BBLogShift))
	if !sb.HasFeature(types.FeatureBadBlocks) {
		return nil
	}

	size := int(sb.BBLogSize) << types.SectorShift
	if size > types.PageSize {
		return fmt.Errorf("%s: bad block log of %d sectors: %w", r.Name(), sb.BBLogSize, types.ErrInvalidSuperblock)
	}
	page := make([]byte, types.PageSize)
	for i := range page {
		page[i] = 0xff
	}
	if err := r.Bdev.ReadSectors(superblock.AbsOffset(r.sbStart, sb.BBLogOffset), page[:size]); err != nil {
		return fmt.Errorf("read bad block log of %s: %w", r.Name(), err)
	}
	if err := r.BadBlocks.Load(page); err != nil {
		return fmt.Errorf("%s: bad block log: %w", r.Name(), err)
	}
	return nil
}

// encodeTime packs seconds into the low 40 bits and microseconds into the high 24.
func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())&(1<<40-1) | uint64(t.Nanosecond()/1000)<<40
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v&(1<<40-1)), int64(v>>40)*1000)
}

// applySuper takes the array-wide fields from the authoritative superblock.
func (a *Array) applySuper(sb *types.Superblock1) {
	a.majorVersion = int(sb.MajorVersion)
	a.level = int(sb.Level)
	a.layout = sb.Layout
	a.chunkSectors = sb.ChunkSize
	a.raidDisks.Store(int32(sb.RaidDisks))
	a.devSectors.Store(sb.Size)
	a.uuid = uuid.UUID(sb.SetUUID)
	a.name = sb.Name()
	a.ctime = decodeTime(sb.Ctime)
	a.utime = decodeTime(sb.Utime)
	a.events.Store(sb.Events)
	a.canDecrease = false
	a.maxDev = sb.MaxDev
	a.recoveryCp.Store(sb.ResyncOffset)
	if sb.HasFeature(types.FeatureBitmapOffset) && a.bitmapInfo.File == "" {
		a.bitmapInfo.Offset = sb.BitmapOffset
	}
}

func (a *Array) checkGeometry(r *Rdev) error {
	sb := r.sb
	switch {
	case uuid.UUID(sb.SetUUID) != a.uuid:
		return fmt.Errorf("%s: %w", r.Name(), types.ErrUUIDMismatch)
	case int(sb.Level) != a.level, sb.Layout != a.layout, sb.ChunkSize != a.chunkSectors:
		return fmt.Errorf("%s: level/layout/chunk %d/%d/%d differ from array %d/%d/%d: %w", r.Name(),
			sb.Level, sb.Layout, sb.ChunkSize, a.level, a.layout, a.chunkSectors, types.ErrGeometryMismatch)
	case int(sb.RaidDisks) != a.RaidDisks() && sb.Events >= a.Events():
		return fmt.Errorf("%s: raid disks %d differ from array %d: %w", r.Name(), sb.RaidDisks, a.RaidDisks(), types.ErrGeometryMismatch)
	case sb.Size != a.DevSectors() && sb.Events >= a.Events():
		return fmt.Errorf("%s: size %d differs from array %d: %w", r.Name(), sb.Size, a.DevSectors(), types.ErrGeometryMismatch)
	}
	return nil
}

// validateSuper reconciles a loaded member with the array. freshest supplies the role table
// while assembling; the first member validated also sets the array fields.
func (a *Array) validateSuper(r *Rdev, freshest *types.Superblock1, first bool) error {
	sb := r.sb
	if sb == nil {
		return fmt.Errorf("%s has no superblock: %w", r.Name(), types.ErrInvalidSuperblock)
	}
	if first {
		a.applySuper(sb)
	} else if err := a.checkGeometry(r); err != nil {
		return err
	}

	r.SetRaidDisk(-1)
	r.flags.Clear(InSync | Faulty | WriteMostly | Replacement)
	r.savedRaidDisk = -1

	ev1 := sb.Events
	running := a.Personality() != nil
	roles := freshest
	if roles == nil {
		roles = sb
	}
	switch {
	case !running:
		role := roles.Role(uint32(r.descNr))
		if role < types.RoleJournal && ev1+1 < a.Events() {
			return fmt.Errorf("%s: events %d behind array %d: %w", r.Name(), ev1, a.Events(), types.ErrInvalidSuperblock)
		}
	case a.Bitmap() != nil:
		roles = sb
		if ev1 < a.Bitmap().EventsCleared() {
			return nil
		}
	default:
		roles = sb
		if ev1 < a.Events() {
			return nil
		}
	}

	switch role := roles.Role(uint32(r.descNr)); role {
	case types.RoleSpare:
	case types.RoleFaulty:
		r.SetFlag(Faulty)
	case types.RoleJournal:
		return fmt.Errorf("%s: journal devices are not supported: %w", r.Name(), types.ErrInvalidArgument)
	default:
		r.savedRaidDisk = int(role)
		switch {
		case running:
			// re-added: the personality puts it back in its old slot and recovers from the bitmap
			r.recoveryOffset.Store(0)
		case sb.HasFeature(types.FeatureRecoveryOffset):
			r.recoveryOffset.Store(sb.RecoveryOffset)
			r.SetRaidDisk(int(role))
		default:
			r.recoveryOffset.Store(types.MaxSector)
			r.SetFlag(InSync)
			r.SetRaidDisk(int(role))
		}
	}
	if sb.DevFlags&types.DevFlagWriteMostly != 0 {
		r.SetFlag(WriteMostly)
	}
	if sb.HasFeature(types.FeatureReplacement) {
		r.SetFlag(Replacement)
	}
	return nil
}

// syncSuper encodes the current array and member state into the member's superblock page.
func (a *Array) syncSuper(r *Rdev, rdevs []*Rdev) error {
	maxDev := a.maxDev
	for _, o := range rdevs {
		if uint32(o.descNr) >= maxDev {
			maxDev = uint32(o.descNr) + 1
		}
	}
	if maxDev > types.Sb1MaxDev {
		return fmt.Errorf("device number %d exceeds %d: %w", maxDev, types.Sb1MaxDev, types.ErrOutOfSpace)
	}
	a.maxDev = maxDev

	sb := &types.Superblock1{
		MajorVersion:     types.MdSbMajorVersion,
		SetUUID:          a.uuid,
		Ctime:            encodeTime(a.ctime),
		Level:            int32(a.level),
		Layout:           a.layout,
		Size:             a.DevSectors(),
		ChunkSize:        a.chunkSectors,
		RaidDisks:        uint32(a.RaidDisks()),
		DataOffset:       r.dataOffset,
		DataSize:         r.sectors,
		SuperOffset:      r.sbStart,
		DevNumber:        uint32(r.descNr),
		CntCorrectedRead: r.correctedErrors.Load(),
		DeviceUUID:       r.deviceUUID,
		Utime:            encodeTime(a.utime),
		Events:           a.Events(),
		MaxDev:           maxDev,
	}
	copy(sb.SetName[:], a.name)
	if a.InSync() {
		sb.ResyncOffset = a.RecoveryCp()
	}
	if a.bitmapInfo.Offset != 0 && a.bitmapInfo.File == "" {
		sb.FeatureMap |= types.FeatureBitmapOffset
		sb.BitmapOffset = a.bitmapInfo.Offset
	}
	if r.RaidDisk() >= 0 && !r.Has(InSync) {
		sb.FeatureMap |= types.FeatureRecoveryOffset
		sb.RecoveryOffset = r.RecoveryOffset()
		if r.savedRaidDisk >= 0 && a.Bitmap() != nil {
			sb.FeatureMap |= types.FeatureRecoveryBitmap
		}
	}
	if r.Has(Replacement) {
		sb.FeatureMap |= types.FeatureReplacement
	}
	if r.Has(WriteMostly) {
		sb.DevFlags |= types.DevFlagWriteMostly
	}

	if r.bblogSize > 0 && !r.BadBlocks.Disabled() {
		sb.FeatureMap |= types.FeatureBadBlocks
		sb.BBLogShift = uint8(r.BadBlocks.Shift())
		sb.BBLogSize = r.bblogSize
		sb.BBLogOffset = r.bblogOffset
		if r.BadBlocks.Changed() {
			if r.bbPage == nil {
				r.bbPage = make([]byte, types.PageSize)
			}
			r.BadBlocks.Encode(r.bbPage)
			r.bbDirty = true
		}
	}

	sb.DevRoles = make([]uint16, maxDev)
	for i := range sb.DevRoles {
		sb.DevRoles[i] = types.RoleSpare
	}
	for _, o := range rdevs {
		switch {
		case o.Has(Faulty):
			sb.DevRoles[o.descNr] = types.RoleFaulty
		case o.RaidDisk() >= 0:
			sb.DevRoles[o.descNr] = uint16(o.RaidDisk())
		default:
			sb.DevRoles[o.descNr] = types.RoleSpare
		}
	}

	data, err := superblock.Encode(sb)
	if err != nil {
		return fmt.Errorf("%s: %w", r.Name(), err)
	}
	copy(r.sbPage, data)
	r.sb = sb
	return nil
}

// writeSuper writes the encoded superblock and, when it changed, the bad-block log.
func (r *Rdev) writeSuper() error {
	if err := r.Bdev.WriteSectors(r.sbStart, r.sbPage); err != nil {
		return fmt.Errorf("write superblock of %s: %w", r.Name(), err)
	}
	if r.bbDirty && r.bblogSize > 0 {
		n := min(int(r.bblogSize)<<types.SectorShift, len(r.bbPage))
		if err := r.Bdev.WriteSectors(superblock.AbsOffset(r.sbStart, r.bblogOffset), r.bbPage[:n]); err != nil {
			return fmt.Errorf("write bad block log of %s: %w", r.Name(), err)
		}
		r.bbDirty = false
	}
	if err := r.Bdev.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", r.Name(), err)
	}
	return nil
}

// initRdev lays out metadata on a device that has no superblock for this array yet.
func (a *Array) initRdev(r *Rdev, dataOffset, bitmapSectors uint64) error {
	l, err := superblock.NewLayout(a.minorVersion, r.Bdev.Sectors(), dataOffset, bitmapSectors)
	if err != nil {
		return fmt.Errorf("%s: %w", r.Name(), err)
	}
	r.applyLayout(l)
	r.deviceUUID = uuid.New()
	r.recoveryOffset.Store(0)
	return nil
}
