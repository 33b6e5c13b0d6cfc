package md

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deploymenttheory/go-mdraid/internal/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// DeviceStatus describes one member.
type DeviceStatus struct {
	Path            string   `json:"path" yaml:"path"`
	DescNr          int      `json:"desc_nr" yaml:"desc_nr"`
	Slot            int      `json:"slot" yaml:"slot"`
	State           []string `json:"state" yaml:"state"`
	RecoveryOffset  uint64   `json:"recovery_offset" yaml:"recovery_offset"`
	DataOffset      uint64   `json:"data_offset" yaml:"data_offset"`
	Sectors         uint64   `json:"sectors" yaml:"sectors"`
	Events          uint64   `json:"events" yaml:"events"`
	CorrectedErrors uint32   `json:"corrected_errors" yaml:"corrected_errors"`
	BadBlocks       int      `json:"bad_blocks" yaml:"bad_blocks"`
	UnackedBad      bool     `json:"unacknowledged_bad_blocks" yaml:"unacknowledged_bad_blocks"`
}

// ArrayStatus is a point-in-time snapshot of an array.
type ArrayStatus struct {
	Device         string         `json:"device" yaml:"device"`
	Name           string         `json:"name" yaml:"name"`
	UUID           string         `json:"uuid" yaml:"uuid"`
	Metadata       string         `json:"metadata" yaml:"metadata"`
	Level          string         `json:"level" yaml:"level"`
	State          string         `json:"state" yaml:"state"`
	RaidDisks      int            `json:"raid_disks" yaml:"raid_disks"`
	ActiveDisks    int            `json:"active_disks" yaml:"active_disks"`
	Degraded       int            `json:"degraded" yaml:"degraded"`
	ArraySectors   uint64         `json:"array_sectors" yaml:"array_sectors"`
	DevSectors     uint64         `json:"dev_sectors" yaml:"dev_sectors"`
	Events         uint64         `json:"events" yaml:"events"`
	Created        time.Time      `json:"created" yaml:"created"`
	Updated        time.Time      `json:"updated" yaml:"updated"`
	RecoveryCp     uint64         `json:"resync_checkpoint" yaml:"resync_checkpoint"`
	SyncAction     string         `json:"sync_action" yaml:"sync_action"`
	LastSyncAction string         `json:"last_sync_action" yaml:"last_sync_action"`
	SyncCompleted  uint64         `json:"sync_completed" yaml:"sync_completed"`
	SyncMax        uint64         `json:"sync_max" yaml:"sync_max"`
	SyncSpeed      uint64         `json:"sync_speed_kib" yaml:"sync_speed_kib"`
	MismatchCount  uint64         `json:"mismatch_count" yaml:"mismatch_count"`
	Personality    string         `json:"personality_status" yaml:"personality_status"`
	Bitmap         *bitmap.Stats  `json:"bitmap,omitempty" yaml:"bitmap,omitempty"`
	Devices        []DeviceStatus `json:"devices" yaml:"devices"`
}

// Syncing reports whether a resync or recovery pass is in progress.
func (s *ArrayStatus) Syncing() bool {
	return s.SyncAction != ActionIdle && s.SyncAction != ActionFrozen && s.SyncMax > 0
}

func deviceState(r *Rdev) []string {
	var state []string
	f := r.Flags()
	switch {
	case f&Faulty != 0:
		state = append(state, "faulty")
	case f&InSync != 0:
		state = append(state, "in_sync")
	case r.RaidDisk() >= 0:
		state = append(state, "rebuilding")
	default:
		state = append(state, "spare")
	}
	for _, n := range []struct {
		f    RdevFlag
		name string
	}{
		{WriteMostly, "write_mostly"},
		{Blocked, "blocked"},
		{WriteErrorSeen, "write_error"},
		{WantReplacement, "want_replacement"},
		{Replacement, "replacement"},
	} {
		if f&n.f != 0 {
			state = append(state, n.name)
		}
	}
	return state
}

// state follows the array_state names: inactive, clean, active, readonly and read-auto.
func (a *Array) state() string {
	switch {
	case a.Personality() == nil:
		return "inactive"
	case a.ReadOnly() == types.ReadOnly:
		return "readonly"
	case a.ReadOnly() == types.AutoReadOnly:
		return "read-auto"
	case a.InSync():
		return "clean"
	case a.sbFlags.Has(SbChangePending):
		return "write-pending"
	default:
		return "active"
	}
}

// Status takes a snapshot under the reconfiguration lock.
func (a *Array) Status(ctx context.Context) (*ArrayStatus, error) {
	if err := a.Lock(ctx); err != nil {
		return nil, err
	}
	defer a.reconfig.Release(1)
	return a.statusLocked(), nil
}

func (a *Array) statusLocked() *ArrayStatus {
	s := &ArrayStatus{
		Device:         a.DevName(),
		Name:           a.Name(),
		UUID:           a.uuid.String(),
		Metadata:       fmt.Sprintf("%d.%d", a.majorVersion, a.minorVersion),
		State:          a.state(),
		RaidDisks:      a.RaidDisks(),
		Degraded:       a.Degraded(),
		ArraySectors:   a.ArraySectors(),
		DevSectors:     a.DevSectors(),
		Events:         a.Events(),
		Created:        a.ctime,
		Updated:        a.utime,
		RecoveryCp:     a.RecoveryCp(),
		SyncAction:     a.SyncAction(),
		LastSyncAction: a.LastSyncAction(),
		MismatchCount:  a.MismatchCount(),
	}
	if pers := a.Personality(); pers != nil {
		s.Level = pers.Name()
		var buf bytes.Buffer
		pers.Status(&buf)
		s.Personality = buf.String()
	} else {
		s.Level = fmt.Sprintf("raid%d", a.level)
	}
	if a.recovery.Has(RecoveryRunning) {
		s.SyncCompleted = a.CurrResyncCompleted()
		if a.recovery.Has(RecoverySync) {
			s.SyncMax = a.ResyncMaxSectors()
		} else {
			s.SyncMax = a.DevSectors()
		}
		s.SyncSpeed = a.SyncSpeed()
	}
	if bm := a.Bitmap(); bm != nil {
		st := bm.Stats()
		s.Bitmap = &st
	}
	for _, r := range a.Rdevs() {
		if r.RaidDisk() >= 0 && r.Has(InSync) && !r.Has(Faulty) {
			s.ActiveDisks++
		}
		s.Devices = append(s.Devices, DeviceStatus{
			Path:            r.Name(),
			DescNr:          r.DescNr(),
			Slot:            r.RaidDisk(),
			State:           deviceState(r),
			RecoveryOffset:  r.RecoveryOffset(),
			DataOffset:      r.DataOffset(),
			Sectors:         r.Sectors(),
			Events:          r.sbEvents,
			CorrectedErrors: r.CorrectedErrors(),
			BadBlocks:       r.BadBlocks.Len(),
			UnackedBad:      r.BadBlocks.HasUnacked(),
		})
	}
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].DescNr < s.Devices[j].DescNr })
	return s
}

// Mdstat renders the status in the layout of /proc/mdstat.
func (s *ArrayStatus) Mdstat() string {
	var b strings.Builder
	state := "active"
	switch s.State {
	case "inactive":
		state = "inactive"
	case "readonly":
		state = "active (read-only)"
	case "read-auto":
		state = "active (auto-read-only)"
	}
	fmt.Fprintf(&b, "%s : %s %s", s.Device, state, s.Level)
	for _, d := range s.Devices {
		fmt.Fprintf(&b, " %s[%d]", d.Path, d.DescNr)
		for _, st := range d.State {
			switch st {
			case "write_mostly":
				b.WriteString("(W)")
			case "faulty":
				b.WriteString("(F)")
			case "spare":
				b.WriteString("(S)")
			case "replacement":
				b.WriteString("(R)")
			}
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "      %d blocks super %s %s\n", s.ArraySectors/2, s.Metadata, s.Personality)

	if s.Syncing() && s.SyncMax > 0 {
		done := s.SyncCompleted
		if done > s.SyncMax {
			done = s.SyncMax
		}
		permille := done * 1000 / s.SyncMax
		bar := int(permille * 20 / 1000)
		label := s.SyncAction
		if label == ActionRecover {
			label = "recovery"
		}
		fmt.Fprintf(&b, "      [%s>%s]  %s = %d.%d%% (%d/%d)",
			strings.Repeat("=", bar), strings.Repeat(".", 20-bar),
			label, permille/10, permille%10, done/2, s.SyncMax/2)
		if s.SyncSpeed > 0 {
			left := (s.SyncMax - done) / 2 / s.SyncSpeed
			fmt.Fprintf(&b, " finish=%.1fmin speed=%dK/sec", float64(left)/60, s.SyncSpeed)
		}
		b.WriteString("\n")
	}
	if s.Bitmap != nil {
		fmt.Fprintf(&b, "      bitmap: %d/%d chunks dirty [%dKB], %dKB chunk\n",
			s.Bitmap.DirtyChunks, s.Bitmap.Chunks, s.Bitmap.Pages*types.PageSize/1024, s.Bitmap.ChunkSize/1024)
	}
	return b.String()
}
