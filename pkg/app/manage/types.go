package manage

import (
	"time"

	"github.com/deploymenttheory/go-mdraid/pkg/app"
)

// Missing in a create device list leaves that slot empty.
const Missing = "missing"

// CreateRequest describes a new array
type CreateRequest struct {
	Devices []string
	Unit    int
	Name    string
	Level   int

	// RaidDisks defaults to the number of devices listed
	RaidDisks int

	// Metadata is the superblock version: 1.0, 1.1 or 1.2 (the default)
	Metadata string

	// Size limits the space used on each member, e.g. "10G"; empty uses the smallest member
	Size string

	AssumeClean bool
	Bitmap      bool
	BitmapChunk string
	WriteMostly []string
}

func (r *CreateRequest) metadata() string {
	if r.Metadata == "" {
		return "default"
	}
	return r.Metadata
}

// BadBlockRequest records or clears a bad range on one member
type BadBlockRequest struct {
	Device  string
	Sector  uint64
	Sectors uint64
	Clear   bool
}

// Result summarises what a management command changed
type Result struct {
	Device        string        `json:"device" yaml:"device"`
	Operation     string        `json:"operation" yaml:"operation"`
	Members       []string      `json:"members,omitempty" yaml:"members,omitempty"`
	SyncAction    string        `json:"sync_action,omitempty" yaml:"sync_action,omitempty"`
	MismatchCount uint64        `json:"mismatch_count,omitempty" yaml:"mismatch_count,omitempty"`
	Degraded      int           `json:"degraded" yaml:"degraded"`
	Elapsed       time.Duration `json:"elapsed" yaml:"elapsed"`
}

// progress converts resync counters into a progress update
func progress(action string, done, total uint64, started time.Time) app.ProgressUpdate {
	return app.ProgressUpdate{
		Message:     action,
		Completed:   int64(done),
		Total:       int64(total),
		StartedAt:   started,
		ElapsedTime: time.Since(started),
	}
}
