package md

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Personality is the per-array instance of a RAID level implementation.
type Personality interface {
	// Name is the level name, for example "raid1"
	Name() string

	// Level is the numeric level stored in superblocks
	Level() int

	// Free stops personality workers and releases its state
	Free()

	// MakeRequest starts a request. The personality completes it with bio.Endio.
	MakeRequest(bio *Bio)

	// Status writes the personality part of the status line, for example "[2/1] [U_]"
	Status(w io.Writer)

	// Error is called when a member reports an I/O error. It may refuse to fail the last copy.
	Error(rdev *Rdev)

	// HotAddDisk places a spare into a free slot
	HotAddDisk(rdev *Rdev) error

	// HotRemoveDisk takes a failed or spare member out of its slot
	HotRemoveDisk(rdev *Rdev) error

	// SpareActive marks fully recovered members in sync and returns how many changed
	SpareActive() int

	// SyncRequest resyncs or recovers from sector. It returns the number of sectors handled and
	// whether they were skipped without I/O. Zero sectors aborts the pass.
	SyncRequest(ctx context.Context, sector uint64) (sectors uint64, skipped bool)

	// Size returns the array size for the given member size and disk count
	Size(sectors uint64, raidDisks int) uint64

	// Resize changes the array size
	Resize(sectors uint64) error

	// CheckReshape applies a change of raid disk count
	CheckReshape(raidDisks int) error

	// Quiesce stops (true) or restarts (false) all I/O to members
	Quiesce(quiesce bool)
}

// Factory creates a personality instance for a running array.
type Factory struct {
	Name  string
	Level int
	// Run builds the personality from the array members. It sets the degraded count.
	Run func(a *Array) (Personality, error)
}

var (
	persMu        sync.RWMutex
	personalities = map[int]Factory{}
)

// RegisterPersonality makes a RAID level available to Run.
func RegisterPersonality(f Factory) {
	persMu.Lock()
	defer persMu.Unlock()
	personalities[f.Level] = f
}

// UnregisterPersonality removes a level.
func UnregisterPersonality(level int) {
	persMu.Lock()
	defer persMu.Unlock()
	delete(personalities, level)
}

func findPersonality(level int) (Factory, error) {
	persMu.RLock()
	defer persMu.RUnlock()
	f, ok := personalities[level]
	if !ok {
		return Factory{}, fmt.Errorf("personality for level %d is not loaded: %w", level, types.ErrInvalidLevel)
	}
	return f, nil
}

// Personalities lists the registered level names.
func Personalities() []string {
	persMu.RLock()
	defer persMu.RUnlock()
	names := make([]string, 0, len(personalities))
	for _, f := range personalities {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
