package md

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Defaults are system-wide tunables applied to arrays that do not override them.
type Defaults struct {
	// SpeedMin and SpeedMax bound resync speed in KiB/s.
	SpeedMin int
	SpeedMax int

	// ParallelResync lets arrays sharing a physical disk resync at the same time.
	ParallelResync bool

	// SafemodeDelay is how long an array stays dirty after the last write.
	SafemodeDelay time.Duration

	// Bitmap is used for newly created arrays.
	Bitmap bitmap.Config
}

// DefaultDefaults returns the built-in tunables.
func DefaultDefaults() Defaults {
	return Defaults{
		SpeedMin:      1000,
		SpeedMax:      200000,
		SafemodeDelay: 200 * time.Millisecond,
		Bitmap:        bitmap.DefaultConfig(),
	}
}

// Registry owns every array, keyed by unit number.
type Registry struct {
	log logrus.FieldLogger

	mu       sync.Mutex
	arrays   map[int]*Array
	defaults Defaults

	// resyncWait is woken whenever any array starts or stops a resync.
	resyncWait WaitQueue
}

// NewRegistry returns an empty registry.
func NewRegistry(defaults Defaults, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		log:      log,
		arrays:   make(map[int]*Array),
		defaults: defaults,
	}
}

// Defaults returns the current tunables.
func (g *Registry) Defaults() Defaults {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.defaults
}

// SetDefaults replaces the tunables.
func (g *Registry) SetDefaults(d Defaults) error {
	if d.SpeedMin <= 0 || d.SpeedMax < d.SpeedMin {
		return fmt.Errorf("speed range %d..%d: %w", d.SpeedMin, d.SpeedMax, types.ErrInvalidArgument)
	}
	g.mu.Lock()
	g.defaults = d
	g.mu.Unlock()
	return nil
}

// Get returns the array for unit, creating an empty one on first reference.
func (g *Registry) Get(unit int) (*Array, error) {
	if unit < 0 {
		return nil, fmt.Errorf("unit %d: %w", unit, types.ErrInvalidArgument)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.arrays[unit]; ok {
		return a, nil
	}
	a := newArray(g, unit)
	g.arrays[unit] = a
	return a, nil
}

// Lookup returns an existing array.
func (g *Registry) Lookup(unit int) (*Array, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.arrays[unit]
	if !ok {
		return nil, fmt.Errorf("md%d: %w", unit, types.ErrNotFound)
	}
	return a, nil
}

// LookupName finds an array by name or "md<unit>".
func (g *Registry) LookupName(name string) (*Array, error) {
	for _, a := range g.Arrays() {
		if a.Name() == name || a.DevName() == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("array %q: %w", name, types.ErrNotFound)
}

// FreeUnit returns the lowest unit number not in use.
func (g *Registry) FreeUnit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for unit := 0; ; unit++ {
		if _, ok := g.arrays[unit]; !ok {
			return unit
		}
	}
}

// Arrays returns every array ordered by unit.
func (g *Registry) Arrays() []*Array {
	g.mu.Lock()
	out := make([]*Array, 0, len(g.arrays))
	for _, a := range g.arrays {
		out = append(out, a)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].unit < out[j].unit })
	return out
}

// Put releases an array that has no members, no hold and no personality.
func (g *Registry) Put(a *Array) {
	if !a.disposable() {
		return
	}
	g.mu.Lock()
	if g.arrays[a.unit] == a {
		delete(g.arrays, a.unit)
	}
	g.mu.Unlock()
	a.log.Debug("array released")
}
