package md

import (
	"sync"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Op is the direction of a block request.
type Op int

const (
	OpRead Op = iota
	OpWrite
	// OpFlush makes completed writes durable on every member.
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	}
	return "unknown"
}

// Bio is one request against the array address space. Data is read into or written from
// in place; its length must be a multiple of the sector size.
type Bio struct {
	Op     Op
	Sector uint64
	Data   []byte

	once sync.Once
	done func(error)
}

// NewBio returns a request that calls done exactly once when it completes.
func NewBio(op Op, sector uint64, data []byte, done func(error)) *Bio {
	return &Bio{Op: op, Sector: sector, Data: data, done: done}
}

// Sectors returns the request length in sectors.
func (b *Bio) Sectors() uint64 { return uint64(len(b.Data)) >> types.SectorShift }

// End returns the first sector past the request.
func (b *Bio) End() uint64 { return b.Sector + b.Sectors() }

// Endio completes the request. Calls after the first are ignored.
func (b *Bio) Endio(err error) {
	b.once.Do(func() {
		if b.done != nil {
			b.done(err)
		}
	})
}

// onEnd runs fn before the current completion callback.
func (b *Bio) onEnd(fn func(error)) {
	next := b.done
	b.done = func(err error) {
		fn(err)
		if next != nil {
			next(err)
		}
	}
}
