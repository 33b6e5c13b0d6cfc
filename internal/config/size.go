package config

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// ParseSize accepts "65536", "64K", "64KiB" or "64MiB". Bare K/M/G suffixes are binary, as in
// the usual RAID tooling.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size: %w", types.ErrInvalidArgument)
	}
	switch last := s[len(s)-1]; last {
	case 'K', 'k', 'M', 'm', 'G', 'g', 'T', 't':
		s += "iB"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("size %q: %v: %w", s, err, types.ErrInvalidArgument)
	}
	return n, nil
}

// ParseSectors parses a size and converts it to whole sectors.
func ParseSectors(s string) (uint64, error) {
	n, err := ParseSize(s)
	if err != nil {
		return 0, err
	}
	return types.BytesToSectors(n), nil
}
