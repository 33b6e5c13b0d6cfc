//go:build !linux

package device

import (
	"golang.org/x/sys/unix"
)

func blockDeviceSize(fd int) (uint64, error) {
	off, err := unix.Seek(fd, 0, 2)
	if err != nil {
		return 0, err
	}
	return uint64(off), nil
}
