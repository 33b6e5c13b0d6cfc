package device

import (
	"fmt"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/deploymenttheory/go-mdraid/internal/interfaces"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// FileDevice is a member device backed by a regular file or a block device node.
type FileDevice struct {
	path     string
	fd       int
	sectors  uint64
	identity string
	physical string
	lock     *flock.Flock
	closed   atomic.Bool
}

// FileOpener opens FileDevices and satisfies interfaces.BlockDeviceOpener.
type FileOpener struct {
	// Exclusive takes an advisory lock on the path so that two arrays cannot claim it.
	Exclusive bool
}

// OpenDevice implements interfaces.BlockDeviceOpener
func (o FileOpener) OpenDevice(path string) (interfaces.BlockDevice, error) {
	return Open(path, o.Exclusive)
}

// Open opens path for direct sector access. When exclusive is set the path is locked
// with flock and a second claim fails with ErrBusy.
func Open(path string, exclusive bool) (*FileDevice, error) {
	var lk *flock.Flock
	if exclusive {
		lk = flock.New(path)
		ok, err := lk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if !ok {
			return nil, fmt.Errorf("%s is claimed by another array: %w", path, types.ErrBusy)
		}
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, fmt.Errorf("failed to open device %s: %w", path, err)
	}

	d := &FileDevice{path: path, fd: fd, lock: lk}
	if err := d.stat(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *FileDevice) stat() error {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return fmt.Errorf("failed to stat device %s: %w", d.path, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		size, err := blockDeviceSize(d.fd)
		if err != nil {
			return fmt.Errorf("failed to size block device %s: %w", d.path, err)
		}
		d.sectors = size >> types.SectorShift
		d.identity = fmt.Sprintf("blk:%d:%d", unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)))
		d.physical = fmt.Sprintf("disk:%d", unix.Major(uint64(st.Rdev)))
	case unix.S_IFREG:
		d.sectors = uint64(st.Size) >> types.SectorShift
		d.identity = fmt.Sprintf("file:%d:%d", st.Dev, st.Ino)
		d.physical = fmt.Sprintf("fs:%d", st.Dev)
	default:
		return fmt.Errorf("%s is neither a block device nor a regular file: %w", d.path, types.ErrInvalidArgument)
	}
	return nil
}

// ReadSectors implements interfaces.BlockDeviceReader
func (d *FileDevice) ReadSectors(sector uint64, buf []byte) error {
	if err := d.check(sector, len(buf)); err != nil {
		return err
	}
	off := int64(sector << types.SectorShift)
	for done := 0; done < len(buf); {
		n, err := unix.Pread(d.fd, buf[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("read %s at sector %d: %v: %w", d.path, sector, err, types.ErrIO)
		}
		if n == 0 {
			return fmt.Errorf("short read %s at sector %d: %w", d.path, sector, types.ErrIO)
		}
		done += n
	}
	return nil
}

// WriteSectors implements interfaces.BlockDeviceWriter
func (d *FileDevice) WriteSectors(sector uint64, data []byte) error {
	if err := d.check(sector, len(data)); err != nil {
		return err
	}
	off := int64(sector << types.SectorShift)
	for done := 0; done < len(data); {
		n, err := unix.Pwrite(d.fd, data[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("write %s at sector %d: %v: %w", d.path, sector, err, types.ErrIO)
		}
		done += n
	}
	return nil
}

// Flush implements interfaces.BlockDeviceWriter
func (d *FileDevice) Flush() error {
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("flush %s: %v: %w", d.path, err, types.ErrIO)
	}
	return nil
}

func (d *FileDevice) check(sector uint64, n int) error {
	if d.closed.Load() {
		return fmt.Errorf("%s is closed: %w", d.path, types.ErrIO)
	}
	if n%types.SectorSize != 0 {
		return fmt.Errorf("transfer of %d bytes is not sector aligned: %w", n, types.ErrInvalidArgument)
	}
	if sector+uint64(n>>types.SectorShift) > d.sectors {
		return fmt.Errorf("sector %d+%d beyond end of %s: %w", sector, n>>types.SectorShift, d.path, types.ErrIO)
	}
	return nil
}

// Sectors implements interfaces.BlockDeviceReader
func (d *FileDevice) Sectors() uint64 { return d.sectors }

// DevicePath implements interfaces.BlockDeviceInfo
func (d *FileDevice) DevicePath() string { return d.path }

// Identity implements interfaces.BlockDeviceInfo
func (d *FileDevice) Identity() string { return d.identity }

// Physical implements interfaces.BlockDeviceInfo
func (d *FileDevice) Physical() string { return d.physical }

// Close releases the descriptor and the claim on the path
func (d *FileDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(d.fd)
	if d.lock != nil {
		if uerr := d.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
