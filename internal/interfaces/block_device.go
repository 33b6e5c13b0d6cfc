// File: internal/interfaces/block_device.go
package interfaces

import (
	"io"
)

// BlockDeviceReader provides methods for reading from member devices
type BlockDeviceReader interface {
	// ReadSectors reads len(buf) bytes starting at the given absolute sector.
	// len(buf) must be a multiple of the sector size.
	ReadSectors(sector uint64, buf []byte) error

	// Sectors returns the total number of 512-byte sectors on the device
	Sectors() uint64
}

// BlockDeviceWriter provides methods for writing to member devices
type BlockDeviceWriter interface {
	// WriteSectors writes data starting at the given absolute sector
	WriteSectors(sector uint64, data []byte) error

	// Flush makes previously completed writes durable
	Flush() error
}

// BlockDeviceInfo provides identity information about a member device
type BlockDeviceInfo interface {
	// DevicePath returns the path the device was opened from
	DevicePath() string

	// Identity returns a key that is equal for two handles to the same device
	Identity() string

	// Physical returns a key naming the physical disk holding the device.
	// Arrays sharing a physical disk do not resync concurrently.
	Physical() string
}

// BlockDevice represents a complete member device
type BlockDevice interface {
	BlockDeviceReader
	BlockDeviceWriter
	BlockDeviceInfo
	io.Closer
}

// BlockDeviceOpener opens member devices by path
type BlockDeviceOpener interface {
	// OpenDevice opens the device at path for reading and writing
	OpenDevice(path string) (BlockDevice, error)
}
