package bitmap

import (
	"fmt"
	"os"
	"sync"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Store persists bitmap pages. Page 0 begins with the 256-byte bitmap superblock.
type Store interface {
	// ReadPage fills page with the contents of the given page index
	ReadPage(index int, page []byte) error

	// WritePage persists page at the given page index
	WritePage(index int, page []byte) error
}

// FileStore keeps the bitmap in a separate file.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileStore opens or creates an external bitmap file.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitmap file %s: %w", path, err)
	}
	return &FileStore{file: f}, nil
}

// ReadPage implements Store. Pages past the end of the file read as zero.
func (s *FileStore) ReadPage(index int, page []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.file.ReadAt(page, int64(index)*types.PageSize)
	if n < len(page) {
		for i := n; i < len(page); i++ {
			page[i] = 0
		}
		if index == 0 && n < types.BitmapSuperSize {
			return fmt.Errorf("bitmap file %s has no superblock: %w", s.file.Name(), types.ErrInvalidSuperblock)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bitmap page %d: %v: %w", index, err, types.ErrIO)
	}
	return nil
}

// WritePage implements Store
func (s *FileStore) WritePage(index int, page []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.WriteAt(page, int64(index)*types.PageSize); err != nil {
		return fmt.Errorf("write bitmap page %d: %v: %w", index, err, types.ErrIO)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync bitmap file: %v: %w", err, types.ErrIO)
	}
	return nil
}

// Close closes the file
func (s *FileStore) Close() error {
	return s.file.Close()
}
