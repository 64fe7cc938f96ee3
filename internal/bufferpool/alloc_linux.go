//go:build linux

package bufferpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapAllocator maps anonymous pages, keeping buffers outside the Go heap
// and page aligned.
type MmapAllocator struct{}

func (MmapAllocator) Alloc(size uint64) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return data, nil
}

func (MmapAllocator) Free(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// DefaultAllocator is the allocator used for live tracing.
func DefaultAllocator() Allocator { return MmapAllocator{} }
