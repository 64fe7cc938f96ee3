package bufferpool

type Allocator interface {
	Alloc(size uint64) ([]byte, error)
	Free(data []byte) error
}

// HeapAllocator serves buffers from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(size uint64) ([]byte, error) { return make([]byte, size), nil }

func (HeapAllocator) Free([]byte) error { return nil }
