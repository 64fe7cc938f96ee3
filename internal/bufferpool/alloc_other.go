//go:build !linux

package bufferpool

func DefaultAllocator() Allocator { return HeapAllocator{} }
