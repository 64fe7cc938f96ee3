// Package decoder walks a completed activity buffer and yields typed records.
//
// Every record starts with a little-endian header {kind uint32, size uint32};
// size covers the header and the body and is a multiple of 8.
package decoder

import (
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

const headerSize = 8

type Record interface {
	Kind() cupti.ActivityKind
}

type Kernel struct {
	ActivityKind  cupti.ActivityKind
	Start         uint64
	End           uint64
	CorrelationID uint32
	ContextID     uint32
	DeviceID      uint32
	StreamID      uint32

	GridX, GridY, GridZ    int32
	BlockX, BlockY, BlockZ int32

	StaticSharedMemory   int32
	DynamicSharedMemory  int32
	LocalMemoryPerThread uint32
	LocalMemoryTotal     uint32
	RegistersPerThread   uint16

	Name string
}

func (k *Kernel) Kind() cupti.ActivityKind { return k.ActivityKind }

// BlocksPerGrid counts a negative dimension as 0.
func (k *Kernel) BlocksPerGrid() uint64 {
	return dim(k.GridX) * dim(k.GridY) * dim(k.GridZ)
}

func (k *Kernel) ThreadsPerBlock() uint64 {
	return dim(k.BlockX) * dim(k.BlockY) * dim(k.BlockZ)
}

func dim(v int32) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

type Memcpy struct {
	Start         uint64
	End           uint64
	Bytes         uint64
	CorrelationID uint32
	ContextID     uint32
	DeviceID      uint32
	StreamID      uint32
	CopyKind      cupti.CopyKind
	SrcKind       cupti.MemoryKind
	DstKind       cupti.MemoryKind
}

func (*Memcpy) Kind() cupti.ActivityKind { return cupti.ActivityMemcpy }

// Unknown is any record kind the emitter does not handle.
type Unknown struct {
	ActivityKind cupti.ActivityKind
	Size         uint32
}

func (u *Unknown) Kind() cupti.ActivityKind { return u.ActivityKind }

type header struct {
	Kind uint32
	Size uint32
}

type kernelWire struct {
	Kind                 uint32
	Size                 uint32
	Start                uint64
	End                  uint64
	CorrelationID        uint32
	ContextID            uint32
	DeviceID             uint32
	StreamID             uint32
	GridX                int32
	GridY                int32
	GridZ                int32
	BlockX               int32
	BlockY               int32
	BlockZ               int32
	StaticSharedMemory   int32
	DynamicSharedMemory  int32
	LocalMemoryPerThread uint32
	LocalMemoryTotal     uint32
	RegistersPerThread   uint16
	NameLen              uint16
}

type memcpyWire struct {
	Kind          uint32
	Size          uint32
	Start         uint64
	End           uint64
	Bytes         uint64
	CorrelationID uint32
	ContextID     uint32
	DeviceID      uint32
	StreamID      uint32
	CopyKind      uint8
	SrcKind       uint8
	DstKind       uint8
	Flags         uint8
	Pad           uint32
}

func align8(n int) int { return (n + 7) &^ 7 }

// Encoded sizes of the fixed part of kernel and memcpy records.
var (
	KernelRecordSize = kernelWireSize
	MemcpyRecordSize = memcpyWireSize
)
