package decoder

import (
	"encoding/binary"
	"math"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

// AppendKernel encodes k at the end of buf. Names longer than 64 KiB are cut.
func AppendKernel(buf []byte, k *Kernel) []byte {
	name := k.Name
	if len(name) > math.MaxUint16 {
		name = name[:math.MaxUint16]
	}
	kind := k.ActivityKind
	if kind == 0 {
		kind = cupti.ActivityConcurrentKernel
	}
	size := align8(kernelWireSize + len(name))
	w := kernelWire{
		Kind:                 uint32(kind),
		Size:                 uint32(size),
		Start:                k.Start,
		End:                  k.End,
		CorrelationID:        k.CorrelationID,
		ContextID:            k.ContextID,
		DeviceID:             k.DeviceID,
		StreamID:             k.StreamID,
		GridX:                k.GridX,
		GridY:                k.GridY,
		GridZ:                k.GridZ,
		BlockX:               k.BlockX,
		BlockY:               k.BlockY,
		BlockZ:               k.BlockZ,
		StaticSharedMemory:   k.StaticSharedMemory,
		DynamicSharedMemory:  k.DynamicSharedMemory,
		LocalMemoryPerThread: k.LocalMemoryPerThread,
		LocalMemoryTotal:     k.LocalMemoryTotal,
		RegistersPerThread:   k.RegistersPerThread,
		NameLen:              uint16(len(name)),
	}
	start := len(buf)
	buf, _ = binary.Append(buf, binary.LittleEndian, &w)
	buf = append(buf, name...)
	return pad(buf, start+size)
}

func AppendMemcpy(buf []byte, m *Memcpy) []byte {
	w := memcpyWire{
		Kind:          uint32(cupti.ActivityMemcpy),
		Size:          uint32(memcpyWireSize),
		Start:         m.Start,
		End:           m.End,
		Bytes:         m.Bytes,
		CorrelationID: m.CorrelationID,
		ContextID:     m.ContextID,
		DeviceID:      m.DeviceID,
		StreamID:      m.StreamID,
		CopyKind:      uint8(m.CopyKind),
		SrcKind:       uint8(m.SrcKind),
		DstKind:       uint8(m.DstKind),
	}
	buf, _ = binary.Append(buf, binary.LittleEndian, &w)
	return buf
}

// AppendRaw encodes a record of an arbitrary kind with an opaque body.
func AppendRaw(buf []byte, kind cupti.ActivityKind, body []byte) []byte {
	size := align8(headerSize + len(body))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(kind))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	start := len(buf) - headerSize
	buf = append(buf, body...)
	return pad(buf, start+size)
}

func pad(buf []byte, end int) []byte {
	for len(buf) < end {
		buf = append(buf, 0)
	}
	return buf
}
