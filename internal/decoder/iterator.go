package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"go.uber.org/zap"
)

// ErrTruncated is reported when a header claims more bytes than remain.
var ErrTruncated = errors.New("decoder: truncated record")

var (
	kernelWireSize = binary.Size(kernelWire{})
	memcpyWireSize = binary.Size(memcpyWire{})
)

var malformed logutil.Once

// Iterator yields the records of one buffer. It is not restartable.
type Iterator struct {
	buf     []byte
	off     int
	rec     Record
	err     error
	skipped int
}

func NewIterator(buf []byte) *Iterator {
	return &Iterator{buf: buf}
}

// Next advances to the next well-formed record. Records with a valid header
// and a malformed body are skipped; a bad header ends the iteration.
func (it *Iterator) Next() bool {
	for it.err == nil && it.off < len(it.buf) {
		rest := it.buf[it.off:]
		if len(rest) < headerSize {
			it.err = fmt.Errorf("%w: %d trailing bytes at offset %d", ErrTruncated, len(rest), it.off)
			return false
		}
		var h header
		h.Kind = binary.LittleEndian.Uint32(rest)
		h.Size = binary.LittleEndian.Uint32(rest[4:])
		if h.Size < headerSize || int(h.Size) > len(rest) {
			it.err = fmt.Errorf("%w: size %d at offset %d, %d bytes left", ErrTruncated, h.Size, it.off, len(rest))
			return false
		}

		raw := rest[:h.Size]
		it.off += int(h.Size)

		rec, err := decode(cupti.ActivityKind(h.Kind), raw)
		if err != nil {
			it.skipped++
			malformed.Warn(h.Kind, "skipping malformed activity record",
				zap.Stringer("kind", cupti.ActivityKind(h.Kind)), zap.Error(err))
			continue
		}
		it.rec = rec
		return true
	}
	return false
}

func (it *Iterator) Record() Record { return it.rec }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Skipped counts malformed records passed over so far.
func (it *Iterator) Skipped() int { return it.skipped }

func decode(kind cupti.ActivityKind, raw []byte) (Record, error) {
	switch kind {
	case cupti.ActivityKernel, cupti.ActivityConcurrentKernel:
		if len(raw) < kernelWireSize {
			return nil, fmt.Errorf("kernel record of %d bytes", len(raw))
		}
		var w kernelWire
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &w); err != nil {
			return nil, err
		}
		end := kernelWireSize + int(w.NameLen)
		if end > len(raw) {
			return nil, fmt.Errorf("kernel name of %d bytes overruns record", w.NameLen)
		}
		return &Kernel{
			ActivityKind:         kind,
			Start:                w.Start,
			End:                  w.End,
			CorrelationID:        w.CorrelationID,
			ContextID:            w.ContextID,
			DeviceID:             w.DeviceID,
			StreamID:             w.StreamID,
			GridX:                w.GridX,
			GridY:                w.GridY,
			GridZ:                w.GridZ,
			BlockX:               w.BlockX,
			BlockY:               w.BlockY,
			BlockZ:               w.BlockZ,
			StaticSharedMemory:   w.StaticSharedMemory,
			DynamicSharedMemory:  w.DynamicSharedMemory,
			LocalMemoryPerThread: w.LocalMemoryPerThread,
			LocalMemoryTotal:     w.LocalMemoryTotal,
			RegistersPerThread:   w.RegistersPerThread,
			Name:                 string(raw[kernelWireSize:end]),
		}, nil

	case cupti.ActivityMemcpy:
		if len(raw) < memcpyWireSize {
			return nil, fmt.Errorf("memcpy record of %d bytes", len(raw))
		}
		var w memcpyWire
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &w); err != nil {
			return nil, err
		}
		return &Memcpy{
			Start:         w.Start,
			End:           w.End,
			Bytes:         w.Bytes,
			CorrelationID: w.CorrelationID,
			ContextID:     w.ContextID,
			DeviceID:      w.DeviceID,
			StreamID:      w.StreamID,
			CopyKind:      cupti.CopyKind(w.CopyKind),
			SrcKind:       cupti.MemoryKind(w.SrcKind),
			DstKind:       cupti.MemoryKind(w.DstKind),
		}, nil

	default:
		return &Unknown{ActivityKind: kind, Size: uint32(len(raw))}, nil
	}
}
