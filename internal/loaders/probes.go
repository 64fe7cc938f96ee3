package loaders

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

type probeKind uint8

const (
	probeAPI probeKind = iota
	probeCtxCreate
	probeCtxDestroy
	probeCtxSetCurrent
	probeCtxPushCurrent
	probeCtxPopCurrent
	probePrimaryCtxRetain
	probePrimaryCtxRelease
	probeStreamCreate
	probeStreamDestroy
)

// probe is one instrumented libcuda symbol. Its index in probes is the
// attach cookie the eBPF program copies into every record.
type probe struct {
	symbol string
	kind   probeKind
	id     cupti.CallbackID
}

var probes = buildProbes()

func buildProbes() []probe {
	list := []probe{
		{symbol: "cuCtxCreate_v2", kind: probeCtxCreate},
		{symbol: "cuCtxDestroy_v2", kind: probeCtxDestroy},
		{symbol: "cuCtxSetCurrent", kind: probeCtxSetCurrent},
		{symbol: "cuCtxPushCurrent_v2", kind: probeCtxPushCurrent},
		{symbol: "cuCtxPopCurrent_v2", kind: probeCtxPopCurrent},
		{symbol: "cuDevicePrimaryCtxRetain", kind: probePrimaryCtxRetain},
		{symbol: "cuDevicePrimaryCtxRelease_v2", kind: probePrimaryCtxRelease},
		{symbol: "cuStreamCreate", kind: probeStreamCreate},
		{symbol: "cuStreamDestroy_v2", kind: probeStreamDestroy},
	}
	for id := cupti.DriverCtxSynchronize; id <= cupti.DriverArrayDestroy; id++ {
		list = append(list, probe{symbol: cupti.FunctionName(cupti.DomainDriver, id), kind: probeAPI, id: id})
	}
	return list
}

const (
	siteEnter uint32 = 0
	siteExit  uint32 = 1

	probeArgs      = 5
	probeEventSize = 24 + 8*probeArgs
)

// probeEvent mirrors the ring buffer record. Enter records carry the first
// integer arguments of the call, exit records the return value in Args[0].
type probeEvent struct {
	Timestamp uint64
	PidTgid   uint64
	Probe     uint32
	Site      uint32
	Args      [probeArgs]uint64
}

func (e probeEvent) pid() uint32 { return uint32(e.PidTgid >> 32) }
func (e probeEvent) tid() uint32 { return uint32(e.PidTgid) }

func decodeProbeEvent(raw []byte) (probeEvent, error) {
	var e probeEvent
	if len(raw) < probeEventSize {
		return e, fmt.Errorf("short probe record: %d bytes", len(raw))
	}
	if err := binary.Read(bytes.NewBuffer(raw), binary.LittleEndian, &e); err != nil {
		return e, err
	}
	return e, nil
}

// apiParams builds the callback parameters of a driver call from its
// integer arguments.
func apiParams(id cupti.CallbackID, a [probeArgs]uint64) (params any, stream cupti.StreamHandle, event uint64) {
	switch id {
	case cupti.DriverMemcpy:
		params = cupti.MemcpyParams{Kind: cupti.MemcpyDefault, Dst: a[0], Src: a[1], Bytes: a[2]}
	case cupti.DriverMemcpyHtoD, cupti.DriverMemcpyDtoH, cupti.DriverMemcpyDtoD:
		params = cupti.MemcpyParams{Dst: a[0], Src: a[1], Bytes: a[2]}
	case cupti.DriverMemcpyHtoA:
		params = cupti.MemcpyParams{Dst: a[0], Src: a[2], Bytes: a[3]}
	case cupti.DriverMemcpyAtoH:
		params = cupti.MemcpyParams{Dst: a[0], Src: a[1], Bytes: a[3]}
	case cupti.DriverMemcpyAtoA:
		params = cupti.MemcpyParams{Dst: a[0], Src: a[2], Bytes: a[4]}
	case cupti.DriverMemcpyAsync, cupti.DriverMemcpyHtoDAsync, cupti.DriverMemcpyDtoHAsync:
		params = cupti.MemcpyParams{Dst: a[0], Src: a[1], Bytes: a[2]}
		stream = cupti.StreamHandle(a[3])
	case cupti.DriverMemAlloc:
		params = cupti.AllocParams{Bytes: a[1]}
	case cupti.DriverMemAllocPitch:
		params = cupti.AllocParams{Bytes: a[2] * a[3]}
	case cupti.DriverMemFree:
		params = cupti.FreeParams{Address: a[0]}
	case cupti.DriverStreamSynchronize:
		stream = cupti.StreamHandle(a[0])
	case cupti.DriverEventRecord:
		event, stream = a[0], cupti.StreamHandle(a[1])
	case cupti.DriverEventSynchronize, cupti.DriverEventQuery:
		event = a[0]
	case cupti.DriverStreamWaitEvent:
		stream, event = cupti.StreamHandle(a[0]), a[1]
	case cupti.DriverLaunchKernel:
		// The stream is a stack argument; the function handle stands in for
		// the callsite.
		params = cupti.LaunchParams{Callsite: uint32(a[0])}
	}
	return params, stream, event
}
