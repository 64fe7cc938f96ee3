// Package cupti describes the vendor profiling interface the correlation layer
// talks to: handle types, the driver and activity entry points, and the
// callback payloads delivered on every intercepted API call.
package cupti

import (
	"fmt"
	"math"
)

type (
	ContextHandle uintptr
	StreamHandle  uintptr
	Device        int32
)

const (
	NoStreamID  uint32 = math.MaxUint32
	NoContextID uint32 = math.MaxUint32
	NoDeviceID  uint32 = math.MaxUint32
)

// Result is the status code returned by driver and profiling calls.
type Result int32

const (
	Success            Result = 0
	ErrInvalidValue    Result = 1
	ErrNotInitialized  Result = 3
	ErrNoDevice        Result = 100
	ErrInvalidContext  Result = 201
	ErrInvalidHandle   Result = 400
	ErrNotFound        Result = 500
	ErrNotReady        Result = 600
	ErrMaxLimitReached Result = 1000
	ErrUnknown         Result = 999
)

var resultNames = map[Result]string{
	ErrInvalidValue:    "INVALID_VALUE",
	ErrNotInitialized:  "NOT_INITIALIZED",
	ErrNoDevice:        "NO_DEVICE",
	ErrInvalidContext:  "INVALID_CONTEXT",
	ErrInvalidHandle:   "INVALID_HANDLE",
	ErrNotFound:        "NOT_FOUND",
	ErrNotReady:        "NOT_READY",
	ErrMaxLimitReached: "MAX_LIMIT_REACHED",
	ErrUnknown:         "UNKNOWN",
}

func (r Result) Error() string {
	if r == Success {
		return "SUCCESS"
	}
	if name, ok := resultNames[r]; ok {
		return fmt.Sprintf("ERROR_%s (%d)", name, int32(r))
	}
	return fmt.Sprintf("ERROR(%d)", int32(r))
}

// Check turns a status into an error naming the failed call.
func Check(r Result, call string) error {
	if r == Success {
		return nil
	}
	return fmt.Errorf("%s: %w", call, r)
}

// MemoryKind is the memory kind reported in memcpy activity records.
type MemoryKind uint8

const (
	MemoryUnknown MemoryKind = iota
	MemoryPageable
	MemoryPinned
	MemoryDevice
	MemoryArray
	MemoryManaged
)

// CopyKind is the copy kind reported in memcpy activity records.
type CopyKind uint8

const (
	CopyUnknown CopyKind = iota
	CopyHtoD
	CopyDtoH
	CopyHtoA
	CopyAtoH
	CopyAtoA
	CopyAtoD
	CopyDtoA
	CopyDtoD
	CopyHtoH
	CopyPtoP
)

// MemoryType is the driver pointer attribute used to infer copy directions.
type MemoryType uint8

const (
	MemoryTypeUnknown MemoryType = iota
	MemoryTypeHost
	MemoryTypeDevice
	MemoryTypeArray
	MemoryTypeUnified
)

// MemcpyKind is the direction of a synchronous API memory copy.
type MemcpyKind uint8

const (
	MemcpyHostToHost MemcpyKind = iota
	MemcpyHostToDevice
	MemcpyDeviceToHost
	MemcpyDeviceToDevice
	MemcpyDefault
)

func (k MemcpyKind) String() string {
	switch k {
	case MemcpyHostToHost:
		return "HtoH"
	case MemcpyHostToDevice:
		return "HtoD"
	case MemcpyDeviceToHost:
		return "DtoH"
	case MemcpyDeviceToDevice:
		return "DtoD"
	default:
		return "default"
	}
}

type DeviceAttributes struct {
	PCIDomain int
	PCIBus    int
	PCIDevice int
}

// Driver is the subset of the driver and profiling API the layer queries
// synchronously.
type Driver interface {
	CurrentContext() (ContextHandle, error)
	ContextDevice(ctx ContextHandle) (Device, error)
	ContextID(ctx ContextHandle) (uint32, error)
	// StreamID resolves a stream handle; handle 0 is the context's default stream.
	StreamID(ctx ContextHandle, stream StreamHandle) (uint32, error)
	DeviceAttributes(dev Device) (DeviceAttributes, error)
	// Synchronize blocks until all work queued on ctx is done.
	Synchronize(ctx ContextHandle) error
	PointerAttributes(ptr uint64) (ContextHandle, MemoryType, error)
	// Timestamp reads the device clock.
	Timestamp() (uint64, error)
}

// ActivityKind selects a class of asynchronous activity records.
type ActivityKind uint8

const (
	ActivityKernel ActivityKind = iota + 1
	ActivityConcurrentKernel
	ActivityMemcpy
)

func (k ActivityKind) String() string {
	switch k {
	case ActivityKernel:
		return "kernel"
	case ActivityConcurrentKernel:
		return "concurrent_kernel"
	case ActivityMemcpy:
		return "memcpy"
	default:
		return "unknown"
	}
}

// Activity controls the asynchronous record producer.
type Activity interface {
	Enable(kind ActivityKind) error
	Disable(kind ActivityKind) error
	// FlushAll forces completion of every buffer the producer holds.
	FlushAll() error
	DroppedRecords(ctx ContextHandle, streamID uint32) (uint64, error)
}
