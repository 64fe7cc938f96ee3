//go:build linux

// Package cudadrv binds the CUDA driver and CUPTI libraries at runtime with
// purego. No cgo is involved; both libraries are dlopen'ed on first use.
package cudadrv

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

const (
	attrPCIBusID    = 33
	attrPCIDeviceID = 34
	attrPCIDomainID = 50

	pointerAttrContext    = 1
	pointerAttrMemoryType = 2
)

var (
	loadOnce sync.Once
	loadErr  error

	cuInit                func(flags uint32) cupti.Result
	cuCtxGetCurrent       func(pctx *uintptr) cupti.Result
	cuCtxPushCurrent      func(ctx uintptr) cupti.Result
	cuCtxPopCurrent       func(pctx *uintptr) cupti.Result
	cuCtxGetDevice        func(dev *int32) cupti.Result
	cuCtxSynchronize      func() cupti.Result
	cuDeviceGetAttribute  func(pi *int32, attrib int32, dev int32) cupti.Result
	cuPointerGetAttribute func(data unsafe.Pointer, attrib int32, ptr uint64) cupti.Result

	cuptiGetResultString              func(result int32, str **byte) int32
	cuptiGetContextId                 func(ctx uintptr, id *uint32) int32
	cuptiGetStreamId                  func(ctx uintptr, stream uintptr, id *uint32) int32
	cuptiGetTimestamp                 func(ts *uint64) int32
	cuptiActivityEnable               func(kind int32) int32
	cuptiActivityDisable              func(kind int32) int32
	cuptiActivityFlushAll             func(flag uint32) int32
	cuptiActivityGetNumDroppedRecords func(ctx uintptr, streamID uint32, dropped *uint64) int32
)

func dlopen(names ...string) (uintptr, error) {
	var err error
	for _, name := range names {
		var lib uintptr
		if lib, err = purego.Dlopen(name, purego.RTLD_LAZY|purego.RTLD_GLOBAL); err == nil {
			return lib, nil
		}
	}
	return 0, err
}

func load(libcuda, libcupti string) error {
	loadOnce.Do(func() {
		cuda, err := dlopen(libcuda, "libcuda.so.1", "libcuda.so")
		if err != nil {
			loadErr = fmt.Errorf("cannot load libcuda: %w", err)
			return
		}
		prof, err := dlopen(libcupti, "libcupti.so", "libcupti.so.12")
		if err != nil {
			loadErr = fmt.Errorf("cannot load libcupti: %w", err)
			return
		}

		purego.RegisterLibFunc(&cuInit, cuda, "cuInit")
		purego.RegisterLibFunc(&cuCtxGetCurrent, cuda, "cuCtxGetCurrent")
		purego.RegisterLibFunc(&cuCtxPushCurrent, cuda, "cuCtxPushCurrent_v2")
		purego.RegisterLibFunc(&cuCtxPopCurrent, cuda, "cuCtxPopCurrent_v2")
		purego.RegisterLibFunc(&cuCtxGetDevice, cuda, "cuCtxGetDevice")
		purego.RegisterLibFunc(&cuCtxSynchronize, cuda, "cuCtxSynchronize")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, cuda, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuPointerGetAttribute, cuda, "cuPointerGetAttribute")

		purego.RegisterLibFunc(&cuptiGetResultString, prof, "cuptiGetResultString")
		purego.RegisterLibFunc(&cuptiGetContextId, prof, "cuptiGetContextId")
		purego.RegisterLibFunc(&cuptiGetStreamId, prof, "cuptiGetStreamId")
		purego.RegisterLibFunc(&cuptiGetTimestamp, prof, "cuptiGetTimestamp")
		purego.RegisterLibFunc(&cuptiActivityEnable, prof, "cuptiActivityEnable")
		purego.RegisterLibFunc(&cuptiActivityDisable, prof, "cuptiActivityDisable")
		purego.RegisterLibFunc(&cuptiActivityFlushAll, prof, "cuptiActivityFlushAll")
		purego.RegisterLibFunc(&cuptiActivityGetNumDroppedRecords, prof, "cuptiActivityGetNumDroppedRecords")

		loadErr = cupti.Check(cuInit(0), "cuInit")
	})
	return loadErr
}

// cuptiError is a CUPTI status code; its codes differ from driver results.
type cuptiError struct {
	call string
	code int32
}

func (e *cuptiError) Error() string {
	var str *byte
	if cuptiGetResultString != nil && cuptiGetResultString(e.code, &str) == 0 && str != nil {
		return fmt.Sprintf("%s: %s", e.call, unix.BytePtrToString(str))
	}
	return fmt.Sprintf("%s: CUPTI_ERROR(%d)", e.call, e.code)
}

func checkCupti(code int32, call string) error {
	if code == 0 {
		return nil
	}
	return &cuptiError{call: call, code: code}
}

// Library is the loaded driver. It implements cupti.Driver and
// cupti.Activity for the calling process.
type Library struct{}

// Open loads libcuda and libcupti, trying the given paths first. Empty
// paths fall back to the default sonames.
func Open(libcuda, libcupti string) (*Library, error) {
	if err := load(libcuda, libcupti); err != nil {
		return nil, err
	}
	return &Library{}, nil
}

func (*Library) CurrentContext() (cupti.ContextHandle, error) {
	var ctx uintptr
	if err := cupti.Check(cuCtxGetCurrent(&ctx), "cuCtxGetCurrent"); err != nil {
		return 0, err
	}
	if ctx == 0 {
		return 0, cupti.Check(cupti.ErrInvalidContext, "cuCtxGetCurrent")
	}
	return cupti.ContextHandle(ctx), nil
}

// withContext runs fn with ctx pushed as the current context.
func withContext(ctx cupti.ContextHandle, fn func() cupti.Result, call string) error {
	if err := cupti.Check(cuCtxPushCurrent(uintptr(ctx)), "cuCtxPushCurrent"); err != nil {
		return err
	}
	r := fn()
	var popped uintptr
	if err := cupti.Check(cuCtxPopCurrent(&popped), "cuCtxPopCurrent"); err != nil {
		return err
	}
	return cupti.Check(r, call)
}

func (*Library) ContextDevice(ctx cupti.ContextHandle) (cupti.Device, error) {
	var dev int32
	err := withContext(ctx, func() cupti.Result { return cuCtxGetDevice(&dev) }, "cuCtxGetDevice")
	return cupti.Device(dev), err
}

func (*Library) ContextID(ctx cupti.ContextHandle) (uint32, error) {
	id := cupti.NoContextID
	if err := checkCupti(cuptiGetContextId(uintptr(ctx), &id), "cuptiGetContextId"); err != nil {
		return cupti.NoContextID, err
	}
	return id, nil
}

func (*Library) StreamID(ctx cupti.ContextHandle, stream cupti.StreamHandle) (uint32, error) {
	id := cupti.NoStreamID
	if err := checkCupti(cuptiGetStreamId(uintptr(ctx), uintptr(stream), &id), "cuptiGetStreamId"); err != nil {
		return cupti.NoStreamID, err
	}
	return id, nil
}

func (*Library) DeviceAttributes(dev cupti.Device) (cupti.DeviceAttributes, error) {
	var attrs cupti.DeviceAttributes
	for _, a := range []struct {
		attrib int32
		dst    *int
	}{
		{attrPCIDomainID, &attrs.PCIDomain},
		{attrPCIBusID, &attrs.PCIBus},
		{attrPCIDeviceID, &attrs.PCIDevice},
	} {
		var v int32
		if err := cupti.Check(cuDeviceGetAttribute(&v, a.attrib, int32(dev)), "cuDeviceGetAttribute"); err != nil {
			return cupti.DeviceAttributes{}, err
		}
		*a.dst = int(v)
	}
	return attrs, nil
}

func (*Library) Synchronize(ctx cupti.ContextHandle) error {
	return withContext(ctx, cuCtxSynchronize, "cuCtxSynchronize")
}

// PointerAttributes reports pageable host memory, which the driver does not
// know, as host memory without a context.
func (*Library) PointerAttributes(ptr uint64) (cupti.ContextHandle, cupti.MemoryType, error) {
	var memType uint32
	r := cuPointerGetAttribute(unsafe.Pointer(&memType), pointerAttrMemoryType, ptr)
	if r == cupti.ErrInvalidValue {
		return 0, cupti.MemoryTypeHost, nil
	}
	if err := cupti.Check(r, "cuPointerGetAttribute"); err != nil {
		return 0, cupti.MemoryTypeUnknown, err
	}
	var ctx uintptr
	if err := cupti.Check(cuPointerGetAttribute(unsafe.Pointer(&ctx), pointerAttrContext, ptr), "cuPointerGetAttribute"); err != nil {
		return 0, memoryType(memType), err
	}
	return cupti.ContextHandle(ctx), memoryType(memType), nil
}

func (*Library) Timestamp() (uint64, error) {
	var ts uint64
	if err := checkCupti(cuptiGetTimestamp(&ts), "cuptiGetTimestamp"); err != nil {
		return 0, err
	}
	return ts, nil
}

func (*Library) Enable(kind cupti.ActivityKind) error {
	k, err := activityKind(kind)
	if err != nil {
		return err
	}
	return checkCupti(cuptiActivityEnable(k), "cuptiActivityEnable")
}

func (*Library) Disable(kind cupti.ActivityKind) error {
	k, err := activityKind(kind)
	if err != nil {
		return err
	}
	return checkCupti(cuptiActivityDisable(k), "cuptiActivityDisable")
}

func (*Library) FlushAll() error {
	return checkCupti(cuptiActivityFlushAll(0), "cuptiActivityFlushAll")
}

func (*Library) DroppedRecords(ctx cupti.ContextHandle, streamID uint32) (uint64, error) {
	var n uint64
	err := checkCupti(cuptiActivityGetNumDroppedRecords(uintptr(ctx), streamID, &n), "cuptiActivityGetNumDroppedRecords")
	return n, err
}
