//go:build !linux

package cudadrv

import (
	"errors"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

var errUnsupported = errors.New("CUDA driver binding is only available on linux")

type Library struct{}

func Open(libcuda, libcupti string) (*Library, error) { return nil, errUnsupported }

func (*Library) CurrentContext() (cupti.ContextHandle, error) { return 0, errUnsupported }
func (*Library) ContextDevice(cupti.ContextHandle) (cupti.Device, error) { return 0, errUnsupported }
func (*Library) ContextID(cupti.ContextHandle) (uint32, error) { return cupti.NoContextID, errUnsupported }
func (*Library) StreamID(cupti.ContextHandle, cupti.StreamHandle) (uint32, error) {
	return cupti.NoStreamID, errUnsupported
}
func (*Library) DeviceAttributes(cupti.Device) (cupti.DeviceAttributes, error) {
	return cupti.DeviceAttributes{}, errUnsupported
}
func (*Library) Synchronize(cupti.ContextHandle) error { return errUnsupported }
func (*Library) PointerAttributes(uint64) (cupti.ContextHandle, cupti.MemoryType, error) {
	return 0, cupti.MemoryTypeUnknown, errUnsupported
}
func (*Library) Timestamp() (uint64, error) { return 0, errUnsupported }
func (*Library) Enable(cupti.ActivityKind) error { return errUnsupported }
func (*Library) Disable(cupti.ActivityKind) error { return errUnsupported }
func (*Library) FlushAll() error { return errUnsupported }
func (*Library) DroppedRecords(cupti.ContextHandle, uint32) (uint64, error) {
	return 0, errUnsupported
}
