package cudadrv

import (
	"fmt"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

const (
	activityKindMemcpy           = 1
	activityKindKernel           = 3
	activityKindConcurrentKernel = 10
)

// CU_MEMORYTYPE_* values.
const (
	cuMemoryTypeHost    = 1
	cuMemoryTypeDevice  = 2
	cuMemoryTypeArray   = 3
	cuMemoryTypeUnified = 4
)

func memoryType(t uint32) cupti.MemoryType {
	switch t {
	case cuMemoryTypeHost:
		return cupti.MemoryTypeHost
	case cuMemoryTypeDevice:
		return cupti.MemoryTypeDevice
	case cuMemoryTypeArray:
		return cupti.MemoryTypeArray
	case cuMemoryTypeUnified:
		return cupti.MemoryTypeUnified
	default:
		return cupti.MemoryTypeUnknown
	}
}

func activityKind(kind cupti.ActivityKind) (int32, error) {
	switch kind {
	case cupti.ActivityKernel:
		return activityKindKernel, nil
	case cupti.ActivityConcurrentKernel:
		return activityKindConcurrentKernel, nil
	case cupti.ActivityMemcpy:
		return activityKindMemcpy, nil
	default:
		return 0, fmt.Errorf("unsupported activity kind %d", kind)
	}
}
