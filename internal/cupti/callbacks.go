package cupti

type Domain uint8

const (
	DomainRuntime Domain = iota + 1
	DomainDriver
	DomainResource
	DomainSynchronize
)

func (d Domain) String() string {
	switch d {
	case DomainRuntime:
		return "runtime"
	case DomainDriver:
		return "driver"
	case DomainResource:
		return "resource"
	case DomainSynchronize:
		return "synchronize"
	default:
		return "unknown"
	}
}

type Site uint8

const (
	SiteEnter Site = iota
	SiteExit
)

// CallbackID identifies an API function within its domain. Ids are dense and
// below 512 in every domain.
type CallbackID uint32

const RuntimeInvalid CallbackID = 0

// Runtime API.
const (
	RuntimeMemcpy CallbackID = iota + 1
	RuntimeMemcpyToArray
	RuntimeMemcpyFromArray
	RuntimeMemcpyArrayToArray
	RuntimeMemcpyToSymbol
	RuntimeMemcpyFromSymbol
	RuntimeMemcpy2D
	RuntimeMemcpy2DToArray
	RuntimeMemcpy2DFromArray
	RuntimeMemcpy2DArrayToArray
	RuntimeMemcpy3D
	RuntimeMemcpyAsync
	RuntimeMalloc
	RuntimeMallocPitch
	RuntimeMallocArray
	RuntimeMalloc3D
	RuntimeMalloc3DArray
	RuntimeFree
	RuntimeFreeArray
	RuntimeDeviceSynchronize
	RuntimeStreamSynchronize
	RuntimeEventSynchronize
	RuntimeLaunchKernel
	RuntimeStreamCreate
	RuntimeStreamDestroy
	RuntimeEventRecord
)

// Driver API.
const (
	DriverCtxSynchronize CallbackID = iota + 1
	DriverStreamSynchronize
	DriverEventSynchronize
	DriverEventRecord
	DriverEventQuery
	DriverStreamWaitEvent
	DriverLaunch
	DriverLaunchGrid
	DriverLaunchGridAsync
	DriverLaunchKernel
	DriverMemcpy
	DriverMemcpyAsync
	DriverMemcpyHtoD
	DriverMemcpyHtoDAsync
	DriverMemcpyDtoH
	DriverMemcpyDtoHAsync
	DriverMemcpyDtoD
	DriverMemcpyHtoA
	DriverMemcpyAtoH
	DriverMemcpyAtoA
	DriverMemcpy2D
	DriverMemcpy3D
	DriverMemAlloc
	DriverMemAllocPitch
	DriverMemFree
	DriverArrayCreate
	DriverArray3DCreate
	DriverArrayDestroy
)

// Resource domain.
const (
	ResourceContextCreated CallbackID = iota + 1
	ResourceContextDestroyStarting
	ResourceStreamCreated
	ResourceStreamDestroyStarting
)

// Synchronize domain.
const (
	SynchronizeContextSynchronized CallbackID = iota + 1
	SynchronizeStreamSynchronized
)

var runtimeNames = map[CallbackID]string{
	RuntimeMemcpy:               "cudaMemcpy",
	RuntimeMemcpyToArray:        "cudaMemcpyToArray",
	RuntimeMemcpyFromArray:      "cudaMemcpyFromArray",
	RuntimeMemcpyArrayToArray:   "cudaMemcpyArrayToArray",
	RuntimeMemcpyToSymbol:       "cudaMemcpyToSymbol",
	RuntimeMemcpyFromSymbol:     "cudaMemcpyFromSymbol",
	RuntimeMemcpy2D:             "cudaMemcpy2D",
	RuntimeMemcpy2DToArray:      "cudaMemcpy2DToArray",
	RuntimeMemcpy2DFromArray:    "cudaMemcpy2DFromArray",
	RuntimeMemcpy2DArrayToArray: "cudaMemcpy2DArrayToArray",
	RuntimeMemcpy3D:             "cudaMemcpy3D",
	RuntimeMemcpyAsync:          "cudaMemcpyAsync",
	RuntimeMalloc:               "cudaMalloc",
	RuntimeMallocPitch:          "cudaMallocPitch",
	RuntimeMallocArray:          "cudaMallocArray",
	RuntimeMalloc3D:             "cudaMalloc3D",
	RuntimeMalloc3DArray:        "cudaMalloc3DArray",
	RuntimeFree:                 "cudaFree",
	RuntimeFreeArray:            "cudaFreeArray",
	RuntimeDeviceSynchronize:    "cudaDeviceSynchronize",
	RuntimeStreamSynchronize:    "cudaStreamSynchronize",
	RuntimeEventSynchronize:     "cudaEventSynchronize",
	RuntimeLaunchKernel:         "cudaLaunchKernel",
	RuntimeStreamCreate:         "cudaStreamCreate",
	RuntimeStreamDestroy:        "cudaStreamDestroy",
	RuntimeEventRecord:          "cudaEventRecord",
}

var driverNames = map[CallbackID]string{
	DriverCtxSynchronize:    "cuCtxSynchronize",
	DriverStreamSynchronize: "cuStreamSynchronize",
	DriverEventSynchronize:  "cuEventSynchronize",
	DriverEventRecord:       "cuEventRecord",
	DriverEventQuery:        "cuEventQuery",
	DriverStreamWaitEvent:   "cuStreamWaitEvent",
	DriverLaunch:            "cuLaunch",
	DriverLaunchGrid:        "cuLaunchGrid",
	DriverLaunchGridAsync:   "cuLaunchGridAsync",
	DriverLaunchKernel:      "cuLaunchKernel",
	DriverMemcpy:            "cuMemcpy",
	DriverMemcpyAsync:       "cuMemcpyAsync",
	DriverMemcpyHtoD:        "cuMemcpyHtoD_v2",
	DriverMemcpyHtoDAsync:   "cuMemcpyHtoDAsync_v2",
	DriverMemcpyDtoH:        "cuMemcpyDtoH_v2",
	DriverMemcpyDtoHAsync:   "cuMemcpyDtoHAsync_v2",
	DriverMemcpyDtoD:        "cuMemcpyDtoD_v2",
	DriverMemcpyHtoA:        "cuMemcpyHtoA_v2",
	DriverMemcpyAtoH:        "cuMemcpyAtoH_v2",
	DriverMemcpyAtoA:        "cuMemcpyAtoA_v2",
	DriverMemcpy2D:          "cuMemcpy2D_v2",
	DriverMemcpy3D:          "cuMemcpy3D_v2",
	DriverMemAlloc:          "cuMemAlloc_v2",
	DriverMemAllocPitch:     "cuMemAllocPitch_v2",
	DriverMemFree:           "cuMemFree_v2",
	DriverArrayCreate:       "cuArrayCreate_v2",
	DriverArray3DCreate:     "cuArray3DCreate_v2",
	DriverArrayDestroy:      "cuArrayDestroy",
}

// FunctionName returns the API function name of a runtime or driver id.
func FunctionName(domain Domain, id CallbackID) string {
	var name string
	switch domain {
	case DomainRuntime:
		name = runtimeNames[id]
	case DomainDriver:
		name = driverNames[id]
	}
	if name == "" {
		return "unknown"
	}
	return name
}

// DriverCallbackBySymbol maps a libcuda symbol to its driver callback id.
func DriverCallbackBySymbol(symbol string) (CallbackID, bool) {
	return CallbackByName(DomainDriver, symbol)
}

// CallbackByName is the inverse of FunctionName.
func CallbackByName(domain Domain, name string) (CallbackID, bool) {
	var names map[CallbackID]string
	switch domain {
	case DomainRuntime:
		names = runtimeNames
	case DomainDriver:
		names = driverNames
	}
	for id, n := range names {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// CallbackData is delivered for every intercepted call.
type CallbackData struct {
	Domain        Domain
	ID            CallbackID
	Site          Site
	FunctionName  string
	Context       ContextHandle
	CorrelationID uint32
	// Thread is the host thread that made the call.
	Thread uint32
	// Timestamp is the host time of the callback, 0 when the dispatcher
	// should read the host clock itself.
	Timestamp uint64
	Stream    StreamHandle
	Event     uint64
	Result    Result
	// Params holds one of MemcpyParams, AllocParams, FreeParams or
	// LaunchParams for the calls the dispatcher specializes.
	Params any
}

type MemcpyParams struct {
	Kind  MemcpyKind
	Src   uint64
	Dst   uint64
	Bytes uint64
}

// AllocParams carries the allocated address, known at the exit site.
type AllocParams struct {
	Address uint64
	Bytes   uint64
}

type FreeParams struct {
	Address uint64
}

// LaunchParams carries the callsite id of a kernel launch.
type LaunchParams struct {
	Callsite uint32
}
