// Package measurement holds the contract of the measurement core that
// receives region, RMA and counter events, and an in-process implementation
// that records definitions and fans events out to collectors.
package measurement

type (
	RegionHandle         uint32
	SourceFileHandle     uint32
	ParameterHandle      uint32
	SystemTreeNodeHandle uint32
	LocationGroupHandle  uint32
	LocationHandle       uint32
	RmaWindowHandle      uint32
	AttributeHandle      uint32
	AllocMetricHandle    uint32
)

const (
	InvalidRegion    RegionHandle    = 0
	InvalidParameter ParameterHandle = 0
	// HostLocation addresses the location of the calling CPU thread.
	HostLocation LocationHandle = 0
)

type RegionKind uint8

const (
	RegionWrapper RegionKind = iota
	RegionKernelLaunch
	RegionKernel
	RegionArtificial
	RegionImplicitBarrier
)

func (k RegionKind) String() string {
	switch k {
	case RegionWrapper:
		return "wrapper"
	case RegionKernelLaunch:
		return "kernel_launch"
	case RegionKernel:
		return "kernel"
	case RegionArtificial:
		return "artificial"
	case RegionImplicitBarrier:
		return "implicit_barrier"
	default:
		return "unknown"
	}
}

// Core is the event-recording boundary of the correlation layer.
type Core interface {
	BeginEpoch() uint64

	NewSourceFile(name string) SourceFileHandle
	NewRegion(name, mangled string, file SourceFileHandle, kind RegionKind) RegionHandle
	NewParameter(name string) ParameterHandle
	NewAttribute(name, description string) AttributeHandle
	NewRmaWindow(name string) RmaWindowHandle
	NewSystemTreeNode(class, name string) SystemTreeNodeHandle
	AddPCIProperties(node SystemTreeNodeHandle, domain uint16, bus, device uint8)
	NewLocationGroup(node SystemTreeNodeHandle, name string) LocationGroupHandle
	SetLocationGroupName(group LocationGroupHandle, name string)
	NewLocation(group LocationGroupHandle, name string) LocationHandle
	SetLocationName(loc LocationHandle, name string)
	AddLocationProperty(loc LocationHandle, key, value string)
	LocationGlobalID(loc LocationHandle) uint64
	NewCommunicationGroup(globalIDs []uint64)

	EnterRegion(loc LocationHandle, ts uint64, region RegionHandle)
	ExitRegion(loc LocationHandle, ts uint64, region RegionHandle)
	RmaPut(loc LocationHandle, ts uint64, win RmaWindowHandle, remote, bytes, matching uint64)
	RmaGet(loc LocationHandle, ts uint64, win RmaWindowHandle, remote, bytes, matching uint64)
	RmaOpCompleteBlocking(loc LocationHandle, ts uint64, win RmaWindowHandle, matching uint64)
	TriggerParameterUint64(loc LocationHandle, ts uint64, param ParameterHandle, value uint64)
	AddAttribute(loc LocationHandle, attr AttributeHandle, value uint64)

	NewAllocMetric(name string, group LocationGroupHandle) AllocMetricHandle
	AllocMetricHandleAlloc(metric AllocMetricHandle, addr, size uint64)
	// AllocMetricAcquireAlloc looks up a live allocation by address.
	AllocMetricAcquireAlloc(metric AllocMetricHandle, addr uint64) (Allocation, bool)
	AllocMetricHandleFree(metric AllocMetricHandle, alloc Allocation)
	AllocMetricReportLeaked(metric AllocMetricHandle) []Allocation
}

type Allocation struct {
	Address uint64
	Size    uint64
}
