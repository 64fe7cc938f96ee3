package emitter

import (
	"sync"

	"github.com/ianlancetaylor/demangle"

	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
)

// KernelNames caches one kernel region per mangled symbol.
type KernelNames struct {
	core measurement.Core
	file measurement.SourceFileHandle

	regions sync.Map
	mu      sync.Mutex
}

func NewKernelNames(core measurement.Core) *KernelNames {
	return &KernelNames{core: core, file: core.NewSourceFile("CUDA_KERNEL")}
}

// Region returns the region of the kernel symbol, defining it on first use.
func (n *KernelNames) Region(mangled string) measurement.RegionHandle {
	if r, ok := n.regions.Load(mangled); ok {
		return r.(measurement.RegionHandle)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.regions.Load(mangled); ok {
		return r.(measurement.RegionHandle)
	}
	r := n.core.NewRegion(KernelName(mangled), mangled, n.file, measurement.RegionKernel)
	n.regions.Store(mangled, r)
	return r
}

// KernelName demangles a kernel symbol, falling back to the raw symbol.
func KernelName(mangled string) string {
	if name, err := demangle.ToString(mangled); err == nil && name != "" {
		return name
	}
	if mangled != "" {
		return mangled
	}
	return "unknownKernel"
}
