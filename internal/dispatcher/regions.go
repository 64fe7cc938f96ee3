package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
)

// tableSize bounds the callback ids of both API domains together.
const tableSize = 1024

// Regions is a direct-mapped table of API function regions keyed by callback
// id. Populated slots are read without locking.
type Regions struct {
	core measurement.Core

	// split shifts driver ids past the runtime ids when both are recorded.
	split bool

	runtimeFile measurement.SourceFileHandle
	driverFile  measurement.SourceFileHandle

	mu    sync.Mutex
	slots [tableSize]atomic.Uint32
}

func NewRegions(core measurement.Core, runtime, driver bool) *Regions {
	t := &Regions{core: core, split: runtime && driver}
	if runtime {
		t.runtimeFile = core.NewSourceFile("CUDART")
	}
	if driver {
		t.driverFile = core.NewSourceFile("CUDRV")
	}
	return t
}

func (t *Regions) index(domain cupti.Domain, id cupti.CallbackID) uint32 {
	limit := uint32(tableSize)
	offset := uint32(0)
	if t.split {
		if domain == cupti.DomainDriver {
			offset = tableSize / 2
		} else {
			limit -= tableSize / 2
		}
	}
	idx := offset + uint32(id)
	if idx >= limit {
		panic(fmt.Sprintf("CUDA API region table too small for %s callback %d", domain, id))
	}
	return idx
}

// Region returns the region of API function id, defining it on first use.
func (t *Regions) Region(domain cupti.Domain, id cupti.CallbackID, name string) measurement.RegionHandle {
	if domain != cupti.DomainRuntime && domain != cupti.DomainDriver {
		panic(fmt.Sprintf("no API regions in the %s domain", domain))
	}
	idx := t.index(domain, id)
	if h := t.slots[idx].Load(); h != 0 {
		return measurement.RegionHandle(h)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h := t.slots[idx].Load(); h != 0 {
		return measurement.RegionHandle(h)
	}

	file := t.runtimeFile
	if domain == cupti.DomainDriver {
		file = t.driverFile
	}
	kind := measurement.RegionWrapper
	if domain == cupti.DomainDriver && id == cupti.DriverLaunchKernel {
		kind = measurement.RegionKernelLaunch
	}
	if name == "" {
		name = cupti.FunctionName(domain, id)
	}
	h := t.core.NewRegion(name, "", file, kind)
	t.slots[idx].Store(uint32(h))
	return h
}
