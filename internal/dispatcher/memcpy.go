package dispatcher

import (
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

// Synchronous runtime copies; the direction comes with the call.
var runtimeCopies = map[cupti.CallbackID]bool{
	cupti.RuntimeMemcpy:               true,
	cupti.RuntimeMemcpy2D:             true,
	cupti.RuntimeMemcpyToArray:        true,
	cupti.RuntimeMemcpy2DToArray:      true,
	cupti.RuntimeMemcpyFromArray:      true,
	cupti.RuntimeMemcpy2DFromArray:    true,
	cupti.RuntimeMemcpyArrayToArray:   true,
	cupti.RuntimeMemcpy2DArrayToArray: true,
	cupti.RuntimeMemcpyToSymbol:       true,
	cupti.RuntimeMemcpyFromSymbol:     true,
	cupti.RuntimeMemcpy3D:             true,
}

// Synchronous driver copies and the direction implied by each entry point.
var driverCopies = map[cupti.CallbackID]cupti.MemcpyKind{
	cupti.DriverMemcpy:     cupti.MemcpyDefault,
	cupti.DriverMemcpy2D:   cupti.MemcpyDefault,
	cupti.DriverMemcpy3D:   cupti.MemcpyDefault,
	cupti.DriverMemcpyHtoD: cupti.MemcpyHostToDevice,
	cupti.DriverMemcpyHtoA: cupti.MemcpyHostToDevice,
	cupti.DriverMemcpyDtoH: cupti.MemcpyDeviceToHost,
	cupti.DriverMemcpyAtoH: cupti.MemcpyDeviceToHost,
	cupti.DriverMemcpyDtoD: cupti.MemcpyDeviceToDevice,
	cupti.DriverMemcpyAtoA: cupti.MemcpyDeviceToDevice,
}

var runtimeAllocs = map[cupti.CallbackID]bool{
	cupti.RuntimeMalloc:        true,
	cupti.RuntimeMallocPitch:   true,
	cupti.RuntimeMallocArray:   true,
	cupti.RuntimeMalloc3D:      true,
	cupti.RuntimeMalloc3DArray: true,
}

var runtimeFrees = map[cupti.CallbackID]bool{
	cupti.RuntimeFree:      true,
	cupti.RuntimeFreeArray: true,
}

var driverAllocs = map[cupti.CallbackID]bool{
	cupti.DriverMemAlloc:      true,
	cupti.DriverMemAllocPitch: true,
	cupti.DriverArrayCreate:   true,
	cupti.DriverArray3DCreate: true,
}

var driverFrees = map[cupti.CallbackID]bool{
	cupti.DriverMemFree:      true,
	cupti.DriverArrayDestroy: true,
}

type refKind uint8

const (
	refStream refKind = 1 << iota
	refEvent
	refResult
)

var enterRefs = map[cupti.CallbackID]refKind{
	cupti.DriverLaunchKernel:    refStream,
	cupti.DriverLaunch:          refStream,
	cupti.DriverLaunchGrid:      refStream,
	cupti.DriverLaunchGridAsync: refStream,
}

var exitRefs = map[cupti.CallbackID]refKind{
	cupti.DriverStreamSynchronize: refStream,
	cupti.DriverMemcpyAsync:       refStream,
	cupti.DriverEventRecord:       refEvent | refStream,
	cupti.DriverEventSynchronize:  refEvent,
	cupti.DriverEventQuery:        refResult | refEvent,
	cupti.DriverStreamWaitEvent:   refEvent | refStream,
}

func direction(kind cupti.MemcpyKind) int {
	switch kind {
	case cupti.MemcpyHostToDevice:
		return types.DIR_HTOD
	case cupti.MemcpyDeviceToHost:
		return types.DIR_DTOH
	case cupti.MemcpyDeviceToDevice:
		return types.DIR_DTOD
	case cupti.MemcpyHostToHost:
		return types.DIR_HTOH
	default:
		return types.DIR_UNKNOWN
	}
}

// copyKind classifies a copy by the memory types of its pointers.
func copyKind(src, dst cupti.MemoryType) cupti.MemcpyKind {
	device := func(t cupti.MemoryType) bool {
		return t == cupti.MemoryTypeDevice || t == cupti.MemoryTypeArray
	}
	switch {
	case src == cupti.MemoryTypeHost && device(dst):
		return cupti.MemcpyHostToDevice
	case src == cupti.MemoryTypeHost && dst == cupti.MemoryTypeHost:
		return cupti.MemcpyHostToHost
	case device(src) && device(dst):
		return cupti.MemcpyDeviceToDevice
	case device(src) && dst == cupti.MemoryTypeHost:
		return cupti.MemcpyDeviceToHost
	}
	return cupti.MemcpyDefault
}

// memcpyDefault infers the direction of a copy from its pointers and writes
// it on the calling context.
func (d *Dispatcher) memcpyDefault(cb cupti.CallbackData, p cupti.MemcpyParams, time uint64, region measurement.RegionHandle) {
	release := d.suspend.Acquire(cb.Thread)
	srcCtx, srcType, srcErr := d.drv.PointerAttributes(p.Src)
	dstCtx, dstType, dstErr := d.drv.PointerAttributes(p.Dst)
	release()
	if srcErr != nil || dstErr != nil {
		logutil.GetLogger().Debug("cannot query CUDA pointer attributes",
			zap.NamedError("src", srcErr), zap.NamedError("dst", dstErr))
	}

	kind := copyKind(srcType, dstType)
	if kind == cupti.MemcpyDefault {
		d.warn.Warn("unknown_copy_kind", "cannot determine CUDA memory copy direction, skipping copy",
			zap.String("function", functionName(cb)))
		return
	}

	if srcCtx != dstCtx {
		// Peer copies between contexts are not written.
		if kind != cupti.MemcpyDeviceToDevice {
			d.memcpy(cb, kind, p.Bytes, time, region)
		}
		return
	}

	if cb.Context != srcCtx {
		d.warn.Warn("foreign_copy", "skipping CUDA memory copy within another context",
			zap.Stringer("kind", kind))
		return
	}
	d.memcpy(cb, kind, p.Bytes, time, region)
}

// memcpy writes one site of a synchronous copy on the first stream of the
// calling context.
func (d *Dispatcher) memcpy(cb cupti.CallbackData, kind cupti.MemcpyKind, bytes, time uint64, region measurement.RegionHandle) {
	c := d.reg.GetOrCreateContextFrom(cb.Context, cb.Thread)
	if c == nil {
		return
	}
	if c.HostThread != cb.Thread {
		d.warn.Warn("host_thread", "host thread of CUDA context changed, memory copies are skipped",
			zap.Uint32("context_id", c.ID), zap.Uint32("thread", cb.Thread), zap.Uint32("context_thread", c.HostThread))
		return
	}
	key := copyKey{thread: cb.Thread, correlation: cb.CorrelationID}

	switch cb.Site {
	case cupti.SiteEnter:
		s := d.copyStream(c)
		if s == nil {
			return
		}
		if d.cfg.SyncLevel > config.SyncNone && (!d.cfg.RecordKernels() || !d.act.BufferEmpty(c)) {
			time = d.synchronize(c, cb.Thread)
		}

		dir := direction(kind)
		d.reg.Lock()
		d.em.MemcpyEnter(c, s, dir, bytes, time, region)
		d.reg.Unlock()

		d.mu.Lock()
		d.pending[key] = pendingCopy{stream: s, dir: dir}
		d.mu.Unlock()

	case cupti.SiteExit:
		d.mu.Lock()
		p, ok := d.pending[key]
		delete(d.pending, key)
		d.mu.Unlock()
		if !ok {
			d.warn.Warn("copy_exit", "CUDA memory copy exit without enter",
				zap.Uint32("correlation_id", cb.CorrelationID))
			return
		}

		d.reg.Lock()
		d.em.MemcpyExit(c, p.stream, p.dir, time, region)
		d.reg.Unlock()
	}
}

// copyStream returns the stream synchronous copies of c are written to,
// creating the default stream when c has none.
func (d *Dispatcher) copyStream(c *registry.Context) *registry.Stream {
	d.reg.Lock()
	if len(c.Streams) > 0 {
		s := c.Streams[0]
		d.reg.Unlock()
		return s
	}
	var id uint32
	known := c.Activity != nil
	if known {
		id = c.Activity.DefaultStreamID
	}
	d.reg.Unlock()

	if !known {
		var err error
		if id, err = d.drv.StreamID(c.Handle, 0); err != nil {
			logutil.GetLogger().Warn("cannot query CUDA default stream", zap.Uint32("context_id", c.ID), zap.Error(err))
			return nil
		}
	}

	d.reg.Lock()
	defer d.reg.Unlock()
	if len(c.Streams) > 0 {
		return c.Streams[0]
	}
	s, err := d.reg.GetOrCreateStream(c, id)
	if err != nil {
		logutil.GetLogger().Warn("cannot create CUDA default stream", zap.Uint32("context_id", c.ID), zap.Error(err))
		return nil
	}
	return s
}
