package emitter

import (
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

// MemcpyEnter writes the start of a synchronous API copy on s and enters
// region on the calling thread. time is a host clock reading. The caller
// holds the registry lock.
func (e *Emitter) MemcpyEnter(c *registry.Context, s *registry.Stream, dir int, bytes, time uint64, region measurement.RegionHandle) {
	if time < s.LastTime {
		e.warn.Warn("memcpy_start", "CUDA memcpy starts before already written events, using last written time",
			zap.Uint32("stream", s.ID), zap.Uint64("time", time), zap.Uint64("last", s.LastTime))
	}
	time = at(s, time)
	if e.cfg.PureIdle() {
		e.ExitIdle(c, time)
	}
	e.transfer(c, s, dir, time, bytes)
	if region != measurement.InvalidRegion {
		e.core.EnterRegion(measurement.HostLocation, time, region)
	}
}

// MemcpyExit completes a synchronous API copy.
func (e *Emitter) MemcpyExit(c *registry.Context, s *registry.Stream, dir int, time uint64, region measurement.RegionHandle) {
	if time < s.LastTime {
		e.warn.Warn("memcpy_end", "CUDA memcpy ends before already written events, using last written time",
			zap.Uint32("stream", s.ID), zap.Uint64("time", time), zap.Uint64("last", s.LastTime))
	}
	time = at(s, time)
	if dir != types.DIR_HTOH {
		e.core.RmaOpCompleteBlocking(s.Location, time, e.window, Matching)
	}
	if region != measurement.InvalidRegion {
		e.core.ExitRegion(measurement.HostLocation, time, region)
	}
	if e.cfg.PureIdle() {
		if c.Activity != nil && time > c.Activity.LastGPUTime {
			c.Activity.LastGPUTime = time
		}
		e.EnterIdle(c, time)
	}
}

// Alloc records a device allocation of c.
func (e *Emitter) Alloc(c *registry.Context, addr, size uint64) {
	if addr == 0 || c.AllocMetric == 0 {
		return
	}
	e.core.AllocMetricHandleAlloc(c.AllocMetric, addr, size)
}

// Free records the release of a device allocation of c.
func (e *Emitter) Free(c *registry.Context, addr uint64) {
	if addr == 0 || c.AllocMetric == 0 {
		return
	}
	alloc, ok := e.core.AllocMetricAcquireAlloc(c.AllocMetric, addr)
	if !ok {
		logutil.GetLogger().Warn("freeing unknown CUDA device memory",
			zap.Uint32("context_id", c.ID), zap.Uint64("address", addr))
		return
	}
	e.core.AllocMetricHandleFree(c.AllocMetric, alloc)
}
