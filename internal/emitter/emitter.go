// Package emitter turns decoded activity records and synchronous API
// transfers into region, RMA and parameter events while keeping the events of
// every stream in timestamp order.
package emitter

import (
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/clocksync"
	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/decoder"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

// Matching is the matching id of every CUDA transfer.
const Matching = 42

// Callsites yields the callsite recorded for a kernel launch.
type Callsites interface {
	Take(correlationID uint32) (uint32, bool)
}

type counters struct {
	callsite        measurement.ParameterHandle
	blocksPerGrid   measurement.ParameterHandle
	threadsPerBlock measurement.ParameterHandle
	threadsPerKern  measurement.ParameterHandle
	staticShared    measurement.ParameterHandle
	dynamicShared   measurement.ParameterHandle
	localTotal      measurement.ParameterHandle
	registers       measurement.ParameterHandle
}

type Options struct {
	Registry  *registry.Registry
	Callsites Callsites
	Metrics   *telemetry.Metrics
}

type Emitter struct {
	reg       *registry.Registry
	core      measurement.Core
	cfg       config.Config
	names     *KernelNames
	callsites Callsites
	metrics   *telemetry.Metrics

	window measurement.RmaWindowHandle
	params counters

	warn logutil.Once
}

func New(opts Options) *Emitter {
	reg := opts.Registry
	core := reg.Core()
	cfg := reg.Config()
	e := &Emitter{
		reg:       reg,
		core:      core,
		cfg:       cfg,
		callsites: opts.Callsites,
		metrics:   opts.Metrics,
	}
	if cfg.RecordKernels() {
		e.names = NewKernelNames(core)
	}
	if cfg.RecordMemcpy() {
		e.window = core.NewRmaWindow("CUDA_WINDOW")
	}
	if cfg.RecordCallsites() {
		e.params.callsite = core.NewParameter("callsite id")
	}
	if cfg.RecordKernelCounters() {
		e.params.blocksPerGrid = core.NewParameter("blocks per grid")
		e.params.threadsPerBlock = core.NewParameter("threads per block")
		e.params.threadsPerKern = core.NewParameter("threads per kernel")
		e.params.staticShared = core.NewParameter("static shared memory")
		e.params.dynamicShared = core.NewParameter("dynamic shared memory")
		e.params.localTotal = core.NewParameter("total local memory")
		e.params.registers = core.NewParameter("registers per thread")
	}
	return e
}

func (e *Emitter) Window() measurement.RmaWindowHandle { return e.window }

// CallsiteParameter is the "callsite id" parameter, InvalidParameter unless
// callsites are recorded.
func (e *Emitter) CallsiteParameter() measurement.ParameterHandle { return e.params.callsite }

// Names returns the kernel region cache, nil when kernels are not recorded.
func (e *Emitter) Names() *KernelNames { return e.names }

// Clamp fits [start, stop] after the stream watermark and before the end of
// the sync window. ok is false when nothing of the span is left. The
// watermark itself advances as events are written.
func (e *Emitter) Clamp(s *registry.Stream, sync clocksync.Sync, start, stop uint64) (uint64, uint64, bool) {
	if start < s.LastTime {
		if stop <= s.LastTime {
			e.warn.Warn("before_watermark", "dropping CUDA activity recorded before already written events",
				zap.Uint64("start", start), zap.Uint64("stop", stop), zap.Uint64("last", s.LastTime))
			e.metrics.Drop("before_watermark")
			return 0, 0, false
		}
		e.warn.Warn("front_clamp", "truncating CUDA activity starting before already written events",
			zap.Uint64("start", start), zap.Uint64("last", s.LastTime))
		e.metrics.Clamp("front")
		start = s.LastTime
	}

	if e.inverted(start, stop) {
		return 0, 0, false
	}

	if stop > sync.HostStop {
		if sync.HostStop <= start {
			e.warn.Warn("after_sync", "dropping CUDA activity beyond the synchronization point",
				zap.Uint64("start", start), zap.Uint64("sync_stop", sync.HostStop))
			e.metrics.Drop("after_sync")
			return 0, 0, false
		}
		e.warn.Warn("back_clamp", "truncating CUDA activity ending beyond the synchronization point",
			zap.Uint64("stop", stop), zap.Uint64("sync_stop", sync.HostStop))
		e.metrics.Clamp("back")
		stop = sync.HostStop
	}
	return start, stop, true
}

// inverted drops a span that ends before it starts.
func (e *Emitter) inverted(start, stop uint64) bool {
	if stop >= start {
		return false
	}
	e.warn.Warn("inverted", "dropping CUDA activity that ends before it starts",
		zap.Uint64("start", start), zap.Uint64("stop", stop))
	e.metrics.Drop("inverted")
	return true
}

// idleAt is at for the idle bracket, which has no earlier check of the
// watermark.
func (e *Emitter) idleAt(s *registry.Stream, ts uint64) uint64 {
	if ts < s.LastTime {
		e.warn.Warn("idle_clamp", "CUDA idle time starts before already written events, using last written time",
			zap.Uint32("stream", s.ID), zap.Uint64("time", ts), zap.Uint64("last", s.LastTime))
		e.metrics.Clamp("idle")
	}
	return at(s, ts)
}

// at advances the watermark of s to ts and returns the timestamp to write.
func at(s *registry.Stream, ts uint64) uint64 {
	if ts < s.LastTime {
		ts = s.LastTime
	}
	s.LastTime = ts
	return ts
}

// EnterIdle opens the idle bracket of c at ts if it is not open.
func (e *Emitter) EnterIdle(c *registry.Context, ts uint64) {
	s := c.IdleStream()
	if !e.cfg.IdleEnabled() || c.Activity == nil || c.Activity.GPUIdle || s == nil {
		return
	}
	e.core.EnterRegion(s.Location, e.idleAt(s, ts), e.reg.IdleRegion())
	c.Activity.GPUIdle = true
}

// ExitIdle closes the idle bracket of c at ts if it is open.
func (e *Emitter) ExitIdle(c *registry.Context, ts uint64) {
	s := c.IdleStream()
	if !e.cfg.IdleEnabled() || c.Activity == nil || !c.Activity.GPUIdle || s == nil {
		return
	}
	e.core.ExitRegion(s.Location, e.idleAt(s, ts), e.reg.IdleRegion())
	c.Activity.GPUIdle = false
}

// bracketBusy ends idle time before a device operation starting at start.
func (e *Emitter) bracketBusy(c *registry.Context, start, stop uint64) {
	a := c.Activity
	if a.GPUIdle {
		e.ExitIdle(c, start)
	} else if start > a.LastGPUTime {
		s := c.IdleStream()
		region := e.reg.IdleRegion()
		e.core.EnterRegion(s.Location, e.idleAt(s, a.LastGPUTime), region)
		e.core.ExitRegion(s.Location, e.idleAt(s, start), region)
	}
	if stop > a.LastGPUTime {
		a.LastGPUTime = stop
	}
}

// Record emits one decoded record of a buffer flushed for c. The caller
// holds the registry lock.
func (e *Emitter) Record(c *registry.Context, rec decoder.Record) {
	switch r := rec.(type) {
	case *decoder.Kernel:
		if !e.cfg.RecordKernels() {
			return
		}
		if target := e.owner(c, r.ContextID); target != nil {
			e.Kernel(target, r)
		}
	case *decoder.Memcpy:
		if !e.cfg.RecordMemcpy() {
			return
		}
		if target := e.owner(c, r.ContextID); target != nil {
			e.Memcpy(target, r)
		}
	default:
		e.warn.Warn(rec.Kind(), "ignoring unhandled CUDA activity record", zap.Stringer("kind", rec.Kind()))
		e.metrics.Drop("unhandled")
	}
}

// owner resolves the context a record belongs to. Records of another context
// are translated with the sync window of the flushing one.
func (e *Emitter) owner(flushing *registry.Context, id uint32) *registry.Context {
	if id == flushing.ID || id == cupti.NoContextID {
		return flushing
	}
	target := e.reg.GetByID(id)
	if target == nil || target.Activity == nil {
		e.warn.Warn(struct {
			key string
			id  uint32
		}{"unknown_context", id}, "CUDA activity record for unknown context, using flushing context",
			zap.Uint32("record_context", id), zap.Uint32("flushing_context", flushing.ID))
		return flushing
	}
	target.Activity.Sync = flushing.Activity.Sync
	return target
}

// Kernel emits a kernel record.
func (e *Emitter) Kernel(c *registry.Context, k *decoder.Kernel) {
	if k.ActivityKind == cupti.ActivityConcurrentKernel && (k.Start == 0 || k.End == 0) {
		e.warn.Warn("kernel_zero_time", "skipping concurrent kernel record without timestamps, consider kernel_serial",
			zap.String("kernel", k.Name))
		e.metrics.Drop("zero_time")
		return
	}

	if e.inverted(k.Start, k.End) {
		return
	}

	s, err := e.reg.GetOrCreateStream(c, k.StreamID)
	if err != nil {
		logutil.GetLogger().Warn("cannot resolve CUDA stream for kernel", zap.Error(err))
		return
	}

	start, stop := c.Activity.Sync.TranslateSpan(k.Start, k.End)
	start, stop, ok := e.Clamp(s, c.Activity.Sync, start, stop)
	if !ok {
		return
	}
	e.metrics.Record(k.ActivityKind.String())

	if e.cfg.IdleEnabled() {
		e.bracketBusy(c, start, stop)
	}

	region := e.names.Region(k.Name)
	start = at(s, start)
	e.core.EnterRegion(s.Location, start, region)

	if e.params.callsite != measurement.InvalidParameter && e.callsites != nil {
		if id, ok := e.callsites.Take(k.CorrelationID); ok {
			e.core.TriggerParameterUint64(s.Location, start, e.params.callsite, uint64(id))
		} else {
			e.warn.Warn("no_callsite", "no callsite recorded for CUDA kernel",
				zap.String("kernel", k.Name), zap.Uint32("correlation_id", k.CorrelationID))
		}
	}

	if e.params.blocksPerGrid != measurement.InvalidParameter {
		bpg := k.BlocksPerGrid()
		tpb := k.ThreadsPerBlock()
		e.core.TriggerParameterUint64(s.Location, start, e.params.blocksPerGrid, bpg)
		e.core.TriggerParameterUint64(s.Location, start, e.params.threadsPerBlock, tpb)
		e.core.TriggerParameterUint64(s.Location, start, e.params.threadsPerKern, bpg*tpb)
		e.core.TriggerParameterUint64(s.Location, start, e.params.staticShared, uint64(max(k.StaticSharedMemory, 0)))
		e.core.TriggerParameterUint64(s.Location, start, e.params.dynamicShared, uint64(max(k.DynamicSharedMemory, 0)))
		e.core.TriggerParameterUint64(s.Location, start, e.params.localTotal, uint64(k.LocalMemoryTotal))
		e.core.TriggerParameterUint64(s.Location, start, e.params.registers, uint64(k.RegistersPerThread))
	}

	e.core.ExitRegion(s.Location, at(s, stop), region)
}

// Direction classifies a transfer by its source and destination memory.
func Direction(src, dst cupti.MemoryKind) int {
	if src == cupti.MemoryDevice {
		if dst == cupti.MemoryDevice {
			return types.DIR_DTOD
		}
		return types.DIR_DTOH
	}
	if dst == cupti.MemoryDevice {
		return types.DIR_HTOD
	}
	return types.DIR_HTOH
}

// Memcpy emits a memcpy record.
func (e *Emitter) Memcpy(c *registry.Context, m *decoder.Memcpy) {
	if e.inverted(m.Start, m.End) {
		return
	}
	dir := Direction(m.SrcKind, m.DstKind)

	s, err := e.reg.GetOrCreateStream(c, m.StreamID)
	if err != nil {
		logutil.GetLogger().Warn("cannot resolve CUDA stream for memcpy", zap.Error(err))
		return
	}

	start, stop := c.Activity.Sync.TranslateSpan(m.Start, m.End)
	start, stop, ok := e.Clamp(s, c.Activity.Sync, start, stop)
	if !ok {
		return
	}
	e.metrics.Record(cupti.ActivityMemcpy.String())

	if e.cfg.PureIdle() {
		e.bracketBusy(c, start, stop)
	} else if e.cfg.IdleEnabled() && !c.Activity.GPUIdle && s.Default {
		e.EnterIdle(c, c.Activity.LastGPUTime)
	}

	e.transfer(c, s, dir, at(s, start), m.Bytes)
	if dir != types.DIR_HTOH {
		e.core.RmaOpCompleteBlocking(s.Location, at(s, stop), e.window, Matching)
	} else {
		at(s, stop)
	}
}

// transfer assigns communication ids and writes the get or put of a copy.
func (e *Emitter) transfer(c *registry.Context, s *registry.Stream, dir int, ts, bytes uint64) {
	if dir != types.DIR_DTOD {
		e.reg.AssignContextComm(c)
	}
	e.reg.AssignStreamComm(s)

	switch dir {
	case types.DIR_HTOD:
		e.core.RmaGet(s.Location, ts, e.window, uint64(c.CommID), bytes, Matching)
	case types.DIR_DTOH:
		e.core.RmaPut(s.Location, ts, e.window, uint64(c.CommID), bytes, Matching)
	case types.DIR_DTOD:
		e.core.RmaGet(s.Location, ts, e.window, uint64(s.CommID), bytes, Matching)
	}
}
