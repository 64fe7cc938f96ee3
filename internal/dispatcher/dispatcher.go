// Package dispatcher correlates intercepted CUDA API calls with the
// measurement: generic API regions on the calling thread, synchronous memory
// copies and allocations on the device streams, and the context lifecycle.
package dispatcher

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/activity"
	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/emitter"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
)

type Options struct {
	Registry  *registry.Registry
	Emitter   *emitter.Emitter
	Activity  *activity.Manager
	Driver    cupti.Driver
	Callsites *Callsites
	Metrics   *telemetry.Metrics
}

type attributes struct {
	stream measurement.AttributeHandle
	event  measurement.AttributeHandle
	result measurement.AttributeHandle
}

// copyKey pairs the enter and exit callbacks of one synchronous copy.
type copyKey struct {
	thread      uint32
	correlation uint32
}

type pendingCopy struct {
	stream *registry.Stream
	dir    int
}

type Dispatcher struct {
	reg       *registry.Registry
	em        *emitter.Emitter
	act       *activity.Manager
	drv       cupti.Driver
	core      measurement.Core
	cfg       config.Config
	callsites *Callsites
	metrics   *telemetry.Metrics

	regions    *Regions
	syncRegion measurement.RegionHandle
	attrs      attributes
	domains    map[cupti.Domain]bool

	suspend Suspender

	mu      sync.Mutex
	pending map[copyKey]pendingCopy

	warn logutil.Once
}

func New(opts Options) *Dispatcher {
	reg := opts.Registry
	core := reg.Core()
	cfg := reg.Config()
	d := &Dispatcher{
		reg:       reg,
		em:        opts.Emitter,
		act:       opts.Activity,
		drv:       opts.Driver,
		core:      core,
		cfg:       cfg,
		callsites: opts.Callsites,
		metrics:   opts.Metrics,
		regions:   NewRegions(core, cfg.RecordRuntime(), cfg.RecordDriver()),
		pending:   make(map[copyKey]pendingCopy),
	}
	d.domains = enabledDomains(cfg)

	if cfg.RecordKernels() || cfg.RecordMemcpy() || cfg.RecordGPUMemUsage() {
		d.syncRegion = core.NewRegion("DEVICE SYNCHRONIZE", "", core.NewSourceFile("CUDA_SYNC"),
			measurement.RegionImplicitBarrier)
	}
	if cfg.RecordReferences() {
		d.attrs.stream = core.NewAttribute("CUDA_STREAM_REF", "referenced CUDA stream")
		d.attrs.event = core.NewAttribute("CUDA_EVENT_REF", "referenced CUDA event")
		d.attrs.result = core.NewAttribute("CUDA_RESULT_REF", "CUDA result code")
	}

	metrics := opts.Metrics
	reg.OnContextCreated(func(*registry.Context) { metrics.ContextCreated() })
	return d
}

func enabledDomains(cfg config.Config) map[cupti.Domain]bool {
	domains := make(map[cupti.Domain]bool)
	if cfg.RecordRuntime() {
		domains[cupti.DomainRuntime] = true
	}
	if cfg.RecordDriver() ||
		(!cfg.RecordRuntime() && cfg.RecordGPUMemUsage()) ||
		(!cfg.RecordRuntime() && cfg.RecordMemcpy() && cfg.SyncLevel == config.SyncFull) {
		domains[cupti.DomainDriver] = true
	}
	if cfg.RecordKernels() || cfg.RecordMemcpy() || cfg.RecordGPUMemUsage() {
		if cfg.RecordKernels() || cfg.RecordMemcpy() {
			domains[cupti.DomainSynchronize] = true
		}
		domains[cupti.DomainResource] = true
	}
	return domains
}

// Domains lists the callback domains the configuration subscribes to.
func (d *Dispatcher) Domains() []cupti.Domain {
	var out []cupti.Domain
	for _, dom := range []cupti.Domain{cupti.DomainRuntime, cupti.DomainDriver, cupti.DomainResource, cupti.DomainSynchronize} {
		if d.domains[dom] {
			out = append(out, dom)
		}
	}
	return out
}

func (d *Dispatcher) Regions() *Regions { return d.regions }

// Suspend keeps the driver callbacks of thread out of the measurement until
// the returned func runs.
func (d *Dispatcher) Suspend(thread uint32) func() { return d.suspend.Acquire(thread) }

// Handle processes one intercepted callback.
func (d *Dispatcher) Handle(cb cupti.CallbackData) {
	if !d.domains[cb.Domain] {
		return
	}
	d.metrics.Callback(cb.Domain.String())

	switch cb.Domain {
	case cupti.DomainRuntime:
		d.runtimeAPI(cb)
	case cupti.DomainDriver:
		d.driverAPI(cb)
	case cupti.DomainResource:
		d.resource(cb)
	case cupti.DomainSynchronize:
		d.synchronized(cb)
	}
}

func (d *Dispatcher) now(cb cupti.CallbackData) uint64 {
	if cb.Timestamp != 0 {
		return cb.Timestamp
	}
	return d.reg.Now()
}

func functionName(cb cupti.CallbackData) string {
	if cb.FunctionName != "" {
		return cb.FunctionName
	}
	return cupti.FunctionName(cb.Domain, cb.ID)
}

// syncCall writes the dedicated synchronize region for device and context
// synchronization calls. It reports whether the call was handled.
func (d *Dispatcher) syncCall(cb cupti.CallbackData) bool {
	if d.cfg.SyncLevel <= config.SyncRecord || d.syncRegion == measurement.InvalidRegion {
		return false
	}
	switch cb.Site {
	case cupti.SiteEnter:
		d.core.EnterRegion(measurement.HostLocation, d.now(cb), d.syncRegion)
	case cupti.SiteExit:
		d.core.ExitRegion(measurement.HostLocation, d.now(cb), d.syncRegion)
	}
	return true
}

func (d *Dispatcher) runtimeAPI(cb cupti.CallbackData) {
	if cb.ID == cupti.RuntimeInvalid {
		return
	}
	if cb.ID == cupti.RuntimeDeviceSynchronize && d.syncCall(cb) {
		return
	}

	region := d.regions.Region(cupti.DomainRuntime, cb.ID, functionName(cb))
	time := d.now(cb)

	// With driver recording on, copies and allocations are handled by the
	// driver callbacks they cause.
	driverSide := d.cfg.RecordDriver()

	if d.cfg.RecordMemcpy() && d.cfg.SyncLevel == config.SyncFull && !driverSide && runtimeCopies[cb.ID] {
		if p, ok := cb.Params.(cupti.MemcpyParams); ok {
			switch p.Kind {
			case cupti.MemcpyDefault:
				d.memcpyDefault(cb, p, time, region)
				return
			case cupti.MemcpyHostToHost:
				// host copies only get the API region
			default:
				d.memcpy(cb, p.Kind, p.Bytes, time, region)
				return
			}
		}
	}

	switch cb.Site {
	case cupti.SiteEnter:
		d.core.EnterRegion(measurement.HostLocation, time, region)
	case cupti.SiteExit:
		d.core.ExitRegion(measurement.HostLocation, time, region)
	}

	if d.cfg.RecordGPUMemUsage() && !driverSide {
		d.memory(cb, runtimeAllocs[cb.ID], runtimeFrees[cb.ID])
	}
}

func (d *Dispatcher) driverAPI(cb cupti.CallbackData) {
	if cb.ID == 0 || d.suspend.Suspended(cb.Thread) {
		return
	}
	if cb.ID == cupti.DriverCtxSynchronize && d.syncCall(cb) {
		return
	}

	recordAPI := d.cfg.RecordDriver()
	region := measurement.InvalidRegion
	if recordAPI {
		region = d.regions.Region(cupti.DomainDriver, cb.ID, functionName(cb))
	}
	time := d.now(cb)

	if d.cfg.RecordMemcpy() && d.cfg.SyncLevel == config.SyncFull {
		if kind, ok := driverCopies[cb.ID]; ok {
			p, _ := cb.Params.(cupti.MemcpyParams)
			if kind == cupti.MemcpyDefault {
				d.memcpyDefault(cb, p, time, region)
			} else {
				d.memcpy(cb, kind, p.Bytes, time, region)
			}
			return
		}
	}

	if recordAPI {
		switch cb.Site {
		case cupti.SiteEnter:
			d.references(cb, enterRefs[cb.ID])
			d.core.EnterRegion(measurement.HostLocation, time, region)
			if cb.ID == cupti.DriverLaunchKernel {
				d.recordCallsite(cb, time)
			}
		case cupti.SiteExit:
			d.references(cb, exitRefs[cb.ID])
			d.core.ExitRegion(measurement.HostLocation, time, region)
		}
	}

	if d.cfg.RecordGPUMemUsage() {
		d.memory(cb, driverAllocs[cb.ID], driverFrees[cb.ID])
	}
}

func (d *Dispatcher) recordCallsite(cb cupti.CallbackData, time uint64) {
	param := d.em.CallsiteParameter()
	if param == measurement.InvalidParameter || d.callsites == nil {
		return
	}
	p, ok := cb.Params.(cupti.LaunchParams)
	if !ok {
		return
	}
	d.callsites.Put(cb.CorrelationID, p.Callsite)
	d.core.TriggerParameterUint64(measurement.HostLocation, time, param, uint64(p.Callsite))
}

// memory handles allocations at the exit site and releases at the enter site.
func (d *Dispatcher) memory(cb cupti.CallbackData, alloc, free bool) {
	switch {
	case alloc && cb.Site == cupti.SiteExit:
		if p, ok := cb.Params.(cupti.AllocParams); ok {
			d.malloc(cb, p.Address, p.Bytes)
		}
	case free && cb.Site == cupti.SiteEnter:
		if p, ok := cb.Params.(cupti.FreeParams); ok {
			d.free(cb, p.Address)
		}
	}
}

func (d *Dispatcher) resource(cb cupti.CallbackData) {
	logger := logutil.GetLogger()
	switch cb.ID {
	case cupti.ResourceContextCreated:
		c := d.reg.GetOrCreateContextFrom(cb.Context, cb.Thread)
		if c == nil {
			return
		}
		d.act.Setup(c)
	case cupti.ResourceContextDestroyStarting:
		logger.Debug("destroying CUDA context", zap.Uint64("context", uint64(cb.Context)))
		if err := d.act.DestroyContext(cb.Context); err != nil {
			logger.Warn("CUDA context finalized with errors", zap.Uint64("context", uint64(cb.Context)), zap.Error(err))
		}
	case cupti.ResourceStreamCreated, cupti.ResourceStreamDestroyStarting:
		id, err := d.drv.StreamID(cb.Context, cb.Stream)
		if err != nil {
			logger.Debug("cannot resolve CUDA stream", zap.Error(err))
			return
		}
		logger.Debug("CUDA stream lifecycle",
			zap.Stringer("event", resourceEvent(cb.ID)),
			zap.Uint32("stream", id),
			zap.Uint64("context", uint64(cb.Context)))
	}
}

type resourceEvent cupti.CallbackID

func (e resourceEvent) String() string {
	if cupti.CallbackID(e) == cupti.ResourceStreamCreated {
		return "created"
	}
	return "destroying"
}

func (d *Dispatcher) synchronized(cb cupti.CallbackData) {
	if cb.ID != cupti.SynchronizeContextSynchronized {
		return
	}
	if !d.cfg.RecordKernels() && !d.cfg.RecordMemcpy() {
		return
	}
	c := d.reg.Get(cb.Context)
	if c == nil {
		logutil.GetLogger().Debug("synchronized unknown CUDA context", zap.Uint64("context", uint64(cb.Context)))
		return
	}
	if !d.act.BufferEmpty(c) {
		d.act.FlushContext(c)
	}
}

// synchronize blocks on the context of c and returns the host time after
// it. The wait is recorded as a synchronize region unless driver callbacks
// are subscribed.
func (d *Dispatcher) synchronize(c *registry.Context, thread uint32) uint64 {
	release := d.suspend.Acquire(thread)
	defer release()

	record := !d.domains[cupti.DomainDriver] && d.cfg.SyncLevel > config.SyncRecord
	if record {
		d.core.EnterRegion(measurement.HostLocation, d.reg.Now(), d.syncRegion)
	}
	if err := d.drv.Synchronize(c.Handle); err != nil {
		logutil.GetLogger().Warn("cannot synchronize CUDA context", zap.Uint32("context_id", c.ID), zap.Error(err))
	}
	time := d.reg.Now()
	if record {
		d.core.ExitRegion(measurement.HostLocation, time, d.syncRegion)
	}
	return time
}

// needsSync reports whether an allocation call should synchronize first so
// that pending records are written before the memory counter changes.
func (d *Dispatcher) needsSync(c *registry.Context) bool {
	kernels, memcpy := d.cfg.RecordKernels(), d.cfg.RecordMemcpy()
	if !(kernels && memcpy) {
		return true
	}
	return !d.act.BufferEmpty(c)
}

func (d *Dispatcher) malloc(cb cupti.CallbackData, addr, size uint64) {
	if addr == 0 {
		return
	}
	c := d.reg.GetOrCreateContextFrom(cb.Context, cb.Thread)
	if c == nil {
		return
	}
	d.reg.Lock()
	d.em.Alloc(c, addr, size)
	d.reg.Unlock()

	if d.needsSync(c) {
		d.synchronize(c, cb.Thread)
	}
}

func (d *Dispatcher) free(cb cupti.CallbackData, addr uint64) {
	if addr == 0 {
		return
	}
	c := d.reg.GetOrCreateContextFrom(cb.Context, cb.Thread)
	if c == nil {
		return
	}
	if d.needsSync(c) {
		d.synchronize(c, cb.Thread)
	}
	d.reg.Lock()
	d.em.Free(c, addr)
	d.reg.Unlock()
}

func (d *Dispatcher) references(cb cupti.CallbackData, refs refKind) {
	if !d.cfg.RecordReferences() || refs == 0 {
		return
	}
	if refs&refResult != 0 {
		d.core.AddAttribute(measurement.HostLocation, d.attrs.result, uint64(uint32(cb.Result)))
	}
	if refs&refEvent != 0 {
		d.core.AddAttribute(measurement.HostLocation, d.attrs.event, cb.Event)
	}
	if refs&refStream != 0 {
		c := d.reg.GetOrCreateContextFrom(cb.Context, cb.Thread)
		if c == nil {
			return
		}
		id, err := d.drv.StreamID(cb.Context, cb.Stream)
		if err != nil {
			logutil.GetLogger().Debug("cannot resolve referenced CUDA stream", zap.Error(err))
			return
		}
		d.reg.Lock()
		s := d.reg.Stream(c, id)
		d.reg.Unlock()
		if s != nil {
			d.core.AddAttribute(measurement.HostLocation, d.attrs.stream, d.core.LocationGlobalID(s.Location))
		}
	}
}
