// Package activity runs the asynchronous record protocol: it hands buffers
// to the profiling runtime, collects completed ones and drains them through
// the emitter at flush points.
package activity

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/bufferpool"
	"github.com/ALEYI17/InfraSight_cupti/internal/clocksync"
	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/decoder"
	"github.com/ALEYI17/InfraSight_cupti/internal/emitter"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
)

type Options struct {
	Registry  *registry.Registry
	Emitter   *emitter.Emitter
	Driver    cupti.Driver
	Activity  cupti.Activity
	Allocator bufferpool.Allocator
	Metrics   *telemetry.Metrics
}

type Manager struct {
	reg     *registry.Registry
	em      *emitter.Emitter
	core    measurement.Core
	cfg     config.Config
	drv     cupti.Driver
	act     cupti.Activity
	alloc   bufferpool.Allocator
	metrics *telemetry.Metrics

	flushRegion measurement.RegionHandle

	warn     logutil.Once
	throttle *logutil.Throttle
}

func New(opts Options) *Manager {
	core := opts.Registry.Core()
	m := &Manager{
		reg:      opts.Registry,
		em:       opts.Emitter,
		core:     core,
		cfg:      opts.Registry.Config(),
		drv:      opts.Driver,
		act:      opts.Activity,
		alloc:    opts.Allocator,
		metrics:  opts.Metrics,
		throttle: logutil.NewThrottle(time.Minute, 3),
	}
	m.flushRegion = core.NewRegion("BUFFER FLUSH", "", core.NewSourceFile("CUDA_FLUSH"), measurement.RegionArtificial)
	return m
}

// Setup attaches activity state to c, sampling the start of its first sync
// window.
func (m *Manager) Setup(c *registry.Context) {
	m.reg.Lock()
	defer m.reg.Unlock()
	m.setupLocked(c)
}

func (m *Manager) setupLocked(c *registry.Context) *registry.Activity {
	if c.Activity != nil {
		return c.Activity
	}
	a := &registry.Activity{
		Pool:            bufferpool.New(c.ID, m.cfg.BufferSize, m.cfg.ChunkSize, m.alloc),
		DefaultStreamID: cupti.NoStreamID,
		LastGPUTime:     m.core.BeginEpoch(),
		GPUIdle:         m.cfg.IdleEnabled(),
	}
	if id, err := m.drv.StreamID(c.Handle, 0); err != nil {
		logutil.GetLogger().Warn("cannot query CUDA default stream", zap.Uint32("context_id", c.ID), zap.Error(err))
	} else {
		a.DefaultStreamID = id
	}

	// The first device timestamp read is slow; keep it out of the sample.
	if _, err := m.drv.Timestamp(); err != nil {
		logutil.GetLogger().Warn("cannot read CUDA device clock", zap.Error(err))
	}
	p, err := clocksync.Sample(m.reg.Now, m.drv.Timestamp)
	if err != nil {
		logutil.GetLogger().Warn("cannot sample CUDA clocks", zap.Uint32("context_id", c.ID), zap.Error(err))
	}
	a.Sync.Begin(p)

	c.Activity = a
	return a
}

// RequestBuffer returns an empty buffer for the runtime to fill with records
// of context h, or nil when the context's ceiling is reached.
func (m *Manager) RequestBuffer(h cupti.ContextHandle) []byte {
	c := m.reg.GetOrCreateContext(h)
	if c == nil {
		return nil
	}

	m.reg.Lock()
	defer m.reg.Unlock()
	a := m.setupLocked(c)

	before := a.Pool.Size()
	b := a.Pool.Acquire()
	if b == nil && m.drainLocked(c) {
		b = a.Pool.Acquire()
	}
	m.metrics.BufferBytes(float64(a.Pool.Size() - before))
	if b == nil {
		return nil
	}
	return b.Data
}

// CompleteBuffer takes back a buffer holding valid bytes of records. With a
// zero handle every context's pool is searched.
func (m *Manager) CompleteBuffer(h cupti.ContextHandle, data []byte, valid uint64) {
	m.reg.Lock()
	defer m.reg.Unlock()

	for _, c := range m.reg.Contexts() {
		if h != 0 && c.Handle != h {
			continue
		}
		if c.Activity == nil {
			continue
		}
		if b := c.Activity.Pool.Lookup(data); b != nil {
			c.Activity.Pool.MarkPending(b, valid)
			return
		}
	}
	m.throttle.Warn("unknown_buffer", "completed CUDA activity buffer does not belong to any context",
		zap.Uint64("context", uint64(h)), zap.Uint64("valid", valid))
}

// FlushContext forces the runtime to complete its buffers and writes every
// pending record of c.
func (m *Manager) FlushContext(c *registry.Context) {
	if c == nil {
		return
	}
	if err := m.act.FlushAll(); err != nil {
		logutil.GetLogger().Warn("cannot flush CUDA activity buffers", zap.Error(err))
	}

	m.reg.Lock()
	defer m.reg.Unlock()
	if c.Activity == nil {
		return
	}
	m.drainLocked(c)
	m.metrics.Flush()
}

// drainLocked closes the sync window of c, writes its pending buffers and
// reports whether any buffer was freed.
func (m *Manager) drainLocked(c *registry.Context) bool {
	a := c.Activity
	p, err := clocksync.Sample(m.reg.Now, m.drv.Timestamp)
	if err != nil {
		logutil.GetLogger().Warn("cannot sample CUDA clocks", zap.Uint32("context_id", c.ID), zap.Error(err))
		return false
	}
	if err := a.Sync.End(p); err != nil {
		if errors.Is(err, clocksync.ErrZeroInterval) {
			m.warn.Warn("zero_interval", "no device time passed since last synchronization, skipping flush",
				zap.Uint32("context_id", c.ID))
		}
		return false
	}

	m.core.EnterRegion(measurement.HostLocation, m.reg.Now(), m.flushRegion)

	drained := false
	committed := a.Pool.Drain(func(records []byte) {
		drained = true
		it := decoder.NewIterator(records)
		for it.Next() {
			m.em.Record(c, it.Record())
		}
		if err := it.Err(); err != nil {
			logutil.GetLogger().Warn("stopped decoding CUDA activity buffer", zap.Uint32("context_id", c.ID), zap.Error(err))
		}
	})

	m.reportDropped(c)

	if m.cfg.IdleEnabled() && !a.GPUIdle {
		m.em.EnterIdle(c, a.LastGPUTime)
	}
	if !committed {
		a.Sync.Advance()
	}

	m.core.ExitRegion(measurement.HostLocation, m.reg.Now(), m.flushRegion)
	return drained
}

func (m *Manager) reportDropped(c *registry.Context) {
	dropped, err := m.act.DroppedRecords(c.Handle, 0)
	if err != nil {
		logutil.GetLogger().Debug("cannot query dropped CUDA records", zap.Error(err))
		return
	}
	if dropped == 0 {
		return
	}
	m.metrics.VendorDropped(fmt.Sprint(c.ID), dropped)
	size := c.Activity.Pool.Size()
	proposed := size + dropped/2*uint64(decoder.KernelRecordSize+decoder.MemcpyRecordSize)
	m.throttle.Warn(c.ID, "CUDA activity records dropped, increase INFRASIGHT_CUDA_BUFFER",
		zap.Uint32("context_id", c.ID),
		zap.Uint64("dropped", dropped),
		zap.Uint64("buffer_size", size),
		zap.Uint64("proposed_min_size", proposed))
}

// FlushAll flushes every known context.
func (m *Manager) FlushAll() {
	for _, c := range m.reg.Contexts() {
		m.FlushContext(c)
	}
}

// BufferEmpty reports whether c has no buffer out with the runtime or
// waiting to be drained.
func (m *Manager) BufferEmpty(c *registry.Context) bool {
	m.reg.Lock()
	defer m.reg.Unlock()
	return c.Activity == nil || c.Activity.Pool.IsEmpty()
}

// Enable turns on record production for the configured kinds and starts a
// fresh sync window on every known context.
func (m *Manager) Enable() error {
	var err error
	for _, kind := range m.kinds() {
		err = multierr.Append(err, m.act.Enable(kind))
	}
	m.SynchronizeAll()
	return err
}

// Disable stops record production and flushes what was produced.
func (m *Manager) Disable() error {
	var err error
	for _, kind := range m.kinds() {
		err = multierr.Append(err, m.act.Disable(kind))
	}
	m.FlushAll()
	return err
}

func (m *Manager) kinds() []cupti.ActivityKind {
	var kinds []cupti.ActivityKind
	if m.cfg.RecordKernels() {
		if m.cfg.KernelSerial() {
			kinds = append(kinds, cupti.ActivityKernel)
		} else {
			kinds = append(kinds, cupti.ActivityConcurrentKernel)
		}
	}
	if m.cfg.RecordMemcpy() && m.cfg.SyncLevel == config.SyncNone {
		kinds = append(kinds, cupti.ActivityMemcpy)
	}
	return kinds
}

// SynchronizeAll waits for every context and restarts its sync window.
func (m *Manager) SynchronizeAll() {
	for _, c := range m.reg.Contexts() {
		if err := m.drv.Synchronize(c.Handle); err != nil {
			logutil.GetLogger().Warn("cannot synchronize CUDA context", zap.Uint32("context_id", c.ID), zap.Error(err))
			continue
		}
		m.reg.Lock()
		if c.Activity != nil {
			if p, err := clocksync.Sample(m.reg.Now, m.drv.Timestamp); err == nil {
				c.Activity.Sync.Begin(p)
			}
		}
		m.reg.Unlock()
	}
}

// DestroyContext flushes, unregisters and finalizes the context for h.
func (m *Manager) DestroyContext(h cupti.ContextHandle) error {
	c := m.reg.Get(h)
	if c == nil {
		return nil
	}
	m.FlushContext(c)
	if m.reg.RemoveContext(h) == nil {
		return nil
	}
	m.metrics.ContextDestroyed()
	return m.finalizeContext(c)
}

func (m *Manager) finalizeContext(c *registry.Context) error {
	m.reg.Lock()
	defer m.reg.Unlock()
	var err error
	if c.Activity != nil {
		size := c.Activity.Pool.Size()
		err = c.Activity.Pool.Finalize()
		m.metrics.BufferBytes(-float64(size))
	}
	m.reg.FinalizeContext(c)
	return err
}

// Finalize flushes unless disabled, publishes the communication group and
// finalizes every remaining context.
func (m *Manager) Finalize() error {
	if m.cfg.FlushAtExit() {
		m.FlushAll()
	}
	if m.cfg.RecordMemcpy() {
		m.core.NewCommunicationGroup(m.reg.CommGroup())
	}

	var err error
	for _, c := range m.reg.Contexts() {
		err = multierr.Append(err, m.finalizeContext(c))
	}
	return err
}
