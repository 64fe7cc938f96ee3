package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/activity"
	"github.com/ALEYI17/InfraSight_cupti/internal/bufferpool"
	"github.com/ALEYI17/InfraSight_cupti/internal/collector/aggregator"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti/cuptitest"
	"github.com/ALEYI17/InfraSight_cupti/internal/dispatcher"
	"github.com/ALEYI17/InfraSight_cupti/internal/emitter"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

const (
	defaultThread = 1
	callsiteCache = 1024
)

type Options struct {
	// Sinks receive every event as it is written.
	Sinks   []func(types.Event)
	Metrics *telemetry.Metrics
	Remap   registry.Remapper
}

// Replay plays a scenario through the dispatcher and the activity manager
// against scripted driver state.
type Replay struct {
	sc *Scenario

	clock *cuptitest.Clock
	drv   *cuptitest.Driver
	rec   *measurement.Recorder
	reg   *registry.Registry
	act   *activity.Manager
	disp  *dispatcher.Dispatcher
	stats *aggregator.GPUAggregator
}

func New(sc *Scenario, opts Options) (*Replay, error) {
	cfg, err := sc.Config()
	if err != nil {
		return nil, err
	}

	r := &Replay{
		sc:    sc,
		clock: cuptitest.NewClock(0),
		drv:   cuptitest.NewDriver(),
		stats: aggregator.NewGPUAggregator(time.Hour),
	}
	r.clock.Step = sc.ClockStep

	for _, c := range sc.Contexts {
		info := r.drv.AddContext(cupti.ContextHandle(c.Handle), c.ID, cupti.Device(c.Device), c.DefaultStream)
		for h, id := range c.Streams {
			info.Streams[cupti.StreamHandle(h)] = id
		}
		if c.PCIBus != 0 {
			r.drv.Devices[cupti.Device(c.Device)] = cupti.DeviceAttributes{PCIBus: c.PCIBus}
		}
	}
	for _, p := range sc.Pointers {
		typ, err := memoryType(p.Type)
		if err != nil {
			return nil, err
		}
		r.drv.Pointers[p.Address] = cuptitest.Pointer{Context: cupti.ContextHandle(p.Context), Type: typ}
	}

	r.rec = measurement.NewRecorder(r.clock.Now)
	r.rec.KeepEvents(true)
	r.rec.AddSink(r.stats.Update)
	for _, fn := range opts.Sinks {
		r.rec.AddSink(fn)
	}

	r.reg = registry.New(registry.Options{
		Config: cfg,
		Core:   r.rec,
		Driver: r.drv,
		Remap:  opts.Remap,
		Clock:  r.clock.Now,
		Thread: func() uint32 { return defaultThread },
	})
	sites, err := dispatcher.NewCallsites(callsiteCache)
	if err != nil {
		return nil, err
	}
	em := emitter.New(emitter.Options{Registry: r.reg, Callsites: sites, Metrics: opts.Metrics})
	r.act = activity.New(activity.Options{
		Registry:  r.reg,
		Emitter:   em,
		Driver:    r.drv,
		Activity:  r.drv,
		Allocator: bufferpool.HeapAllocator{},
		Metrics:   opts.Metrics,
	})
	r.disp = dispatcher.New(dispatcher.Options{
		Registry:  r.reg,
		Emitter:   em,
		Activity:  r.act,
		Driver:    r.drv,
		Callsites: sites,
		Metrics:   opts.Metrics,
	})
	if cfg.RecordActivity() {
		if err := r.act.Enable(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Replay) Recorder() *measurement.Recorder { return r.rec }

func (r *Replay) Registry() *registry.Registry { return r.reg }

// Run plays every step, then finalizes the measurement. A cancelled ctx
// stops the playback early; the measurement is finalized either way.
func (r *Replay) Run(ctx context.Context) error {
	logger := logutil.GetLogger()
	var err error
	for i, st := range r.sc.Steps {
		if err = ctx.Err(); err != nil {
			logger.Info("replay interrupted", zap.Int("step", i))
			break
		}
		if err = r.step(st); err != nil {
			err = fmt.Errorf("step %d: %w", i, err)
			break
		}
	}

	if ferr := r.act.Finalize(); ferr != nil {
		logger.Warn("finalizing replay", zap.Error(ferr))
	}
	logger.Info("replay finished", zap.Int("steps", len(r.sc.Steps)), zap.Int("contexts", len(r.reg.Contexts())))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Replay) Close() error { return nil }

func (r *Replay) step(st Step) error {
	if st.Host != nil {
		r.clock.Set(*st.Host)
	}
	if len(st.Device) > 0 {
		r.drv.PushClock(st.Device...)
	}

	switch {
	case st.Current != nil:
		r.drv.Current = cupti.ContextHandle(*st.Current)
	case st.Call != nil:
		cb, err := st.Call.callback()
		if err != nil {
			return err
		}
		r.disp.Handle(cb)
	case st.Buffer != nil:
		return r.buffer(st.Buffer)
	case st.Flush != nil:
		c := r.reg.Get(cupti.ContextHandle(*st.Flush))
		if c == nil {
			return fmt.Errorf("flush of unknown context %#x", *st.Flush)
		}
		r.act.FlushContext(c)
	case st.FlushAll:
		r.act.FlushAll()
	case st.Synchronize:
		r.act.SynchronizeAll()
	}
	return nil
}

func (r *Replay) buffer(b *BufferSpec) error {
	records, err := b.records()
	if err != nil {
		return err
	}
	h := cupti.ContextHandle(b.Context)
	buf := r.act.RequestBuffer(h)
	if buf == nil {
		logutil.GetLogger().Warn("no activity buffer available, records lost",
			zap.Uint64("context", b.Context), zap.Int("bytes", len(records)))
		return nil
	}
	if len(records) > len(buf) {
		return fmt.Errorf("%d bytes of records exceed the %d byte buffer", len(records), len(buf))
	}
	copy(buf, records)
	r.act.CompleteBuffer(h, buf, uint64(len(records)))
	return nil
}

// Summary returns the per-location statistics of everything written so far,
// ordered by location.
func (r *Replay) Summary() []*types.LocationEvent {
	batch := r.stats.FlushAll()
	if batch == nil {
		return nil
	}
	out := batch.Batch
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

var _ types.Gpu_loaders = (*Replay)(nil)
