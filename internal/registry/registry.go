// Package registry maps driver device, context and stream handles to their
// measurement objects.
//
// One mutex guards context creation and removal, stream creation and every
// buffer pool transition. Context lookups read a copy-on-write snapshot and
// only take the lock on a miss.
package registry

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/bufferpool"
	"github.com/ALEYI17/InfraSight_cupti/internal/clocksync"
	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
)

// NoCommID marks a context or stream that never took part in a transfer.
const NoCommID uint32 = math.MaxUint32

type Device struct {
	Handle   cupti.Device
	Physical int
	PCI      cupti.DeviceAttributes
	Node     measurement.SystemTreeNodeHandle
}

type Stream struct {
	ID       uint32
	Location measurement.LocationHandle
	// LastTime is the timestamp of the last event written to Location.
	LastTime uint64
	CommID   uint32
	Default  bool
}

// Activity is the asynchronous record state of one context.
type Activity struct {
	Pool            *bufferpool.Pool
	Sync            clocksync.Sync
	DefaultStreamID uint32
	GPUIdle         bool
	LastGPUTime     uint64
}

type Context struct {
	Handle     cupti.ContextHandle
	ID         uint32
	Device     *Device
	HostThread uint32
	// HostLocation represents the context in the communication group.
	HostLocation measurement.LocationHandle
	Group        measurement.LocationGroupHandle
	AllocMetric  measurement.AllocMetricHandle
	CommID       uint32
	Streams      []*Stream
	Activity     *Activity
}

// IdleStream is the stream carrying the idle bracket, the first one created.
func (c *Context) IdleStream() *Stream {
	if len(c.Streams) == 0 {
		return nil
	}
	return c.Streams[0]
}

// Remapper maps CUDA ordinals to physical device indexes.
type Remapper interface {
	Remap(dev cupti.Device) int
}

type identity struct{}

func (identity) Remap(dev cupti.Device) int { return int(dev) }

type Options struct {
	Config config.Config
	Core   measurement.Core
	Driver cupti.Driver
	Remap  Remapper
	// Clock reads the host clock.
	Clock func() uint64
	// Thread identifies the calling host thread.
	Thread func() uint32
}

type Registry struct {
	mu sync.Mutex

	cfg    config.Config
	core   measurement.Core
	drv    cupti.Driver
	remap  Remapper
	clock  func() uint64
	thread func() uint32

	idle measurement.RegionHandle

	devices  []*Device
	contexts atomic.Pointer[[]*Context]

	commMu        sync.Mutex
	commLocations []measurement.LocationHandle

	onContextCreated func(*Context)
}

func New(opts Options) *Registry {
	if opts.Remap == nil {
		opts.Remap = identity{}
	}
	if opts.Clock == nil {
		opts.Clock = clocksync.Monotonic
	}
	if opts.Thread == nil {
		opts.Thread = ThreadID
	}
	r := &Registry{
		cfg:    opts.Config,
		core:   opts.Core,
		drv:    opts.Driver,
		remap:  opts.Remap,
		clock:  opts.Clock,
		thread: opts.Thread,
	}
	empty := []*Context{}
	r.contexts.Store(&empty)

	if r.cfg.IdleEnabled() {
		file := r.core.NewSourceFile("CUDA_IDLE")
		r.idle = r.core.NewRegion(r.cfg.IdleRegionName(), "", file, measurement.RegionArtificial)
	}
	return r
}

// Lock acquires the registry lock.
func (r *Registry) Lock() { r.mu.Lock() }

func (r *Registry) Unlock() { r.mu.Unlock() }

// IdleRegion is the idle region, InvalidRegion when idle tracking is off.
func (r *Registry) IdleRegion() measurement.RegionHandle { return r.idle }

func (r *Registry) Core() measurement.Core { return r.core }

func (r *Registry) Config() config.Config { return r.cfg }

func (r *Registry) Now() uint64 { return r.clock() }

// OnContextCreated registers fn to run under the registry lock for every new
// context, before it is published.
func (r *Registry) OnContextCreated(fn func(*Context)) {
	r.mu.Lock()
	r.onContextCreated = fn
	r.mu.Unlock()
}

// GetOrCreateDevice returns the device record for dev.
func (r *Registry) GetOrCreateDevice(dev cupti.Device) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateDevice(dev)
}

func (r *Registry) getOrCreateDevice(dev cupti.Device) *Device {
	for _, d := range r.devices {
		if d.Handle == dev {
			return d
		}
	}

	d := &Device{Handle: dev, Physical: r.remap.Remap(dev)}
	d.Node = r.core.NewSystemTreeNode("CUDA Device", fmt.Sprint(d.Physical))

	attrs, err := r.drv.DeviceAttributes(dev)
	if err != nil {
		logutil.GetLogger().Warn("cannot query CUDA device PCI attributes",
			zap.Int32("device", int32(dev)), zap.Error(err))
	} else {
		d.PCI = attrs
		r.core.AddPCIProperties(d.Node, uint16(attrs.PCIDomain), uint8(attrs.PCIBus), uint8(attrs.PCIDevice))
	}

	r.devices = append(r.devices, d)
	return d
}

func (r *Registry) snapshot() []*Context { return *r.contexts.Load() }

// Contexts returns the current context list, newest first.
func (r *Registry) Contexts() []*Context { return r.snapshot() }

// Get returns the context for h without creating it.
func (r *Registry) Get(h cupti.ContextHandle) *Context {
	for _, c := range r.snapshot() {
		if c.Handle == h {
			return c
		}
	}
	return nil
}

// GetByID returns the context with the profiling id.
func (r *Registry) GetByID(id uint32) *Context {
	for _, c := range r.snapshot() {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// GetOrCreateContext returns the context for h, creating it on behalf of
// the calling thread.
func (r *Registry) GetOrCreateContext(h cupti.ContextHandle) *Context {
	return r.GetOrCreateContextFrom(h, r.thread())
}

// GetOrCreateContextFrom is GetOrCreateContext with an explicit creating
// thread. It returns nil when the driver cannot describe h.
func (r *Registry) GetOrCreateContextFrom(h cupti.ContextHandle, thread uint32) *Context {
	if c := r.Get(h); c != nil {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.Get(h); c != nil {
		return c
	}

	c, err := r.newContext(h, thread)
	if err != nil {
		logutil.GetLogger().Warn("cannot create CUDA context", zap.Uint64("handle", uint64(h)), zap.Error(err))
		return nil
	}
	if r.onContextCreated != nil {
		r.onContextCreated(c)
	}

	old := r.snapshot()
	next := make([]*Context, 0, len(old)+1)
	next = append(next, c)
	next = append(next, old...)
	r.contexts.Store(&next)
	return c
}

func (r *Registry) newContext(h cupti.ContextHandle, thread uint32) (*Context, error) {
	dev, err := r.drv.ContextDevice(h)
	if err != nil {
		return nil, err
	}
	id, err := r.drv.ContextID(h)
	if err != nil {
		return nil, err
	}

	c := &Context{
		Handle:       h,
		ID:           id,
		Device:       r.getOrCreateDevice(dev),
		HostThread:   thread,
		HostLocation: measurement.HostLocation,
		CommID:       NoCommID,
	}
	name := fmt.Sprintf("CUDA Context %d", id)
	c.Group = r.core.NewLocationGroup(c.Device.Node, name)
	if r.cfg.RecordGPUMemUsage() {
		c.AllocMetric = r.core.NewAllocMetric(name+" Memory", c.Group)
	}
	return c, nil
}

// RemoveContext unlinks the context for h and returns it for finalization.
func (r *Registry) RemoveContext(h cupti.ContextHandle) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()
	for i, c := range old {
		if c.Handle != h {
			continue
		}
		next := make([]*Context, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		r.contexts.Store(&next)
		return c
	}
	return nil
}

// GetOrCreateStream returns the stream streamID of c. The caller holds the
// registry lock.
func (r *Registry) GetOrCreateStream(c *Context, streamID uint32) (*Stream, error) {
	if streamID == cupti.NoStreamID {
		return nil, fmt.Errorf("invalid stream id for CUDA context %d", c.ID)
	}
	for _, s := range c.Streams {
		if s.ID == streamID {
			return s, nil
		}
	}

	// The default stream must own the idle bracket before any other stream
	// sees events.
	if len(c.Streams) == 0 && c.Activity != nil &&
		streamID != c.Activity.DefaultStreamID &&
		r.cfg.IdleEnabled() && r.cfg.RecordMemcpy() {
		r.newStream(c, c.Activity.DefaultStreamID)
	}
	return r.newStream(c, streamID), nil
}

// Stream looks up stream streamID of c without creating it. The caller holds
// the registry lock.
func (r *Registry) Stream(c *Context, streamID uint32) *Stream {
	for _, s := range c.Streams {
		if s.ID == streamID {
			return s
		}
	}
	return nil
}

func (r *Registry) newStream(c *Context, streamID uint32) *Stream {
	dev := "?"
	if c.Device != nil {
		dev = fmt.Sprint(c.Device.Physical)
	}
	s := &Stream{
		ID:       streamID,
		Location: r.core.NewLocation(c.Group, fmt.Sprintf("CUDA[%s:%d]", dev, streamID)),
		LastTime: r.core.BeginEpoch(),
		CommID:   NoCommID,
	}
	if c.Activity != nil && streamID == c.Activity.DefaultStreamID {
		s.Default = true
		r.core.AddLocationProperty(s.Location, "CUDA_NULL_STREAM", "yes")
	}

	if len(c.Streams) == 0 && r.cfg.IdleEnabled() {
		r.core.EnterRegion(s.Location, r.core.BeginEpoch(), r.idle)
		if c.Activity != nil {
			c.Activity.GPUIdle = true
		}
	}
	c.Streams = append(c.Streams, s)
	return s
}

// SetContextName renames the location group of the context for h.
func (r *Registry) SetContextName(h cupti.ContextHandle, name string) bool {
	c := r.Get(h)
	if c == nil {
		return false
	}
	r.core.SetLocationGroupName(c.Group, name)
	return true
}

// SetStreamName renames stream streamID of the context for h, creating it
// when needed.
func (r *Registry) SetStreamName(h cupti.ContextHandle, streamID uint32, name string) bool {
	c := r.GetOrCreateContext(h)
	if c == nil {
		return false
	}
	r.mu.Lock()
	s, err := r.GetOrCreateStream(c, streamID)
	r.mu.Unlock()
	if err != nil {
		logutil.GetLogger().Warn("cannot name CUDA stream", zap.Error(err))
		return false
	}
	r.core.SetLocationName(s.Location, name)
	return true
}

// AssignContextComm gives c a communication location id on first use.
func (r *Registry) AssignContextComm(c *Context) uint32 {
	r.commMu.Lock()
	defer r.commMu.Unlock()
	if c.CommID == NoCommID {
		c.CommID = uint32(len(r.commLocations))
		r.commLocations = append(r.commLocations, c.HostLocation)
	}
	return c.CommID
}

// AssignStreamComm gives s a communication location id on first use.
func (r *Registry) AssignStreamComm(s *Stream) uint32 {
	r.commMu.Lock()
	defer r.commMu.Unlock()
	if s.CommID == NoCommID {
		s.CommID = uint32(len(r.commLocations))
		r.commLocations = append(r.commLocations, s.Location)
	}
	return s.CommID
}

// CommGroup lists global location ids indexed by communication id.
func (r *Registry) CommGroup() []uint64 {
	r.commMu.Lock()
	defer r.commMu.Unlock()
	ids := make([]uint64, len(r.commLocations))
	for i, loc := range r.commLocations {
		ids[i] = r.core.LocationGlobalID(loc)
	}
	return ids
}

// FinalizeContext closes an open idle bracket and reports leaked device
// memory. c must already be removed or the process must be exiting.
func (r *Registry) FinalizeContext(c *Context) {
	if c.Activity != nil && c.Activity.GPUIdle && r.cfg.IdleEnabled() {
		if s := c.IdleStream(); s != nil {
			ts := r.clock()
			if ts < s.LastTime {
				ts = s.LastTime
			}
			r.core.ExitRegion(s.Location, ts, r.idle)
			s.LastTime = ts
			c.Activity.GPUIdle = false
		}
	}

	if c.AllocMetric != 0 {
		for _, a := range r.core.AllocMetricReportLeaked(c.AllocMetric) {
			logutil.GetLogger().Warn("CUDA device memory leaked",
				zap.Uint32("context_id", c.ID),
				zap.Uint64("address", a.Address),
				zap.Uint64("bytes", a.Size))
		}
	}
}
