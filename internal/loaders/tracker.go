package loaders

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/clocksync"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
)

// Memory reads words from the address space of a traced process.
type Memory interface {
	ReadUint64(pid uint32, addr uint64) (uint64, error)
}

type frame struct {
	probe       uint32
	args        [probeArgs]uint64
	correlation uint32
	ctx         cupti.ContextHandle
}

type threadState struct {
	current cupti.ContextHandle
	pushed  []cupti.ContextHandle
	frames  []frame
}

type contextInfo struct {
	id         uint32
	device     cupti.Device
	streams    map[cupti.StreamHandle]uint32
	nextStream uint32
	// refs counts retains of a primary context.
	refs int
}

type allocation struct {
	base, size uint64
	ctx        cupti.ContextHandle
}

// Tracker rebuilds the driver state of traced processes from probe records
// and turns the records into callbacks. It answers the driver queries of the
// correlation layer from that state, since the traced contexts live in
// another process.
type Tracker struct {
	mem Memory
	// device serves the clock and PCI queries when a local driver is loaded.
	device cupti.Driver

	mu              sync.Mutex
	threads         map[uint64]*threadState
	contexts        map[cupti.ContextHandle]*contextInfo
	primaries       map[cupti.Device]cupti.ContextHandle
	allocs          []allocation
	nextContext     uint32
	nextCorrelation uint32

	warn logutil.Once
}

func NewTracker(mem Memory, device cupti.Driver) *Tracker {
	return &Tracker{
		mem:       mem,
		device:    device,
		threads:   make(map[uint64]*threadState),
		contexts:  make(map[cupti.ContextHandle]*contextInfo),
		primaries: make(map[cupti.Device]cupti.ContextHandle),
	}
}

// Translate applies one probe record and returns the callbacks it produces.
func (t *Tracker) Translate(ev probeEvent) []cupti.CallbackData {
	if int(ev.Probe) >= len(probes) {
		t.warn.Warn("probe_id", "unknown probe id in record", zap.Uint32("probe", ev.Probe))
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	th := t.threads[ev.PidTgid]
	if th == nil {
		th = &threadState{}
		t.threads[ev.PidTgid] = th
	}
	if ev.Site == siteEnter {
		return t.enter(ev, th)
	}
	return t.exit(ev, th)
}

func (t *Tracker) enter(ev probeEvent, th *threadState) []cupti.CallbackData {
	t.nextCorrelation++
	f := frame{probe: ev.Probe, args: ev.Args, correlation: t.nextCorrelation, ctx: th.current}
	th.frames = append(th.frames, f)

	p := probes[ev.Probe]
	base := cupti.CallbackData{
		Site:          cupti.SiteEnter,
		Context:       th.current,
		CorrelationID: f.correlation,
		Thread:        ev.tid(),
		Timestamp:     ev.Timestamp,
	}

	switch p.kind {
	case probeCtxSetCurrent:
		th.current = cupti.ContextHandle(ev.Args[0])
	case probeCtxPushCurrent:
		th.pushed = append(th.pushed, th.current)
		th.current = cupti.ContextHandle(ev.Args[0])
	case probeCtxPopCurrent:
		th.current = 0
		if n := len(th.pushed); n > 0 {
			th.current = th.pushed[n-1]
			th.pushed = th.pushed[:n-1]
		}
	case probeCtxDestroy:
		h := cupti.ContextHandle(ev.Args[0])
		if _, ok := t.contexts[h]; ok {
			return []cupti.CallbackData{resourceCallback(base, cupti.ResourceContextDestroyStarting, h)}
		}
	case probePrimaryCtxRelease:
		h, ok := t.primaries[cupti.Device(ev.Args[0])]
		if info := t.contexts[h]; ok && info != nil && info.refs == 1 {
			return []cupti.CallbackData{resourceCallback(base, cupti.ResourceContextDestroyStarting, h)}
		}
	case probeStreamDestroy:
		cb := resourceCallback(base, cupti.ResourceStreamDestroyStarting, th.current)
		cb.Stream = cupti.StreamHandle(ev.Args[0])
		return []cupti.CallbackData{cb}
	case probeAPI:
		cb := base
		cb.Domain = cupti.DomainDriver
		cb.ID = p.id
		cb.FunctionName = p.symbol
		cb.Params, cb.Stream, cb.Event = apiParams(p.id, ev.Args)
		return []cupti.CallbackData{cb}
	}
	return nil
}

func (t *Tracker) exit(ev probeEvent, th *threadState) []cupti.CallbackData {
	f, ok := popFrame(th, ev.Probe)
	if !ok {
		// The call started before the probes were attached.
		return nil
	}
	p := probes[ev.Probe]
	result := cupti.Result(int32(ev.Args[0]))
	base := cupti.CallbackData{
		Site:          cupti.SiteExit,
		Context:       f.ctx,
		CorrelationID: f.correlation,
		Thread:        ev.tid(),
		Timestamp:     ev.Timestamp,
		Result:        result,
	}

	switch p.kind {
	case probeCtxCreate:
		if result != cupti.Success {
			return nil
		}
		h, err := t.readHandle(ev.pid(), f.args[0])
		if err != nil {
			return nil
		}
		t.addContext(h, cupti.Device(f.args[2]))
		th.current = cupti.ContextHandle(h)
		base.Context = cupti.ContextHandle(h)
		return []cupti.CallbackData{resourceCallback(base, cupti.ResourceContextCreated, cupti.ContextHandle(h))}

	case probePrimaryCtxRetain:
		if result != cupti.Success {
			return nil
		}
		h, err := t.readHandle(ev.pid(), f.args[0])
		if err != nil {
			return nil
		}
		dev := cupti.Device(f.args[1])
		if info, ok := t.contexts[cupti.ContextHandle(h)]; ok {
			info.refs++
			return nil
		}
		t.addContext(h, dev)
		t.primaries[dev] = cupti.ContextHandle(h)
		return []cupti.CallbackData{resourceCallback(base, cupti.ResourceContextCreated, cupti.ContextHandle(h))}

	case probeCtxDestroy:
		if result == cupti.Success {
			t.removeContext(cupti.ContextHandle(f.args[0]))
		}

	case probePrimaryCtxRelease:
		dev := cupti.Device(f.args[0])
		h, ok := t.primaries[dev]
		if !ok || result != cupti.Success {
			return nil
		}
		if info := t.contexts[h]; info != nil {
			info.refs--
			if info.refs <= 0 {
				delete(t.primaries, dev)
				t.removeContext(h)
			}
		}

	case probeStreamCreate:
		if result != cupti.Success {
			return nil
		}
		s, err := t.readHandle(ev.pid(), f.args[0])
		if err != nil {
			return nil
		}
		info := t.contexts[th.current]
		if info == nil {
			return nil
		}
		info.stream(cupti.StreamHandle(s))
		cb := resourceCallback(base, cupti.ResourceStreamCreated, th.current)
		cb.Stream = cupti.StreamHandle(s)
		return []cupti.CallbackData{cb}

	case probeAPI:
		cb := base
		cb.Domain = cupti.DomainDriver
		cb.ID = p.id
		cb.FunctionName = p.symbol
		cb.Params, cb.Stream, cb.Event = apiParams(p.id, f.args)
		if a, ok := cb.Params.(cupti.AllocParams); ok && result == cupti.Success {
			if addr, err := t.mem.ReadUint64(ev.pid(), f.args[0]); err == nil {
				a.Address = addr
				cb.Params = a
				t.addAllocation(addr, a.Bytes, f.ctx)
			}
		}
		if fp, ok := cb.Params.(cupti.FreeParams); ok && result == cupti.Success {
			t.removeAllocation(fp.Address)
		}
		return []cupti.CallbackData{cb}
	}
	return nil
}

// popFrame removes the innermost frame of probe, dropping frames above it
// whose exits were never seen.
func popFrame(th *threadState, probe uint32) (frame, bool) {
	for i := len(th.frames) - 1; i >= 0; i-- {
		if th.frames[i].probe == probe {
			f := th.frames[i]
			th.frames = th.frames[:i]
			return f, true
		}
	}
	return frame{}, false
}

func resourceCallback(base cupti.CallbackData, id cupti.CallbackID, h cupti.ContextHandle) cupti.CallbackData {
	base.Domain = cupti.DomainResource
	base.ID = id
	base.Context = h
	base.Params = nil
	return base
}

func (t *Tracker) readHandle(pid uint32, addr uint64) (uint64, error) {
	v, err := t.mem.ReadUint64(pid, addr)
	if err != nil {
		logutil.GetLogger().Warn("cannot read handle from traced process",
			zap.Uint32("pid", pid), zap.Uint64("address", addr), zap.Error(err))
	}
	return v, err
}

func (t *Tracker) addContext(h uint64, dev cupti.Device) {
	handle := cupti.ContextHandle(h)
	if _, ok := t.contexts[handle]; ok {
		return
	}
	t.nextContext++
	t.contexts[handle] = &contextInfo{
		id:         t.nextContext,
		device:     dev,
		streams:    map[cupti.StreamHandle]uint32{0: 0},
		nextStream: 1,
		refs:       1,
	}
}

func (t *Tracker) removeContext(h cupti.ContextHandle) {
	delete(t.contexts, h)
	kept := t.allocs[:0]
	for _, a := range t.allocs {
		if a.ctx != h {
			kept = append(kept, a)
		}
	}
	t.allocs = kept
}

// stream returns the id of s, numbering streams created before attach on
// first sight.
func (c *contextInfo) stream(s cupti.StreamHandle) uint32 {
	if id, ok := c.streams[s]; ok {
		return id
	}
	id := c.nextStream
	c.nextStream++
	c.streams[s] = id
	return id
}

func (t *Tracker) addAllocation(base, size uint64, ctx cupti.ContextHandle) {
	i := sort.Search(len(t.allocs), func(i int) bool { return t.allocs[i].base >= base })
	if i < len(t.allocs) && t.allocs[i].base == base {
		t.allocs[i] = allocation{base: base, size: size, ctx: ctx}
		return
	}
	t.allocs = append(t.allocs, allocation{})
	copy(t.allocs[i+1:], t.allocs[i:])
	t.allocs[i] = allocation{base: base, size: size, ctx: ctx}
}

func (t *Tracker) removeAllocation(base uint64) {
	i := sort.Search(len(t.allocs), func(i int) bool { return t.allocs[i].base >= base })
	if i < len(t.allocs) && t.allocs[i].base == base {
		t.allocs = append(t.allocs[:i], t.allocs[i+1:]...)
	}
}

func (t *Tracker) CurrentContext() (cupti.ContextHandle, error) {
	return 0, cupti.Check(cupti.ErrInvalidContext, "cuCtxGetCurrent")
}

func (t *Tracker) ContextDevice(h cupti.ContextHandle) (cupti.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.contexts[h]
	if !ok {
		return 0, cupti.Check(cupti.ErrInvalidContext, "cuCtxGetDevice")
	}
	return info.device, nil
}

func (t *Tracker) ContextID(h cupti.ContextHandle) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.contexts[h]
	if !ok {
		return cupti.NoContextID, cupti.Check(cupti.ErrInvalidContext, "cuptiGetContextId")
	}
	return info.id, nil
}

func (t *Tracker) StreamID(h cupti.ContextHandle, s cupti.StreamHandle) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.contexts[h]
	if !ok {
		return cupti.NoStreamID, cupti.Check(cupti.ErrInvalidContext, "cuptiGetStreamId")
	}
	return info.stream(s), nil
}

func (t *Tracker) DeviceAttributes(dev cupti.Device) (cupti.DeviceAttributes, error) {
	if t.device == nil {
		return cupti.DeviceAttributes{}, cupti.Check(cupti.ErrNoDevice, "cuDeviceGetAttribute")
	}
	return t.device.DeviceAttributes(dev)
}

// Synchronize is a no-op: the traced process synchronizes its own contexts.
func (t *Tracker) Synchronize(cupti.ContextHandle) error { return nil }

// PointerAttributes classifies ptr by the allocations seen so far; anything
// else is host memory.
func (t *Tracker) PointerAttributes(ptr uint64) (cupti.ContextHandle, cupti.MemoryType, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.allocs), func(i int) bool { return t.allocs[i].base > ptr })
	if i > 0 {
		a := t.allocs[i-1]
		if ptr < a.base+a.size {
			return a.ctx, cupti.MemoryTypeDevice, nil
		}
	}
	return 0, cupti.MemoryTypeHost, nil
}

func (t *Tracker) Timestamp() (uint64, error) {
	if t.device == nil {
		return clocksync.Monotonic(), nil
	}
	return t.device.Timestamp()
}

// Activity records of another process are not reachable; the activity
// entry points succeed without producing any.

func (t *Tracker) Enable(kind cupti.ActivityKind) error {
	t.warn.Warn("activity", "asynchronous activity records are not available for traced processes",
		zap.Stringer("kind", kind))
	return nil
}

func (t *Tracker) Disable(cupti.ActivityKind) error { return nil }

func (t *Tracker) FlushAll() error { return nil }

func (t *Tracker) DroppedRecords(cupti.ContextHandle, uint32) (uint64, error) { return 0, nil }
