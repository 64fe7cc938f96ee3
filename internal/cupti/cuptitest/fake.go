// Package cuptitest provides scripted implementations of the vendor
// interfaces for tests and replays.
package cuptitest

import (
	"sync"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

type ContextInfo struct {
	ID            uint32
	Device        cupti.Device
	DefaultStream uint32
	Streams       map[cupti.StreamHandle]uint32
}

type Pointer struct {
	Context cupti.ContextHandle
	Type    cupti.MemoryType
}

// Driver is a scripted cupti.Driver and cupti.Activity.
type Driver struct {
	mu sync.Mutex

	Current  cupti.ContextHandle
	Contexts map[cupti.ContextHandle]*ContextInfo
	Devices  map[cupti.Device]cupti.DeviceAttributes
	Pointers map[uint64]Pointer

	// Clock is consumed by Timestamp; once empty the last value advances by Step.
	Clock []uint64
	Step  uint64
	last  uint64

	Dropped map[cupti.ContextHandle]uint64
	Enabled map[cupti.ActivityKind]bool

	SyncCalls  int
	FlushCalls int
	// OnFlush runs inside FlushAll, e.g. to complete buffers.
	OnFlush func()
	// OnSynchronize runs inside Synchronize.
	OnSynchronize func(ctx cupti.ContextHandle)
}

func NewDriver() *Driver {
	return &Driver{
		Contexts: make(map[cupti.ContextHandle]*ContextInfo),
		Devices:  make(map[cupti.Device]cupti.DeviceAttributes),
		Pointers: make(map[uint64]Pointer),
		Dropped:  make(map[cupti.ContextHandle]uint64),
		Enabled:  make(map[cupti.ActivityKind]bool),
		Step:     1,
	}
}

// AddContext registers a context on dev with the given id and default stream.
func (d *Driver) AddContext(h cupti.ContextHandle, id uint32, dev cupti.Device, defaultStream uint32) *ContextInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := &ContextInfo{
		ID:            id,
		Device:        dev,
		DefaultStream: defaultStream,
		Streams:       map[cupti.StreamHandle]uint32{0: defaultStream},
	}
	d.Contexts[h] = info
	if _, ok := d.Devices[dev]; !ok {
		d.Devices[dev] = cupti.DeviceAttributes{PCIBus: int(dev) + 1}
	}
	if d.Current == 0 {
		d.Current = h
	}
	return info
}

// PushClock queues device timestamps.
func (d *Driver) PushClock(ts ...uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Clock = append(d.Clock, ts...)
}

func (d *Driver) CurrentContext() (cupti.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Current == 0 {
		return 0, cupti.Check(cupti.ErrInvalidContext, "cuCtxGetCurrent")
	}
	return d.Current, nil
}

func (d *Driver) context(h cupti.ContextHandle, call string) (*ContextInfo, error) {
	info, ok := d.Contexts[h]
	if !ok {
		return nil, cupti.Check(cupti.ErrInvalidContext, call)
	}
	return info, nil
}

func (d *Driver) ContextDevice(h cupti.ContextHandle) (cupti.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.context(h, "cuCtxGetDevice")
	if err != nil {
		return 0, err
	}
	return info.Device, nil
}

func (d *Driver) ContextID(h cupti.ContextHandle) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.context(h, "cuptiGetContextId")
	if err != nil {
		return cupti.NoContextID, err
	}
	return info.ID, nil
}

func (d *Driver) StreamID(h cupti.ContextHandle, s cupti.StreamHandle) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.context(h, "cuptiGetStreamId")
	if err != nil {
		return cupti.NoStreamID, err
	}
	id, ok := info.Streams[s]
	if !ok {
		return cupti.NoStreamID, cupti.Check(cupti.ErrInvalidHandle, "cuptiGetStreamId")
	}
	return id, nil
}

func (d *Driver) DeviceAttributes(dev cupti.Device) (cupti.DeviceAttributes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	attrs, ok := d.Devices[dev]
	if !ok {
		return cupti.DeviceAttributes{}, cupti.Check(cupti.ErrNoDevice, "cuDeviceGetAttribute")
	}
	return attrs, nil
}

func (d *Driver) Synchronize(h cupti.ContextHandle) error {
	d.mu.Lock()
	d.SyncCalls++
	hook := d.OnSynchronize
	d.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return nil
}

func (d *Driver) PointerAttributes(ptr uint64) (cupti.ContextHandle, cupti.MemoryType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.Pointers[ptr]
	if !ok {
		return 0, cupti.MemoryTypeUnknown, cupti.Check(cupti.ErrInvalidValue, "cuPointerGetAttribute")
	}
	return p.Context, p.Type, nil
}

func (d *Driver) Timestamp() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Clock) > 0 {
		d.last = d.Clock[0]
		d.Clock = d.Clock[1:]
		return d.last, nil
	}
	d.last += d.Step
	return d.last, nil
}

func (d *Driver) Enable(kind cupti.ActivityKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Enabled[kind] = true
	return nil
}

func (d *Driver) Disable(kind cupti.ActivityKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Enabled, kind)
	return nil
}

func (d *Driver) FlushAll() error {
	d.mu.Lock()
	d.FlushCalls++
	hook := d.OnFlush
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (d *Driver) DroppedRecords(h cupti.ContextHandle, _ uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.Dropped[h]
	d.Dropped[h] = 0
	return n, nil
}

// Clock is a manual host clock.
type Clock struct {
	mu   sync.Mutex
	now  uint64
	Step uint64
	// Queue is consumed before the clock starts stepping.
	Queue []uint64
}

func NewClock(start uint64) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Queue) > 0 {
		c.now = c.Queue[0]
		c.Queue = c.Queue[1:]
		return c.now
	}
	c.now += c.Step
	return c.now
}

func (c *Clock) Set(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ts
	c.Queue = nil
}

func (c *Clock) Push(ts ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queue = append(c.Queue, ts...)
}
