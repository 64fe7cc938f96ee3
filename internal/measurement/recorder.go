package measurement

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

type Region struct {
	Name    string
	Mangled string
	File    SourceFileHandle
	Kind    RegionKind
}

type SystemTreeNode struct {
	Class      string
	Name       string
	Properties map[string]string
}

type LocationGroup struct {
	Node SystemTreeNodeHandle
	Name string
}

type Location struct {
	Group      LocationGroupHandle
	Name       string
	GlobalID   uint64
	Properties map[string]string
	Attributes map[AttributeHandle]uint64
}

type allocMetric struct {
	name  string
	group LocationGroupHandle
	live  map[uint64]uint64
	total uint64
}

// Recorder is an in-process Core. Handles are 1-based indexes into the
// definition tables; location 0 is the host thread.
type Recorder struct {
	mu sync.Mutex

	clock func() uint64
	epoch uint64

	files      []string
	regions    []Region
	params     []string
	attributes []string
	windows    []string
	nodes      []SystemTreeNode
	groups     []LocationGroup
	locations  []Location
	metrics    []*allocMetric
	commGroup  []uint64

	keep   bool
	events []types.Event
	sinks  []func(types.Event)
}

// NewRecorder returns a Recorder whose epoch begins at the first clock
// reading.
func NewRecorder(clock func() uint64) *Recorder {
	r := &Recorder{
		clock: clock,
		keep:  true,
		locations: []Location{{
			Name:       "host",
			Properties: map[string]string{},
			Attributes: map[AttributeHandle]uint64{},
		}},
	}
	r.epoch = clock()
	return r
}

// KeepEvents toggles retention of the event log. Sinks always run.
func (r *Recorder) KeepEvents(keep bool) {
	r.mu.Lock()
	r.keep = keep
	r.mu.Unlock()
}

// AddSink registers fn to receive every event after it is recorded.
func (r *Recorder) AddSink(fn func(types.Event)) {
	r.mu.Lock()
	r.sinks = append(r.sinks, fn)
	r.mu.Unlock()
}

func (r *Recorder) BeginEpoch() uint64 { return r.epoch }

func (r *Recorder) NewSourceFile(name string) SourceFileHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, name)
	return SourceFileHandle(len(r.files))
}

func (r *Recorder) NewRegion(name, mangled string, file SourceFileHandle, kind RegionKind) RegionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regions = append(r.regions, Region{Name: name, Mangled: mangled, File: file, Kind: kind})
	return RegionHandle(len(r.regions))
}

func (r *Recorder) NewParameter(name string) ParameterHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = append(r.params, name)
	return ParameterHandle(len(r.params))
}

func (r *Recorder) NewAttribute(name, description string) AttributeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attributes = append(r.attributes, name)
	return AttributeHandle(len(r.attributes))
}

func (r *Recorder) NewRmaWindow(name string) RmaWindowHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, name)
	return RmaWindowHandle(len(r.windows))
}

func (r *Recorder) NewSystemTreeNode(class, name string) SystemTreeNodeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, SystemTreeNode{Class: class, Name: name, Properties: map[string]string{}})
	return SystemTreeNodeHandle(len(r.nodes))
}

func (r *Recorder) AddPCIProperties(node SystemTreeNodeHandle, domain uint16, bus, device uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.node(node)
	n.Properties["PCI domain"] = fmt.Sprint(domain)
	n.Properties["PCI bus"] = fmt.Sprint(bus)
	n.Properties["PCI device"] = fmt.Sprint(device)
}

func (r *Recorder) NewLocationGroup(node SystemTreeNodeHandle, name string) LocationGroupHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, LocationGroup{Node: node, Name: name})
	return LocationGroupHandle(len(r.groups))
}

func (r *Recorder) SetLocationGroupName(group LocationGroupHandle, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if group == 0 || int(group) > len(r.groups) {
		panic(fmt.Sprintf("measurement: invalid location group %d", group))
	}
	r.groups[group-1].Name = name
}

func (r *Recorder) NewLocation(group LocationGroupHandle, name string) LocationHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := len(r.locations)
	r.locations = append(r.locations, Location{
		Group:      group,
		Name:       name,
		GlobalID:   uint64(id),
		Properties: map[string]string{},
		Attributes: map[AttributeHandle]uint64{},
	})
	return LocationHandle(id)
}

func (r *Recorder) SetLocationName(loc LocationHandle, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.location(loc).Name = name
}

func (r *Recorder) AddLocationProperty(loc LocationHandle, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.location(loc).Properties[key] = value
}

func (r *Recorder) LocationGlobalID(loc LocationHandle) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.location(loc).GlobalID
}

func (r *Recorder) NewCommunicationGroup(globalIDs []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commGroup = append([]uint64(nil), globalIDs...)
}

func (r *Recorder) EnterRegion(loc LocationHandle, ts uint64, region RegionHandle) {
	r.emitRegion(types.EVENT_ENTER, loc, ts, region)
}

func (r *Recorder) ExitRegion(loc LocationHandle, ts uint64, region RegionHandle) {
	r.emitRegion(types.EVENT_EXIT, loc, ts, region)
}

func (r *Recorder) emitRegion(typ uint8, loc LocationHandle, ts uint64, region RegionHandle) {
	r.mu.Lock()
	reg := r.region(region)
	ev := types.Event{
		Type:       typ,
		Location:   uint32(loc),
		Timestamp:  ts,
		Region:     uint32(region),
		Name:       reg.Name,
		RegionKind: uint8(reg.Kind),
	}
	r.record(ev)
}

func (r *Recorder) RmaPut(loc LocationHandle, ts uint64, win RmaWindowHandle, remote, bytes, matching uint64) {
	r.mu.Lock()
	r.record(types.Event{Type: types.EVENT_RMA_PUT, Location: uint32(loc), Timestamp: ts, Remote: remote, Bytes: bytes, Matching: matching})
}

func (r *Recorder) RmaGet(loc LocationHandle, ts uint64, win RmaWindowHandle, remote, bytes, matching uint64) {
	r.mu.Lock()
	r.record(types.Event{Type: types.EVENT_RMA_GET, Location: uint32(loc), Timestamp: ts, Remote: remote, Bytes: bytes, Matching: matching})
}

func (r *Recorder) RmaOpCompleteBlocking(loc LocationHandle, ts uint64, win RmaWindowHandle, matching uint64) {
	r.mu.Lock()
	r.record(types.Event{Type: types.EVENT_RMA_COMPLETE, Location: uint32(loc), Timestamp: ts, Matching: matching})
}

func (r *Recorder) TriggerParameterUint64(loc LocationHandle, ts uint64, param ParameterHandle, value uint64) {
	r.mu.Lock()
	name := ""
	if param > 0 && int(param) <= len(r.params) {
		name = r.params[param-1]
	}
	r.record(types.Event{Type: types.EVENT_PARAMETER, Location: uint32(loc), Timestamp: ts, Name: name, Value: value})
}

func (r *Recorder) AddAttribute(loc LocationHandle, attr AttributeHandle, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.location(loc).Attributes[attr] = value
}

func (r *Recorder) NewAllocMetric(name string, group LocationGroupHandle) AllocMetricHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, &allocMetric{name: name, group: group, live: map[uint64]uint64{}})
	return AllocMetricHandle(len(r.metrics))
}

func (r *Recorder) AllocMetricHandleAlloc(metric AllocMetricHandle, addr, size uint64) {
	r.mu.Lock()
	m := r.metric(metric)
	m.live[addr] = size
	m.total += size
	r.record(types.Event{Type: types.EVENT_ALLOC, Timestamp: r.clock(), Name: m.name, Remote: addr, Bytes: size, Value: m.total})
}

func (r *Recorder) AllocMetricAcquireAlloc(metric AllocMetricHandle, addr uint64) (Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size, ok := r.metric(metric).live[addr]
	if !ok {
		return Allocation{}, false
	}
	return Allocation{Address: addr, Size: size}, true
}

func (r *Recorder) AllocMetricHandleFree(metric AllocMetricHandle, alloc Allocation) {
	r.mu.Lock()
	m := r.metric(metric)
	if _, ok := m.live[alloc.Address]; !ok {
		r.mu.Unlock()
		return
	}
	delete(m.live, alloc.Address)
	m.total -= alloc.Size
	r.record(types.Event{Type: types.EVENT_FREE, Timestamp: r.clock(), Name: m.name, Remote: alloc.Address, Bytes: alloc.Size, Value: m.total})
}

func (r *Recorder) AllocMetricReportLeaked(metric AllocMetricHandle) []Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metric(metric)
	leaked := make([]Allocation, 0, len(m.live))
	for addr, size := range m.live {
		leaked = append(leaked, Allocation{Address: addr, Size: size})
	}
	sort.Slice(leaked, func(i, j int) bool { return leaked[i].Address < leaked[j].Address })
	return leaked
}

// record appends ev and releases the lock before fanning out, so sinks may
// call back into the Recorder.
func (r *Recorder) record(ev types.Event) {
	if int(ev.Location) < len(r.locations) {
		ev.LocationName = r.locations[ev.Location].Name
	}
	if r.keep {
		r.events = append(r.events, ev)
	}
	sinks := r.sinks
	r.mu.Unlock()
	for _, fn := range sinks {
		fn(ev)
	}
}

func (r *Recorder) region(h RegionHandle) Region {
	if h == InvalidRegion || int(h) > len(r.regions) {
		panic(fmt.Sprintf("measurement: invalid region %d", h))
	}
	return r.regions[h-1]
}

func (r *Recorder) node(h SystemTreeNodeHandle) *SystemTreeNode {
	if h == 0 || int(h) > len(r.nodes) {
		panic(fmt.Sprintf("measurement: invalid system tree node %d", h))
	}
	return &r.nodes[h-1]
}

func (r *Recorder) location(h LocationHandle) *Location {
	if int(h) >= len(r.locations) {
		panic(fmt.Sprintf("measurement: invalid location %d", h))
	}
	return &r.locations[h]
}

func (r *Recorder) metric(h AllocMetricHandle) *allocMetric {
	if h == 0 || int(h) > len(r.metrics) {
		panic(fmt.Sprintf("measurement: invalid alloc metric %d", h))
	}
	return r.metrics[h-1]
}

// Events returns a copy of the retained event log.
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// EventsAt returns the retained events recorded on loc.
func (r *Recorder) EventsAt(loc LocationHandle) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, ev := range r.events {
		if ev.Location == uint32(loc) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Region(h RegionHandle) Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.region(h)
}

func (r *Recorder) Location(h LocationHandle) Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.location(h)
}

func (r *Recorder) LocationGroup(h LocationGroupHandle) LocationGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == 0 || int(h) > len(r.groups) {
		panic(fmt.Sprintf("measurement: invalid location group %d", h))
	}
	return r.groups[h-1]
}

func (r *Recorder) SystemTreeNode(h SystemTreeNodeHandle) SystemTreeNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.node(h)
}

func (r *Recorder) SourceFile(h SourceFileHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == 0 || int(h) > len(r.files) {
		return ""
	}
	return r.files[h-1]
}

func (r *Recorder) CommunicationGroup() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.commGroup...)
}

var _ Core = (*Recorder)(nil)
