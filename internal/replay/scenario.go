// Package replay drives the correlation layer from a recorded scenario
// instead of a live CUDA process.
package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/decoder"
)

// Scenario is the YAML document a replay is built from.
type Scenario struct {
	Features   string `yaml:"features"`
	SyncLevel  uint8  `yaml:"sync_level"`
	BufferSize uint64 `yaml:"buffer_size"`
	ChunkSize  uint64 `yaml:"chunk_size"`
	// ClockStep advances the host clock on every read.
	ClockStep uint64 `yaml:"clock_step"`

	Contexts []ContextSpec `yaml:"contexts"`
	Pointers []PointerSpec `yaml:"pointers"`
	Steps    []Step        `yaml:"steps"`
}

type ContextSpec struct {
	Handle        uint64            `yaml:"handle"`
	ID            uint32            `yaml:"id"`
	Device        int32             `yaml:"device"`
	DefaultStream uint32            `yaml:"default_stream"`
	Streams       map[uint64]uint32 `yaml:"streams"`
	PCIBus        int               `yaml:"pci_bus"`
}

// PointerSpec describes an address for copy direction inference.
type PointerSpec struct {
	Address uint64 `yaml:"address"`
	Context uint64 `yaml:"context"`
	Type    string `yaml:"type"`
}

// Step is one action of the scenario. Host and Device adjust the clocks
// before the action runs; exactly one action field is expected.
type Step struct {
	Host   *uint64  `yaml:"host"`
	Device []uint64 `yaml:"device"`

	Current     *uint64     `yaml:"current"`
	Call        *Call       `yaml:"call"`
	Buffer      *BufferSpec `yaml:"buffer"`
	Flush       *uint64     `yaml:"flush"`
	FlushAll    bool        `yaml:"flush_all"`
	Synchronize bool        `yaml:"synchronize"`
}

// Call is an intercepted API call or a resource notification.
type Call struct {
	Domain      string `yaml:"domain"`
	Function    string `yaml:"function"`
	Site        string `yaml:"site"`
	Context     uint64 `yaml:"context"`
	Correlation uint32 `yaml:"correlation"`
	Thread      uint32 `yaml:"thread"`
	Time        uint64 `yaml:"time"`
	Stream      uint64 `yaml:"stream"`
	Event       uint64 `yaml:"event"`
	Result      int32  `yaml:"result"`

	Memcpy   *CopyParams  `yaml:"memcpy"`
	Alloc    *AllocParams `yaml:"alloc"`
	Free     *uint64      `yaml:"free"`
	Callsite *uint32      `yaml:"callsite"`
}

type CopyParams struct {
	Kind  string `yaml:"kind"`
	Src   uint64 `yaml:"src"`
	Dst   uint64 `yaml:"dst"`
	Bytes uint64 `yaml:"bytes"`
}

type AllocParams struct {
	Address uint64 `yaml:"address"`
	Bytes   uint64 `yaml:"bytes"`
}

// BufferSpec fills one activity buffer of a context and completes it.
type BufferSpec struct {
	Context uint64       `yaml:"context"`
	Kernels []KernelSpec `yaml:"kernels"`
	Copies  []MemcpySpec `yaml:"copies"`
}

type KernelSpec struct {
	Start       uint64   `yaml:"start"`
	End         uint64   `yaml:"end"`
	Correlation uint32   `yaml:"correlation"`
	ContextID   uint32   `yaml:"context_id"`
	Device      uint32   `yaml:"device"`
	Stream      uint32   `yaml:"stream"`
	Name        string   `yaml:"name"`
	Grid        [3]int32 `yaml:"grid,flow"`
	Block       [3]int32 `yaml:"block,flow"`
	Serial      bool     `yaml:"serial"`
}

type MemcpySpec struct {
	Start       uint64 `yaml:"start"`
	End         uint64 `yaml:"end"`
	Bytes       uint64 `yaml:"bytes"`
	Correlation uint32 `yaml:"correlation"`
	ContextID   uint32 `yaml:"context_id"`
	Device      uint32 `yaml:"device"`
	Stream      uint32 `yaml:"stream"`
	Kind        string `yaml:"kind"`
	Src         string `yaml:"src"`
	Dst         string `yaml:"dst"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if _, err := sc.Config(); err != nil {
		return err
	}
	for i, st := range sc.Steps {
		if st.Call != nil {
			if _, err := st.Call.callback(); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		if st.Buffer != nil {
			if _, err := st.Buffer.records(); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	for _, p := range sc.Pointers {
		if _, err := memoryType(p.Type); err != nil {
			return err
		}
	}
	return nil
}

// Config resolves the measurement configuration of the scenario.
func (sc *Scenario) Config() (config.Config, error) {
	list := sc.Features
	if list == "" {
		list = "default"
	}
	features, err := config.ParseFeatures(list)
	if err != nil {
		return config.Config{}, err
	}
	if sc.SyncLevel > uint8(config.SyncFull) {
		return config.Config{}, fmt.Errorf("invalid sync level %d", sc.SyncLevel)
	}
	return config.New(config.Config{
		Features:   features,
		SyncLevel:  config.SyncLevel(sc.SyncLevel),
		BufferSize: sc.BufferSize,
		ChunkSize:  sc.ChunkSize,
	})
}

var domains = map[string]cupti.Domain{
	"runtime":     cupti.DomainRuntime,
	"driver":      cupti.DomainDriver,
	"resource":    cupti.DomainResource,
	"synchronize": cupti.DomainSynchronize,
}

var notifications = map[cupti.Domain]map[string]cupti.CallbackID{
	cupti.DomainResource: {
		"context_created":          cupti.ResourceContextCreated,
		"context_destroy_starting": cupti.ResourceContextDestroyStarting,
		"stream_created":           cupti.ResourceStreamCreated,
		"stream_destroy_starting":  cupti.ResourceStreamDestroyStarting,
	},
	cupti.DomainSynchronize: {
		"context_synchronized": cupti.SynchronizeContextSynchronized,
		"stream_synchronized":  cupti.SynchronizeStreamSynchronized,
	},
}

var memcpyKinds = map[string]cupti.MemcpyKind{
	"HtoH":    cupti.MemcpyHostToHost,
	"HtoD":    cupti.MemcpyHostToDevice,
	"DtoH":    cupti.MemcpyDeviceToHost,
	"DtoD":    cupti.MemcpyDeviceToDevice,
	"default": cupti.MemcpyDefault,
}

var copyKinds = map[string]cupti.CopyKind{
	"HtoD": cupti.CopyHtoD,
	"DtoH": cupti.CopyDtoH,
	"HtoA": cupti.CopyHtoA,
	"AtoH": cupti.CopyAtoH,
	"AtoA": cupti.CopyAtoA,
	"AtoD": cupti.CopyAtoD,
	"DtoA": cupti.CopyDtoA,
	"DtoD": cupti.CopyDtoD,
	"HtoH": cupti.CopyHtoH,
	"PtoP": cupti.CopyPtoP,
}

var memoryKinds = map[string]cupti.MemoryKind{
	"":         cupti.MemoryUnknown,
	"pageable": cupti.MemoryPageable,
	"pinned":   cupti.MemoryPinned,
	"device":   cupti.MemoryDevice,
	"array":    cupti.MemoryArray,
	"managed":  cupti.MemoryManaged,
}

func memoryType(name string) (cupti.MemoryType, error) {
	switch name {
	case "host":
		return cupti.MemoryTypeHost, nil
	case "device":
		return cupti.MemoryTypeDevice, nil
	case "array":
		return cupti.MemoryTypeArray, nil
	case "unified":
		return cupti.MemoryTypeUnified, nil
	}
	return cupti.MemoryTypeUnknown, fmt.Errorf("unknown memory type %q", name)
}

func (c *Call) callback() (cupti.CallbackData, error) {
	domain, ok := domains[c.Domain]
	if !ok {
		return cupti.CallbackData{}, fmt.Errorf("unknown callback domain %q", c.Domain)
	}

	var id cupti.CallbackID
	if names, ok := notifications[domain]; ok {
		if id, ok = names[c.Function]; !ok {
			return cupti.CallbackData{}, fmt.Errorf("unknown %s notification %q", domain, c.Function)
		}
	} else if id, ok = cupti.CallbackByName(domain, c.Function); !ok {
		return cupti.CallbackData{}, fmt.Errorf("unknown %s function %q", domain, c.Function)
	}

	site := cupti.SiteEnter
	switch c.Site {
	case "", "enter":
	case "exit":
		site = cupti.SiteExit
	default:
		return cupti.CallbackData{}, fmt.Errorf("unknown callback site %q", c.Site)
	}

	thread := c.Thread
	if thread == 0 {
		thread = defaultThread
	}
	cb := cupti.CallbackData{
		Domain:        domain,
		ID:            id,
		Site:          site,
		FunctionName:  c.Function,
		Context:       cupti.ContextHandle(c.Context),
		CorrelationID: c.Correlation,
		Thread:        thread,
		Timestamp:     c.Time,
		Stream:        cupti.StreamHandle(c.Stream),
		Event:         c.Event,
		Result:        cupti.Result(c.Result),
	}

	switch {
	case c.Memcpy != nil:
		kind, ok := memcpyKinds[c.Memcpy.Kind]
		if !ok {
			return cupti.CallbackData{}, fmt.Errorf("unknown memcpy kind %q", c.Memcpy.Kind)
		}
		cb.Params = cupti.MemcpyParams{Kind: kind, Src: c.Memcpy.Src, Dst: c.Memcpy.Dst, Bytes: c.Memcpy.Bytes}
	case c.Alloc != nil:
		cb.Params = cupti.AllocParams{Address: c.Alloc.Address, Bytes: c.Alloc.Bytes}
	case c.Free != nil:
		cb.Params = cupti.FreeParams{Address: *c.Free}
	case c.Callsite != nil:
		cb.Params = cupti.LaunchParams{Callsite: *c.Callsite}
	}
	return cb, nil
}

// records encodes the buffer contents in activity record layout.
func (b *BufferSpec) records() ([]byte, error) {
	var buf []byte
	for _, k := range b.Kernels {
		kind := cupti.ActivityConcurrentKernel
		if k.Serial {
			kind = cupti.ActivityKernel
		}
		buf = decoder.AppendKernel(buf, &decoder.Kernel{
			ActivityKind:  kind,
			Start:         k.Start,
			End:           k.End,
			CorrelationID: k.Correlation,
			ContextID:     k.ContextID,
			DeviceID:      k.Device,
			StreamID:      k.Stream,
			GridX:         k.Grid[0],
			GridY:         k.Grid[1],
			GridZ:         k.Grid[2],
			BlockX:        k.Block[0],
			BlockY:        k.Block[1],
			BlockZ:        k.Block[2],
			Name:          k.Name,
		})
	}
	for _, m := range b.Copies {
		kind, ok := copyKinds[m.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown copy kind %q", m.Kind)
		}
		src, ok := memoryKinds[m.Src]
		if !ok {
			return nil, fmt.Errorf("unknown memory kind %q", m.Src)
		}
		dst, ok := memoryKinds[m.Dst]
		if !ok {
			return nil, fmt.Errorf("unknown memory kind %q", m.Dst)
		}
		buf = decoder.AppendMemcpy(buf, &decoder.Memcpy{
			Start:         m.Start,
			End:           m.End,
			Bytes:         m.Bytes,
			CorrelationID: m.Correlation,
			ContextID:     m.ContextID,
			DeviceID:      m.Device,
			StreamID:      m.Stream,
			CopyKind:      kind,
			SrcKind:       src,
			DstKind:       dst,
		})
	}
	return buf, nil
}
