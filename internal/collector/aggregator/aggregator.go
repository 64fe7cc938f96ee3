package aggregator

import (
	"strings"
	"sync"
	"time"

	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

type openRegion struct {
	start uint64
	idle  bool
}

// GPUAggregator folds the event stream into per-location time windows.
type GPUAggregator struct {
	windows        map[uint32]*LocationWindow
	open           map[uint32][]openRegion
	mu             sync.Mutex
	windowDuration time.Duration
	now            func() time.Time
}

func NewGPUAggregator(window time.Duration) *GPUAggregator {
	return &GPUAggregator{
		windows:        make(map[uint32]*LocationWindow),
		open:           make(map[uint32][]openRegion),
		windowDuration: window,
		now:            time.Now,
	}
}

func (ga *GPUAggregator) ensureWindow(loc uint32, name string) *LocationWindow {
	win, ok := ga.windows[loc]
	if !ok {
		now := ga.now()
		win = &LocationWindow{
			Location:    loc,
			Name:        name,
			WindowStart: now,
			WindowEnd:   now.Add(ga.windowDuration),
		}
		ga.windows[loc] = win
	}
	return win
}

func isIdle(ev types.Event) bool {
	return measurement.RegionKind(ev.RegionKind) == measurement.RegionArtificial && strings.HasSuffix(ev.Name, "IDLE")
}

func (ga *GPUAggregator) Update(ev types.Event) {
	ga.mu.Lock()
	defer ga.mu.Unlock()

	w := ga.ensureWindow(ev.Location, ev.LocationName)
	switch ev.Type {
	case types.EVENT_ENTER:
		w.RegionCount++
		if measurement.RegionKind(ev.RegionKind) == measurement.RegionKernel {
			w.KernelCount++
		}
		ga.open[ev.Location] = append(ga.open[ev.Location], openRegion{start: ev.Timestamp, idle: isIdle(ev)})

	case types.EVENT_EXIT:
		stack := ga.open[ev.Location]
		if len(stack) == 0 {
			return
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ga.open[ev.Location] = stack
		// Only top-level regions count towards busy and idle time.
		if len(stack) > 0 || ev.Timestamp < top.start {
			return
		}
		if top.idle {
			w.IdleNs += ev.Timestamp - top.start
		} else {
			w.BusyNs += ev.Timestamp - top.start
		}

	case types.EVENT_RMA_GET:
		w.RmaGetBytes += ev.Bytes
		w.TransferCount++

	case types.EVENT_RMA_PUT:
		w.RmaPutBytes += ev.Bytes
		w.TransferCount++

	case types.EVENT_ALLOC:
		w.AllocBytes += ev.Bytes

	case types.EVENT_FREE:
		w.FreeCount++

	case types.EVENT_PARAMETER:
		w.ParameterCount++
	}
}

// Flush returns the windows that ended, or nil when none did.
func (ga *GPUAggregator) Flush() *types.Batch {
	return ga.flush(false)
}

// FlushAll returns every open window regardless of its end.
func (ga *GPUAggregator) FlushAll() *types.Batch {
	return ga.flush(true)
}

func (ga *GPUAggregator) flush(all bool) *types.Batch {
	ga.mu.Lock()
	defer ga.mu.Unlock()

	now := ga.now()
	var events []*types.LocationEvent

	for loc, w := range ga.windows {
		if !all && !now.After(w.WindowEnd) {
			continue
		}
		tw := &types.TimeWindow{
			WindowStartNs:  w.WindowStart.UnixNano(),
			WindowEndNs:    w.WindowEnd.UnixNano(),
			RegionCount:    w.RegionCount,
			KernelCount:    w.KernelCount,
			IdleNs:         w.IdleNs,
			BusyNs:         w.BusyNs,
			RmaGetBytes:    w.RmaGetBytes,
			RmaPutBytes:    w.RmaPutBytes,
			TransferCount:  w.TransferCount,
			AllocBytes:     w.AllocBytes,
			FreeCount:      w.FreeCount,
			ParameterCount: w.ParameterCount,
			GetRatio:       w.GetRatio(),
			Utilization:    w.Utilization(),
		}

		events = append(events, &types.LocationEvent{
			Location:  w.Location,
			Name:      w.Name,
			EventType: "GPU_TIME_WINDOW",
			Window:    tw,
		})
		delete(ga.windows, loc)
	}

	if len(events) == 0 {
		return nil
	}
	return &types.Batch{Type: types.BatchTimeWindow, Batch: events}
}
