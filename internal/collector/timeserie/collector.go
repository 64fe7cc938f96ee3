package timeserie

import (
	"sort"
	"sync"
	"time"

	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

type TimeSeriesCollector struct {
	mu            sync.Mutex
	buffers       map[uint32][]*types.EventToken
	names         map[uint32]string
	flushInterval time.Duration
}

func NewTimeSeriesCollector(flushInterval time.Duration) *TimeSeriesCollector {
	return &TimeSeriesCollector{
		buffers:       make(map[uint32][]*types.EventToken),
		names:         make(map[uint32]string),
		flushInterval: flushInterval,
	}
}

func (tc *TimeSeriesCollector) Update(ev types.Event) {
	token := EventToToken(ev)
	if token == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.buffers[ev.Location] = append(tc.buffers[ev.Location], token)
	tc.names[ev.Location] = ev.LocationName
}

// Flush hands out and clears the buffered tokens, ordered by location.
func (tc *TimeSeriesCollector) Flush() *types.Batch {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	locs := make([]uint32, 0, len(tc.buffers))
	for loc := range tc.buffers {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })

	var events []*types.LocationEvent
	for _, loc := range locs {
		for _, tk := range tc.buffers[loc] {
			events = append(events, &types.LocationEvent{
				Location:  loc,
				Name:      tc.names[loc],
				EventType: "timeserie",
				Token:     tk,
			})
		}
	}
	tc.buffers = make(map[uint32][]*types.EventToken)

	if len(events) == 0 {
		return nil
	}
	return &types.Batch{Batch: events, Type: types.BatchTimeSeries}
}
