package timeserie

import (
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

// EventToToken reduces an event to a single sample, or nil for events that
// do not make one. Kernel samples carry the region id, transfers and
// allocations their byte count, parameters their value.
func EventToToken(ev types.Event) *types.EventToken {
	token := &types.EventToken{
		Timestamp: int64(ev.Timestamp),
		EventType: int64(ev.Type),
	}

	switch ev.Type {
	case types.EVENT_ENTER:
		if measurement.RegionKind(ev.RegionKind) != measurement.RegionKernel {
			return nil
		}
		token.Value = float64(ev.Region)

	case types.EVENT_RMA_GET:
		// gets move data onto the device
		token.Value = float64(ev.Bytes)
		token.Dir = types.DIR_HTOD

	case types.EVENT_RMA_PUT:
		token.Value = float64(ev.Bytes)
		token.Dir = types.DIR_DTOH

	case types.EVENT_ALLOC, types.EVENT_FREE:
		token.Value = float64(ev.Bytes)

	case types.EVENT_PARAMETER:
		token.Value = float64(ev.Value)

	default:
		return nil
	}
	return token
}
