package aggregator

import "time"

// LocationWindow accumulates the events of one location over one window.
type LocationWindow struct {
	Location    uint32
	Name        string
	WindowStart time.Time
	WindowEnd   time.Time

	// Regions
	RegionCount uint64
	KernelCount uint64
	BusyNs      uint64
	IdleNs      uint64

	// Transfers
	RmaGetBytes   uint64
	RmaPutBytes   uint64
	TransferCount uint64

	// Memory
	AllocBytes uint64
	FreeCount  uint64

	ParameterCount uint64
}

// GetRatio is the share of transferred bytes moved by gets.
func (w *LocationWindow) GetRatio() float64 {
	total := w.RmaGetBytes + w.RmaPutBytes
	if total == 0 {
		return 0
	}
	return float64(w.RmaGetBytes) / float64(total)
}

// Utilization is the busy share of the time covered by top-level regions.
func (w *LocationWindow) Utilization() float64 {
	total := w.BusyNs + w.IdleNs
	if total == 0 {
		return 0
	}
	return float64(w.BusyNs) / float64(total)
}
