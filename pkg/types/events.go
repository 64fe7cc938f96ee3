package types

// Event is one record of the vendor-neutral event stream.
type Event struct {
	Type         uint8  `json:"type"`
	Location     uint32 `json:"location"`
	LocationName string `json:"location_name,omitempty"`
	Timestamp    uint64 `json:"timestamp"`
	Region       uint32 `json:"region,omitempty"`
	Name         string `json:"name,omitempty"`
	RegionKind   uint8  `json:"region_kind,omitempty"`
	Remote       uint64 `json:"remote,omitempty"`
	Bytes        uint64 `json:"bytes,omitempty"`
	Matching     uint64 `json:"matching,omitempty"`
	Value        uint64 `json:"value,omitempty"`
}

// Batch is the unit shipped to the collector service.
type Batch struct {
	Type  string           `json:"type"`
	Node  string           `json:"node,omitempty"`
	Batch []*LocationEvent `json:"batch"`
}

// LocationEvent carries either a time window or a token for one location.
type LocationEvent struct {
	Location  uint32      `json:"location"`
	Name      string      `json:"name"`
	EventType string      `json:"event_type"`
	Window    *TimeWindow `json:"window,omitempty"`
	Token     *EventToken `json:"token,omitempty"`
}

type TimeWindow struct {
	WindowStartNs int64 `json:"window_start_ns"`
	WindowEndNs   int64 `json:"window_end_ns"`

	RegionCount    uint64  `json:"region_count"`
	KernelCount    uint64  `json:"kernel_count"`
	IdleNs         uint64  `json:"idle_ns"`
	BusyNs         uint64  `json:"busy_ns"`
	RmaGetBytes    uint64  `json:"rma_get_bytes"`
	RmaPutBytes    uint64  `json:"rma_put_bytes"`
	TransferCount  uint64  `json:"transfer_count"`
	AllocBytes     uint64  `json:"alloc_bytes"`
	FreeCount      uint64  `json:"free_count"`
	ParameterCount uint64  `json:"parameter_count"`
	GetRatio       float64 `json:"get_ratio"`
	Utilization    float64 `json:"utilization"`
}

type EventToken struct {
	Timestamp int64   `json:"timestamp"`
	EventType int64   `json:"event_type"`
	Value     float64 `json:"value"`
	Dir       int64   `json:"dir,omitempty"`
}

// Ack is returned by the collector service.
type Ack struct {
	Status   string `json:"status"`
	Received int    `json:"received"`
}
