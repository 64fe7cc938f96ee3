package types

// Memory copy directions.
const (
	DIR_HTOD    = 0
	DIR_DTOH    = 1
	DIR_DTOD    = 2
	DIR_HTOH    = 3
	DIR_UNKNOWN = 4
)

// Event kinds of the vendor-neutral stream handed to collectors.
const (
	EVENT_ENTER        uint8 = 1
	EVENT_EXIT         uint8 = 2
	EVENT_RMA_GET      uint8 = 3
	EVENT_RMA_PUT      uint8 = 4
	EVENT_RMA_COMPLETE uint8 = 5
	EVENT_PARAMETER    uint8 = 6
	EVENT_ALLOC        uint8 = 7
	EVENT_FREE         uint8 = 8
)

// Collector batch types.
const (
	BatchTimeWindow = "gpu_time_window"
	BatchTimeSeries = "gpu_time_series"
)

// Loader names accepted by loaders.NewCallbackLoader.
const (
	LoaderUprobe = "uprobe"
)
