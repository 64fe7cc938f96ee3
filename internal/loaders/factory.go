package loaders

import (
	"errors"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

type Options struct {
	// LibCUDA is the path of the driver library to probe.
	LibCUDA string
	// PID restricts the probes to one process; 0 traces every process.
	PID     int
	Tracker *Tracker
	Handle  func(cupti.CallbackData)
	Metrics *telemetry.Metrics
}

func NewCallbackLoader(program string, opts Options) (types.Gpu_loaders, error) {
	if opts.Tracker == nil || opts.Handle == nil {
		return nil, errors.New("callback loader needs a tracker and a handler")
	}
	switch program {
	case types.LoaderUprobe:
		l, err := NewUprobeLoader(opts)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, errors.New("Unsuported or unknow program")
	}
}
