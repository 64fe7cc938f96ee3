//go:build linux && amd64

package loaders

import (
	"context"
	"errors"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
)

// UprobeLoader attaches to the driver entry points of libcuda and feeds
// every intercepted call to a handler.
type UprobeLoader struct {
	Events *ebpf.Map
	Progs  []*ebpf.Program
	Up     []link.Link
	Rb     *ringbuf.Reader

	tracker *Tracker
	handle  func(cupti.CallbackData)
	metrics *telemetry.Metrics

	closeOnce sync.Once
	closeErr  error
}

func NewUprobeLoader(opts Options) (*UprobeLoader, error) {
	logger := logutil.GetLogger()
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, err
	}

	up := &UprobeLoader{
		tracker: opts.Tracker,
		handle:  opts.Handle,
		metrics: opts.Metrics,
	}

	events, err := newEventsMap()
	if err != nil {
		logger.Error("error", zap.Error(err))
		return nil, err
	}
	up.Events = events

	enter, err := probeProgram(events, siteEnter)
	if err != nil {
		logger.Error("error", zap.Error(err))
		up.Close()
		return nil, err
	}
	exit, err := probeProgram(events, siteExit)
	if err != nil {
		logger.Error("error", zap.Error(err))
		enter.Close()
		up.Close()
		return nil, err
	}
	up.Progs = append(up.Progs, enter, exit)

	ex, err := link.OpenExecutable(opts.LibCUDA)
	if err != nil {
		logger.Error("error", zap.Error(err))
		up.Close()
		return nil, err
	}

	for i, p := range probes {
		uopts := &link.UprobeOptions{Cookie: uint64(i), PID: opts.PID}
		l, err := ex.Uprobe(p.symbol, enter, uopts)
		if err != nil {
			logger.Warn("failed to attach uprobe", zap.String("function", p.symbol), zap.Error(err))
			continue
		}
		up.Up = append(up.Up, l)

		r, err := ex.Uretprobe(p.symbol, exit, uopts)
		if err != nil {
			logger.Warn("failed to attach uretprobe", zap.String("function", p.symbol), zap.Error(err))
			continue
		}
		up.Up = append(up.Up, r)
		logger.Debug("attached probes", zap.String("function", p.symbol))
	}
	if len(up.Up) == 0 {
		up.Close()
		return nil, errors.New("no libcuda entry point could be probed")
	}
	logger.Info("attached libcuda probes", zap.Int("links", len(up.Up)), zap.String("library", opts.LibCUDA))

	rb, err := ringbuf.NewReader(events)
	if err != nil {
		logger.Error("error", zap.Error(err))
		up.Close()
		return nil, err
	}
	up.Rb = rb

	return up, nil
}

func (l *UprobeLoader) Close() error {
	l.closeOnce.Do(func() {
		var err error
		if l.Rb != nil {
			err = multierr.Append(err, l.Rb.Close())
		}
		for _, up := range l.Up {
			err = multierr.Append(err, up.Close())
		}
		for _, p := range l.Progs {
			err = multierr.Append(err, p.Close())
		}
		if l.Events != nil {
			err = multierr.Append(err, l.Events.Close())
		}
		l.closeErr = err
	})
	return l.closeErr
}

// Run dispatches probe records until ctx is done.
func (l *UprobeLoader) Run(ctx context.Context) error {
	logger := logutil.GetLogger()

	stop := context.AfterFunc(ctx, func() { l.Rb.Close() })
	defer stop()

	for {
		record, err := l.Rb.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				logger.Info("Ring buffer closed, exiting...")
				return nil
			}
			logger.Error("Reading error", zap.Error(err))
			continue
		}

		ev, err := decodeProbeEvent(record.RawSample)
		if err != nil {
			l.metrics.Drop("probe_record")
			logger.Warn("Parsing probe record", zap.Error(err))
			continue
		}
		for _, cb := range l.tracker.Translate(ev) {
			l.handle(cb)
		}
	}
}
