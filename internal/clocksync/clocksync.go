// Package clocksync translates device timestamps onto the host timeline by
// linear interpolation between two paired clock samples.
package clocksync

import (
	"errors"
)

// ErrZeroInterval is returned when no device time passed between samples.
var ErrZeroInterval = errors.New("clocksync: zero device interval")

// Point is a paired device and host clock reading.
type Point struct {
	Device uint64
	Host   uint64
}

type HostClock func() uint64

type DeviceClock func() (uint64, error)

// Sample reads the device clock between two host readings and attributes the
// device value to the host midpoint.
func Sample(host HostClock, device DeviceClock) (Point, error) {
	t1 := host()
	d, err := device()
	t2 := host()
	if err != nil {
		return Point{}, err
	}
	return Point{Device: d, Host: t1 + (t2-t1)/2}, nil
}

// Factor is the host interval over the device interval between prev and next.
func Factor(prev, next Point) (float64, error) {
	dev := int64(next.Device - prev.Device)
	if dev == 0 {
		return 0, ErrZeroInterval
	}
	return float64(int64(next.Host-prev.Host)) / float64(dev), nil
}

// Sync is the synchronization window of one context. Records are translated
// against [Start, Stop] once Stop has been taken.
type Sync struct {
	GPUStart  uint64
	HostStart uint64
	GPUStop   uint64
	HostStop  uint64
	Factor    float64
}

// Begin opens a new window at p.
func (s *Sync) Begin(p Point) {
	s.GPUStart = p.Device
	s.HostStart = p.Host
}

// End closes the window at p and computes the factor. On ErrZeroInterval the
// previous factor is kept.
func (s *Sync) End(p Point) error {
	s.GPUStop = p.Device
	s.HostStop = p.Host
	f, err := Factor(Point{Device: s.GPUStart, Host: s.HostStart}, p)
	if err != nil {
		return err
	}
	s.Factor = f
	return nil
}

// Advance makes the stop sample the start of the next window.
func (s *Sync) Advance() {
	s.GPUStart = s.GPUStop
	s.HostStart = s.HostStop
}

// Translate maps a device timestamp to the host timeline.
func (s Sync) Translate(device uint64) uint64 {
	diff := float64(int64(device - s.GPUStart))
	host := int64(s.HostStart) + int64(diff*s.Factor)
	if host < 0 {
		return 0
	}
	return uint64(host)
}

// TranslateSpan maps a device interval; the stop is derived from the start so
// both ends share one rounding.
func (s Sync) TranslateSpan(devStart, devEnd uint64) (uint64, uint64) {
	start := s.Translate(devStart)
	if devEnd < devStart {
		back := uint64(float64(devStart-devEnd) * s.Factor)
		if back > start {
			back = start
		}
		return start, start - back
	}
	return start, start + uint64(float64(devEnd-devStart)*s.Factor)
}
