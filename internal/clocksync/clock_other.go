//go:build !linux

package clocksync

import "time"

var base = time.Now()

func Monotonic() uint64 {
	return uint64(time.Since(base).Nanoseconds())
}
