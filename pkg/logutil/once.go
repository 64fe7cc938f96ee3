package logutil

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"go.uber.org/zap"
)

// Once emits a warning at most once per key.
type Once struct {
	seen sync.Map
}

// Warn logs msg the first time key is seen and reports whether it did.
func (o *Once) Warn(key any, msg string, fields ...zap.Field) bool {
	if _, loaded := o.seen.LoadOrStore(key, struct{}{}); loaded {
		return false
	}
	GetLogger().Warn(msg, fields...)
	return true
}

// Reset forgets every key. Only meant for tests.
func (o *Once) Reset() {
	o.seen.Range(func(k, _ any) bool {
		o.seen.Delete(k)
		return true
	})
}

// Throttle rate limits a recurring warning per category.
type Throttle struct {
	limiter *catrate.Limiter
}

// NewThrottle allows n warnings per category in every window.
func NewThrottle(window time.Duration, n int) *Throttle {
	return &Throttle{limiter: catrate.NewLimiter(map[time.Duration]int{window: n})}
}

func (t *Throttle) Warn(category any, msg string, fields ...zap.Field) bool {
	if _, ok := t.limiter.Allow(category); !ok {
		return false
	}
	GetLogger().Warn(msg, fields...)
	return true
}
