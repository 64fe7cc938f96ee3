package types

import (
	"context"
)

// Gpu_loaders produce host-side API callbacks. Run blocks until ctx is done
// or the source is exhausted.
type Gpu_loaders interface {
	Close() error
	Run(context.Context) error
}
