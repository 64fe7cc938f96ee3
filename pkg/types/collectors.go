package types

import (
	"context"
)

type Gpu_collectors interface {
	Update(ev Event)
	Flush() *Batch
	Run(context.Context) <-chan *Batch
}
