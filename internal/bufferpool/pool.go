// Package bufferpool manages the per-context activity buffers handed to the
// profiling runtime. Pools are not safe for concurrent use; the registry lock
// serializes every state transition.
package bufferpool

import (
	"fmt"

	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type State uint8

const (
	Free State = iota
	// Committed buffers are owned by the profiling runtime.
	Committed
	// Pending buffers hold completed records waiting to be drained.
	Pending
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Committed:
		return "committed"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Align is the record alignment the runtime requires.
const Align = 8

type Buffer struct {
	Data  []byte
	Valid uint64
	State State
}

// Records returns the filled prefix of the buffer.
func (b *Buffer) Records() []byte { return b.Data[:b.Valid] }

type Pool struct {
	chunk    uint64
	ceiling  uint64
	alloc    Allocator
	owner    uint32
	buffers  []*Buffer
	total    uint64
	exceeded bool
}

// New creates an empty pool for the context with id owner.
func New(owner uint32, ceiling, chunk uint64, alloc Allocator) *Pool {
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &Pool{chunk: chunk, ceiling: ceiling, alloc: alloc, owner: owner}
}

func slack(chunk uint64) uint64 { return (Align - chunk%Align) % Align }

// Acquire returns a Free buffer marked Committed, growing the pool while the
// ceiling allows. It returns nil once the ceiling is reached.
func (p *Pool) Acquire() *Buffer {
	for _, b := range p.buffers {
		if b.State == Free {
			b.State = Committed
			return b
		}
	}

	size := p.chunk + slack(p.chunk)
	if p.total+size > p.ceiling {
		if !p.exceeded {
			p.exceeded = true
			logutil.GetLogger().Warn("CUDA activity buffer ceiling reached, records will be dropped",
				zap.Uint32("context_id", p.owner),
				zap.Uint64("ceiling", p.ceiling),
				zap.Uint64("chunk", p.chunk),
				zap.String("hint", "increase INFRASIGHT_CUDA_BUFFER"))
		}
		return nil
	}

	data, err := p.alloc.Alloc(size)
	if err != nil {
		logutil.GetLogger().Warn("cannot allocate CUDA activity buffer",
			zap.Uint32("context_id", p.owner), zap.Error(err))
		return nil
	}
	b := &Buffer{Data: data[:p.chunk], State: Committed}
	p.buffers = append(p.buffers, b)
	p.total += size
	return b
}

// Lookup finds the buffer whose storage starts at data.
func (p *Pool) Lookup(data []byte) *Buffer {
	if len(data) == 0 {
		return nil
	}
	for _, b := range p.buffers {
		if len(b.Data) > 0 && &b.Data[0] == &data[0] {
			return b
		}
	}
	return nil
}

// MarkPending records a completed buffer. An empty completion frees it.
func (p *Pool) MarkPending(b *Buffer, valid uint64) {
	if valid > uint64(len(b.Data)) {
		valid = uint64(len(b.Data))
	}
	b.Valid = valid
	if valid == 0 {
		b.State = Free
		return
	}
	b.State = Pending
}

// Drain hands every Pending buffer to fn and frees it. It reports whether
// any buffer is still Committed.
func (p *Pool) Drain(fn func(records []byte)) (committed bool) {
	for _, b := range p.buffers {
		switch b.State {
		case Pending:
			fn(b.Records())
			b.State = Free
			b.Valid = 0
			p.exceeded = false
		case Committed:
			committed = true
		}
	}
	return committed
}

// IsEmpty reports whether no buffer is out with the runtime or waiting.
func (p *Pool) IsEmpty() bool {
	for _, b := range p.buffers {
		if b.State != Free {
			return false
		}
	}
	return true
}

func (p *Pool) Len() int { return len(p.buffers) }

// Size is the number of bytes allocated by the pool.
func (p *Pool) Size() uint64 { return p.total }

// Chunk is the size of one buffer.
func (p *Pool) Chunk() uint64 { return p.chunk }

// Finalize releases all buffers, warning about those still in use.
func (p *Pool) Finalize() error {
	var err error
	for _, b := range p.buffers {
		if b.State != Free {
			logutil.GetLogger().Warn("CUDA activity buffer still in use at finalize",
				zap.Uint32("context_id", p.owner), zap.Stringer("state", b.State))
		}
		err = multierr.Append(err, p.alloc.Free(b.Data[:cap(b.Data)]))
	}
	p.buffers = nil
	p.total = 0
	return err
}
