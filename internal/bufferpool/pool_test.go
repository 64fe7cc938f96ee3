package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
)

func observe(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := logutil.GetLogger()
	logutil.SetLogger(zap.New(core))
	t.Cleanup(func() { logutil.SetLogger(prev) })
	return logs
}

func TestAcquireRespectsCeiling(t *testing.T) {
	logs := observe(t)
	p := New(1, 16<<10, 8<<10, HeapAllocator{})

	require.NotNil(t, p.Acquire())
	require.NotNil(t, p.Acquire())
	assert.Nil(t, p.Acquire())
	assert.Nil(t, p.Acquire())
	assert.Nil(t, p.Acquire())

	assert.Equal(t, 1, logs.FilterMessage("CUDA activity buffer ceiling reached, records will be dropped").Len())
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, uint64(16<<10), p.Size())
}

func TestAcquireAccountsAlignmentSlack(t *testing.T) {
	observe(t)
	p := New(1, 2*1028, 1025, HeapAllocator{})
	b := p.Acquire()
	require.NotNil(t, b)
	assert.Len(t, b.Data, 1025)
	assert.Equal(t, uint64(1032), p.Size())
	assert.Nil(t, p.Acquire())
}

func TestBufferLifecycle(t *testing.T) {
	p := New(1, 16<<10, 8<<10, HeapAllocator{})
	a := p.Acquire()
	b := p.Acquire()
	copy(a.Data, "records")

	assert.Same(t, a, p.Lookup(a.Data))
	assert.Nil(t, p.Lookup(make([]byte, 8)))

	p.MarkPending(a, 7)
	assert.Equal(t, Pending, a.State)
	p.MarkPending(b, 0)
	assert.Equal(t, Free, b.State)

	var drained []string
	committed := p.Drain(func(records []byte) { drained = append(drained, string(records)) })
	assert.False(t, committed)
	assert.Equal(t, []string{"records"}, drained)
	assert.Equal(t, Free, a.State)
	assert.Zero(t, a.Valid)
	assert.True(t, p.IsEmpty())

	assert.Same(t, a, p.Acquire())
	assert.False(t, p.IsEmpty())
	assert.True(t, p.Drain(func([]byte) { t.Fatal("nothing pending") }))
}

func TestDrainResetsCeilingWarning(t *testing.T) {
	logs := observe(t)
	p := New(3, 8<<10, 8<<10, HeapAllocator{})
	b := p.Acquire()
	require.Nil(t, p.Acquire())

	p.MarkPending(b, 16)
	p.Drain(func([]byte) {})

	require.NotNil(t, p.Acquire())
	require.Nil(t, p.Acquire())
	assert.Equal(t, 2, logs.FilterMessage("CUDA activity buffer ceiling reached, records will be dropped").Len())
}

func TestFinalizeWarnsInUse(t *testing.T) {
	logs := observe(t)
	p := New(1, 16<<10, 8<<10, DefaultAllocator())
	p.Acquire()
	free := p.Acquire()
	p.MarkPending(free, 0)

	require.NoError(t, p.Finalize())
	assert.Equal(t, 1, logs.FilterMessage("CUDA activity buffer still in use at finalize").Len())
	assert.Zero(t, p.Len())
}
