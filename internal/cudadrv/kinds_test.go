package cudadrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

func TestActivityKind(t *testing.T) {
	tests := []struct {
		kind cupti.ActivityKind
		want int32
	}{
		{cupti.ActivityMemcpy, 1},
		{cupti.ActivityKernel, 3},
		{cupti.ActivityConcurrentKernel, 10},
	}
	for _, tt := range tests {
		got, err := activityKind(tt.kind)
		require.NoError(t, err, tt.kind.String())
		assert.Equal(t, tt.want, got, tt.kind.String())
	}

	_, err := activityKind(cupti.ActivityKind(99))
	assert.Error(t, err)
}

func TestMemoryType(t *testing.T) {
	assert.Equal(t, cupti.MemoryTypeHost, memoryType(1))
	assert.Equal(t, cupti.MemoryTypeDevice, memoryType(2))
	assert.Equal(t, cupti.MemoryTypeArray, memoryType(3))
	assert.Equal(t, cupti.MemoryTypeUnified, memoryType(4))
	assert.Equal(t, cupti.MemoryTypeUnknown, memoryType(0))
}
