package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKernelLaunchDimensions(t *testing.T) {
	k := &Kernel{GridX: 4, GridY: 2, GridZ: 1, BlockX: 128, BlockY: 1, BlockZ: 1}
	assert.Equal(t, uint64(8), k.BlocksPerGrid())
	assert.Equal(t, uint64(128), k.ThreadsPerBlock())

	k = &Kernel{GridX: -1, GridY: 2, GridZ: 1, BlockX: 32, BlockY: -8, BlockZ: 1}
	assert.Zero(t, k.BlocksPerGrid())
	assert.Zero(t, k.ThreadsPerBlock())
}
