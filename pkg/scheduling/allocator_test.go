package scheduling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes() []*NodeFree {
	return []*NodeFree{
		{Name: "node-a", Free: 4096},
		{Name: "node-b", Free: 1024},
		{Name: "node-c", Free: 2048},
	}
}

func TestBinpack(t *testing.T) {
	picked := Binpack(testNodes(), 512)
	require.NotNil(t, picked)
	assert.Equal(t, "node-b", picked.Name)

	// Nodes below the requirement are skipped.
	picked = Binpack(testNodes(), 1536)
	require.NotNil(t, picked)
	assert.Equal(t, "node-c", picked.Name)

	assert.Nil(t, Binpack(testNodes(), 8192))
}

func TestSpread(t *testing.T) {
	picked := Spread(testNodes(), 512)
	require.NotNil(t, picked)
	assert.Equal(t, "node-a", picked.Name)
}

func TestAllocatorTieBreaksOnName(t *testing.T) {
	nodes := []*NodeFree{
		{Name: "node-b", Free: 1024},
		{Name: "node-a", Free: 1024},
	}
	assert.Equal(t, "node-a", Binpack(nodes, 512).Name)
	assert.Equal(t, "node-a", Spread(nodes, 512).Name)
}

func TestAllocatorFor(t *testing.T) {
	_, err := AllocatorFor("binpack")
	assert.NoError(t, err)
	_, err = AllocatorFor("spread")
	assert.NoError(t, err)
	_, err = AllocatorFor("random")
	assert.Error(t, err)
}

func TestFits(t *testing.T) {
	nodes := []*NodeFree{
		{Name: "node-a", Free: 2048},
		{Name: "node-b", Free: 1024},
	}

	// Application container alone.
	assert.True(t, fits(nodes, 2048, 0))
	assert.False(t, fits(nodes, 2049, 0))

	// Both on the largest node.
	assert.True(t, fits(nodes, 1024, 1024))

	// Split across two nodes.
	assert.True(t, fits(nodes, 2048, 1024))
	assert.True(t, fits(nodes, 1024, 2048))
	assert.False(t, fits(nodes, 2048, 2048))

	assert.False(t, fits(nil, 1, 0))
}
