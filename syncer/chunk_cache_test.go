package syncer

import (
	"strconv"
	"testing"

	"dpos-node/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkBlocks(heights ...uint64) []*models.Block {
	blocks := make([]*models.Block, len(heights))
	for i, h := range heights {
		blocks[i] = &models.Block{BlockHeader: models.BlockHeader{Height: h}}
	}
	return blocks
}

func TestChunkCache_EvictsOldestFirst(t *testing.T) {
	cache := NewChunkCache(0)

	for i := 0; i < 100; i++ {
		cache.Set(strconv.Itoa(i), chunkBlocks(uint64(i)))
	}
	_, err := cache.Get("0")
	require.NoError(t, err)
	assert.Equal(t, 100, cache.Len())

	cache.Set("101", chunkBlocks(101))

	_, err = cache.Get("0")
	assert.ErrorIs(t, err, ErrChunkNotFound)
	assert.False(t, cache.Has("0"))
	assert.True(t, cache.Has("1"))
	assert.True(t, cache.Has("101"))
	assert.Equal(t, 100, cache.Len())
}

func TestChunkCache_ReadsDoNotProtectFromEviction(t *testing.T) {
	cache := NewChunkCache(2)
	cache.Set("a", chunkBlocks(1))
	cache.Set("b", chunkBlocks(2))

	for i := 0; i < 5; i++ {
		_, err := cache.Get("a")
		require.NoError(t, err)
	}
	cache.Set("c", chunkBlocks(3))

	assert.False(t, cache.Has("a"))
	assert.True(t, cache.Has("b"))
	assert.True(t, cache.Has("c"))
}

func TestChunkCache_MissCarriesKey(t *testing.T) {
	cache := NewChunkCache(10)

	_, err := cache.Get("5-9")
	var notFound *ChunkNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "5-9", notFound.Key)
	assert.Contains(t, err.Error(), "5-9")
}

func TestChunkCache_Remove(t *testing.T) {
	cache := NewChunkCache(10)
	cache.Remove("absent")

	cache.Set("k", chunkBlocks(1))
	cache.Set("other", chunkBlocks(2))
	cache.Set("k", chunkBlocks(3))

	blocks, err := cache.Get("k")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), blocks[0].Height, "oldest entry wins")

	cache.Remove("k")
	assert.False(t, cache.Has("k"))
	assert.True(t, cache.Has("other"))
	assert.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Zero(t, cache.Len())
	assert.False(t, cache.Has("other"))
}

func TestChunkCache_DuplicateKeyEviction(t *testing.T) {
	cache := NewChunkCache(2)
	cache.Set("k", chunkBlocks(1))
	cache.Set("k", chunkBlocks(2))
	cache.Set("x", chunkBlocks(3))

	blocks, err := cache.Get("k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), blocks[0].Height)
}

func TestChunkKey(t *testing.T) {
	assert.Equal(t, "101-200", ChunkKey(101, 200))
}
