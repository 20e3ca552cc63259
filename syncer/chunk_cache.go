package syncer

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"dpos-node/models"
)

// DefaultChunkCacheSize is the entry cap used when none is configured
const DefaultChunkCacheSize = 100

// ErrChunkNotFound matches every ChunkNotFoundError
var ErrChunkNotFound = errors.New("chunk not found")

// ChunkNotFoundError is returned by Get for a key that is not cached
type ChunkNotFoundError struct {
	Key string
}

func (e *ChunkNotFoundError) Error() string {
	return fmt.Sprintf("chunk %q not found in cache", e.Key)
}

func (e *ChunkNotFoundError) Is(target error) bool {
	return target == ErrChunkNotFound
}

// ChunkKey formats the cache key of the block range [start, end]
func ChunkKey(start, end uint64) string {
	return fmt.Sprintf("%d-%d", start, end)
}

type chunkEntry struct {
	key    string
	blocks []*models.Block
}

// ChunkCache keeps downloaded block ranges in insertion order and evicts the
// oldest once full. Reads never refresh an entry.
type ChunkCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    *list.List                 // of *chunkEntry, oldest first
	index      map[string][]*list.Element // key -> elements, oldest first
}

// NewChunkCache creates a cache holding at most maxEntries chunks. A
// non-positive value selects DefaultChunkCacheSize.
func NewChunkCache(maxEntries int) *ChunkCache {
	if maxEntries <= 0 {
		maxEntries = DefaultChunkCacheSize
	}
	return &ChunkCache{
		maxEntries: maxEntries,
		entries:    list.New(),
		index:      make(map[string][]*list.Element),
	}
}

// Set appends a chunk, evicting the oldest entry when over capacity
func (c *ChunkCache) Set(key string, blocks []*models.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el := c.entries.PushBack(&chunkEntry{key: key, blocks: blocks})
	c.index[key] = append(c.index[key], el)

	for c.entries.Len() > c.maxEntries {
		c.removeElement(c.entries.Front())
	}
}

// Get returns the oldest chunk stored under key
func (c *ChunkCache) Get(key string) ([]*models.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	els := c.index[key]
	if len(els) == 0 {
		return nil, &ChunkNotFoundError{Key: key}
	}
	return els[0].Value.(*chunkEntry).blocks, nil
}

// Has reports whether key is cached
func (c *ChunkCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index[key]) > 0
}

// Remove drops every chunk stored under key. Absent keys are ignored.
func (c *ChunkCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, el := range c.index[key] {
		c.entries.Remove(el)
	}
	delete(c.index, key)
}

// Len returns the number of cached chunks
func (c *ChunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *ChunkCache) removeElement(el *list.Element) {
	entry := c.entries.Remove(el).(*chunkEntry)
	els := c.index[entry.key]
	for i, e := range els {
		if e == el {
			els = append(els[:i], els[i+1:]...)
			break
		}
	}
	if len(els) == 0 {
		delete(c.index, entry.key)
		return
	}
	c.index[entry.key] = els
}

// Clear drops every chunk
func (c *ChunkCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Init()
	c.index = make(map[string][]*list.Element)
}
