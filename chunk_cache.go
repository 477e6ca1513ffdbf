package vaultfs

import (
	"sync"

	"github.com/awnumar/memguard"
)

// chunkCache is a small LRU of decrypted chunks keyed by chunk index.
// Evicted plaintext is wiped. A zero capacity disables caching.
type chunkCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64][]byte
	lru      []uint64 // least recently used first
}

func newChunkCache(capacity int) *chunkCache {
	return &chunkCache{
		capacity: capacity,
		cache:    make(map[uint64][]byte),
		lru:      make([]uint64, 0, capacity),
	}
}

func (c *chunkCache) Get(key uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	c.touch(key)

	// Copy so callers never alias cached plaintext
	result := make([]byte, len(data))
	copy(result, data)
	return result, true
}

func (c *chunkCache) Put(key uint64, data []byte) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)

	if old, ok := c.cache[key]; ok {
		memguard.WipeBytes(old)
		c.cache[key] = stored
		c.touch(key)
		return
	}

	if len(c.cache) >= c.capacity && len(c.lru) > 0 {
		oldest := c.lru[0]
		memguard.WipeBytes(c.cache[oldest])
		delete(c.cache, oldest)
		c.lru = c.lru[1:]
	}

	c.cache[key] = stored
	c.lru = append(c.lru, key)
}

// Invalidate drops one chunk
func (c *chunkCache) Invalidate(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.cache[key]
	if !ok {
		return
	}
	memguard.WipeBytes(data)
	delete(c.cache, key)
	for i, k := range c.lru {
		if k == key {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
}

// Reset wipes and drops every cached chunk
func (c *chunkCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, data := range c.cache {
		memguard.WipeBytes(data)
		delete(c.cache, k)
	}
	c.lru = c.lru[:0]
}

func (c *chunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// touch moves key to the most recently used end. Caller holds mu.
func (c *chunkCache) touch(key uint64) {
	for i, k := range c.lru {
		if k == key {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, key)
}
