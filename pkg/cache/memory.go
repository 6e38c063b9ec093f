package cache

import (
	"image"
	"sync"

	"github.com/ShoshinNikita/drawcache/drawcache"
)

// MemoryCache keeps all images in memory and never evicts them.
type MemoryCache struct {
	mu    sync.RWMutex
	cache map[drawcache.Key]image.Image
}

var _ drawcache.Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		cache: make(map[drawcache.Key]image.Image),
	}
}

func (c *MemoryCache) Get(key drawcache.Key) (image.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	img, ok := c.cache[key]
	return img, ok
}

func (c *MemoryCache) Set(key drawcache.Key, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[key] = img
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.cache)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[drawcache.Key]image.Image)
}
