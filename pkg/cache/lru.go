package cache

import (
	"image"

	"github.com/gogpu/gg/cache"

	"github.com/ShoshinNikita/drawcache/drawcache"
)

// LRUCache is a bounded cache that evicts the least recently used images.
// Entries are spread over [cache.DefaultShardCount] shards, each shard evicts
// independently, so the capacity is approximate.
type LRUCache struct {
	sharded *cache.ShardedCache[drawcache.Key, image.Image]
}

var _ drawcache.Cache = (*LRUCache)(nil)

func NewLRUCache(capacity int) *LRUCache {
	perShard := (capacity + cache.DefaultShardCount - 1) / cache.DefaultShardCount
	if perShard < 1 {
		perShard = 1
	}
	return &LRUCache{
		sharded: cache.NewSharded[drawcache.Key, image.Image](perShard, hashKey),
	}
}

func hashKey(key drawcache.Key) uint64 {
	return cache.StringHasher(string(key))
}

func (c *LRUCache) Get(key drawcache.Key) (image.Image, bool) {
	return c.sharded.Get(key)
}

func (c *LRUCache) Set(key drawcache.Key, img image.Image) {
	c.sharded.Set(key, img)
}

func (c *LRUCache) Len() int {
	return c.sharded.Len()
}

// Capacity returns the max number of entries across all shards.
func (c *LRUCache) Capacity() int {
	return c.sharded.TotalCapacity()
}

func (c *LRUCache) Clear() {
	c.sharded.Clear()
}
