package cache

import (
	"image"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoshinNikita/drawcache/drawcache"
	"github.com/ShoshinNikita/drawcache/pkg/metrics"
)

// Metered counts hits, misses and sets of the wrapped cache.
type Metered struct {
	drawcache.Cache

	hits   prometheus.Counter
	misses prometheus.Counter
	sets   prometheus.Counter
}

var _ drawcache.Cache = (*Metered)(nil)

func NewMetered(name string, c drawcache.Cache) *Metered {
	labels := prometheus.Labels{"cache": name}
	return &Metered{
		Cache:  c,
		hits:   metrics.CacheHits.With(labels),
		misses: metrics.CacheMisses.With(labels),
		sets:   metrics.CacheSets.With(labels),
	}
}

func (c *Metered) Get(key drawcache.Key) (image.Image, bool) {
	img, ok := c.Cache.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return img, ok
}

func (c *Metered) Set(key drawcache.Key, img image.Image) {
	c.Cache.Set(key, img)
	c.sets.Inc()
}
