package cache

import (
	"image"

	"github.com/ShoshinNikita/drawcache/drawcache"
)

// NoopCache doesn't store anything. It can be used to disable caching.
type NoopCache struct{}

var _ drawcache.Cache = NoopCache{}

func NewNoopCache() *NoopCache                          { return &NoopCache{} }
func (NoopCache) Get(drawcache.Key) (image.Image, bool) { return nil, false }
func (NoopCache) Set(drawcache.Key, image.Image)        {}
