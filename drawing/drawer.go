package drawing

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"time"

	"github.com/gogpu/gg"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoshinNikita/drawcache/drawcache"
	"github.com/ShoshinNikita/drawcache/pkg/cache"
	"github.com/ShoshinNikita/drawcache/pkg/dispatch"
	"github.com/ShoshinNikita/drawcache/pkg/metrics"
	"github.com/ShoshinNikita/drawcache/pkg/rlog"
)

type Options struct {
	// BackgroundQueue runs draw functions on cache misses. If it is nil, a new pool
	// with BackgroundWorkers workers is created.
	BackgroundQueue drawcache.Queue
	// BackgroundWorkers defaults to the number of CPUs.
	BackgroundWorkers int

	// CompletionQueue runs all completion functions. If it is nil, a new serial
	// queue is created.
	CompletionQueue drawcache.Queue
}

// Drawer draws images on background goroutines and caches them by key.
//
// Drawer doesn't deduplicate concurrent requests: if several requests for the same
// key miss the cache at the same time, every one of them calls its draw function,
// and the image stored last wins.
type Drawer struct {
	cache drawcache.Cache

	background drawcache.Queue
	completion drawcache.Queue

	// ownPools are the pools created by the Drawer itself. Only they are stopped on Shutdown.
	ownPools []*dispatch.Pool
}

// NewDrawer returns a new Drawer. Images are stored in c, or in a new [cache.MemoryCache]
// if c is nil. Drawers with different caches don't share any state.
func NewDrawer(c drawcache.Cache, opts Options) *Drawer {
	if c == nil {
		c = cache.NewMemoryCache()
	}

	d := &Drawer{
		cache:      c,
		background: opts.BackgroundQueue,
		completion: opts.CompletionQueue,
	}
	if d.background == nil {
		workers := opts.BackgroundWorkers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		pool := dispatch.NewPool("background", workers)
		d.background = pool
		d.ownPools = append(d.ownPools, pool)
	}
	if d.completion == nil {
		pool := dispatch.NewSerialQueue("completion")
		d.completion = pool
		d.ownPools = append(d.ownPools, pool)
	}
	return d
}

// CachedImage returns a previously drawn image.
func (d *Drawer) CachedImage(key drawcache.Key) (image.Image, bool) {
	return d.cache.Get(key)
}

// DrawAsync calls drawFn on the background queue and passes the image to done on
// the completion queue. If the image for key is cached, drawFn is not called, but
// done is still called on the completion queue and never before DrawAsync is called.
//
// done is called exactly once, unless DrawAsync returns an error.
func (d *Drawer) DrawAsync(
	key drawcache.Key, size drawcache.Size, background color.Color,
	drawFn drawcache.DrawFn, done drawcache.CompletionFn,
) error {

	if img, ok := d.cache.Get(key); ok {
		metrics.DrawRequests.With(prometheus.Labels{"mode": "async", "result": "hit"}).Inc()

		return d.completion.Dispatch(func() {
			done(img, nil)
		})
	}

	metrics.DrawRequests.With(prometheus.Labels{"mode": "async", "result": "miss"}).Inc()

	err := d.background.Dispatch(func() {
		img, err := d.drawAndStore(key, size, background, drawFn)

		err = d.completion.Dispatch(func() {
			done(img, err)
		})
		if err != nil {
			rlog.Errorf("couldn't deliver image %q: %s", key, err)
		}
	})
	if err != nil {
		return fmt.Errorf("couldn't schedule drawing: %w", err)
	}
	return nil
}

// DrawSync is a synchronous version of [Drawer.DrawAsync]: on a cache miss drawFn
// is called on the caller goroutine.
func (d *Drawer) DrawSync(
	key drawcache.Key, size drawcache.Size, background color.Color, drawFn drawcache.DrawFn,
) (image.Image, error) {

	if img, ok := d.cache.Get(key); ok {
		metrics.DrawRequests.With(prometheus.Labels{"mode": "sync", "result": "hit"}).Inc()
		return img, nil
	}

	metrics.DrawRequests.With(prometheus.Labels{"mode": "sync", "result": "miss"}).Inc()

	return d.drawAndStore(key, size, background, drawFn)
}

// drawAndStore draws a new image and saves it to the cache. Failed images are not cached.
func (d *Drawer) drawAndStore(
	key drawcache.Key, size drawcache.Size, background color.Color, drawFn drawcache.DrawFn,
) (image.Image, error) {

	now := time.Now()
	img, err := draw(size, background, drawFn)
	dur := time.Since(now)

	if err != nil {
		metrics.DrawErrors.Inc()
		rlog.Errorf("couldn't draw image %q: %s", key, err)
		return nil, err
	}

	metrics.DrawDuration.Observe(dur.Seconds())
	rlog.Debugf("image %q (%s) was drawn in %s", key, size, dur)

	d.cache.Set(key, img)

	return img, nil
}

func draw(size drawcache.Size, background color.Color, drawFn drawcache.DrawFn) (img image.Image, err error) {
	if !size.Valid() {
		return nil, fmt.Errorf("%w: %s", drawcache.ErrInvalidSize, size)
	}
	if background == nil {
		background = color.Transparent
	}

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("%w: %v", drawcache.ErrDrawPanic, r)
		}
	}()

	dc := gg.NewContext(size.Width, size.Height)
	dc.ClearWithColor(gg.FromColor(background))

	drawFn(dc, size.Rect())

	// Batching accelerators write pending shapes to the pixmap only on flush.
	if err := dc.FlushGPU(); err != nil {
		return nil, fmt.Errorf("couldn't flush gpu operations: %w", err)
	}

	// Image returns a copy, so later changes of dc can't affect the cached image.
	return dc.Image(), nil
}

// Shutdown stops the queues created by the Drawer and waits for the scheduled
// draws. Injected queues are not stopped.
func (d *Drawer) Shutdown(ctx context.Context) error {
	var errs []error
	for _, pool := range d.ownPools {
		if err := pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
