package drawing

import (
	"context"
	"image"
	"image/color"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gg"
	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/drawcache/drawcache"
	"github.com/ShoshinNikita/drawcache/pkg/cache"
	"github.com/ShoshinNikita/drawcache/pkg/dispatch"
)

var (
	red  = color.RGBA{R: 0xff, A: 0xff}
	blue = color.RGBA{B: 0xff, A: 0xff}
)

// countingDrawFn paints the top-left quarter of the frame red and counts calls.
func countingDrawFn(calls *atomic.Int64) drawcache.DrawFn {
	return func(dc *gg.Context, frame image.Rectangle) {
		calls.Add(1)

		dc.SetColor(red)
		dc.DrawRectangle(0, 0, float64(frame.Dx()/2), float64(frame.Dy()/2))
		dc.Fill()
	}
}

type result struct {
	img image.Image
	err error
}

func newTestDrawer(t *testing.T, c drawcache.Cache) *Drawer {
	d := NewDrawer(c, Options{BackgroundWorkers: 4})
	t.Cleanup(func() {
		require.NoError(t, d.Shutdown(context.Background()))
	})
	return d
}

func drawAsync(t *testing.T, d *Drawer, key drawcache.Key, drawFn drawcache.DrawFn) <-chan result {
	resCh := make(chan result, 1)
	err := d.DrawAsync(key, drawcache.Size{Width: 10, Height: 10}, nil, drawFn, func(img image.Image, err error) {
		resCh <- result{img, err}
	})
	require.NoError(t, err)
	return resCh
}

func waitResult(t *testing.T, resCh <-chan result) result {
	t.Helper()

	select {
	case res := <-resCh:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("completion function wasn't called")
		return result{}
	}
}

func TestDrawer_CachedImage(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := newTestDrawer(t, nil)

	img, ok := d.CachedImage("x")
	r.False(ok)
	r.Nil(img)
}

func TestDrawer_DrawSync(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := newTestDrawer(t, nil)

	var calls atomic.Int64
	img, err := d.DrawSync("x", drawcache.Size{Width: 100, Height: 50}, color.Transparent, countingDrawFn(&calls))
	r.NoError(err)
	r.Equal(int64(1), calls.Load())
	r.Equal(image.Rect(0, 0, 100, 50), img.Bounds())

	// Drawn part and the transparent background.
	r.Equal(red, color.RGBAModel.Convert(img.At(10, 10)))
	r.Equal(color.RGBA{}, color.RGBAModel.Convert(img.At(99, 49)))

	cached, ok := d.CachedImage("x")
	r.True(ok)
	r.Same(img, cached)

	// Cache hit.
	again, err := d.DrawSync("x", drawcache.Size{Width: 100, Height: 50}, color.Transparent, countingDrawFn(&calls))
	r.NoError(err)
	r.Same(img, again)
	r.Equal(int64(1), calls.Load())

	resCh := drawAsync(t, d, "x", countingDrawFn(&calls))
	res := waitResult(t, resCh)
	r.NoError(res.err)
	r.Same(img, res.img)
	r.Equal(int64(1), calls.Load())
}

func TestDrawer_DrawSync_Background(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := newTestDrawer(t, nil)

	var frame image.Rectangle
	img, err := d.DrawSync("bg", drawcache.Size{Width: 8, Height: 4}, blue, func(_ *gg.Context, f image.Rectangle) {
		frame = f
	})
	r.NoError(err)
	r.Equal(image.Rect(0, 0, 8, 4), frame)
	r.Equal(blue, color.RGBAModel.Convert(img.At(0, 0)))
	r.Equal(blue, color.RGBAModel.Convert(img.At(7, 3)))
}

func TestDrawer_DrawSync_CallerGoroutine(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := newTestDrawer(t, nil)

	// The draw function must be called before DrawSync returns.
	var called bool
	_, err := d.DrawSync("sync", drawcache.Size{Width: 1, Height: 1}, nil, func(*gg.Context, image.Rectangle) {
		called = true
	})
	r.NoError(err)
	r.True(called)
}

func TestDrawer_DrawAsync(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := newTestDrawer(t, nil)

	var calls atomic.Int64

	res := waitResult(t, drawAsync(t, d, "y", countingDrawFn(&calls)))
	r.NoError(res.err)
	r.Equal(int64(1), calls.Load())

	cached, ok := d.CachedImage("y")
	r.True(ok)
	r.Same(res.img, cached)

	// Cache hit.
	res2 := waitResult(t, drawAsync(t, d, "y", countingDrawFn(&calls)))
	r.NoError(res2.err)
	r.Same(res.img, res2.img)
	r.Equal(int64(1), calls.Load())

	// New key.
	res3 := waitResult(t, drawAsync(t, d, "z", countingDrawFn(&calls)))
	r.NoError(res3.err)
	r.NotSame(res.img, res3.img)
	r.Equal(int64(2), calls.Load())
}

func TestDrawer_DrawAsync_DoesNotBlock(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := newTestDrawer(t, nil)

	_, err := d.DrawSync("hit", drawcache.Size{Width: 1, Height: 1}, nil, func(*gg.Context, image.Rectangle) {})
	r.NoError(err)

	for _, key := range []drawcache.Key{"hit", "miss"} {
		var (
			returnedCh = make(chan struct{})
			doneCh     = make(chan bool, 1)
		)
		err := d.DrawAsync(
			key, drawcache.Size{Width: 1, Height: 1}, nil,
			func(*gg.Context, image.Rectangle) {},
			func(image.Image, error) {
				// Completion can't finish before DrawAsync returns.
				select {
				case <-returnedCh:
					doneCh <- true
				case <-time.After(5 * time.Second):
					doneCh <- false
				}
			},
		)
		close(returnedCh)
		r.NoError(err)

		select {
		case ok := <-doneCh:
			r.True(ok, "DrawAsync was blocked by completion of %q", key)
		case <-time.After(10 * time.Second):
			t.Fatalf("completion of %q wasn't called", key)
		}
	}
}

func TestDrawer_DrawAsync_CompletionQueue(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	background := dispatch.NewPool("test-background", 4)
	completion := &recordingQueue{Queue: dispatch.NewSerialQueue("test-completion")}
	d := NewDrawer(nil, Options{BackgroundQueue: background, CompletionQueue: completion})

	var calls atomic.Int64

	// Miss and hit must both be delivered through the completion queue.
	waitResult(t, drawAsync(t, d, "a", countingDrawFn(&calls)))
	waitResult(t, drawAsync(t, d, "a", countingDrawFn(&calls)))
	r.Equal(int64(2), completion.count.Load())
	r.Equal(int64(1), calls.Load())

	// Injected queues must not be stopped.
	r.NoError(d.Shutdown(context.Background()))
	r.NoError(background.Dispatch(func() {}))
	r.NoError(completion.Dispatch(func() {}))

	r.NoError(background.Shutdown(context.Background()))
	r.NoError(completion.Queue.(*dispatch.Pool).Shutdown(context.Background()))
}

type recordingQueue struct {
	drawcache.Queue

	count atomic.Int64
}

func (q *recordingQueue) Dispatch(task func()) error {
	q.count.Add(1)
	return q.Queue.Dispatch(task)
}

func TestDrawer_DrawAsync_Concurrent(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := newTestDrawer(t, nil)

	var (
		calls   atomic.Int64
		startCh = make(chan struct{})
	)
	drawFn := func(dc *gg.Context, frame image.Rectangle) {
		// Make sure both requests miss the cache.
		<-startCh
		countingDrawFn(&calls)(dc, frame)
	}

	resCh1 := drawAsync(t, d, "y", drawFn)
	resCh2 := drawAsync(t, d, "y", drawFn)
	close(startCh)

	res1 := waitResult(t, resCh1)
	res2 := waitResult(t, resCh2)
	r.NoError(res1.err)
	r.NoError(res2.err)

	// Both requests are drawn, there is no deduplication.
	r.Equal(int64(2), calls.Load())
	r.Equal(res1.img.Bounds(), res2.img.Bounds())
	r.Equal(res1.img.(*image.RGBA).Pix, res2.img.(*image.RGBA).Pix)

	cached, ok := d.CachedImage("y")
	r.True(ok)
	r.Equal(res1.img.(*image.RGBA).Pix, cached.(*image.RGBA).Pix)
}

func TestDrawer_IndependentCaches(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	cache1 := cache.NewMemoryCache()
	d1 := newTestDrawer(t, cache1)

	_, err := d1.DrawSync("z", drawcache.Size{Width: 2, Height: 2}, nil, func(*gg.Context, image.Rectangle) {})
	r.NoError(err)
	r.Equal(1, cache1.Len())

	d2 := newTestDrawer(t, cache.NewMemoryCache())
	_, ok := d2.CachedImage("z")
	r.False(ok)

	_, ok = d1.CachedImage("z")
	r.True(ok)
}

func TestDrawer_Errors(t *testing.T) {
	t.Parallel()

	d := newTestDrawer(t, nil)

	for _, tt := range []struct {
		name    string
		size    drawcache.Size
		drawFn  drawcache.DrawFn
		wantErr error
	}{
		{
			name:    "zero width",
			size:    drawcache.Size{Width: 0, Height: 10},
			drawFn:  func(*gg.Context, image.Rectangle) {},
			wantErr: drawcache.ErrInvalidSize,
		},
		{
			name:    "negative height",
			size:    drawcache.Size{Width: 10, Height: -1},
			drawFn:  func(*gg.Context, image.Rectangle) {},
			wantErr: drawcache.ErrInvalidSize,
		},
		{
			name:    "panic",
			size:    drawcache.Size{Width: 10, Height: 10},
			drawFn:  func(*gg.Context, image.Rectangle) { panic("out of memory") },
			wantErr: drawcache.ErrDrawPanic,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			key := drawcache.Key("error-" + tt.name)

			img, err := d.DrawSync(key, tt.size, nil, tt.drawFn)
			r.ErrorIs(err, tt.wantErr)
			r.Nil(img)

			resCh := make(chan result, 1)
			err = d.DrawAsync(key, tt.size, nil, tt.drawFn, func(img image.Image, err error) {
				resCh <- result{img, err}
			})
			r.NoError(err)
			res := waitResult(t, resCh)
			r.ErrorIs(res.err, tt.wantErr)
			r.Nil(res.img)

			// Failed images must not be cached.
			_, ok := d.CachedImage(key)
			r.False(ok)
		})
	}
}

func TestDrawer_Shutdown(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	d := NewDrawer(nil, Options{BackgroundWorkers: 2})

	var (
		calls     atomic.Int64
		delivered atomic.Int64
		wg        sync.WaitGroup
	)
	for i := range 10 {
		wg.Add(1)
		err := d.DrawAsync(
			drawcache.Key(strconv.Itoa(i)), drawcache.Size{Width: 4, Height: 4}, nil,
			countingDrawFn(&calls),
			func(image.Image, error) {
				defer wg.Done()
				delivered.Add(1)
			},
		)
		r.NoError(err)
	}

	// Scheduled draws must be finished and delivered.
	r.NoError(d.Shutdown(context.Background()))
	wg.Wait()
	r.Equal(int64(10), calls.Load())
	r.Equal(int64(10), delivered.Load())

	err := d.DrawAsync("late", drawcache.Size{Width: 1, Height: 1}, nil, countingDrawFn(&calls), func(image.Image, error) {
		t.Error("completion must not be called")
	})
	r.ErrorIs(err, drawcache.ErrQueueStopped)

	// DrawSync doesn't need queues.
	_, err = d.DrawSync("late", drawcache.Size{Width: 1, Height: 1}, nil, countingDrawFn(&calls))
	r.NoError(err)
}
