package web

import (
	"image"
	"image/color"
	"strconv"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/cache"

	"github.com/ShoshinNikita/drawcache/drawcache"
)

func hashKey(key drawcache.Key) string {
	return strconv.FormatUint(cache.StringHasher(string(key)), 16)
}

// newPlaceholderDrawFn returns a function that draws a frame with crossed diagonals.
// The color depends only on the key.
func newPlaceholderDrawFn(key drawcache.Key) drawcache.DrawFn {
	hash := cache.StringHasher(string(key))
	col := color.RGBA{
		R: uint8(hash),
		G: uint8(hash >> 8),
		B: uint8(hash >> 16),
		A: 0xff,
	}

	return func(dc *gg.Context, frame image.Rectangle) {
		w, h := float64(frame.Dx()), float64(frame.Dy())
		lineWidth := max(1, min(w, h)/32)

		dc.SetColor(col)
		dc.SetLineWidth(lineWidth)

		dc.DrawRectangle(lineWidth/2, lineWidth/2, w-lineWidth, h-lineWidth)
		dc.Stroke()

		dc.DrawLine(0, 0, w, h)
		dc.DrawLine(w, 0, 0, h)
		dc.Stroke()
	}
}
