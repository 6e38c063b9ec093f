package drawcache

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gg"
)

var (
	ErrInvalidSize  = errors.New("invalid image size")
	ErrDrawPanic    = errors.New("draw function panicked")
	ErrQueueStopped = errors.New("queue is stopped")
)

// Key identifies a single rendered image. Different images must have different keys.
type Key string

// Size is the size of an image in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Rect returns the frame passed to [DrawFn]: (0,0)-(Width,Height).
func (s Size) Rect() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// DrawFn draws into dc. dc has the requested size and is already filled with
// the background color. DrawFn can be called from any goroutine.
type DrawFn func(dc *gg.Context, frame image.Rectangle)

// CompletionFn receives the result of an asynchronous draw. It is called exactly once.
type CompletionFn func(img image.Image, err error)

// Cache is a thread-safe storage for rendered images. Implementations are free
// to evict entries at any moment.
type Cache interface {
	// Get returns the image stored for key, ok is false if there is no such image.
	Get(key Key) (img image.Image, ok bool)
	// Set stores img replacing the previous one.
	Set(key Key, img image.Image)
}

// Queue runs tasks on its own goroutines. Dispatch must not block.
type Queue interface {
	Dispatch(task func()) error
}
