package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoshinNikita/drawcache/drawcache"
	"github.com/ShoshinNikita/drawcache/pkg/metrics"
	"github.com/ShoshinNikita/drawcache/pkg/rlog"
)

// tempFilePrefix marks files that are still being written.
const tempFilePrefix = ".tmp-"

type Options struct {
	// MaxSize is the max total size of cache files in bytes. Zero means no limit.
	MaxSize int64
	// MaxAge is the max age of cache files. Zero means no limit.
	MaxAge time.Duration

	DisableCleaner bool
}

// DiskCache stores images as 16-bit PNG files. Files are removed by [Cleaner] in the background.
//
// Images are returned as [*image.RGBA] with the same pixels that were passed to Set:
// 16 bits per channel are enough to restore premultiplied 8-bit values exactly.
type DiskCache struct {
	name    string
	absDir  string
	cleaner *Cleaner

	errors prometheus.Counter
}

var _ drawcache.Cache = (*DiskCache)(nil)

func NewDiskCache(name, dir string, opts Options) (*DiskCache, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create cache dir %q: %w", absDir, err)
	}

	c := &DiskCache{
		name:   name,
		absDir: absDir,
		errors: metrics.CacheErrors.With(prometheus.Labels{"cache": name}),
	}
	if !opts.DisableCleaner && (opts.MaxAge > 0 || opts.MaxSize > 0) {
		c.cleaner = NewCleaner(name, absDir, opts.MaxAge, opts.MaxSize)
	}
	return c, nil
}

// Get decodes the cached image. A file that can't be read is reported as a miss.
func (c *DiskCache) Get(key drawcache.Key) (image.Image, bool) {
	path := c.generateFilepath(key)

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.errors.Inc()
			rlog.Errorf("%s cache: couldn't open file %q: %s", c.name, path, err)
		}
		return nil, false
	}
	defer file.Close()

	img, err := png.Decode(file)
	if err != nil {
		c.errors.Inc()
		rlog.Errorf("%s cache: couldn't decode file %q: %s", c.name, path, err)
		return nil, false
	}
	return toRGBA(img), true
}

// Set writes the image to a temp file and renames it, so readers never see partial files.
func (c *DiskCache) Set(key drawcache.Key, img image.Image) {
	if err := c.write(key, img); err != nil {
		c.errors.Inc()
		rlog.Errorf("%s cache: couldn't save image %q: %s", c.name, key, err)
	}
}

func (c *DiskCache) write(key drawcache.Key, img image.Image) error {
	path := c.generateFilepath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("couldn't create dir %q: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("couldn't create temp file: %w", err)
	}
	defer func() {
		// No-op after a successful rename.
		os.Remove(tempFile.Name())
	}()

	if err := png.Encode(tempFile, toNRGBA64(img)); err != nil {
		tempFile.Close()
		return fmt.Errorf("couldn't encode image: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("couldn't close temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("couldn't rename temp file: %w", err)
	}
	return nil
}

// Remove removes the cache file for key. To remove cache files over time use [Cleaner].
func (c *DiskCache) Remove(key drawcache.Key) error {
	err := os.Remove(c.generateFilepath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *DiskCache) Shutdown(ctx context.Context) error {
	if c.cleaner == nil {
		return nil
	}
	return c.cleaner.Shutdown(ctx)
}

// generateFilepath generates a filepath of pattern '<dir>/<hash[:2]>/<hash>.png',
// where hash is a hex-encoded sha256 of the key.
func (c *DiskCache) generateFilepath(key drawcache.Key) string {
	hash := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(hash[:])

	return filepath.Join(c.absDir, name[:2], name+".png")
}

// toNRGBA64 converts img to a non-premultiplied 16-bit image, which png encodes without
// losing the precision of premultiplied 8-bit pixels.
func toNRGBA64(img image.Image) *image.NRGBA64 {
	if img, ok := img.(*image.NRGBA64); ok {
		return img
	}
	res := image.NewNRGBA64(img.Bounds())
	draw.Draw(res, res.Bounds(), img, img.Bounds().Min, draw.Src)
	return res
}

func toRGBA(img image.Image) *image.RGBA {
	if img, ok := img.(*image.RGBA); ok {
		return img
	}
	res := image.NewRGBA(img.Bounds())
	draw.Draw(res, res.Bounds(), img, img.Bounds().Min, draw.Src)
	return res
}
