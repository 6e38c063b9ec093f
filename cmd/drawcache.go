package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/ShoshinNikita/drawcache/drawcache"
	"github.com/ShoshinNikita/drawcache/drawing"
	"github.com/ShoshinNikita/drawcache/pkg/cache"
	"github.com/ShoshinNikita/drawcache/pkg/rlog"
	"github.com/ShoshinNikita/drawcache/web"
)

type App struct {
	cfg drawcache.Config

	cache     drawcache.Cache
	diskCache *cache.DiskCache

	drawer *drawing.Drawer

	server *web.Server
}

func NewApp(cfg drawcache.Config) *App {
	return &App{
		cfg: cfg,
	}
}

func (app *App) Prepare() (err error) {
	if err := os.MkdirAll(app.cfg.Dir, 0700); err != nil {
		return fmt.Errorf("couldn't create app data dir %q: %w", app.cfg.Dir, err)
	}

	// Cache
	var c drawcache.Cache
	switch app.cfg.CacheType {
	case drawcache.MemoryCacheType:
		c = cache.NewMemoryCache()

	case drawcache.LRUCacheType:
		c = cache.NewLRUCache(app.cfg.LRUCacheCapacity)

	case drawcache.DiskCacheType:
		app.diskCache, err = cache.NewDiskCache(
			string(app.cfg.CacheType), filepath.Join(app.cfg.Dir, "images"), cache.Options{
				MaxSize: app.cfg.DiskCacheSize.Bytes(),
				MaxAge:  app.cfg.DiskCacheMaxAge,
			},
		)
		if err != nil {
			return fmt.Errorf("couldn't prepare disk cache: %w", err)
		}
		c = app.diskCache

	case drawcache.NoCacheType:
		rlog.Debug("image cache is disabled")

		c = cache.NewNoopCache()

	default:
		return fmt.Errorf("unexpected cache type %q", app.cfg.CacheType)
	}
	app.cache = cache.NewMetered(string(app.cfg.CacheType), c)

	// Drawer
	app.drawer = drawing.NewDrawer(app.cache, drawing.Options{
		BackgroundWorkers: app.cfg.WorkersCount,
	})

	// Web Server
	app.server = web.NewServer(app.cfg, app.drawer)

	return nil
}

func (app *App) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for name, s := range map[string]interface{ Start() error }{
			"web server": app.server,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
//
// The order matters: the web server stops accepting requests first, then the drawer
// finishes the scheduled draws, and only then the disk cache stops its cleaner.
func (app *App) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", app.server},
		{"drawer", app.drawer},
		{"disk cache", app.diskCache},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
