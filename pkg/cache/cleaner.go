package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoshinNikita/drawcache/pkg/metrics"
	"github.com/ShoshinNikita/drawcache/pkg/misc"
	"github.com/ShoshinNikita/drawcache/pkg/rlog"
)

// Cleaner removes old cache files and keeps the total size of the cache dir under the limit.
// Zero maxFileAge or maxTotalFileSize disables the corresponding check.
type Cleaner struct {
	name             string
	dir              string
	cleanupInterval  time.Duration
	maxFileAge       time.Duration
	maxTotalFileSize int64 // in bytes

	stopCh                 chan struct{}
	cleanupProcessFinished chan struct{}

	removedFiles prometheus.Counter
	freedBytes   prometheus.Counter
	errors       prometheus.Counter
}

type cleanupResult struct {
	removedFiles int
	freedBytes   int64
	errs         []error
}

type fileInfo struct {
	path    string
	modTime time.Time
	size    int64
}

func NewCleaner(name, dir string, maxFileAge time.Duration, maxTotalFileSize int64) *Cleaner {
	c := newCleaner(name, dir, maxFileAge, maxTotalFileSize)

	go c.startCleanupProcess()

	return c
}

func newCleaner(name, dir string, maxFileAge time.Duration, maxTotalFileSize int64) *Cleaner {
	labels := prometheus.Labels{"cache": name}
	return &Cleaner{
		name:             name,
		dir:              dir,
		cleanupInterval:  5 * time.Minute,
		maxFileAge:       maxFileAge,
		maxTotalFileSize: maxTotalFileSize,
		//
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
		//
		removedFiles: metrics.CacheCleanerRemovedFiles.With(labels),
		freedBytes:   metrics.CacheCleanerFreedBytes.With(labels),
		errors:       metrics.CacheCleanerErrors.With(labels),
	}
}

func (c Cleaner) startCleanupProcess() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		// Run immediately.
		c.cleanup(time.Now())

		select {
		case <-ticker.C:
			continue
		case <-c.stopCh:
			close(c.cleanupProcessFinished)
			return
		}
	}
}

func (c Cleaner) cleanup(now time.Time) (res cleanupResult) {
	rlog.Debugf("%s cache: start cleanup of %q", c.name, c.dir)

	allFiles, err := c.loadAllFiles()
	if err != nil {
		logf := rlog.Errorf
		if errors.Is(err, fs.ErrNotExist) {
			logf = rlog.Warnf
		}
		logf("%s cache: couldn't load files to clean: %s", c.name, err)
		c.errors.Inc()
		return res
	}

	filesToRemove := c.getFilesToRemove(allFiles, now)
	if len(filesToRemove) == 0 {
		rlog.Debugf("%s cache: no files to remove", c.name)
		return res
	}

	res = c.removeFiles(filesToRemove)
	for _, err := range res.errs {
		rlog.Error(err)
	}

	c.removedFiles.Add(float64(res.removedFiles))
	c.freedBytes.Add(float64(res.freedBytes))
	c.errors.Add(float64(len(res.errs)))

	if res.removedFiles > 0 {
		rlog.Infof(
			"%s cache: %d images have been removed from disk for a total of %s freed, got %d errors",
			c.name, res.removedFiles, misc.FormatFileSize(res.freedBytes), len(res.errs),
		)
	}
	return res
}

func (c Cleaner) loadAllFiles() (files []fileInfo, err error) {
	err = filepath.Walk(c.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempFilePrefix) {
			return nil
		}
		files = append(files, fileInfo{
			path:    path,
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (c Cleaner) getFilesToRemove(files []fileInfo, now time.Time) []fileInfo {
	minModTime := now.Add(-c.maxFileAge)

	var (
		oldFiles             []fileInfo
		activeFiles          []fileInfo
		activeFilesTotalSize int64
	)
	for _, file := range files {
		if c.maxFileAge > 0 && file.modTime.Before(minModTime) {
			oldFiles = append(oldFiles, file)
		} else {
			activeFiles = append(activeFiles, file)
			activeFilesTotalSize += file.size
		}
	}
	if c.maxTotalFileSize <= 0 || activeFilesTotalSize < c.maxTotalFileSize {
		// Should remove only old files.
		return oldFiles
	}

	// Remove old files first.
	slices.SortFunc(activeFiles, func(a, b fileInfo) int {
		return a.modTime.Compare(b.modTime)
	})

	var index int
	for i, file := range activeFiles {
		activeFilesTotalSize -= file.size
		if c.maxTotalFileSize <= 0 || activeFilesTotalSize < c.maxTotalFileSize {
			// Other files satisfy the size limit.
			index = i + 1
			break
		}
	}
	if index == 0 {
		// Impossible, just in case, remove all files.
		index = len(activeFiles)
	}

	return append(oldFiles, activeFiles[:index]...)
}

func (c Cleaner) removeFiles(files []fileInfo) (res cleanupResult) {
	for _, file := range files {
		err := os.Remove(file.path)
		if err != nil {
			res.errs = append(res.errs, fmt.Errorf("%s cache: couldn't remove file %q: %w", c.name, file.path, err))
			continue
		}
		res.removedFiles++
		res.freedBytes += file.size
	}
	return res
}

func (c Cleaner) Shutdown(ctx context.Context) error {
	close(c.stopCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}
