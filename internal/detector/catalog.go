package detector

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
)

// Catalog lists the model files available in a directory.
type Catalog struct {
	dir string
	ext string

	mu     sync.RWMutex
	models []string
}

// NewCatalog scans dir for files ending in ext (for example ".onnx").
func NewCatalog(dir, ext string) *Catalog {
	c := &Catalog{dir: dir, ext: strings.ToLower(ext)}
	c.Rescan()
	return c
}

// Dir returns the scanned directory.
func (c *Catalog) Dir() string { return c.dir }

// Path returns the file path for a model id.
func (c *Catalog) Path(modelID string) string {
	return filepath.Join(c.dir, filepath.Base(modelID))
}

// Models returns the sorted model ids.
func (c *Catalog) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// Contains reports whether modelID is present.
func (c *Catalog) Contains(modelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.SearchStrings(c.models, modelID)
	return i < len(c.models) && c.models[i] == modelID
}

// Rescan re-reads the directory.
func (c *Catalog) Rescan() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		logger.Warn("Catalog", "Cannot read model directory %s: %v", c.dir, err)
		entries = nil
	}

	var models []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(e.Name())) == c.ext {
			models = append(models, e.Name())
		}
	}
	sort.Strings(models)

	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
}

// Watch rescans whenever the directory changes, until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					c.Rescan()
					logger.Debug("Catalog", "Model directory changed (%s), %d models", ev.Name, len(c.Models()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Catalog", "Watch error: %v", err)
			}
		}
	}()
	return nil
}
