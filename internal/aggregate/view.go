package aggregate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/cyolo-monitor/internal/detlog"
	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// Snapshotter supplies the detections to plot. *detlog.Log satisfies it.
type Snapshotter interface {
	Snapshot() []types.Detection
}

// TableFile reads the persisted detection table on every snapshot.
type TableFile string

// Snapshot implements Snapshotter. A missing or unreadable table plots nothing.
func (f TableFile) Snapshot() []types.Detection {
	rows, err := detlog.ReadFile(string(f))
	if err != nil {
		logger.Warn("Aggregate", "Reading %s: %v", string(f), err)
		return nil
	}
	return rows
}

// View re-renders the scatter plot periodically.
type View struct {
	src      Snapshotter
	interval time.Duration
	output   string

	mu      sync.RWMutex
	png     []byte
	points  int
	updated time.Time
}

// NewView creates a view over src. If output is set each render is also
// written there.
func NewView(src Snapshotter, interval time.Duration, output string) *View {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &View{src: src, interval: interval, output: output}
}

// Refresh renders the current snapshot. An empty snapshot clears the image.
func (v *View) Refresh() error {
	snap := v.src.Snapshot()
	png, ok, err := Render(snap)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if ok {
		v.png = png
	} else {
		v.png = nil
	}
	v.points = len(snap)
	v.updated = time.Now()
	v.mu.Unlock()

	if ok && v.output != "" {
		if err := writeFileAtomic(v.output, png); err != nil {
			return err
		}
	}
	return nil
}

// Latest returns the last rendered PNG and the number of plotted points.
func (v *View) Latest() (png []byte, points int, updated time.Time, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.png, v.points, v.updated, v.png != nil
}

// Run refreshes on every interval until ctx is done.
func (v *View) Run(ctx context.Context) {
	logger.Info("Aggregate", "Scatter view refreshing every %v", v.interval)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Refresh(); err != nil {
				logger.Warn("Aggregate", "Render failed: %v", err)
			}
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
