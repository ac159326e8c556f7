package aggregate

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/cyolo-monitor/internal/detlog"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

func det(class string, id, x, y int) types.Detection {
	return types.Detection{Timestamp: "2024-05-01 12:00:00", ClassID: id, ClassName: class, X: x, Y: y, Width: 10, Height: 10}
}

type staticSource struct {
	mu   sync.Mutex
	rows []types.Detection
}

func (s *staticSource) Snapshot() []types.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Detection(nil), s.rows...)
}

func (s *staticSource) set(rows []types.Detection) {
	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
}

func TestGroupByClass(t *testing.T) {
	groups := GroupByClass([]types.Detection{
		det("person", 0, 10, 20),
		det("dog", 16, 30, 40),
		det("person", 0, 50, 60),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "dog", groups[0].ClassName)
	assert.Equal(t, "person", groups[1].ClassName)
	require.Len(t, groups[1].Points, 2)
	assert.Equal(t, 50.0, groups[1].Points[1].X)
	assert.Equal(t, 60.0, groups[1].Points[1].Y)
}

func TestRenderEmpty(t *testing.T) {
	out, ok, err := Render(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestRenderPNG(t *testing.T) {
	out, ok, err := Render([]types.Detection{det("person", 0, 10, 20), det("cat", 15, 300, 200)})
	require.NoError(t, err)
	require.True(t, ok)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 100)
}

func TestViewRefresh(t *testing.T) {
	src := &staticSource{}
	out := filepath.Join(t.TempDir(), "plots", "scatter.png")
	v := NewView(src, time.Hour, out)

	require.NoError(t, v.Refresh())
	_, _, _, ok := v.Latest()
	assert.False(t, ok)
	assert.NoFileExists(t, out)

	src.set([]types.Detection{det("person", 0, 1, 2)})
	require.NoError(t, v.Refresh())
	img, points, updated, ok := v.Latest()
	require.True(t, ok)
	assert.Equal(t, 1, points)
	assert.False(t, updated.IsZero())

	onDisk, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, img, onDisk)

	// an emptied log clears the view
	src.set(nil)
	require.NoError(t, v.Refresh())
	_, _, _, ok = v.Latest()
	assert.False(t, ok)
}

func TestViewRun(t *testing.T) {
	src := &staticSource{rows: []types.Detection{det("person", 0, 1, 2)}}
	v := NewView(src, 10*time.Millisecond, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, _, ok := v.Latest()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detections.csv")
	assert.Empty(t, TableFile(path).Snapshot())

	log := detlog.New(10, path)
	require.NoError(t, log.Append(det("person", 0, 5, 6)))
	rows := TableFile(path).Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "person", rows[0].ClassName)
}
