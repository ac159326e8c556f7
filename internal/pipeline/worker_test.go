package pipeline

import (
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/cyolo-monitor/internal/config"
	"github.com/dj-oyu/cyolo-monitor/internal/detector"
	"github.com/dj-oyu/cyolo-monitor/internal/detlog"
	"github.com/dj-oyu/cyolo-monitor/internal/source"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

const (
	testW = 64
	testH = 48
)

// camera is a fake device set shared by every opened handle.
type camera struct {
	mu        sync.Mutex
	reads     []time.Time
	successes int
	failEvery int // fail reads where n%failEvery == 0; 0 never fails
	n         int
	opens     map[int]int
	broken    map[int]bool
	open      map[int]bool
	onRead    func() // called on every read, under mu
}

func newCamera() *camera {
	return &camera{opens: map[int]int{}, broken: map[int]bool{}, open: map[int]bool{}}
}

func (c *camera) Open(index int) (source.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens[index]++
	if c.broken[index] {
		return nil, errors.New("no such device")
	}
	c.open[index] = true
	return &camDevice{cam: c, index: index}, nil
}

func (c *camera) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads)
}

func (c *camera) readTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.reads))
	copy(out, c.reads)
	return out
}

func (c *camera) anyOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.open {
		if o {
			return true
		}
	}
	return false
}

type camDevice struct {
	cam   *camera
	index int
}

// Read returns a frame whose left half is red and right half is blue.
func (d *camDevice) Read() (image.Image, error) {
	c := d.cam
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, time.Now())
	if c.onRead != nil {
		c.onRead()
	}
	c.n++
	if c.failEvery > 0 && c.n%c.failEvery == 0 {
		return nil, errors.New("dropped frame")
	}
	c.successes++

	img := image.NewNRGBA(image.Rect(0, 0, testW, testH))
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			if x < testW/2 {
				img.SetNRGBA(x, y, color.NRGBA{255, 0, 0, 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{0, 0, 255, 255})
			}
		}
	}
	return img, nil
}

func (d *camDevice) Close() error {
	d.cam.mu.Lock()
	d.cam.open[d.index] = false
	d.cam.mu.Unlock()
	return nil
}

// model returns one detection per call after sleeping work.
type model struct {
	id   string
	work time.Duration
	none bool

	mu    sync.Mutex
	confs []float64
}

func (m *model) Infer(_ image.Image, conf float64) ([]types.RawDetection, error) {
	m.mu.Lock()
	m.confs = append(m.confs, conf)
	m.mu.Unlock()
	time.Sleep(m.work)
	if m.none {
		return nil, nil
	}
	return []types.RawDetection{{
		ClassID: 15, ClassName: "cat", Confidence: 0.9,
		BBox: types.BoundingBox{X: 4, Y: 4, W: 10, H: 10},
	}}, nil
}

func (m *model) Close() error { return nil }

type fixture struct {
	cfg    *config.Shared
	cam    *camera
	models *detector.Registry
	log    *detlog.Log
	w      *Worker

	loadMu sync.Mutex
	loads  map[string]int
}

func (f *fixture) loadCount(id string) int {
	f.loadMu.Lock()
	defer f.loadMu.Unlock()
	return f.loads[id]
}

func newFixture(t *testing.T, work time.Duration, none bool) *fixture {
	t.Helper()
	cfg, err := config.NewShared(config.Snapshot{ModelID: "a", Confidence: 0.5})
	require.NoError(t, err)

	f := &fixture{loads: map[string]int{}}
	reg := detector.NewRegistry(detector.LoaderFunc(func(id string) (detector.Capability, error) {
		f.loadMu.Lock()
		f.loads[id]++
		f.loadMu.Unlock()
		if id == "broken" {
			return nil, errors.New("corrupt weights")
		}
		return &model{id: id, work: work, none: none}, nil
	}))
	require.NoError(t, reg.Swap("a"))

	f.cfg = cfg
	f.cam = newCamera()
	f.models = reg
	f.log = detlog.New(100, filepath.Join(t.TempDir(), "detections.csv"))
	f.w = New(cfg, f.cam, reg, f.log, nil, Options{Width: testW, Height: testH, CycleTime: 33 * time.Millisecond})
	t.Cleanup(f.w.Stop)
	return f
}

func TestPacingDelay(t *testing.T) {
	target := 33 * time.Millisecond
	assert.Equal(t, 23*time.Millisecond, pacingDelay(target, 10*time.Millisecond))
	assert.Equal(t, time.Duration(0), pacingDelay(target, 50*time.Millisecond))
	assert.Equal(t, time.Duration(0), pacingDelay(target, target))
}

func TestFastCycleIsPaced(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, false)
	require.NoError(t, f.w.Start())
	require.Eventually(t, func() bool { return f.cam.readCount() >= 6 }, 2*time.Second, 5*time.Millisecond)
	f.w.Stop()

	reads := f.cam.readTimes()
	for i := 1; i < len(reads); i++ {
		gap := reads[i].Sub(reads[i-1])
		assert.GreaterOrEqual(t, gap, 23*time.Millisecond, "cycle %d started after %v", i, gap)
	}
}

func TestSlowCycleIsNotDelayed(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, false)
	require.NoError(t, f.w.Start())
	require.Eventually(t, func() bool { return f.cam.readCount() >= 5 }, 3*time.Second, 5*time.Millisecond)
	f.w.Stop()

	reads := f.cam.readTimes()
	total := reads[len(reads)-1].Sub(reads[0])
	avg := total / time.Duration(len(reads)-1)
	// a 33ms sleep on top of 50ms work would push this past 83ms
	assert.Less(t, avg, 75*time.Millisecond)
}

func TestStopJoinsLoop(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond, false)
	require.NoError(t, f.w.Start())
	assert.Equal(t, Running, f.w.State())
	require.Eventually(t, func() bool { return f.log.Len() >= 3 }, 2*time.Second, 5*time.Millisecond)

	f.w.Stop()
	assert.Equal(t, Stopped, f.w.State())
	assert.False(t, f.cam.anyOpen())

	reads, size := f.cam.readCount(), f.log.Len()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, reads, f.cam.readCount())
	assert.Equal(t, size, f.log.Len())

	// idempotent
	f.w.Stop()
	assert.Equal(t, Stopped, f.w.State())
}

func TestStopOnIdleWorker(t *testing.T) {
	f := newFixture(t, 0, true)
	f.w.Stop()
	assert.Equal(t, Stopped, f.w.State())
	assert.ErrorIs(t, f.w.Start(), ErrAlreadyStarted)
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t, 0, true)
	require.NoError(t, f.w.Start())
	assert.ErrorIs(t, f.w.Start(), ErrAlreadyStarted)
}

func TestStartUnavailableCamera(t *testing.T) {
	f := newFixture(t, 0, true)
	f.cam.broken[0] = true

	err := f.w.Start()
	require.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Equal(t, Running, f.w.State())
	assert.NotEmpty(t, f.w.Status().CameraError)

	// the broken camera is not reopened every cycle
	time.Sleep(100 * time.Millisecond)
	f.cam.mu.Lock()
	assert.Equal(t, 1, f.cam.opens[0])
	f.cam.mu.Unlock()
	assert.Zero(t, f.cam.readCount())
}

func TestRecoversWhenWorkingCameraSelected(t *testing.T) {
	f := newFixture(t, 0, false)
	f.cam.broken[0] = true
	require.ErrorIs(t, f.w.Start(), source.ErrSourceUnavailable)

	require.NoError(t, f.cfg.SetCamera(1))
	require.Eventually(t, func() bool { return f.log.Len() > 0 }, time.Second, 5*time.Millisecond)

	st := f.w.Status()
	assert.Equal(t, 1, st.Camera)
	assert.Empty(t, st.CameraError)

	// back to the broken one: the working device is restored
	require.NoError(t, f.cfg.SetCamera(0))
	require.Eventually(t, func() bool { return f.w.Status().CameraError != "" }, time.Second, 5*time.Millisecond)
	n := f.cam.readCount()
	require.Eventually(t, func() bool { return f.cam.readCount() > n+2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.w.Status().Camera)
}

func TestCycleUsesOneConfigSnapshot(t *testing.T) {
	f := newFixture(t, 0, true)
	var once sync.Once
	f.cam.onRead = func() {
		// lands after the cycle took its snapshot
		once.Do(func() {
			f.cfg.SetMirror(true)
			_ = f.cfg.SetConfidence(0.9)
		})
	}
	lease := f.models.Acquire()
	require.NotNil(t, lease)
	m := lease.Capability().(*model)
	lease.Release()
	confs := func() []float64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		return append([]float64(nil), m.confs...)
	}

	_, frames := f.w.SubscribeFrames()
	require.NoError(t, f.w.Start())

	select {
	case fr := <-frames:
		// unmirrored, as configured when the cycle began
		assert.Equal(t, color.NRGBA{255, 0, 0, 255}, fr.Image.NRGBAAt(1, testH/2))
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}
	require.Eventually(t, func() bool { return len(confs()) >= 2 }, time.Second, 5*time.Millisecond)
	f.w.Stop()

	got := confs()
	assert.Equal(t, 0.5, got[0])
	assert.Equal(t, 0.9, got[len(got)-1])
}

func TestStartResetsLog(t *testing.T) {
	f := newFixture(t, 0, true)
	require.NoError(t, f.log.Append(types.Detection{ClassName: "old"}))

	require.NoError(t, f.w.Start())
	require.Eventually(t, func() bool { return f.cam.readCount() >= 2 }, time.Second, 5*time.Millisecond)
	f.w.Stop()

	assert.Equal(t, 0, f.log.Len())
	rows, err := detlog.ReadFile(f.log.Path())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFailedCaptureLogsNothing(t *testing.T) {
	f := newFixture(t, 0, false)
	f.cam.failEvery = 2

	require.NoError(t, f.w.Start())
	require.Eventually(t, func() bool { return f.cam.readCount() >= 8 }, 2*time.Second, 5*time.Millisecond)
	f.w.Stop()

	f.cam.mu.Lock()
	successes, total := f.cam.successes, len(f.cam.reads)
	f.cam.mu.Unlock()

	// exactly one logged detection per good frame, none for dropped ones
	assert.Equal(t, successes, f.log.Len())
	st := f.w.Status()
	assert.Equal(t, uint64(total-successes), st.CaptureErrors)
	assert.Equal(t, uint64(successes), st.Frames)
}

func TestDetectionsAreLoggedAndPublished(t *testing.T) {
	f := newFixture(t, 0, false)
	_, events := f.w.SubscribeEvents()
	_, frames := f.w.SubscribeFrames()

	require.NoError(t, f.w.Start())

	select {
	case ev := <-events:
		require.Len(t, ev.Detections, 1)
		assert.Equal(t, "cat", ev.Detections[0].ClassName)
		assert.Equal(t, "a", ev.ModelID)
	case <-time.After(time.Second):
		t.Fatal("no detection event")
	}
	select {
	case fr := <-frames:
		assert.Equal(t, testW, fr.Width())
		assert.Equal(t, testH, fr.Height())
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}

	f.w.Stop()
	snap := f.log.Snapshot()
	require.NotEmpty(t, snap)
	assert.Equal(t, "cat", snap[0].ClassName)
	assert.Equal(t, 15, snap[0].ClassID)
	assert.Equal(t, 10, snap[0].Width)

	latest, ok := f.w.Latest()
	require.True(t, ok)
	assert.NotZero(t, latest.Number)
}

func TestMirrorFlipsFrame(t *testing.T) {
	f := newFixture(t, 0, true)
	f.cfg.SetMirror(true)
	_, frames := f.w.SubscribeFrames()
	require.NoError(t, f.w.Start())

	select {
	case fr := <-frames:
		assert.Equal(t, color.NRGBA{0, 0, 255, 255}, fr.Image.NRGBAAt(1, testH/2))
		assert.Equal(t, color.NRGBA{255, 0, 0, 255}, fr.Image.NRGBAAt(testW-2, testH/2))
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}
}

func TestCameraFollowsConfig(t *testing.T) {
	f := newFixture(t, 0, true)
	f.cam.broken[2] = true
	require.NoError(t, f.w.Start())

	require.NoError(t, f.cfg.SetCamera(1))
	require.Eventually(t, func() bool { return f.w.Status().Camera == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.cfg.SetCamera(2))
	require.Eventually(t, func() bool { return f.w.Status().CameraError != "" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.w.Status().Camera)

	// failed index is not retried every cycle
	n := f.cam.readCount()
	require.Eventually(t, func() bool { return f.cam.readCount() >= n+3 }, time.Second, 5*time.Millisecond)
	f.cam.mu.Lock()
	assert.Equal(t, 1, f.cam.opens[2])
	f.cam.mu.Unlock()

	require.NoError(t, f.cfg.SetCamera(0))
	require.Eventually(t, func() bool {
		st := f.w.Status()
		return st.Camera == 0 && st.CameraError == ""
	}, time.Second, 5*time.Millisecond)
}

func TestModelFollowsConfig(t *testing.T) {
	f := newFixture(t, 0, false)
	_, events := f.w.SubscribeEvents()
	require.NoError(t, f.w.Start())

	require.NoError(t, f.cfg.SetModel("b"))
	require.Eventually(t, func() bool { return f.models.Active() == "b" }, time.Second, 5*time.Millisecond)

	waitForModelEvent(t, events, "b")

	require.NoError(t, f.cfg.SetModel("broken"))
	require.Eventually(t, func() bool { return f.w.Status().ModelError != "" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", f.models.Active())
	assert.Equal(t, Running, f.w.State())
}

func TestRegistrySwapIsNotReverted(t *testing.T) {
	f := newFixture(t, 0, true)
	require.NoError(t, f.w.Start())
	require.Eventually(t, func() bool { return f.cam.readCount() >= 2 }, time.Second, 5*time.Millisecond)

	// the control surface swaps first and updates the config afterwards
	require.NoError(t, f.models.Swap("b"))
	n := f.cam.readCount()
	require.Eventually(t, func() bool { return f.cam.readCount() >= n+3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", f.models.Active())

	require.NoError(t, f.cfg.SetModel("b"))
	n = f.cam.readCount()
	require.Eventually(t, func() bool { return f.cam.readCount() >= n+3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, "b", f.models.Active())
	assert.Equal(t, 1, f.loadCount("a"))
	assert.Equal(t, 1, f.loadCount("b"))
}

func waitForModelEvent(t *testing.T, events <-chan Event, modelID string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.ModelID == modelID {
				return
			}
		case <-deadline:
			t.Fatalf("no event from model %s", modelID)
		}
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub[int]("TestHub", 1)
	id, ch := h.Subscribe()
	assert.Equal(t, 1, h.Publish(1))
	assert.Equal(t, 0, h.Publish(2))
	assert.Equal(t, 1, <-ch)

	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())

	h.Close()
	_, late := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
