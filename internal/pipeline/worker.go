// Package pipeline runs the capture, detect, annotate and log loop.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/cyolo-monitor/internal/annotate"
	"github.com/dj-oyu/cyolo-monitor/internal/config"
	"github.com/dj-oyu/cyolo-monitor/internal/detector"
	"github.com/dj-oyu/cyolo-monitor/internal/detlog"
	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/internal/metrics"
	"github.com/dj-oyu/cyolo-monitor/internal/source"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by Start on a worker that has left Idle.
	ErrAlreadyStarted = errors.New("pipeline already started")
)

// State is the worker lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Models is the part of detector.Registry the worker uses.
type Models interface {
	Acquire() *detector.Lease
	Active() string
	Swap(modelID string) error
}

// Options are the fixed per-run settings.
type Options struct {
	Width     int
	Height    int
	CycleTime time.Duration
}

// DefaultOptions returns 900x540 at 30fps.
func DefaultOptions() Options {
	return Options{Width: 900, Height: 540, CycleTime: 33 * time.Millisecond}
}

// Event is published once per cycle that produced detections.
type Event struct {
	FrameNumber uint64               `json:"frame_number"`
	Timestamp   time.Time            `json:"timestamp"`
	ModelID     string               `json:"model"`
	Detections  []types.RawDetection `json:"detections"`
}

// Status is a point-in-time view of the worker.
type Status struct {
	State           State   `json:"state"`
	Camera          int     `json:"camera"`
	CameraError     string  `json:"camera_error,omitempty"`
	Model           string  `json:"model"`
	ModelError      string  `json:"model_error,omitempty"`
	Frames          uint64  `json:"frames"`
	Detections      uint64  `json:"detections"`
	CaptureErrors   uint64  `json:"capture_errors"`
	InferenceErrors uint64  `json:"inference_errors"`
	FPS             float64 `json:"fps"`
	LastCycleMs     float64 `json:"last_cycle_ms"`
}

// Worker owns the frame source for the duration of a run.
type Worker struct {
	cfg    *config.Shared
	opener source.Opener
	models Models
	log    *detlog.Log
	m      *metrics.Metrics
	opts   Options

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
	src   *source.Source

	// loop-owned
	frameNo     uint64
	failedCam int
	seenModel string
	lastStart   time.Time

	latest atomic.Pointer[types.Frame]
	frames *Hub[*types.Frame]
	events *Hub[Event]

	camera          atomic.Int64
	framesRead      atomic.Uint64
	detections      atomic.Uint64
	captureErrors   atomic.Uint64
	inferenceErrors atomic.Uint64

	statusMu    sync.Mutex
	cameraErr   string
	modelErr    string
	fps         float64
	lastCycleMs float64
}

// New creates an Idle worker. m may be nil.
func New(cfg *config.Shared, opener source.Opener, models Models, log *detlog.Log, m *metrics.Metrics, opts Options) *Worker {
	if opts.Width <= 0 || opts.Height <= 0 {
		d := DefaultOptions()
		opts.Width, opts.Height = d.Width, d.Height
	}
	if opts.CycleTime <= 0 {
		opts.CycleTime = DefaultOptions().CycleTime
	}
	if m == nil {
		m = metrics.New()
	}
	return &Worker{
		cfg:       cfg,
		opener:    opener,
		models:    models,
		log:       log,
		m:         m,
		opts:      opts,
		failedCam: -1,
		frames:    NewHub[*types.Frame]("FrameHub", 2),
		events:    NewHub[Event]("EventHub", 8),
	}
}

// Start resets the detection log, opens the configured camera and launches
// the loop. If the camera cannot be opened the error is returned but the loop
// still runs without a device, and opens one as soon as the configuration
// names a camera that works.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Idle {
		return fmt.Errorf("%w (%s)", ErrAlreadyStarted, w.state)
	}

	if err := w.log.Reset(); err != nil {
		logger.Warn("Pipeline", "Resetting detection table: %v", err)
		w.m.PersistErrors.Add(1)
	}
	w.m.LogSize.Store(0)

	snap := w.cfg.Get()
	src, err := source.Open(w.opener, snap.CameraIndex)
	if err != nil {
		w.m.CameraFailures.Add(1)
		w.setCameraErr(err)
		w.failedCam = snap.CameraIndex
		src = source.Detached(w.opener, snap.CameraIndex)
		logger.Error("Pipeline", "Camera %d unavailable, waiting for another camera: %v", snap.CameraIndex, err)
	}
	w.src = src
	w.camera.Store(int64(src.Index()))

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.state = Running
	go w.run(src, w.stop, w.done)

	logger.Info("Pipeline", "Started: %s", snap.Info())
	return err
}

// Stop ends the loop and returns after it has exited. No frame is read and
// nothing is appended to the log after Stop returns. Safe to call on an Idle
// or already stopped worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	switch w.state {
	case Idle:
		w.state = Stopped
		w.mu.Unlock()
		w.frames.Close()
		w.events.Close()
		return
	case Stopping, Stopped:
		done := w.done
		w.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	w.state = Stopping
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	// may wait out an in-flight inference
	<-done

	w.mu.Lock()
	if err := w.src.Close(); err != nil {
		logger.Warn("Pipeline", "Closing source: %v", err)
	}
	w.state = Stopped
	w.mu.Unlock()

	w.frames.Close()
	w.events.Close()
	logger.Info("Pipeline", "Stopped after %d frames", w.framesRead.Load())
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status returns counters and the last errors seen by the loop.
func (w *Worker) Status() Status {
	st := Status{
		State:           w.State(),
		Camera:          int(w.camera.Load()),
		Model:           w.models.Active(),
		Frames:          w.framesRead.Load(),
		Detections:      w.detections.Load(),
		CaptureErrors:   w.captureErrors.Load(),
		InferenceErrors: w.inferenceErrors.Load(),
	}
	w.statusMu.Lock()
	st.CameraError = w.cameraErr
	st.ModelError = w.modelErr
	st.FPS = w.fps
	st.LastCycleMs = w.lastCycleMs
	w.statusMu.Unlock()
	return st
}

// Latest returns the most recent annotated frame. Callers must not modify it.
func (w *Worker) Latest() (*types.Frame, bool) {
	f := w.latest.Load()
	return f, f != nil
}

// SubscribeFrames registers for annotated frames.
func (w *Worker) SubscribeFrames() (int, <-chan *types.Frame) { return w.frames.Subscribe() }

// UnsubscribeFrames removes a frame subscriber.
func (w *Worker) UnsubscribeFrames(id int) { w.frames.Unsubscribe(id) }

// SubscribeEvents registers for detection events.
func (w *Worker) SubscribeEvents() (int, <-chan Event) { return w.events.Subscribe() }

// UnsubscribeEvents removes an event subscriber.
func (w *Worker) UnsubscribeEvents(id int) { w.events.Unsubscribe(id) }

// pacingDelay is the sleep that holds the loop to one cycle per target period.
func pacingDelay(target, elapsed time.Duration) time.Duration {
	if d := target - elapsed; d > 0 {
		return d
	}
	return 0
}

func (w *Worker) run(src *source.Source, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()
		w.cycle(src, start)
		elapsed := time.Since(start)
		w.m.ObserveCycle(elapsed, w.opts.CycleTime)

		delay := pacingDelay(w.opts.CycleTime, elapsed)
		if delay == 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (w *Worker) cycle(src *source.Source, start time.Time) {
	w.recordCycle(start)
	snap := w.cfg.Get()

	w.followCamera(src, snap.CameraIndex)
	w.followModel(snap.ModelID)

	img, err := src.Read()
	if err != nil {
		n := w.captureErrors.Add(1)
		w.m.CaptureErrors.Add(1)
		if n == 1 || n%100 == 0 {
			logger.Warn("Pipeline", "Capture failed (%d so far): %v", n, err)
		}
		return
	}
	w.framesRead.Add(1)
	w.m.FramesCaptured.Add(1)
	w.frameNo++
	captured := time.Now()

	frame := imaging.Resize(img, w.opts.Width, w.opts.Height, imaging.Linear)
	if snap.Mirror {
		frame = imaging.FlipH(frame)
	}

	dets, modelID := w.detect(frame, snap.Confidence)

	out := &types.Frame{
		Image:     imaging.Clone(annotate.Overlay(frame, dets)),
		Number:    w.frameNo,
		Timestamp: captured,
	}
	w.latest.Store(out)
	w.frames.Publish(out)
	w.m.FramesAnnotated.Add(1)

	if len(dets) == 0 {
		return
	}
	for _, raw := range dets {
		if err := w.log.Append(types.NewDetection(time.Now(), raw)); err != nil {
			w.m.PersistErrors.Add(1)
			logger.Warn("Pipeline", "Persisting detection table: %v", err)
		}
	}
	w.detections.Add(uint64(len(dets)))
	w.m.DetectionsLogged.Add(uint64(len(dets)))
	w.m.LogSize.Store(uint64(w.log.Len()))

	w.events.Publish(Event{
		FrameNumber: out.Number,
		Timestamp:   captured,
		ModelID:     modelID,
		Detections:  dets,
	})
}

// detect runs the capability leased for this cycle.
func (w *Worker) detect(frame *image.NRGBA, conf float64) ([]types.RawDetection, string) {
	lease := w.models.Acquire()
	if lease == nil {
		return nil, ""
	}
	defer lease.Release()

	t0 := time.Now()
	dets, err := lease.Capability().Infer(frame, conf)
	w.m.ObserveInference(time.Since(t0))
	if err != nil {
		n := w.inferenceErrors.Add(1)
		w.m.InferenceErrors.Add(1)
		if n == 1 || n%100 == 0 {
			logger.Warn("Pipeline", "Inference with %s failed (%d so far): %v", lease.ModelID(), n, err)
		}
		return nil, lease.ModelID()
	}
	return dets, lease.ModelID()
}

// followCamera switches the source when the configured index changes. A
// failed index is not retried until the configuration moves off it.
func (w *Worker) followCamera(src *source.Source, want int) {
	if w.failedCam >= 0 && want != w.failedCam {
		w.failedCam = -1
		w.setCameraErr(nil)
	}
	if want == w.failedCam || (want == src.Index() && src.Ready()) {
		return
	}

	if err := src.Switch(want); err != nil {
		w.failedCam = want
		w.setCameraErr(err)
		w.m.CameraFailures.Add(1)
		logger.Error("Pipeline", "Camera %d unavailable, keeping camera %d: %v", want, src.Index(), err)
		return
	}
	w.camera.Store(int64(src.Index()))
	w.m.CameraSwitches.Add(1)
}

// followModel loads the configured model when the configuration changes to
// one that is not already active. A swap made directly on the registry is
// left alone until the configuration moves again.
func (w *Worker) followModel(want string) {
	if want == w.seenModel {
		return
	}
	w.seenModel = want
	w.setModelErr(nil)
	if want == "" || want == w.models.Active() {
		return
	}

	if err := w.models.Swap(want); err != nil {
		w.setModelErr(err)
		logger.Error("Pipeline", "Model %s not loaded, keeping %q: %v", want, w.models.Active(), err)
		return
	}
	w.m.ModelSwitches.Add(1)
}

func (w *Worker) recordCycle(start time.Time) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if !w.lastStart.IsZero() {
		period := start.Sub(w.lastStart)
		w.lastCycleMs = float64(period.Microseconds()) / 1000
		if period > 0 {
			inst := float64(time.Second) / float64(period)
			if w.fps == 0 {
				w.fps = inst
			} else {
				w.fps = 0.9*w.fps + 0.1*inst
			}
		}
	}
	w.lastStart = start
}

func (w *Worker) setCameraErr(err error) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if err == nil {
		w.cameraErr = ""
		return
	}
	w.cameraErr = err.Error()
}

func (w *Worker) setModelErr(err error) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if err == nil {
		w.modelErr = ""
		return
	}
	w.modelErr = err.Error()
}
