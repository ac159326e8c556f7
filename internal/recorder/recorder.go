package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/internal/metrics"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder writes annotated JPEG frames back to back into a .mjpeg file
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan []byte
	stopChan     chan struct{}
	wg           sync.WaitGroup

	m *metrics.Metrics
}

// NewRecorder creates a recorder writing under basePath. m may be nil.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath: basePath,
		m:        m,
	}
}

// Start opens a new file and begins accepting frames. An empty name gets a
// timestamped one.
func (r *Recorder) Start(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if name == "" {
		name = fmt.Sprintf("recording_%s.mjpeg", time.Now().Format("20060102_150405"))
	}
	name = filepath.Base(name)
	if !strings.HasSuffix(name, ".mjpeg") {
		name += ".mjpeg"
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}
	path := filepath.Join(r.basePath, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = path
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.frameChan = make(chan []byte, 60) // ~2s at 30fps
	r.stopChan = make(chan struct{})
	r.setGauges()

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	logger.Info("Recorder", "Recording to %s", path)
	return path, nil
}

// Stop flushes queued frames and closes the file.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.setGauges()

	path := r.filename
	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return path, fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return path, fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Stopped %s (%d frames, %d bytes)", path, r.frameCount, r.bytesWritten)
	return path, nil
}

// SendFrame queues one JPEG frame without blocking. It returns false when
// not recording or when the queue is full.
func (r *Recorder) SendFrame(jpeg []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}
	select {
	case r.frameChan <- jpeg:
		return true
	default:
		if r.m != nil {
			r.m.RecorderDropped.Add(1)
		}
		return false
	}
}

func (r *Recorder) writeFrames(frames <-chan []byte, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			// SendFrame holds the read lock while queueing, so nothing more
			// arrives once stop is closed
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}
	n, err := r.file.Write(frame)
	if err != nil {
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}
	r.bytesWritten += uint64(n)
	r.frameCount++
	r.setGauges()
}

func (r *Recorder) setGauges() {
	if r.m == nil {
		return
	}
	r.m.SetRecording(r.recording)
	r.m.RecordingBytes.Store(r.bytesWritten)
	r.m.RecordingFrames.Store(r.frameCount)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if !r.IsRecording() {
		return nil
	}
	_, err := r.Stop()
	return err
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
