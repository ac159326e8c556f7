package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline and server counters
type Metrics struct {
	// Capture
	FramesCaptured atomic.Uint64
	CaptureErrors  atomic.Uint64
	CameraSwitches atomic.Uint64
	CameraFailures atomic.Uint64

	// Inference
	FramesAnnotated  atomic.Uint64
	InferenceErrors  atomic.Uint64
	DetectionsLogged atomic.Uint64
	PersistErrors    atomic.Uint64
	ModelSwitches    atomic.Uint64
	CycleOverruns    atomic.Uint64 // cycles that took longer than the target period

	// Latency (last cycle)
	CycleLatencyMs     atomic.Uint64
	InferenceLatencyMs atomic.Uint64

	// Log occupancy
	LogSize atomic.Uint64

	// Clients
	StreamClients atomic.Uint64
	EventClients  atomic.Uint64
	WebRTCPeers   atomic.Uint64
	TotalPeers    atomic.Uint64

	// Recording
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64
	RecorderDropped atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own Prometheus registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"cyolo_frames_captured_total", "Frames read from the camera", &m.FramesCaptured},
		{"cyolo_capture_errors_total", "Failed camera reads", &m.CaptureErrors},
		{"cyolo_camera_switches_total", "Successful camera switches", &m.CameraSwitches},
		{"cyolo_camera_failures_total", "Camera open or switch failures", &m.CameraFailures},

		{"cyolo_frames_annotated_total", "Frames run through detection", &m.FramesAnnotated},
		{"cyolo_inference_errors_total", "Detection backend failures", &m.InferenceErrors},
		{"cyolo_detections_logged_total", "Detections appended to the log", &m.DetectionsLogged},
		{"cyolo_persist_errors_total", "Failed detection table writes", &m.PersistErrors},
		{"cyolo_model_switches_total", "Model hot swaps", &m.ModelSwitches},
		{"cyolo_cycle_overruns_total", "Cycles slower than the target period", &m.CycleOverruns},

		{"cyolo_cycle_latency_ms", "Duration of the last cycle in milliseconds", &m.CycleLatencyMs},
		{"cyolo_inference_latency_ms", "Duration of the last inference in milliseconds", &m.InferenceLatencyMs},

		{"cyolo_detection_log_size", "Records currently held by the detection log", &m.LogSize},

		{"cyolo_stream_clients", "Connected MJPEG viewers", &m.StreamClients},
		{"cyolo_event_clients", "Connected detection event subscribers", &m.EventClients},
		{"cyolo_webrtc_peers", "Connected WebRTC peers", &m.WebRTCPeers},
		{"cyolo_webrtc_peers_total", "WebRTC peers ever connected", &m.TotalPeers},

		{"cyolo_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"cyolo_recording_bytes", "Bytes written to the current recording", &m.RecordingBytes},
		{"cyolo_recording_frames", "Frames written to the current recording", &m.RecordingFrames},
		{"cyolo_recorder_dropped_total", "Frames dropped by a full recorder queue", &m.RecorderDropped},
	}

	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// ObserveCycle records the duration of one pipeline cycle against its target
func (m *Metrics) ObserveCycle(elapsed, target time.Duration) {
	m.CycleLatencyMs.Store(uint64(elapsed.Milliseconds()))
	if elapsed > target {
		m.CycleOverruns.Add(1)
	}
}

// ObserveInference records the duration of one backend call
func (m *Metrics) ObserveInference(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetRecording flips the recording gauge
func (m *Metrics) SetRecording(active bool) {
	if active {
		m.RecordingActive.Store(1)
		return
	}
	m.RecordingActive.Store(0)
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
