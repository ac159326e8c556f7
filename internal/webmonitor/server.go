package webmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/cyolo-monitor/internal/aggregate"
	"github.com/dj-oyu/cyolo-monitor/internal/config"
	"github.com/dj-oyu/cyolo-monitor/internal/descriptions"
	"github.com/dj-oyu/cyolo-monitor/internal/detector"
	"github.com/dj-oyu/cyolo-monitor/internal/detlog"
	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/internal/metrics"
	"github.com/dj-oyu/cyolo-monitor/internal/pipeline"
	"github.com/dj-oyu/cyolo-monitor/internal/recorder"
	"github.com/dj-oyu/cyolo-monitor/internal/webrtc"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// Pipeline is the worker surface the monitor consumes.
type Pipeline interface {
	Status() pipeline.Status
	Latest() (*types.Frame, bool)
	SubscribeFrames() (int, <-chan *types.Frame)
	UnsubscribeFrames(id int)
	SubscribeEvents() (int, <-chan pipeline.Event)
	UnsubscribeEvents(id int)
}

// Models loads and reports the active detection model.
type Models interface {
	Swap(modelID string) error
	Active() string
}

// Catalog lists selectable models.
type Catalog interface {
	Models() []string
	Contains(modelID string) bool
}

// Deps are the components the monitor serves. Catalog, Scatter, Recorder,
// WebRTC and Metrics may be nil.
type Deps struct {
	Config       *config.Shared
	Pipeline     Pipeline
	Models       Models
	Catalog      Catalog
	Descriptions descriptions.Table
	Log          *detlog.Log
	Scatter      *aggregate.View
	Recorder     *recorder.Recorder
	WebRTC       *webrtc.Server
	Metrics      *metrics.Metrics
}

// Server serves the monitor page, streams and control API.
type Server struct {
	cfg  Config
	deps Deps

	placeholder          []byte
	broadcaster          *FrameBroadcaster
	detectionBroadcaster *DetectionBroadcaster
}

// NewServer wires the broadcasters and starts them.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	cfg = cfg.withDefaults()

	placeholder, err := placeholderJPEG(320, 180, cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("render placeholder: %w", err)
	}

	var sink FrameSink
	if deps.Recorder != nil {
		sink = deps.Recorder
	}
	var events EventSink
	if deps.WebRTC != nil {
		events = deps.WebRTC
	}

	s := &Server{
		cfg:                  cfg,
		deps:                 deps,
		placeholder:          placeholder,
		broadcaster:          NewFrameBroadcaster(deps.Pipeline, sink, cfg.JPEGQuality, deps.Metrics),
		detectionBroadcaster: NewDetectionBroadcaster(deps.Pipeline, events, deps.Metrics),
	}
	s.broadcaster.Start()
	s.detectionBroadcaster.Start()
	return s, nil
}

// Close stops the broadcasters, which ends every open stream.
func (s *Server) Close() {
	s.broadcaster.Stop()
	s.detectionBroadcaster.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/frame.jpg", s.handleFrame)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/model", s.handleModel)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/detections", s.handleDetections)
	mux.HandleFunc("/api/detections.csv", s.handleDetectionsCSV)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/scatter.png", s.handleScatter)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.cfg.IdleFrameTimeout, s.placeholder)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.deps.Pipeline.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := encodeJPEG(frame.Image, s.cfg.JPEGQuality)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Number", strconv.FormatUint(frame.Number, 10))
	_, _ = w.Write(data)
}

func (s *Server) status() StatusResponse {
	snap := s.deps.Config.Get()
	st := StatusResponse{
		Info:        snap.Info(),
		Description: s.deps.Descriptions.Lookup(snap.ModelID),
		Config:      snap,
		Pipeline:    s.deps.Pipeline.Status(),
		Log: LogStats{
			Size:     s.deps.Log.Len(),
			Capacity: s.deps.Log.Cap(),
			Path:     s.deps.Log.Path(),
		},
		Models:    s.models(),
		Cameras:   s.cfg.Cameras,
		Timestamp: float64(time.Now().Unix()),
	}
	if s.deps.Recorder != nil {
		rs := s.deps.Recorder.GetStatus()
		st.Recording = &rs
	}
	if s.deps.WebRTC != nil {
		st.WebRTCClients = s.deps.WebRTC.GetClientCount()
	}
	return st
}

func (s *Server) models() []string {
	if s.deps.Catalog == nil {
		if active := s.deps.Models.Active(); active != "" {
			return []string{active}
		}
		return []string{}
	}
	return s.deps.Catalog.Models()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.status()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.deps.Config.Get())
	case http.MethodPost:
		var req ConfigRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
			return
		}
		if err := s.deps.Config.Set(req.Field, req.Value); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, config.ErrInvalidConfig) {
				status = http.StatusBadRequest
			}
			writeError(w, err, status)
			return
		}
		snap := s.deps.Config.Get()
		logger.Info("WebMonitor", "%s set to %v: %s", req.Field, req.Value, snap.Info())
		writeJSON(w, snap)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleModel loads the model before selecting it so that a load failure
// is reported to the caller and the previous model keeps running.
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ModelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Model == "" {
		writeError(w, errors.New("invalid request body: model is required"), http.StatusBadRequest)
		return
	}
	if s.deps.Catalog != nil && !s.deps.Catalog.Contains(req.Model) {
		writeError(w, fmt.Errorf("unknown model %q", req.Model), http.StatusNotFound)
		return
	}

	if err := s.deps.Models.Swap(req.Model); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, detector.ErrCapabilityLoad) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, err, status)
		return
	}
	if err := s.deps.Config.SetModel(req.Model); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"model":       req.Model,
		"description": s.deps.Descriptions.Lookup(req.Model),
		"info":        s.deps.Config.Get().Info(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Models.Active()
	ids := s.models()
	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, ModelInfo{
			ID:          id,
			Description: s.deps.Descriptions.Lookup(id),
			Active:      id == active,
		})
	}
	writeJSON(w, map[string]any{
		"models":   out,
		"active":   active,
		"selected": s.deps.Config.Get().ModelID,
	})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Log.Snapshot()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		if n < len(snap) {
			snap = snap[len(snap)-n:]
		}
	}
	if snap == nil {
		snap = []types.Detection{}
	}
	writeJSON(w, map[string]any{
		"size":       len(snap),
		"capacity":   s.deps.Log.Cap(),
		"detections": snap,
	})
}

func (s *Server) handleDetectionsCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="detections.csv"`)

	if path := s.deps.Log.Path(); path != "" {
		if _, err := os.Stat(path); err == nil {
			http.ServeFile(w, r, path)
			return
		}
	}
	if err := detlog.WriteCSV(w, s.deps.Log.Snapshot()); err != nil {
		logger.Warn("WebMonitor", "Writing CSV: %v", err)
	}
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detectionBroadcaster.Subscribe()
	defer s.detectionBroadcaster.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamDetectionEventsFromChannel(w, r, eventCh, useProtobuf, s.cfg.KeepaliveInterval)
}

func (s *Server) handleScatter(w http.ResponseWriter, r *http.Request) {
	var (
		png []byte
		ok  bool
	)
	if s.deps.Scatter != nil {
		png, _, _, ok = s.deps.Scatter.Latest()
	} else {
		var err error
		png, ok, err = aggregate.Render(s.deps.Log.Snapshot())
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(png)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeError(w, errors.New("recording is not configured"), http.StatusServiceUnavailable)
		return
	}

	filename, err := s.deps.Recorder.Start(r.URL.Query().Get("filename"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeError(w, errors.New("recording is not configured"), http.StatusServiceUnavailable)
		return
	}

	filename, err := s.deps.Recorder.Stop()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.deps.Recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.deps.Recorder.GetStatus())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.WebRTC == nil {
		writeError(w, errors.New("webrtc is not configured"), http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errors.New("Invalid offer data"), http.StatusBadRequest)
		return
	}

	answer, err := s.deps.WebRTC.HandleOffer(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrTooManyClients) {
			status = http.StatusTooManyRequests
		}
		writeError(w, err, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("WebMonitor", "JSON encode failed: %v", err)
	}
}
