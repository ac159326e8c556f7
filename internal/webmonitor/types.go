package webmonitor

import (
	"github.com/dj-oyu/cyolo-monitor/internal/config"
	"github.com/dj-oyu/cyolo-monitor/internal/pipeline"
	"github.com/dj-oyu/cyolo-monitor/internal/recorder"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// LogStats describes the detection log.
type LogStats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Path     string `json:"path,omitempty"`
}

// StatusResponse is the payload of /api/status and /api/status/stream.
type StatusResponse struct {
	Info          string                    `json:"info"`
	Description   string                    `json:"description"`
	Config        config.Snapshot           `json:"config"`
	Pipeline      pipeline.Status           `json:"pipeline"`
	Log           LogStats                  `json:"log"`
	Models        []string                  `json:"models"`
	Cameras       []int                     `json:"cameras"`
	Recording     *recorder.RecordingStatus `json:"recording,omitempty"`
	WebRTCClients int                       `json:"webrtc_clients"`
	Timestamp     float64                   `json:"timestamp"`
}

// ConfigRequest sets one runtime field.
type ConfigRequest struct {
	Field config.Field `json:"field"`
	Value any          `json:"value"`
}

// ModelRequest selects a model.
type ModelRequest struct {
	Model string `json:"model"`
}

// ModelInfo is one entry of /api/models.
type ModelInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// eventPayload is the JSON shape of a detection event, also used as the
// source of the protobuf encoding.
func eventPayload(ev pipeline.Event) map[string]any {
	return map[string]any{
		"frame_number": ev.FrameNumber,
		"timestamp":    float64(ev.Timestamp.UnixMilli()) / 1000,
		"model":        ev.ModelID,
		"detections":   detectionsPayload(ev.Detections),
	}
}

func detectionsPayload(dets []types.RawDetection) []any {
	out := make([]any, len(dets))
	for i, d := range dets {
		out[i] = map[string]any{
			"bbox": map[string]any{
				"x": d.BBox.X,
				"y": d.BBox.Y,
				"w": d.BBox.W,
				"h": d.BBox.H,
			},
			"confidence": d.Confidence,
			"class_id":   d.ClassID,
			"class_name": d.ClassName,
		}
	}
	return out
}
