package config

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidConfig is returned when a runtime parameter is out of range.
// The previous value is retained.
var ErrInvalidConfig = errors.New("invalid config")

// Field names a runtime-tunable parameter.
type Field string

const (
	FieldModel      Field = "model"
	FieldCamera     Field = "camera"
	FieldConfidence Field = "confidence"
	FieldMirror     Field = "mirror"
)

// Snapshot is a consistent copy of all runtime parameters.
type Snapshot struct {
	ModelID     string  `json:"model"`
	CameraIndex int     `json:"camera"`
	Confidence  float64 `json:"confidence"`
	Mirror      bool    `json:"mirror"`
}

// Info formats the snapshot for the presenter's info line.
func (s Snapshot) Info() string {
	return fmt.Sprintf("Selected Model: %s / Selected Camera: %d / Conf: %.2f",
		s.ModelID, s.CameraIndex, s.Confidence)
}

// Shared holds the runtime parameters written by the control surface and
// read by the pipeline once per cycle. There is no change notification.
type Shared struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewShared validates the initial values and returns a Shared config.
func NewShared(initial Snapshot) (*Shared, error) {
	if err := validateConfidence(initial.Confidence); err != nil {
		return nil, err
	}
	if initial.CameraIndex < 0 {
		return nil, fmt.Errorf("%w: camera index %d", ErrInvalidConfig, initial.CameraIndex)
	}
	return &Shared{snap: initial}, nil
}

// Get returns all fields read together.
func (c *Shared) Get() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// SetModel records the selected model id. Whether the model exists is the
// loader's concern.
func (c *Shared) SetModel(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty model id", ErrInvalidConfig)
	}
	c.mu.Lock()
	c.snap.ModelID = id
	c.mu.Unlock()
	return nil
}

// SetCamera selects the capture device index.
func (c *Shared) SetCamera(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: camera index %d", ErrInvalidConfig, index)
	}
	c.mu.Lock()
	c.snap.CameraIndex = index
	c.mu.Unlock()
	return nil
}

// SetConfidence sets the detection threshold; values outside [0,1] are rejected.
func (c *Shared) SetConfidence(v float64) error {
	if err := validateConfidence(v); err != nil {
		return err
	}
	c.mu.Lock()
	c.snap.Confidence = v
	c.mu.Unlock()
	return nil
}

// SetMirror toggles horizontal flipping of captured frames.
func (c *Shared) SetMirror(enabled bool) {
	c.mu.Lock()
	c.snap.Mirror = enabled
	c.mu.Unlock()
}

// Set updates one field from a loosely typed value, as decoded from JSON.
func (c *Shared) Set(field Field, value any) error {
	switch field {
	case FieldModel:
		s, ok := value.(string)
		if !ok {
			return typeError(field, value)
		}
		return c.SetModel(s)
	case FieldCamera:
		n, ok := asInt(value)
		if !ok {
			return typeError(field, value)
		}
		return c.SetCamera(n)
	case FieldConfidence:
		f, ok := asFloat(value)
		if !ok {
			return typeError(field, value)
		}
		return c.SetConfidence(f)
	case FieldMirror:
		b, ok := value.(bool)
		if !ok {
			return typeError(field, value)
		}
		c.SetMirror(b)
		return nil
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidConfig, field)
	}
}

func validateConfidence(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidConfig, v)
	}
	return nil
}

func typeError(field Field, value any) error {
	return fmt.Errorf("%w: %s does not accept %T", ErrInvalidConfig, field, value)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		// JSON numbers decode as float64
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
