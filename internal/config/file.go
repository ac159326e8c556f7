package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the startup configuration of the detection daemon.
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Model     ModelConfig     `yaml:"model"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Recording RecordingConfig `yaml:"recording"`
}

// CameraConfig selects the capture backend.
type CameraConfig struct {
	Index   int    `yaml:"index"`
	Backend string `yaml:"backend"` // "gocv" or "pattern"
	Choices []int  `yaml:"choices"` // indexes offered by the control surface
}

// ModelConfig locates model files and their descriptions.
type ModelConfig struct {
	Dir          string `yaml:"dir"`
	Default      string `yaml:"default"`
	Descriptions string `yaml:"descriptions"`
}

// PipelineConfig holds the capture/infer loop parameters.
type PipelineConfig struct {
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	TargetFPS  int     `yaml:"target_fps"`
	Confidence float64 `yaml:"confidence"`
	Mirror     bool    `yaml:"mirror"`
}

// LogConfig configures the detection log and its persisted table.
type LogConfig struct {
	Capacity int    `yaml:"capacity"`
	CSVPath  string `yaml:"csv_path"`
	Level    string `yaml:"level"`
	Color    bool   `yaml:"color"`
	File     string `yaml:"file"`
}

// HTTPConfig holds listener addresses.
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`
	STUN        string `yaml:"stun"`
	MaxPeers    int    `yaml:"max_peers"`
}

// AggregateConfig controls the periodic scatter view.
type AggregateConfig struct {
	Interval time.Duration `yaml:"interval"`
	Output   string        `yaml:"output"`
}

// RecordingConfig controls annotated-frame recordings.
type RecordingConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns defaults matching the desktop detection tool.
func DefaultConfig() Config {
	return Config{
		Camera: CameraConfig{
			Index:   0,
			Backend: "gocv",
			Choices: []int{0, 1, 2, 3},
		},
		Model: ModelConfig{
			Dir:          "./model",
			Default:      "yolov8n.onnx",
			Descriptions: "./model_descriptions.csv",
		},
		Pipeline: PipelineConfig{
			Width:      900,
			Height:     540,
			TargetFPS:  30,
			Confidence: 0.5,
		},
		Log: LogConfig{
			Capacity: 10000,
			CSVPath:  "./detections.csv",
			Level:    "info",
			Color:    true,
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
			PprofAddr:   "",
			STUN:        "stun:stun.l.google.com:19302",
			MaxPeers:    10,
		},
		Aggregate: AggregateConfig{
			Interval: 5 * time.Second,
			Output:   "",
		},
		Recording: RecordingConfig{
			Path: "./recordings",
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first impossible value.
func (c Config) Validate() error {
	switch {
	case c.Camera.Index < 0:
		return fmt.Errorf("%w: camera.index %d", ErrInvalidConfig, c.Camera.Index)
	case c.Camera.Backend != "gocv" && c.Camera.Backend != "pattern":
		return fmt.Errorf("%w: camera.backend %q", ErrInvalidConfig, c.Camera.Backend)
	case c.Pipeline.Width <= 0 || c.Pipeline.Height <= 0:
		return fmt.Errorf("%w: pipeline size %dx%d", ErrInvalidConfig, c.Pipeline.Width, c.Pipeline.Height)
	case c.Pipeline.TargetFPS <= 0:
		return fmt.Errorf("%w: pipeline.target_fps %d", ErrInvalidConfig, c.Pipeline.TargetFPS)
	case c.Log.Capacity <= 0:
		return fmt.Errorf("%w: log.capacity %d", ErrInvalidConfig, c.Log.Capacity)
	case c.Aggregate.Interval <= 0:
		return fmt.Errorf("%w: aggregate.interval %v", ErrInvalidConfig, c.Aggregate.Interval)
	}
	return validateConfidence(c.Pipeline.Confidence)
}

// CycleTime is the pacing target derived from TargetFPS.
func (p PipelineConfig) CycleTime() time.Duration {
	if p.TargetFPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(p.TargetFPS)
}

// Runtime extracts the initial runtime snapshot.
func (c Config) Runtime() Snapshot {
	return Snapshot{
		ModelID:     c.Model.Default,
		CameraIndex: c.Camera.Index,
		Confidence:  c.Pipeline.Confidence,
		Mirror:      c.Pipeline.Mirror,
	}
}
