package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShared(t *testing.T) *Shared {
	t.Helper()
	c, err := NewShared(Snapshot{ModelID: "yolov8n.onnx", Confidence: 0.5})
	require.NoError(t, err)
	return c
}

func TestConfidenceOutOfRangeRejected(t *testing.T) {
	c := newTestShared(t)

	for _, v := range []float64{-0.01, 1.01, 5} {
		err := c.SetConfidence(v)
		require.ErrorIs(t, err, ErrInvalidConfig, "%v", v)
		assert.Equal(t, 0.5, c.Get().Confidence)
	}

	require.NoError(t, c.SetConfidence(0))
	require.NoError(t, c.SetConfidence(1))
	assert.Equal(t, 1.0, c.Get().Confidence)
}

func TestSetValidation(t *testing.T) {
	c := newTestShared(t)

	require.ErrorIs(t, c.SetModel(""), ErrInvalidConfig)
	require.ErrorIs(t, c.SetCamera(-1), ErrInvalidConfig)
	assert.Equal(t, "yolov8n.onnx", c.Get().ModelID)
	assert.Equal(t, 0, c.Get().CameraIndex)

	// unknown model ids are accepted; existence is checked by the loader
	require.NoError(t, c.SetModel("missing.onnx"))
	assert.Equal(t, "missing.onnx", c.Get().ModelID)
}

func TestSetFromJSONValues(t *testing.T) {
	c := newTestShared(t)

	require.NoError(t, c.Set(FieldCamera, float64(2)))
	require.NoError(t, c.Set(FieldConfidence, 0.25))
	require.NoError(t, c.Set(FieldMirror, true))
	require.NoError(t, c.Set(FieldModel, "yolov8s.onnx"))

	assert.Equal(t, Snapshot{ModelID: "yolov8s.onnx", CameraIndex: 2, Confidence: 0.25, Mirror: true}, c.Get())

	require.ErrorIs(t, c.Set(FieldCamera, 1.5), ErrInvalidConfig)
	require.ErrorIs(t, c.Set(FieldMirror, "yes"), ErrInvalidConfig)
	require.ErrorIs(t, c.Set(Field("fps"), 1), ErrInvalidConfig)
	require.ErrorIs(t, c.Set(FieldConfidence, 2.0), ErrInvalidConfig)
	assert.Equal(t, 0.25, c.Get().Confidence)
}

func TestInfo(t *testing.T) {
	s := Snapshot{ModelID: "yolov8n.onnx", CameraIndex: 1, Confidence: 0.456}
	assert.Equal(t, "Selected Model: yolov8n.onnx / Selected Camera: 1 / Conf: 0.46", s.Info())
}

func TestConcurrentAccessIsConsistent(t *testing.T) {
	c := newTestShared(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.SetConfidence(float64(i%100) / 100)
			c.SetMirror(i%2 == 0)
		}
	}()

	for i := 0; i < 1000; i++ {
		s := c.Get()
		require.GreaterOrEqual(t, s.Confidence, 0.0)
		require.LessOrEqual(t, s.Confidence, 1.0)
	}
	close(stop)
	wg.Wait()
}

func TestNewSharedRejectsBadInitial(t *testing.T) {
	_, err := NewShared(Snapshot{Confidence: 1.5})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyolo.yaml")
	yamlDoc := `
camera:
  index: 2
  backend: pattern
pipeline:
  confidence: 0.3
  mirror: true
aggregate:
  interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Camera.Index)
	assert.Equal(t, "pattern", cfg.Camera.Backend)
	assert.Equal(t, 900, cfg.Pipeline.Width)
	assert.Equal(t, 10000, cfg.Log.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Aggregate.Interval)
	assert.Equal(t, Snapshot{ModelID: "yolov8n.onnx", CameraIndex: 2, Confidence: 0.3, Mirror: true}, cfg.Runtime())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HTTP.Addr, cfg.HTTP.Addr)
	assert.Equal(t, time.Second/30, cfg.Pipeline.CycleTime())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Confidence = 2
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Camera.Backend = "v4l"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
