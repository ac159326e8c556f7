package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/cyolo-monitor/internal/metrics"
)

func TestRecordFrames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	m := metrics.New()
	r := NewRecorder(dir, m)

	assert.False(t, r.SendFrame([]byte("ignored")))

	path, err := r.Start("session")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "session.mjpeg"), path)
	assert.True(t, r.IsRecording())
	assert.Equal(t, uint64(1), m.RecordingActive.Load())

	frames := [][]byte{{0xff, 0xd8, 1, 0xff, 0xd9}, {0xff, 0xd8, 2, 0xff, 0xd9}}
	for _, f := range frames {
		require.True(t, r.SendFrame(f))
	}

	stopped, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, path, stopped)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(frames, nil), data)

	st := r.GetStatus()
	assert.False(t, st.Recording)
	assert.Equal(t, uint64(2), st.FrameCount)
	assert.Equal(t, uint64(10), st.BytesWritten)
	assert.Equal(t, uint64(0), m.RecordingActive.Load())
	assert.Equal(t, uint64(2), m.RecordingFrames.Load())
}

func TestStartStopErrors(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)

	_, err := r.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)

	path, err := r.Start("")
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "recording_")

	_, err = r.Start("")
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	require.NoError(t, r.Close())
	assert.False(t, r.IsRecording())
	require.NoError(t, r.Close())
}

func TestFileNameIsConfined(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil)
	path, err := r.Start("../../escape.mjpeg")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, filepath.Join(dir, "escape.mjpeg"), path)
}
