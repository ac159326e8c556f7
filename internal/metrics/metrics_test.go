package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCycleCountsOverruns(t *testing.T) {
	m := New()
	m.ObserveCycle(10*time.Millisecond, 33*time.Millisecond)
	m.ObserveCycle(50*time.Millisecond, 33*time.Millisecond)

	assert.Equal(t, uint64(50), m.CycleLatencyMs.Load())
	assert.Equal(t, uint64(1), m.CycleOverruns.Load())
}

func TestRegistryGathersAllGauges(t *testing.T) {
	m := New()
	n, err := testutil.GatherAndCount(m.Registry())
	require.NoError(t, err)
	assert.Equal(t, 21, n)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.DetectionsLogged.Add(7)
	m.SetRecording(true)

	srv := httptest.NewServer(m.NewServer("").Handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "cyolo_detections_logged_total 7"), text)
	assert.True(t, strings.Contains(text, "cyolo_recording_active 1"), text)
}
