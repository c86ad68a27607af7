package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/INLOpen/tierfs/config"
	"github.com/INLOpen/tierfs/internal/testutil"
	"github.com/INLOpen/tierfs/metrics"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDebugServer(t *testing.T, cfg config.DebugConfig, status StatusFunc) *http.Client {
	t.Helper()
	lis := testutil.NewInMemoryListenerAddr("debug")
	srv := NewDebugServer(&cfg, status, discardLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		require.NoError(t, <-errCh)
	})
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{DialContext: lis.DialContext},
	}
}

func get(t *testing.T, client *http.Client, path string) (int, string) {
	t.Helper()
	resp, err := client.Get("http://debug" + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestDebugServer_Endpoints(t *testing.T) {
	metrics.LiveWorkers.Set(3)
	client := startDebugServer(t, config.DebugConfig{
		PProfEnabled:     true,
		MetricsEnabled:   true,
		MonitorUIEnabled: true,
	}, func() any {
		return map[string]uint64{"last_seq": 42}
	})

	code, body := get(t, client, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "tierfs_cluster_live_workers 3")

	code, body = get(t, client, "/debug/vars")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "memstats")

	code, _ = get(t, client, "/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, client, "/status")
	require.Equal(t, http.StatusOK, code)
	var status map[string]uint64
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, uint64(42), status["last_seq"])
}

func TestDebugServer_DisabledEndpoints(t *testing.T) {
	client := startDebugServer(t, config.DebugConfig{}, nil)

	for _, path := range []string{"/metrics", "/debug/pprof/", "/status"} {
		code, _ := get(t, client, path)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
}

func TestSelfMonitor_Collect(t *testing.T) {
	sm := NewSelfMonitor(t.TempDir(), time.Second, discardLogger())
	assert.Equal(t, 2*time.Second, sm.interval)

	sm.collect()
	used := promtestutil.ToFloat64(metrics.DataDiskUsedPercent)
	assert.True(t, used >= 0 && used <= 100, "disk used percent %f", used)

	sm.Start()
	sm.Stop()
	sm.Stop()
}
