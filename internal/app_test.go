package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/config"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.Store.WALDir = t.TempDir()
	return cfg
}

func TestNewApp(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()

	srv := httptest.NewServer(app.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := testutil.GatherAndCount(app.metrics.Registry(), "orangewallet_ledger_stream_subscribers")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewApp_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.Network = "dogecoin"
	_, err := NewApp(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Store.Backend = "sqlite"
	_, err = NewApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestAppRunStopsOnCancel(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}
