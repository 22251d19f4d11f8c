package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/app"
	"github.com/rebridge/jobcrawler/internal/config"
)

func TestServeStopsOnCancel(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Schedule.Enabled = false
	cfg.Server.ShutdownTimeoutSeconds = 2

	a, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, a, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = a.Dispatcher().Submit(context.Background(), "saramin", 1, "test")
	require.Error(t, err, "queue should be closed after shutdown")
}
