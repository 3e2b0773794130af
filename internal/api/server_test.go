package api

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/healthd/internal/config"
)

func TestServerServesAndShutsDown(t *testing.T) {
	handlers, _, _ := newTestHandlers()
	srv, err := NewServer(config.ServerConfig{
		Address:         "127.0.0.1:0",
		GracefulTimeout: time.Second,
	}, nil, handlers)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	url := "http://" + srv.Address() + "/healthz"
	var resp *http.Response
	require.Eventually(t, func() bool {
		var getErr error
		resp, getErr = http.Get(url)
		return getErr == nil
	}, 2*time.Second, 20*time.Millisecond)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	ctx, cancel := context.WithTimeout(context.Background(), srv.GracefulTimeout())
	defer cancel()
	srv.Shutdown(ctx)

	require.NoError(t, <-done)
}
