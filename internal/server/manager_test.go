package server

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 120*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.False(t, cfg.TLSEnabled())

	cfg.TLSCertFile = "c.pem"
	assert.False(t, cfg.TLSEnabled())
	cfg.TLSKeyFile = "k.pem"
	assert.True(t, cfg.TLSEnabled())
}

func TestManager_StartAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager("api", okHandler(), cfg, zap.NewNop())
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	assert.True(t, m.IsRunning())
	assert.NotEqual(t, "127.0.0.1:0", m.Addr())

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	// 重复关闭是 no-op
	assert.NoError(t, m.Shutdown(context.Background()))
	assert.ErrorIs(t, m.Start(), ErrClosed)
}

func TestManager_DoubleStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager("api", okHandler(), cfg, nil)

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	assert.ErrorContains(t, m.Start(), "already started")
}

func TestManager_ListenError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	first := NewManager("api", okHandler(), cfg, nil)
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	cfg.Addr = first.Addr()
	second := NewManager("metrics", okHandler(), cfg, nil)
	assert.ErrorContains(t, second.Start(), "failed to listen")
}

func TestManager_BadTLSFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.TLSCertFile = "/nonexistent/cert.pem"
	cfg.TLSKeyFile = "/nonexistent/key.pem"
	m := NewManager("api", okHandler(), cfg, nil)
	assert.ErrorContains(t, m.Start(), "tls key pair")
	assert.False(t, m.IsRunning())
}

func TestWait_ReturnsOnContext(t *testing.T) {
	m := NewManager("api", okHandler(), DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Wait(ctx, m, nil) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestWait_NamesFailingServer(t *testing.T) {
	api := NewManager("api", okHandler(), DefaultConfig(), nil)
	metrics := NewManager("metrics", okHandler(), DefaultConfig(), nil)
	metrics.errCh <- tls.RecordHeaderError{Msg: "boom"}

	err := Wait(context.Background(), api, metrics)
	assert.ErrorContains(t, err, "metrics server: boom")
}
