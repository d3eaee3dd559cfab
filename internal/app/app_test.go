package app

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/masjids-io/chatspot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "app.db")}
	cfg.Media.Dir = t.TempDir()
	cfg.Auth.AccessSecret = "secret"
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + ln.Addr().String() + "/api/chats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	a.Close(context.Background())
}

func TestMigrate(t *testing.T) {
	require.NoError(t, Migrate(testConfig(t), zap.NewNop()))
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := New(ctx, cfg, zap.NewNop())
	assert.Error(t, err)
}
