package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scenehost/internal/infrastructure/config"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/tracing"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Server.Port = "0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Sandbox.LoadTimeout = 5 * time.Second
	return cfg
}

func writePlugin(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "hello")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yml"), []byte(`
id: hello
extensions:
  - id: greeting
    type: widget
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.js"), []byte(`plugin.ui.render("<p>hello</p>")`), 0o644))
}

func TestServerRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.Dir = t.TempDir()
	writePlugin(t, cfg.Plugins.Dir)

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Install(ctx))

	insts := srv.Plugins().List()
	require.Len(t, insts, 1)
	assert.Equal(t, "greeting", insts[0].ExtensionID)

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		_, err := uuid.Parse(w.Header().Get(tracing.HeaderRequestID))
		assert.NoError(t, err)
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "scenehost_"), "exposes service metrics")
	})

	t.Run("cors", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/instances", nil)
		req.Header.Set("Origin", "http://viewer.example.com")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestServerInstallMissingDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.Dir = filepath.Join(t.TempDir(), "absent")

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	assert.Error(t, srv.Install(context.Background()))
}

func TestServerRunStopsOnCancel(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	sb := SandboxConfig(cfg.Sandbox)
	assert.Equal(t, cfg.Sandbox.ExecTimeout, sb.ExecTimeout)
	assert.Equal(t, cfg.Sandbox.ConsoleLimit, sb.ConsoleLimit)

	src := SourceConfig(cfg.Source)
	assert.Equal(t, cfg.Source.MaxBytes, src.MaxBytes)
	assert.Equal(t, cfg.Source.UserAgent, src.UserAgent)
}
