// ABOUTME: Tests for the agent server wiring and lifecycle
// ABOUTME: Drives signed and unsigned requests through the assembled stack and checks clean shutdown

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/codix/cdx-agent/internal/auth"
	"github.com/codix/cdx-agent/internal/config"
	"github.com/codix/cdx-agent/internal/store"
)

const testSecret = "server-test-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CDX_AGENT_DB_PATH", "")

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(dir, "agent.db")
	cfg.Maintenance.File = filepath.Join(dir, "down")
	cfg.Agent.Secret = testSecret
	cfg.Agent.RateLimit = 0
	return cfg
}

func TestServer_RunAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	srv, err := New(cfg, nil, "1.0.0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-srv.Listening():
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start listening")
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	base := "http://" + srv.Addr().String()

	req, err := http.NewRequest(http.MethodGet, base+"/cdx-agent/version", nil)
	require.NoError(t, err)
	require.NoError(t, auth.SignRequest(req, testSecret, time.Now()))
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"current_version":"1.0.0"`)

	resp, err = client.Get(base + "/cdx-agent/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	// The rejected request must have been flushed to the database on shutdown.
	reopened, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	defer reopened.Close()

	failures, err := reopened.ListAuthFailures(context.Background(), store.AuthFailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, string(auth.ReasonMissingHeaders), failures[0].Reason)
	assert.Equal(t, "/cdx-agent/version", failures[0].Path)
}

func TestServer_HandlerWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	srv, err := New(cfg, nil, "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cdx-agent/health", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/cdx-agent/maintenance", strings.NewReader(`{"enabled":true}`))
	require.NoError(t, auth.SignRequest(req, testSecret, time.Now()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.FileExists(t, cfg.Maintenance.File)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `cdx_agent_auth_decisions_total{outcome="deny",reason="missing_headers"} 1`)
	assert.Contains(t, out, `cdx_agent_auth_decisions_total{outcome="allow",reason="none"} 1`)
	assert.Contains(t, out, `cdx_agent_operations_total{code="200",operation="maintenance"} 1`)
}

func TestServer_MissingSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Secret = ""
	srv, err := New(cfg, nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	req := httptest.NewRequest(http.MethodGet, "/cdx-agent/health", nil)
	require.NoError(t, auth.SignRequest(req, "whatever", time.Now()))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Agent not configured")
}

func TestServer_ZeroToleranceRejectsStaleRequest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.TimestampTolerance = 0
	srv, err := New(cfg, nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	req := httptest.NewRequest(http.MethodGet, "/cdx-agent/version", nil)
	require.NoError(t, auth.SignRequest(req, testSecret, time.Now().Add(-30*time.Second)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_MetricsDisabledByDefault(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_DatabasePathOverride(t *testing.T) {
	cfg := testConfig(t)
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("CDX_AGENT_DB_PATH", override)

	srv, err := New(cfg, nil, "")
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	assert.FileExists(t, override)
	assert.NoFileExists(t, cfg.Database.Path)
}

func TestNew_InvalidDatabasePath(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.Database.Path = filepath.Join(blocker, "sub", "agent.db")

	_, err := New(cfg, nil, "")
	assert.Error(t, err)
}

func TestRun_ListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "256.0.0.1:99999"
	srv, err := New(cfg, nil, "")
	require.NoError(t, err)

	err = srv.Run(context.Background())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/cdx-agent/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cdx-agent/ts", dir)

	t.Setenv("HOME", "/home/ops")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/ops", ".local", "share", "cdx-agent", "tailscale"), dir)
}
