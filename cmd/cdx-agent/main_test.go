// ABOUTME: Tests for cdx-agent command helpers
// ABOUTME: Covers init config generation, failure listing flags and output

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codix/cdx-agent/internal/config"
	"github.com/codix/cdx-agent/internal/store"
)

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CDX_AGENT_SECRET",
		"CDX_AGENT_TIMESTAMP_TOLERANCE",
		"CDX_AGENT_LOG_FAILED_ATTEMPTS",
		"CDX_AGENT_ROUTE_PREFIX",
		"CDX_AGENT_RATE_LIMIT",
	} {
		t.Setenv(k, "")
	}
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	clearAgentEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "agent.yaml")

	answers := strings.Join([]string{
		path,
		"127.0.0.1:9999",
		"shop",
		"/srv/shop",
		"",
		"no",
		"debug",
		"json",
		"/var/log/cdx-agent.log",
		"yes",
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.HTTPAddr)
	assert.Equal(t, "shop", cfg.App.Name)
	assert.Equal(t, "/srv/shop", cfg.App.BasePath)
	assert.Equal(t, "database/database.sqlite", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/var/log/cdx-agent.log", cfg.Logging.File)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Len(t, cfg.Agent.Secret, 64)
	assert.Contains(t, out.String(), cfg.Agent.Secret)
}

func TestRunInit_DeclinesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0644))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(path+"\nno\n"), &out))

	assert.Contains(t, out.String(), "Aborted.")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestRenderConfig_Tailscale(t *testing.T) {
	clearAgentEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderConfig(initAnswers{
		httpAddr:   "",
		secret:     "abc",
		appName:    "app",
		dbPath:     "/tmp/agent.db",
		logLevel:   "info",
		logFormat:  "text",
		tailscale:  true,
		tsHostname: "ops-agent",
	})), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "ops-agent", cfg.Tailscale.Hostname)
	assert.Equal(t, "abc", cfg.Agent.Secret)
}

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret()
	require.NoError(t, err)
	b, err := generateSecret()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestParseFailuresArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    failuresArgs
		wantErr bool
	}{
		{"defaults", nil, failuresArgs{limit: 20}, false},
		{"separate values", []string{"--reason", "signature_mismatch", "-n", "5"}, failuresArgs{reason: "signature_mismatch", limit: 5}, false},
		{"equals form", []string{"--limit=3", "--since=1h"}, failuresArgs{limit: 3, since: time.Hour}, false},
		{"missing value", []string{"--reason"}, failuresArgs{}, true},
		{"bad limit", []string{"-n", "zero"}, failuresArgs{}, true},
		{"negative limit", []string{"-n", "-1"}, failuresArgs{}, true},
		{"bad duration", []string{"--since", "yesterday"}, failuresArgs{}, true},
		{"unknown flag", []string{"--verbose"}, failuresArgs{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFailuresArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintFailures(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printFailures(&buf, nil))
	assert.Contains(t, buf.String(), "No authentication failures recorded.")

	buf.Reset()
	require.NoError(t, printFailures(&buf, []store.AuthFailure{{
		Reason:        "timestamp_out_of_range",
		RemoteAddress: "192.0.2.10",
		Method:        "POST",
		Path:          "/cdx-agent/update",
		OccurredAt:    time.Now().Add(-2 * time.Hour),
	}}))

	out := buf.String()
	assert.Contains(t, out, "REASON")
	assert.Contains(t, out, "timestamp_out_of_range")
	assert.Contains(t, out, "192.0.2.10")
	assert.Contains(t, out, "2 hours ago")
}
