// ABOUTME: Tests for the cdx-ctl client and subcommand mapping
// ABOUTME: Runs signed calls through a real auth gate behind an httptest server

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codix/cdx-agent/internal/auth"
)

const ctlSecret = "ctl-test-secret"

type seenRequest struct {
	method    string
	path      string
	query     string
	body      []byte
	requestID string
}

type seenLog struct {
	mu   sync.Mutex
	reqs []seenRequest
}

func (l *seenLog) all() []seenRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]seenRequest(nil), l.reqs...)
}

func newGatedServer(t *testing.T, secret string) (*httptest.Server, *seenLog) {
	t.Helper()
	seen := &seenLog{}
	gate := auth.NewGate(auth.GateConfig{Secret: secret}, auth.GateOptions{})
	srv := httptest.NewServer(gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.mu.Lock()
		seen.reqs = append(seen.reqs, seenRequest{
			method:    r.Method,
			path:      r.URL.Path,
			query:     r.URL.RawQuery,
			body:      body,
			requestID: r.Header.Get("X-Request-ID"),
		})
		seen.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"message":"done","data":{"n":1}}`))
	})))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestClient_SignedCallPassesGate(t *testing.T) {
	srv, seen := newGatedServer(t, ctlSecret)
	client, err := NewClient(srv.URL+"/cdx-agent/", ctlSecret, 5*time.Second)
	require.NoError(t, err)

	c, err := buildCall("run", []string{"cache:clear", "--force"})
	require.NoError(t, err)
	resp, err := client.Do(context.Background(), c.method, c.op, c.query, c.payload)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.Equal(t, "done", resp.Message())

	reqs := seen.all()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/cdx-agent/commands", got.path)
	assert.JSONEq(t, `{"command":"cache:clear","parameters":["--force"]}`, string(got.body))
	assert.Equal(t, resp.RequestID, got.requestID)
	_, err = uuid.Parse(got.requestID)
	assert.NoError(t, err)
}

func TestClient_QueryIsNotSigned(t *testing.T) {
	srv, seen := newGatedServer(t, ctlSecret)
	client, err := NewClient(srv.URL+"/cdx-agent", ctlSecret, 5*time.Second)
	require.NoError(t, err)

	c, err := buildCall("logs", []string{"--lines", "5", "--level=error"})
	require.NoError(t, err)
	resp, err := client.Do(context.Background(), c.method, c.op, c.query, c.payload)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	reqs := seen.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/cdx-agent/logs", reqs[0].path)
	assert.Equal(t, "level=error&lines=5", reqs[0].query)
}

func TestClient_WrongSecretRejected(t *testing.T) {
	srv, seen := newGatedServer(t, ctlSecret)
	client, err := NewClient(srv.URL+"/cdx-agent", "not-the-secret", 5*time.Second)
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), http.MethodGet, "health", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, resp.OK())
	assert.Equal(t, "Unauthorized", resp.Message())
	assert.Empty(t, seen.all())
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:8787", "", time.Second)
	assert.ErrorIs(t, err, auth.ErrNoSecret)

	_, err = NewClient("ftp://example.com", "s", time.Second)
	assert.Error(t, err)

	_, err = NewClient("://bad", "s", time.Second)
	assert.Error(t, err)
}

func TestResponse_MessageFallsBackToStatusText(t *testing.T) {
	resp := &Response{StatusCode: http.StatusBadGateway, Body: []byte("<html>")}
	assert.Equal(t, "Bad Gateway", resp.Message())
	assert.False(t, resp.OK())
}

func TestBuildCall(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		args    []string
		method  string
		op      string
		payload string
		wantErr bool
	}{
		{name: "health", cmd: "health", method: http.MethodGet, op: "health"},
		{name: "commands list", cmd: "commands", method: http.MethodGet, op: "commands/list"},
		{name: "clear caches", cmd: "clear-caches", method: http.MethodPost, op: "clear-caches"},
		{name: "update", cmd: "update", method: http.MethodPost, op: "update"},
		{name: "maintenance on", cmd: "maintenance", args: []string{"on", "--secret", "let-me-in"}, method: http.MethodPost, op: "maintenance", payload: `{"enabled":true,"secret_message":"let-me-in"}`},
		{name: "maintenance off", cmd: "maintenance", args: []string{"off"}, method: http.MethodPost, op: "maintenance", payload: `{"enabled":false}`},
		{name: "run without params", cmd: "run", args: []string{"queue:restart"}, method: http.MethodPost, op: "commands", payload: `{"command":"queue:restart","parameters":[]}`},
		{name: "alert test", cmd: "alert-test", args: []string{"slack", "hello", "there"}, method: http.MethodPost, op: "alerts/test", payload: `{"channel":"slack","message":"hello there"}`},
		{name: "alert test defaults", cmd: "alert-test", method: http.MethodPost, op: "alerts/test", payload: `{}`},
		{name: "maintenance missing state", cmd: "maintenance", wantErr: true},
		{name: "maintenance bad state", cmd: "maintenance", args: []string{"maybe"}, wantErr: true},
		{name: "maintenance stray arg", cmd: "maintenance", args: []string{"on", "--force"}, wantErr: true},
		{name: "run missing command", cmd: "run", wantErr: true},
		{name: "logs bad count", cmd: "logs", args: []string{"-n", "0"}, wantErr: true},
		{name: "logs missing value", cmd: "logs", args: []string{"--level"}, wantErr: true},
		{name: "logs unknown flag", cmd: "logs", args: []string{"--follow=true"}, wantErr: true},
		{name: "unknown", cmd: "reboot", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildCall(tt.cmd, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.op, got.op)
			if tt.payload == "" {
				assert.Nil(t, got.payload)
				return
			}
			data, err := json.Marshal(got.payload)
			require.NoError(t, err)
			assert.JSONEq(t, tt.payload, string(data))
		})
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	ok := render(&buf, &Response{
		StatusCode: http.StatusOK,
		RequestID:  "req-1",
		Body:       []byte(`{"ok":true,"message":"Caches cleared","data":{}}`),
	}, false)
	assert.True(t, ok)
	assert.Contains(t, buf.String(), "Caches cleared")
	assert.Contains(t, buf.String(), "HTTP 200, request req-1")
	assert.Contains(t, buf.String(), `"message": "Caches cleared"`)

	buf.Reset()
	ok = render(&buf, &Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte(`{"ok":false,"message":"Command not allowed"}`),
	}, false)
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "Command not allowed")
}
