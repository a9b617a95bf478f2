// ABOUTME: Tests for the HTTP gate middleware
// ABOUTME: Covers response mapping, body forwarding, audit emission and the canonical path rule

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codix/cdx-agent/internal/audit"
)

const httpTestSecret = "middleware-test-secret"

var httpTestNow = time.Unix(1702800000, 0)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) all() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions []Decision
}

func (o *recordingObserver) ObserveDecision(d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, d)
}

func newTestGate(cfg GateConfig, opts GateOptions) *Gate {
	g := NewGate(cfg, opts)
	g.now = func() time.Time { return httpTestNow }
	return g
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("reached"))
	})
}

func signedRequest(t *testing.T, secret, method, target, body string) *http.Request {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if err := SignRequest(req, secret, httpTestNow); err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}
	return req
}

func TestMiddleware_Allows(t *testing.T) {
	g := newTestGate(GateConfig{Secret: httpTestSecret}, GateOptions{})

	var verified *Verified
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verified = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, httpTestSecret, http.MethodGet, "/cdx-agent/health", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if verified == nil {
		t.Fatal("expected Verified in request context")
	}
	if verified.Path != "/cdx-agent/health" {
		t.Errorf("Verified.Path = %q", verified.Path)
	}
	if verified.Timestamp != "1702800000" {
		t.Errorf("Verified.Timestamp = %q", verified.Timestamp)
	}
}

func TestMiddleware_ForwardsBodyUnchanged(t *testing.T) {
	g := newTestGate(GateConfig{Secret: httpTestSecret}, GateOptions{})
	body := `{"command":"cache:clear","parameters":["--force"]}`

	var got []byte
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, httpTestSecret, http.MethodPost, "/cdx-agent/commands", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if string(got) != body {
		t.Errorf("handler body = %q, want %q", got, body)
	}
}

func TestMiddleware_UniformUnauthorized(t *testing.T) {
	g := newTestGate(GateConfig{Secret: httpTestSecret}, GateOptions{})

	missing := httptest.NewRequest(http.MethodGet, "/cdx-agent/health", nil)

	stale := httptest.NewRequest(http.MethodGet, "/cdx-agent/health", nil)
	if err := SignRequest(stale, httpTestSecret, httpTestNow.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	forged := signedRequest(t, "not-the-secret", http.MethodGet, "/cdx-agent/health", "")

	var bodies []string
	for _, req := range []*http.Request{missing, stale, forged} {
		rec := httptest.NewRecorder()
		g.Middleware(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "reached") {
			t.Error("denied request reached the handler")
		}
		bodies = append(bodies, rec.Body.String())
	}

	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("401 bodies differ: %q vs %q", bodies[0], bodies[i])
		}
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(bodies[0]), &resp); err != nil {
		t.Fatalf("401 body is not JSON: %v", err)
	}
	if resp["message"] != "Unauthorized" || resp["ok"] != false {
		t.Errorf("unexpected 401 body: %v", resp)
	}
}

func TestMiddleware_SecretNotConfigured(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	sink := &recordingSink{}

	g := newTestGate(GateConfig{Secret: "", LogFailedAttempts: false}, GateOptions{Logger: logger, Auditor: sink})

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, signedRequest(t, "anything", http.MethodGet, "/cdx-agent/health", ""))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Agent not configured") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if !strings.Contains(logs.String(), `"level":"ERROR"`) {
		t.Errorf("missing secret was not logged at error level: %s", logs.String())
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("audit events = %d with failed-attempt logging disabled, want 0", n)
	}
}

func TestMiddleware_MissingHeadersBeatsMissingSecret(t *testing.T) {
	g := newTestGate(GateConfig{Secret: ""}, GateOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cdx-agent/health", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_BodyTooLarge(t *testing.T) {
	g := newTestGate(GateConfig{Secret: httpTestSecret}, GateOptions{MaxBodyBytes: 16})

	req := signedRequest(t, httpTestSecret, http.MethodPost, "/cdx-agent/commands", strings.Repeat("x", 64))
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

type trackingReader struct {
	r    io.Reader
	read bool
}

func (tr *trackingReader) Read(p []byte) (int, error) {
	tr.read = true
	return tr.r.Read(p)
}

func TestMiddleware_UnsignedBodyIsNotBuffered(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGate(GateConfig{Secret: httpTestSecret, LogFailedAttempts: true}, GateOptions{Auditor: sink, MaxBodyBytes: 16})

	body := &trackingReader{r: strings.NewReader(strings.Repeat("x", 2<<20))}
	req := httptest.NewRequest(http.MethodPost, "/cdx-agent/commands", body)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if body.read {
		t.Error("body of a request without auth headers was read")
	}
	events := sink.all()
	if len(events) != 1 || events[0].Reason != string(ReasonMissingHeaders) {
		t.Errorf("audit events = %+v, want one missing_headers", events)
	}
}

func TestMiddleware_AuditEvent(t *testing.T) {
	sink := &recordingSink{}
	obs := &recordingObserver{}
	g := newTestGate(GateConfig{Secret: httpTestSecret, LogFailedAttempts: true}, GateOptions{Auditor: sink, Observer: obs})

	req := signedRequest(t, "guessed-secret", http.MethodPost, "/cdx-agent/maintenance", `{"enabled":true}`)
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("User-Agent", "scanner/1.0")
	signature := req.Header.Get(HeaderSignature)

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Reason != string(ReasonSignatureMismatch) {
		t.Errorf("Reason = %q", e.Reason)
	}
	if e.RemoteAddress != "203.0.113.9" {
		t.Errorf("RemoteAddress = %q", e.RemoteAddress)
	}
	if e.Path != "/cdx-agent/maintenance" || e.Method != http.MethodPost {
		t.Errorf("Path/Method = %q %q", e.Path, e.Method)
	}
	if e.TimestampHeader != "1702800000" || e.UserAgent != "scanner/1.0" {
		t.Errorf("TimestampHeader/UserAgent = %q %q", e.TimestampHeader, e.UserAgent)
	}
	if !e.OccurredAt.Equal(httpTestNow) {
		t.Errorf("OccurredAt = %v", e.OccurredAt)
	}

	dump, _ := json.Marshal(e)
	for _, secret := range []string{httpTestSecret, "guessed-secret", signature} {
		if strings.Contains(string(dump), secret) {
			t.Errorf("audit event leaks %q: %s", secret, dump)
		}
	}

	if len(obs.decisions) != 1 || obs.decisions[0] != Deny(ReasonSignatureMismatch) {
		t.Errorf("observer decisions = %v", obs.decisions)
	}
}

func TestMiddleware_AuditDisabled(t *testing.T) {
	sink := &recordingSink{}
	obs := &recordingObserver{}
	g := newTestGate(GateConfig{Secret: httpTestSecret, LogFailedAttempts: false}, GateOptions{Auditor: sink, Observer: obs})

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cdx-agent/health", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("audit events = %d, want 0", n)
	}
	if len(obs.decisions) != 1 {
		t.Errorf("observer should still see the decision, got %v", obs.decisions)
	}
}

func TestMiddleware_PathIgnoresQueryAndTrailingSlash(t *testing.T) {
	g := newTestGate(GateConfig{Secret: httpTestSecret}, GateOptions{})

	timestamp := strconv.FormatInt(httpTestNow.Unix(), 10)
	sig := NewEngine(httpTestSecret).Generate(timestamp, "GET", "/cdx-agent/logs", nil)

	req := httptest.NewRequest(http.MethodGet, "/cdx-agent/logs/?lines=5&level=error", nil)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, sig)

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"http://agent/cdx-agent/health", "/cdx-agent/health"},
		{"http://agent/cdx-agent/health/", "/cdx-agent/health"},
		{"http://agent/cdx-agent/logs?lines=5", "/cdx-agent/logs"},
		{"http://agent/", "/"},
		{"http://agent", "/"},
		{"http://agent/a%20b", "/a%20b"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := CanonicalPath(u); got != tt.want {
			t.Errorf("CanonicalPath(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
