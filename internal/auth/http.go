// ABOUTME: HTTP middleware applying the authentication gate to every control-surface request
// ABOUTME: Buffers the body for signing, restores it on Allow, and writes opaque rejections on Deny

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/codix/cdx-agent/internal/audit"
)

// DefaultMaxBodyBytes caps the request body hashed for verification.
const DefaultMaxBodyBytes int64 = 1 << 20

const (
	msgUnauthorized  = "Unauthorized"
	msgNotConfigured = "Agent not configured"
	msgBodyTooLarge  = "Request body too large"
	msgBadBody       = "Unable to read request body"
)

// CanonicalPath returns the path component that is signed: the escaped URL
// path without query string, with surrounding slashes trimmed and a single
// leading slash. The root path canonicalizes to "/".
func CanonicalPath(u *url.URL) string {
	return "/" + strings.Trim(u.EscapedPath(), "/")
}

// httpRequestView adapts an *http.Request with an already-read body.
type httpRequestView struct {
	r    *http.Request
	body []byte
}

// NewHTTPRequestView builds a RequestView over r using body as the raw bytes.
func NewHTTPRequestView(r *http.Request, body []byte) RequestView {
	return &httpRequestView{r: r, body: body}
}

func (v *httpRequestView) Method() string { return v.r.Method }
func (v *httpRequestView) Path() string   { return CanonicalPath(v.r.URL) }
func (v *httpRequestView) Body() []byte   { return v.body }

func (v *httpRequestView) Header(name string) (string, bool) {
	values := v.r.Header.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Middleware returns an http middleware that runs every request through the gate.
// Allowed requests reach next with method, path and body unchanged.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Without both headers the decision is already missing_headers, so the
		// body is left unread.
		var body []byte
		if headersPresent(r) {
			var err error
			body, err = readBody(w, r, g.maxBody)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
					return
				}
				writeError(w, http.StatusBadRequest, msgBadBody)
				return
			}
		}

		decision := g.Evaluate(NewHTTPRequestView(r, body), g.now())
		if g.observer != nil {
			g.observer.ObserveDecision(decision)
		}

		if !decision.Allowed {
			g.recordDenial(r, decision)
			if decision.ConfigurationFault() {
				writeError(w, http.StatusInternalServerError, msgNotConfigured)
				return
			}
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := WithVerified(r.Context(), &Verified{
			Timestamp: r.Header.Get(HeaderTimestamp),
			Path:      CanonicalPath(r.URL),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordDenial emits the audit event for a denied request. A missing secret is
// always logged; other reasons only when failed-attempt logging is enabled.
func (g *Gate) recordDenial(r *http.Request, d Decision) {
	if d.ConfigurationFault() {
		g.logger.Error("agent secret not configured, rejecting request",
			"path", r.URL.Path,
			"method", r.Method,
		)
	}
	if !g.cfg.LogFailedAttempts || g.auditor == nil {
		return
	}

	event := audit.Event{
		Reason:          string(d.Reason),
		RemoteAddress:   remoteHost(r.RemoteAddr),
		Path:            r.URL.Path,
		Method:          r.Method,
		TimestampHeader: r.Header.Get(HeaderTimestamp),
		UserAgent:       r.UserAgent(),
		OccurredAt:      g.now().UTC(),
	}
	// The request context ends with the response; audit delivery must not.
	if err := g.auditor.Record(context.WithoutCancel(r.Context()), event); err != nil {
		g.logger.Debug("audit record dropped", "reason", d.Reason, "error", err)
	}
}

func headersPresent(r *http.Request) bool {
	return r.Header.Get(HeaderTimestamp) != "" && r.Header.Get(HeaderSignature) != ""
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return []byte{}, nil
	}
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type errorResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{OK: false, Message: message, Error: message})
}
