// ABOUTME: Operation handlers for the administrative control surface
// ABOUTME: Holds shared dependencies, the JSON envelope helpers and feature gating

package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/codix/cdx-agent/internal/config"
	"github.com/codix/cdx-agent/internal/maintenance"
	"github.com/codix/cdx-agent/internal/store"
)

// Introspector reads queue and database state from the application database.
type Introspector interface {
	QueueStats(ctx context.Context, tables store.QueueTables) (*store.QueueStats, error)
	DatabaseHealth(ctx context.Context) (*store.DatabaseHealth, error)
}

// Observer receives per-operation and rate-limit measurements.
type Observer interface {
	ObserveOperation(operation string, code int, seconds float64)
	ObserveRateLimited()
}

// Options configures a Handler.
type Options struct {
	Config       *config.Config
	Store        Introspector
	Maintenance  *maintenance.Flag
	Runner       CommandRunner // nil selects ExecRunner
	HTTPClient   *http.Client  // used for webhook tests; nil selects a 10s-timeout client
	Observer     Observer      // may be nil
	Logger       *slog.Logger
	AgentVersion string
}

// Handler serves the operations behind the authentication gate.
type Handler struct {
	cfg         *config.Config
	store       Introspector
	maintenance *maintenance.Flag
	runner      CommandRunner
	client      *http.Client
	observer    Observer
	logger      *slog.Logger
	version     string
	location    *time.Location
	now         func() time.Time
}

// NewHandler creates a Handler. Pass nil logger for default.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	version := opts.AgentVersion
	if version == "" {
		version = "dev"
	}

	loc, err := time.LoadLocation(opts.Config.App.Timezone)
	if err != nil {
		logger.Warn("unknown app timezone, using UTC", "timezone", opts.Config.App.Timezone, "error", err)
		loc = time.UTC
	}

	return &Handler{
		cfg:         opts.Config,
		store:       opts.Store,
		maintenance: opts.Maintenance,
		runner:      runner,
		client:      client,
		observer:    opts.Observer,
		logger:      logger.With("component", "ops"),
		version:     version,
		location:    loc,
		now:         time.Now,
	}
}

type successResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type errorResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) sendSuccess(w http.ResponseWriter, message string, data any) {
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, http.StatusOK, successResponse{OK: true, Message: message, Data: data})
}

// sendJSONError writes the error envelope. detail defaults to message.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message, detail string) {
	if detail == "" {
		detail = message
	}
	writeJSON(w, status, errorResponse{OK: false, Message: message, Error: detail})
}

func (h *Handler) timestamp() string {
	return h.now().In(h.location).Format(time.RFC3339)
}

// requireFeature answers 403 when a feature flag is off.
func (h *Handler) requireFeature(enabled bool, label string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enabled {
			h.sendJSONError(w, http.StatusForbidden, label+" feature is disabled", "")
			return
		}
		next(w, r)
	}
}

// instrument reports status and latency of each operation to the observer.
func (h *Handler) instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	if h.observer == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.observer.ObserveOperation(operation, status, time.Since(start).Seconds())
	}
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
