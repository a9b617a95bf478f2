// ABOUTME: chi router for the control surface
// ABOUTME: Mounts every operation under the route prefix behind rate limiting and the auth gate

package ops

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Prefix         string                          // without slashes, e.g. "cdx-agent"
	RateLimit      int                             // requests per minute per client IP; 0 disables
	Gate           func(http.Handler) http.Handler // authentication middleware, required
	MetricsPath    string                          // mounted outside the gate when MetricsHandler is set
	MetricsHandler http.Handler
}

// NewRouter builds the HTTP handler for the agent. Every operation route is
// authenticated; only the optional metrics path is not.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if opts.MetricsHandler != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, opts.MetricsHandler)
	}

	base := "/"
	if opts.Prefix != "" {
		base = "/" + opts.Prefix
	}

	r.Route(base, func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(httprate.Limit(opts.RateLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(h.rateLimited),
			))
		}
		r.Use(opts.Gate)

		f := h.cfg.Features
		r.Get("/health", h.instrument("health", h.requireFeature(f.Health, "Health", h.handleHealth)))
		r.Post("/maintenance", h.instrument("maintenance", h.requireFeature(f.Maintenance, "Maintenance", h.handleMaintenance)))
		r.Post("/clear-caches", h.instrument("clear_caches", h.requireFeature(f.CacheClear, "Cache clear", h.handleClearCaches)))
		r.Get("/queue", h.instrument("queue", h.requireFeature(f.QueueInfo, "Queue info", h.handleQueue)))
		r.Get("/logs", h.instrument("logs", h.handleLogs))
		r.Get("/database", h.instrument("database", h.handleDatabase))
		r.Get("/scheduler", h.instrument("scheduler", h.handleScheduler))
		r.Post("/commands", h.instrument("commands", h.requireFeature(f.Commands, "Commands", h.handleRunCommand)))
		r.Get("/commands/list", h.instrument("commands_list", h.requireFeature(f.Commands, "Commands", h.handleListCommands)))
		r.Get("/backup", h.instrument("backup", h.requireFeature(f.Backup, "Backup", h.handleBackup)))
		r.Get("/alerts", h.instrument("alerts", h.requireFeature(f.Alerts, "Alerts", h.handleAlerts)))
		r.Post("/alerts/test", h.instrument("alerts_test", h.requireFeature(f.Alerts, "Alerts", h.handleTestAlert)))
		r.Get("/version", h.instrument("version", h.handleVersion))
		r.Post("/update", h.instrument("update", h.handleUpdate))
	})

	return r
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request) {
	if h.observer != nil {
		h.observer.ObserveRateLimited()
	}
	h.sendJSONError(w, http.StatusTooManyRequests, "Too many requests", "")
}
