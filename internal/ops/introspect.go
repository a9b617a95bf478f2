// ABOUTME: Queue and database operations
// ABOUTME: Report job backlog, recent failures, connectivity and table sizes from the application database

package ops

import (
	"errors"
	"math"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/codix/cdx-agent/internal/store"
)

// handleQueue handles GET /queue.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to get queue info", "database is not configured")
		return
	}

	stats, err := h.store.QueueStats(r.Context(), store.QueueTables{
		Jobs:   h.cfg.Queue.JobsTable,
		Failed: h.cfg.Queue.FailedTable,
	})
	if errors.Is(err, store.ErrInvalidIdentifier) {
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to get queue info", "queue table names are invalid")
		return
	}
	if err != nil {
		h.logger.Error("queue stats failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to get queue info", err.Error())
		return
	}

	h.sendSuccess(w, "Queue info retrieved", map[string]any{
		"connection":       "database",
		"driver":           "sqlite",
		"pending":          stats.Pending,
		"processing":       stats.Processing,
		"failed_by_queue":  stats.FailedByQueue,
		"recent_failed":    stats.RecentFailed,
		"total_pending":    stats.TotalPending,
		"total_processing": stats.TotalProcessing,
		"total_failed":     stats.TotalFailed,
		"jobs_table":       stats.JobsTable,
		"failed_table":     stats.FailedTable,
		"checked_at":       h.timestamp(),
	})
}

// handleDatabase handles GET /database.
func (h *Handler) handleDatabase(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to get database info", "database is not configured")
		return
	}

	health, err := h.store.DatabaseHealth(r.Context())
	if err != nil {
		h.logger.Error("database health failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to get database info", err.Error())
		return
	}

	ms := float64(health.ResponseTime.Microseconds()) / 1000
	h.sendSuccess(w, "Database info retrieved", map[string]any{
		"connected":        health.Connected,
		"driver":           health.Driver,
		"database":         health.Database,
		"response_time_ms": math.Round(ms*100) / 100,
		"size": map[string]any{
			"bytes": health.SizeBytes,
			"human": humanize.IBytes(uint64(max(health.SizeBytes, 0))),
		},
		"tables":     health.Tables,
		"checked_at": h.timestamp(),
	})
}
