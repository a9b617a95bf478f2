// ABOUTME: Health operation reporting application identity, runtime and maintenance state
// ABOUTME: Optionally adds git checkout details and a queue summary

package ops

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/codix/cdx-agent/internal/store"
)

// GitInfo describes the checkout at app.base_path.
type GitInfo struct {
	Branch     *string `json:"branch"`
	Commit     *string `json:"commit"`
	CommitFull *string `json:"commit_full"`
}

// readGitInfo inspects .git/HEAD under base. It returns nil when base is not a checkout.
func readGitInfo(base string) *GitInfo {
	gitDir := filepath.Join(base, ".git")
	if fi, err := os.Stat(gitDir); err != nil || !fi.IsDir() {
		return nil
	}

	info := &GitInfo{}
	head, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return info
	}

	content := strings.TrimSpace(string(head))
	var commit string
	if ref, ok := strings.CutPrefix(content, "ref: refs/heads/"); ok {
		info.Branch = &ref
		if data, err := os.ReadFile(filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(ref))); err == nil {
			commit = strings.TrimSpace(string(data))
		}
	} else {
		// Detached HEAD
		commit = content
	}

	if commit != "" {
		short := commit
		if len(short) > 8 {
			short = short[:8]
		}
		info.Commit = &short
		info.CommitFull = &commit
	}
	return info
}

func (h *Handler) queueSummary(r *http.Request) map[string]any {
	stats, err := h.store.QueueStats(r.Context(), store.QueueTables{
		Jobs:   h.cfg.Queue.JobsTable,
		Failed: h.cfg.Queue.FailedTable,
	})
	if err != nil {
		h.logger.Warn("queue summary failed", "error", err)
		return map[string]any{"error": "Unable to retrieve queue info"}
	}
	return map[string]any{
		"connection":   "database",
		"driver":       "sqlite",
		"pending_jobs": stats.TotalPending + stats.TotalProcessing,
		"failed_jobs":  stats.TotalFailed,
	}
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	down := false
	if h.maintenance != nil {
		var err error
		if down, err = h.maintenance.IsDown(); err != nil {
			h.logger.Debug("maintenance state unavailable", "error", err)
		}
	}

	data := map[string]any{
		"app_name":      h.cfg.App.Name,
		"app_env":       h.cfg.App.Env,
		"agent_version": h.version,
		"go_version":    runtime.Version(),
		"time":          h.timestamp(),
		"timezone":      h.location.String(),
		"maintenance":   down,
	}

	if h.cfg.Features.GitInfo {
		data["git"] = readGitInfo(h.cfg.App.BasePath)
	}
	if h.cfg.Features.QueueInfo && h.store != nil {
		data["queue"] = h.queueSummary(r)
	}

	h.sendSuccess(w, "Health check successful", data)
}
