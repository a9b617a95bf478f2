// ABOUTME: Version and self-update operations
// ABOUTME: Reports the running agent version and runs the configured update command

package ops

import (
	"context"
	"net/http"
	"strings"

	"github.com/codix/cdx-agent/internal/config"
)

const packageName = "cdx-agent"

// handleVersion handles GET /version.
func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.sendSuccess(w, "Version retrieved", map[string]any{
		"current_version": h.version,
		"package":         packageName,
	})
}

// handleUpdate handles POST /update. The new binary takes effect after the
// process is restarted by its supervisor.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	argv := h.cfg.Update.Command
	if len(argv) == 0 {
		h.sendJSONError(w, http.StatusBadRequest, "Update failed", "update.command is not configured")
		return
	}

	timeout := h.cfg.Update.Timeout
	if timeout <= 0 {
		timeout = config.DefaultUpdateTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	h.logger.Info("running self-update", "command", argv[0])
	res, err := h.runner.Run(ctx, h.cfg.ResolvePath(h.cfg.Update.Dir), argv)
	if err != nil {
		h.logger.Error("self-update failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			OK:      false,
			Message: "Update failed",
			Error:   "Update failed: " + err.Error(),
			Data:    map[string]any{"before_version": h.version},
		})
		return
	}

	success := res.ExitCode == 0
	h.sendSuccess(w, "Update finished", map[string]any{
		"before_version":   h.version,
		"command_success":  success,
		"command_output":   strings.TrimSpace(res.Output),
		"exit_code":        res.ExitCode,
		"restart_required": success,
	})
}
