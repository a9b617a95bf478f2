// ABOUTME: Maintenance toggle operation
// ABOUTME: Enables or disables the host application's maintenance flag file

package ops

import (
	"net/http"
)

type maintenanceRequest struct {
	Enabled       bool   `json:"enabled"`
	SecretMessage string `json:"secret_message"`
}

// handleMaintenance handles POST /maintenance.
func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if h.maintenance == nil {
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to toggle maintenance mode", "maintenance.file is not configured")
		return
	}

	if req.Enabled {
		changed, err := h.maintenance.Enable(req.SecretMessage)
		if err != nil {
			h.logger.Error("enabling maintenance failed", "error", err)
			h.sendJSONError(w, http.StatusInternalServerError, "Failed to toggle maintenance mode", err.Error())
			return
		}
		msg := "Maintenance mode enabled"
		if !changed {
			msg = "Application is already in maintenance mode"
		} else {
			h.logger.Info("maintenance mode enabled")
		}
		h.sendSuccess(w, msg, map[string]any{"maintenance": true})
		return
	}

	changed, err := h.maintenance.Disable()
	if err != nil {
		h.logger.Error("disabling maintenance failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to toggle maintenance mode", err.Error())
		return
	}
	msg := "Maintenance mode disabled"
	if !changed {
		msg = "Application is already live"
	} else {
		h.logger.Info("maintenance mode disabled")
	}
	h.sendSuccess(w, msg, map[string]any{"maintenance": false})
}
