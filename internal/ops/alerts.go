// ABOUTME: Notification channel status and test operations
// ABOUTME: Posts test messages to Slack or Discord incoming webhooks

package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
)

const defaultTestMessage = "Test notification from CDX-Agent"

type channelStatus struct {
	Configured        bool   `json:"configured"`
	WebhookConfigured *bool  `json:"webhook_configured,omitempty"`
	FromAddress       string `json:"from_address,omitempty"`
}

// handleAlerts handles GET /alerts.
func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	n := h.cfg.Notifications
	slack := n.SlackWebhookURL != ""
	discord := n.DiscordWebhookURL != ""

	channels := map[string]channelStatus{
		"mail":    {Configured: n.MailFrom != "", FromAddress: n.MailFrom},
		"slack":   {Configured: slack, WebhookConfigured: &slack},
		"discord": {Configured: discord, WebhookConfigured: &discord},
	}

	active := []string{}
	for name, c := range channels {
		if c.Configured {
			active = append(active, name)
		}
	}
	sort.Strings(active)

	h.sendSuccess(w, "Alert channels retrieved", map[string]any{
		"channels":        channels,
		"active_channels": active,
		"checked_at":      h.timestamp(),
	})
}

type testAlertRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// handleTestAlert handles POST /alerts/test.
func (h *Handler) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	req := testAlertRequest{Channel: "discord", Message: defaultTestMessage}
	if err := decodeJSON(r, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Channel == "" {
		req.Channel = "discord"
	}
	if req.Message == "" {
		req.Message = defaultTestMessage
	}

	var url string
	var payload any
	switch req.Channel {
	case "discord":
		url = h.cfg.Notifications.DiscordWebhookURL
		payload = h.discordPayload(req.Message)
	case "slack":
		url = h.cfg.Notifications.SlackWebhookURL
		payload = h.slackPayload(req.Message)
	case "mail":
		h.sendJSONError(w, http.StatusBadRequest, "Mail delivery is not supported by the agent", "")
		return
	default:
		h.sendJSONError(w, http.StatusBadRequest, "Unknown channel", "")
		return
	}

	if url == "" {
		h.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s webhook URL not configured", req.Channel), "")
		return
	}

	status, err := h.postWebhook(r.Context(), url, payload)
	if err != nil {
		h.logger.Warn("test notification failed", "channel", req.Channel, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "Test notification failed", err.Error())
		return
	}

	success := status >= 200 && status < 300
	h.sendSuccess(w, "Test notification sent", map[string]any{
		"success":     success,
		"channel":     req.Channel,
		"status_code": status,
	})
}

func (h *Handler) discordPayload(message string) map[string]any {
	return map[string]any{
		"content": message,
		"embeds": []map[string]any{{
			"title":       "Test Notification",
			"description": message,
			"color":       3447003,
			"footer":      map[string]any{"text": "CDX-Agent • " + h.cfg.App.Name},
			"timestamp":   h.timestamp(),
		}},
	}
}

func (h *Handler) slackPayload(message string) map[string]any {
	return map[string]any{
		"text": message,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": "*Test Notification*\n" + message},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{"type": "mrkdwn", "text": "CDX-Agent • " + h.cfg.App.Name},
				},
			},
		},
	}
}

// postWebhook sends payload as JSON and returns the response status code.
func (h *Handler) postWebhook(ctx context.Context, url string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
