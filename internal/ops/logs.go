// ABOUTME: Log retrieval operation
// ABOUTME: Tails the agent's JSON log file and returns parsed entries, optionally filtered by level

package ops

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	defaultLogLines  = 100
	maxLogLines      = 1000
	maxMessageLength = 500
)

// LogEntry is one parsed record from the JSON log file.
type LogEntry struct {
	Timestamp   string         `json:"timestamp"`
	Environment string         `json:"environment"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context"`
}

// normalizeLevel maps level spellings onto slog's names in lower case.
func normalizeLevel(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "warning" {
		return "warn"
	}
	return l
}

// parseLogLine decodes one slog JSON record. ok is false for non-JSON lines.
func parseLogLine(line, env string) (LogEntry, bool) {
	if !gjson.Valid(line) {
		return LogEntry{}, false
	}
	rec := gjson.Parse(line)
	if !rec.IsObject() {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp:   rec.Get("time").String(),
		Environment: env,
		Level:       normalizeLevel(rec.Get("level").String()),
		Message:     truncateRunes(rec.Get("msg").String(), maxMessageLength),
		Context:     map[string]any{},
	}
	rec.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "time", "level", "msg":
		default:
			entry.Context[key.String()] = value.Value()
		}
		return true
	})
	return entry, true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// tailLog returns the last n entries of path matching level (empty matches all).
func tailLog(path string, n int, level, env string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []LogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	want := normalizeLevel(level)
	ring := make([]LogEntry, 0, n)
	next := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		entry, ok := parseLogLine(scanner.Text(), env)
		if !ok {
			continue
		}
		if want != "" && entry.Level != want {
			continue
		}
		if len(ring) < n {
			ring = append(ring, entry)
			continue
		}
		ring[next] = entry
		next = (next + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}

	// Rotate so the oldest retained entry comes first.
	out := make([]LogEntry, 0, len(ring))
	out = append(out, ring[next:]...)
	out = append(out, ring[:next]...)
	return out, nil
}

// handleLogs handles GET /logs?lines=N&level=L.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.sendJSONError(w, http.StatusBadRequest, "Invalid lines parameter", "")
			return
		}
		lines = min(n, maxLogLines)
	}

	if h.cfg.Logging.File == "" {
		h.sendSuccess(w, "Logs retrieved", map[string]any{"logs": []LogEntry{}, "count": 0})
		return
	}

	entries, err := tailLog(h.cfg.Logging.File, lines, r.URL.Query().Get("level"), h.cfg.App.Env)
	if err != nil {
		h.logger.Error("reading logs failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "Failed to get logs", err.Error())
		return
	}

	h.sendSuccess(w, "Logs retrieved", map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}
