// ABOUTME: Cache clearing operation
// ABOUTME: Empties every configured cache directory and reports a per-cache result

package ops

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

// clearDir removes the contents of dir but keeps dir itself. A missing
// directory counts as already clear.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleClearCaches handles POST /clear-caches.
func (h *Handler) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.cfg.Caches))
	hasErrors := false

	for _, c := range h.cfg.Caches {
		dir, err := h.cfg.CachePath(c.Path)
		if err != nil {
			results[c.Name] = fmt.Sprintf("error: %v", err)
			hasErrors = true
			h.logger.Error("refusing to clear cache", "cache", c.Name, "path", c.Path)
			continue
		}
		if err := clearDir(dir); err != nil {
			results[c.Name] = fmt.Sprintf("error: %v", err)
			hasErrors = true
			h.logger.Warn("cache clear failed", "cache", c.Name, "error", err)
			continue
		}
		results[c.Name] = "cleared"
	}

	msg := "All caches cleared successfully"
	if hasErrors {
		msg = "Caches cleared with some errors"
	}
	h.sendSuccess(w, msg, map[string]any{"results": results})
}
