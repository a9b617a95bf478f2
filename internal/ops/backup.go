// ABOUTME: Backup status operation
// ABOUTME: Scans configured directories for archives and grades freshness of the newest one

package ops

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	backupWarningDays  = 3
	backupCriticalDays = 7
	backupListLimit    = 20
)

// BackupFile describes one archive found on disk.
type BackupFile struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Disk      string    `json:"disk"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	Date      string    `json:"date"`
	AgeHuman  string    `json:"age_human"`
	modTime   time.Time
}

func (h *Handler) scanBackups() []BackupFile {
	var backups []BackupFile
	for _, dir := range h.cfg.Backups.Paths {
		dir = h.cfg.ResolvePath(dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !slices.Contains(h.cfg.Backups.Extensions, strings.ToLower(filepath.Ext(e.Name()))) {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			backups = append(backups, BackupFile{
				Filename:  e.Name(),
				Path:      filepath.Join(dir, e.Name()),
				Disk:      "local",
				Size:      fi.Size(),
				SizeHuman: humanize.IBytes(uint64(fi.Size())),
				Date:      fi.ModTime().In(h.location).Format(time.RFC3339),
				AgeHuman:  humanize.RelTime(fi.ModTime(), h.now(), "ago", "from now"),
				modTime:   fi.ModTime(),
			})
		}
	}
	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].modTime.After(backups[j].modTime)
	})
	return backups
}

// backupHealth grades the newest backup by age in whole days.
func backupHealth(backups []BackupFile, now time.Time) (status, message string) {
	if len(backups) == 0 {
		return "warning", "No backups found"
	}
	days := int(now.Sub(backups[0].modTime).Hours() / 24)
	switch {
	case days > backupCriticalDays:
		return "critical", fmt.Sprintf("Last backup is %d days old", days)
	case days > backupWarningDays:
		return "warning", fmt.Sprintf("Last backup is %d days old", days)
	default:
		return "healthy", "Backups are up to date"
	}
}

// handleBackup handles GET /backup.
func (h *Handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	backups := h.scanBackups()
	status, message := backupHealth(backups, h.now())

	var total int64
	for _, b := range backups {
		total += b.Size
	}

	var last, oldest *BackupFile
	if len(backups) > 0 {
		last = &backups[0]
		oldest = &backups[len(backups)-1]
	}

	listed := backups
	if len(listed) > backupListLimit {
		listed = listed[:backupListLimit]
	}
	if listed == nil {
		listed = []BackupFile{}
	}

	h.sendSuccess(w, "Backup status retrieved", map[string]any{
		"health_status":  status,
		"health_message": message,
		"stats": map[string]any{
			"total_backups":    len(backups),
			"total_size":       total,
			"total_size_human": humanize.IBytes(uint64(total)),
			"last_backup":      last,
			"oldest_backup":    oldest,
		},
		"backups":    listed,
		"checked_at": h.timestamp(),
	})
}
