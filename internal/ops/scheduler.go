// ABOUTME: Scheduler operation listing configured tasks with their next run time
// ABOUTME: Liveness comes from the heartbeat file the scheduler touches on every run

package ops

import (
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codix/cdx-agent/internal/config"
)

// schedulerLiveWindow is how recently the heartbeat must have been touched.
const schedulerLiveWindow = 5 * time.Minute

// TaskInfo describes one scheduled task.
type TaskInfo struct {
	Command            string  `json:"command"`
	Expression         string  `json:"expression"`
	Description        string  `json:"description"`
	Timezone           string  `json:"timezone"`
	WithoutOverlapping bool    `json:"without_overlapping"`
	InBackground       bool    `json:"in_background"`
	NextRun            *string `json:"next_run"`
}

// nextRun evaluates a standard five-field cron expression in the task's
// timezone. It returns nil when the expression or zone is invalid.
func nextRun(expr string, loc *time.Location, now time.Time) *string {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return nil
	}
	s := next.Format("2006-01-02 15:04:05")
	return &s
}

func (h *Handler) taskInfo(t config.ScheduledTask, now time.Time) TaskInfo {
	loc := h.location
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	return TaskInfo{
		Command:            t.Command,
		Expression:         t.Expression,
		Description:        t.Description,
		Timezone:           loc.String(),
		WithoutOverlapping: t.WithoutOverlapping,
		InBackground:       t.InBackground,
		NextRun:            nextRun(t.Expression, loc, now),
	}
}

func (h *Handler) schedulerRunning(now time.Time) bool {
	path := h.cfg.ResolvePath(h.cfg.Scheduler.HeartbeatFile)
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(fi.ModTime()) < schedulerLiveWindow
}

// handleScheduler handles GET /scheduler.
func (h *Handler) handleScheduler(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	tasks := make([]TaskInfo, 0, len(h.cfg.Scheduler.Tasks))
	for _, t := range h.cfg.Scheduler.Tasks {
		tasks = append(tasks, h.taskInfo(t, now))
	}

	h.sendSuccess(w, "Scheduler info retrieved", map[string]any{
		"tasks":             tasks,
		"count":             len(tasks),
		"scheduler_running": h.schedulerRunning(now),
	})
}
