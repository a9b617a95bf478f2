// ABOUTME: Store interface and data types for cdx-agent persistence
// ABOUTME: Defines authentication failure records and queue/database introspection results

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidIdentifier is returned when a configured table name is not a plain SQL identifier
var ErrInvalidIdentifier = errors.New("invalid table identifier")

// AuthFailure is a persisted record of a rejected control-surface request.
type AuthFailure struct {
	ID              string // UUID v4
	Reason          string
	RemoteAddress   string
	Path            string
	Method          string
	TimestampHeader string
	UserAgent       string
	OccurredAt      time.Time
}

// AuthFailureFilter specifies filtering options for listing failures.
type AuthFailureFilter struct {
	Since  *time.Time
	Reason *string
	Limit  int // default 100, max 1000
}

// QueueTables names the job tables inspected by QueueStats.
type QueueTables struct {
	Jobs   string // pending and reserved jobs
	Failed string // failed jobs
}

// FailedJob is a recent entry from the failed jobs table.
type FailedJob struct {
	ID        int64  `json:"id"`
	UUID      string `json:"uuid"`
	Queue     string `json:"queue"`
	Job       string `json:"job"`
	Exception string `json:"exception"`
	FailedAt  string `json:"failed_at"`
}

// QueueStats summarizes job queue state.
type QueueStats struct {
	Pending         map[string]int64 `json:"pending"`
	Processing      map[string]int64 `json:"processing"`
	FailedByQueue   map[string]int64 `json:"failed_by_queue"`
	RecentFailed    []FailedJob      `json:"recent_failed"`
	TotalPending    int64            `json:"total_pending"`
	TotalProcessing int64            `json:"total_processing"`
	TotalFailed     int64            `json:"total_failed"`
	JobsTable       bool             `json:"jobs_table"`
	FailedTable     bool             `json:"failed_table"`
}

// TableInfo describes one table in the database.
type TableInfo struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// DatabaseHealth describes connectivity and size of the database.
type DatabaseHealth struct {
	Driver       string        `json:"driver"`
	Database     string        `json:"database"`
	Connected    bool          `json:"connected"`
	ResponseTime time.Duration `json:"-"`
	SizeBytes    int64         `json:"size_bytes"`
	Tables       []TableInfo   `json:"tables"`
}

// Store defines the persistence operations used by the agent
type Store interface {
	// Authentication failures
	AppendAuthFailure(ctx context.Context, f *AuthFailure) error
	ListAuthFailures(ctx context.Context, f AuthFailureFilter) ([]AuthFailure, error)

	// Introspection
	QueueStats(ctx context.Context, tables QueueTables) (*QueueStats, error)
	DatabaseHealth(ctx context.Context) (*DatabaseHealth, error)

	// Close releases any resources held by the store
	Close() error
}
