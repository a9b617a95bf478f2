// ABOUTME: Store methods for persisting and querying rejected control-surface requests
// ABOUTME: Records reason, caller address and request shape but never secrets or signatures

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAuthFailure appends a failure record.
// Generates ID and OccurredAt if not set.
func (s *SQLiteStore) AppendAuthFailure(ctx context.Context, f *AuthFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.OccurredAt.IsZero() {
		f.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO cdx_auth_failures (failure_id, reason, remote_address, path, method, timestamp_header, user_agent, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		f.ID,
		f.Reason,
		f.RemoteAddress,
		f.Path,
		f.Method,
		f.TimestampHeader,
		f.UserAgent,
		f.OccurredAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting auth failure: %w", err)
	}

	s.logger.Debug("appended auth failure",
		"id", f.ID,
		"reason", f.Reason,
		"path", f.Path,
	)
	return nil
}

// normalizeFailureLimit applies default (100) and cap (1000).
func normalizeFailureLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const authFailureQuery = `
	SELECT failure_id, reason, remote_address, path, method, COALESCE(timestamp_header, ''), COALESCE(user_agent, ''), occurred_at
	FROM cdx_auth_failures
	WHERE (? IS NULL OR occurred_at >= ?)
	  AND (? IS NULL OR reason = ?)
	ORDER BY occurred_at DESC
	LIMIT ?
`

// ListAuthFailures returns failures matching the filter, newest first.
func (s *SQLiteStore) ListAuthFailures(ctx context.Context, f AuthFailureFilter) ([]AuthFailure, error) {
	var sinceStr *string
	if f.Since != nil {
		v := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &v
	}

	rows, err := s.db.QueryContext(ctx, authFailureQuery,
		sinceStr, sinceStr,
		f.Reason, f.Reason,
		normalizeFailureLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying auth failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	failures := []AuthFailure{}
	for rows.Next() {
		var a AuthFailure
		var ts string
		if err := rows.Scan(
			&a.ID,
			&a.Reason,
			&a.RemoteAddress,
			&a.Path,
			&a.Method,
			&a.TimestampHeader,
			&a.UserAgent,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("scanning auth failure: %w", err)
		}
		a.OccurredAt, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		failures = append(failures, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auth failures: %w", err)
	}
	return failures, nil
}
