// ABOUTME: Read-only introspection of the host application's database
// ABOUTME: Reports queue backlog and failures, connectivity, size and per-table row counts

package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/tidwall/gjson"
)

const (
	recentFailedLimit  = 10
	exceptionMaxLength = 200
	topTablesLimit     = 20
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier reports whether name can be interpolated into SQL as a table name.
func validIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// tableExists checks sqlite_master for a table.
func (s *SQLiteStore) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

// QueueStats inspects the configured job tables. Missing tables are reported,
// not treated as errors.
func (s *SQLiteStore) QueueStats(ctx context.Context, tables QueueTables) (*QueueStats, error) {
	if !validIdentifier(tables.Jobs) || !validIdentifier(tables.Failed) {
		return nil, ErrInvalidIdentifier
	}

	stats := &QueueStats{
		Pending:       map[string]int64{},
		Processing:    map[string]int64{},
		FailedByQueue: map[string]int64{},
		RecentFailed:  []FailedJob{},
	}

	var err error
	stats.JobsTable, err = s.tableExists(ctx, tables.Jobs)
	if err != nil {
		return nil, err
	}
	if stats.JobsTable {
		if err := s.countJobs(ctx, tables.Jobs, stats); err != nil {
			return nil, err
		}
	}

	stats.FailedTable, err = s.tableExists(ctx, tables.Failed)
	if err != nil {
		return nil, err
	}
	if stats.FailedTable {
		if err := s.countFailed(ctx, tables.Failed, stats); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func (s *SQLiteStore) countJobs(ctx context.Context, table string, stats *QueueStats) error {
	query := fmt.Sprintf(`
		SELECT queue, reserved_at IS NOT NULL AS reserved, COUNT(*)
		FROM %s
		GROUP BY queue, reserved
	`, table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var queue string
		var reserved bool
		var n int64
		if err := rows.Scan(&queue, &reserved, &n); err != nil {
			return fmt.Errorf("scanning job count: %w", err)
		}
		if reserved {
			stats.Processing[queue] += n
			stats.TotalProcessing += n
		} else {
			stats.Pending[queue] += n
			stats.TotalPending += n
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) countFailed(ctx context.Context, table string, stats *QueueStats) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT queue, COUNT(*) FROM %s GROUP BY queue`, table))
	if err != nil {
		return fmt.Errorf("counting failed jobs: %w", err)
	}
	for rows.Next() {
		var queue string
		var n int64
		if err := rows.Scan(&queue, &n); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning failed count: %w", err)
		}
		stats.FailedByQueue[queue] = n
		stats.TotalFailed += n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	recent, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, COALESCE(uuid, ''), queue, COALESCE(payload, ''), COALESCE(exception, ''), failed_at
		FROM %s
		ORDER BY failed_at DESC, id DESC
		LIMIT ?
	`, table), recentFailedLimit)
	if err != nil {
		return fmt.Errorf("listing failed jobs: %w", err)
	}
	defer func() { _ = recent.Close() }()

	for recent.Next() {
		var j FailedJob
		var payload string
		if err := recent.Scan(&j.ID, &j.UUID, &j.Queue, &payload, &j.Exception, &j.FailedAt); err != nil {
			return fmt.Errorf("scanning failed job: %w", err)
		}
		j.Job = jobName(payload)
		j.Exception = truncate(j.Exception, exceptionMaxLength)
		stats.RecentFailed = append(stats.RecentFailed, j)
	}
	return recent.Err()
}

// jobName extracts displayName from a serialized job payload, falling back to "unknown".
func jobName(payload string) string {
	name := gjson.Get(payload, "displayName")
	if name.Type != gjson.String || name.Str == "" {
		return "unknown"
	}
	return name.Str
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// DatabaseHealth pings the database and reports its size and the largest
// tables by row count.
func (s *SQLiteStore) DatabaseHealth(ctx context.Context) (*DatabaseHealth, error) {
	h := &DatabaseHealth{
		Driver:   "sqlite",
		Database: s.path,
		Tables:   []TableInfo{},
	}

	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return h, fmt.Errorf("pinging database: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return h, fmt.Errorf("probing database: %w", err)
	}
	h.ResponseTime = time.Since(start)
	h.Connected = true

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return h, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return h, fmt.Errorf("reading page size: %w", err)
	}
	h.SizeBytes = pageCount * pageSize

	names, err := s.tableNames(ctx)
	if err != nil {
		return h, err
	}
	for _, name := range names {
		var n int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&n); err != nil {
			return h, fmt.Errorf("counting rows in %s: %w", name, err)
		}
		h.Tables = append(h.Tables, TableInfo{Name: name, Rows: n})
	}

	sort.SliceStable(h.Tables, func(i, j int) bool {
		return h.Tables[i].Rows > h.Tables[j].Rows
	})
	if len(h.Tables) > topTablesLimit {
		h.Tables = h.Tables[:topTablesLimit]
	}
	return h, nil
}

func (s *SQLiteStore) tableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		if name.Valid && validIdentifier(name.String) {
			names = append(names, name.String)
		}
	}
	return names, rows.Err()
}
