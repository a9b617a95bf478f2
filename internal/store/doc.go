// Package store provides persistent storage for the agent using SQLite.
//
// The agent shares the host application's database file. It owns a single
// table, cdx_auth_failures, created on startup, and otherwise only reads:
//
//   - QueueStats: pending, reserved and failed jobs from the configured tables
//   - DatabaseHealth: connectivity, response time, file size and row counts
//
// Configured table names are validated as plain identifiers before they are
// interpolated into SQL; ErrInvalidIdentifier is returned otherwise.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path in tests.
package store
