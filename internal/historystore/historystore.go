// Package historystore persists a history of loading snapshots and server
// status transitions to a local SQLite database (rows are appended and
// never pruned), purely for
// operational introspection across process restarts. This is distinct
// from (and does not conflict with) spec.md's Non-goal that customer,
// host-scheme, and monitor trees are never persisted: those are always
// reconstructed from controller pushes on startup, and nothing in this
// package is ever read back into the live topology. Grounded on the
// teacher's internal/database package (sqlite open + schema + prepared
// statements).
package historystore

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps an append-only SQLite table of loading snapshots and status
// transitions.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS loading_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  recorded_at TEXT NOT NULL,
  signed_interval INTEGER NOT NULL,
  host_scheme_count INTEGER NOT NULL,
  missed_windows INTEGER NOT NULL,
  mean_miss_seconds REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loading_snapshots_recorded ON loading_snapshots(recorded_at);

CREATE TABLE IF NOT EXISTS status_transitions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  recorded_at TEXT NOT NULL,
  status TEXT NOT NULL
);
`)
	return err
}

// RecordLoadingSnapshot appends one loading-snapshot row (spec.md §3).
func (s *Store) RecordLoadingSnapshot(signedInterval int64, hostSchemeCount, missedWindows int, meanMissSeconds float64) error {
	_, err := s.db.Exec(
		`INSERT INTO loading_snapshots (recorded_at, signed_interval, host_scheme_count, missed_windows, mean_miss_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), signedInterval, hostSchemeCount, missedWindows, meanMissSeconds,
	)
	return err
}

// RecordStatusTransition appends one server-status transition row.
func (s *Store) RecordStatusTransition(status string) error {
	_, err := s.db.Exec(
		`INSERT INTO status_transitions (recorded_at, status) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339), status,
	)
	return err
}

// LoadingSnapshotRow is one historical loading-snapshot record.
type LoadingSnapshotRow struct {
	RecordedAt      string
	SignedInterval  int64
	HostSchemeCount int
	MissedWindows   int
	MeanMissSeconds float64
}

// RecentLoadingSnapshots returns the most recent limit snapshots, most
// recent first.
func (s *Store) RecentLoadingSnapshots(limit int) ([]LoadingSnapshotRow, error) {
	rows, err := s.db.Query(
		`SELECT recorded_at, signed_interval, host_scheme_count, missed_windows, mean_miss_seconds
		 FROM loading_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoadingSnapshotRow
	for rows.Next() {
		var row LoadingSnapshotRow
		if err := rows.Scan(&row.RecordedAt, &row.SignedInterval, &row.HostSchemeCount, &row.MissedWindows, &row.MeanMissSeconds); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
