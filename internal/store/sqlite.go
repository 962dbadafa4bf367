package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/state"
)

// schema is the step-snapshot table DDL; IF NOT EXISTS keeps Migrate
// idempotent across restarts.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS step_snapshots (
		run_id       TEXT NOT NULL,
		step_id      INTEGER NOT NULL,
		name         TEXT NOT NULL,
		state        TEXT NOT NULL,
		return_value TEXT NOT NULL DEFAULT 'null',
		exception    TEXT NOT NULL DEFAULT '',
		io           TEXT NOT NULL DEFAULT '[]',
		output       TEXT NOT NULL DEFAULT '[]',
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (run_id, step_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_snapshots_run_id ON step_snapshots(run_id)`,
}

// SQLiteStore implements Store using modernc.org/sqlite, a pure-Go driver
// that avoids a cgo dependency in the resulting binary.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. Use
// ":memory:" for an ephemeral store, e.g. in tests.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma wal: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "store")}, nil
}

// Migrate creates the step_snapshots table and its index if absent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("migrate")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun replaces every record for runID inside one transaction: delete
// then re-insert, since a run's step count/identity can change between
// saves (e.g. after a dagfile reload) and there is no natural diff to
// compute.
func (s *SQLiteStore) SaveRun(ctx context.Context, runID string, records []StepRecord) error {
	s.logger.Debug("save run", "run_id", runID, "steps", len(records))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_snapshots WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("store: clear run %s: %w", runID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range records {
		returnJSON, err := json.Marshal(r.ReturnValue)
		if err != nil {
			return fmt.Errorf("store: marshal return_value for step %d: %w", r.ID, err)
		}
		ioJSON, err := json.Marshal(r.IO)
		if err != nil {
			return fmt.Errorf("store: marshal io for step %d: %w", r.ID, err)
		}
		outputJSON, err := json.Marshal(r.Output)
		if err != nil {
			return fmt.Errorf("store: marshal output for step %d: %w", r.ID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_snapshots (run_id, step_id, name, state, return_value, exception, io, output, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, r.ID, r.Name, string(r.State), string(returnJSON), r.Exception,
			string(ioJSON), string(outputJSON), now,
		)
		if err != nil {
			return fmt.Errorf("store: insert step %d: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// LoadRun returns every saved record for runID.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) ([]StepRecord, bool, error) {
	s.logger.Debug("load run", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, name, state, return_value, exception, io, output
		 FROM step_snapshots WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, false, fmt.Errorf("store: query run %s: %w", runID, err)
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		var r StepRecord
		var st string
		var returnJSON, ioJSON, outputJSON string
		if err := rows.Scan(&r.ID, &r.Name, &st, &returnJSON, &r.Exception, &ioJSON, &outputJSON); err != nil {
			return nil, false, fmt.Errorf("store: scan run %s: %w", runID, err)
		}
		r.State = state.State(st)
		if err := json.Unmarshal([]byte(returnJSON), &r.ReturnValue); err != nil {
			return nil, false, fmt.Errorf("store: unmarshal return_value for step %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(ioJSON), &r.IO); err != nil {
			return nil, false, fmt.Errorf("store: unmarshal io for step %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(outputJSON), &r.Output); err != nil {
			return nil, false, fmt.Errorf("store: unmarshal output for step %d: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("store: rows %s: %w", runID, err)
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return records, true, nil
}

// DeleteRun removes runID's records, if any.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	s.logger.Debug("delete run", "run_id", runID)
	_, err := s.db.ExecContext(ctx, `DELETE FROM step_snapshots WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("store: delete run %s: %w", runID, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
