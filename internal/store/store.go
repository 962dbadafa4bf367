// Package store implements the optional persisted-context backing store:
// a per-run table of step snapshots (state, return value, exception, I/O
// and output logs) that survives process restarts, written by the
// cmd/autotrail binary when a database path is configured, alongside the
// JSON restore file handled by internal/persist.
package store

import (
	"context"

	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/state"
)

// StepRecord is one step's persisted snapshot within a run.
type StepRecord struct {
	ID          int64
	Name        string
	State       state.State
	ReturnValue any
	Exception   string
	IO          []iochan.Message
	Output      []iochan.Message
}

// Store is the persistence contract a run's snapshots are written
// through and restored from.
type Store interface {
	// SaveRun atomically replaces every record for runID with records.
	SaveRun(ctx context.Context, runID string, records []StepRecord) error
	// LoadRun returns every record for runID, or (nil, false) if no run
	// with that id has been saved.
	LoadRun(ctx context.Context, runID string) ([]StepRecord, bool, error)
	// DeleteRun removes runID's records entirely.
	DeleteRun(ctx context.Context, runID string) error
	// Migrate creates (or upgrades) the schema; safe to call repeatedly.
	Migrate(ctx context.Context) error
	// Close releases the underlying database handle.
	Close() error
}
