// Package store persists survey runs and their stage outputs. Two
// implementations share one interface: SQLite for single-machine use and
// Postgres for shared deployments. Both satisfy survey.Recorder, so a
// pipeline writes through the store directly.
package store

import (
	"context"
	"time"

	"github.com/overstory-labs/terrascout/internal/survey"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status survey.RunStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// TileFailure is one recorded detection failure, keyed by grid index so a
// retried run can target the same ground.
type TileFailure struct {
	RunID     string    `json:"run_id"`
	TileIndex int       `json:"tile_index"`
	Cause     string    `json:"cause"`
	FailedAt  time.Time `json:"failed_at"`
}

// Store defines the persistence interface for survey runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *survey.Run) error
	UpdateRun(ctx context.Context, run *survey.Run) error
	GetRun(ctx context.Context, runID string) (*survey.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]survey.Run, error)

	// Stage outputs. Saves replace the stage's previous rows for the run,
	// so a retried run never accumulates duplicates.
	SaveSites(ctx context.Context, runID string, sites []survey.CandidateSite) error
	ListSites(ctx context.Context, runID string) ([]survey.CandidateSite, error)
	SaveScoredCells(ctx context.Context, runID string, cells []survey.ScoredRecord) error
	ListScoredCells(ctx context.Context, runID string) ([]survey.ScoredRecord, error)
	SaveShortlist(ctx context.Context, runID string, records []survey.ScoredRecord) error
	ListShortlist(ctx context.Context, runID string) ([]survey.ScoredRecord, error)

	// Tile failures
	RecordTileFailure(ctx context.Context, runID string, tileIndex int, cause string) error
	ListTileFailures(ctx context.Context, runID string) ([]TileFailure, error)
	ClearTileFailures(ctx context.Context, runID string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
