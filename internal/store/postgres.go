package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/overstory-labs/terrascout/internal/db"
	"github.com/overstory-labs/terrascout/internal/survey"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":          `INSERT INTO survey_runs (id, aoi_name, status, counts, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"update_run":          `UPDATE survey_runs SET status = $1, counts = $2, updated_at = $3 WHERE id = $4`,
	"get_run":             `SELECT id, aoi_name, status, counts, created_at, updated_at FROM survey_runs WHERE id = $1`,
	"record_tile_failure": `INSERT INTO tile_failures (run_id, tile_index, cause, failed_at) VALUES ($1, $2, $3, $4) ON CONFLICT (run_id, tile_index) DO UPDATE SET cause = $3, failed_at = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS survey_runs (
	id         TEXT PRIMARY KEY,
	aoi_name   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	counts     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS survey_sites (
	run_id     TEXT NOT NULL REFERENCES survey_runs(id),
	site_index INTEGER NOT NULL,
	geom       BYTEA,
	props      JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (run_id, site_index)
);

CREATE TABLE IF NOT EXISTS scored_cells (
	run_id     TEXT NOT NULL REFERENCES survey_runs(id),
	cell_index INTEGER NOT NULL,
	geom       BYTEA,
	props      JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (run_id, cell_index)
);

CREATE TABLE IF NOT EXISTS shortlist (
	run_id   TEXT NOT NULL REFERENCES survey_runs(id),
	position INTEGER NOT NULL,
	geom     BYTEA,
	props    JSONB NOT NULL DEFAULT '{}'::jsonb,
	advice   TEXT NOT NULL DEFAULT '',
	rating   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS tile_failures (
	run_id     TEXT NOT NULL,
	tile_index INTEGER NOT NULL,
	cause      TEXT NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, tile_index)
);

CREATE INDEX IF NOT EXISTS idx_survey_runs_status ON survey_runs(status);
CREATE INDEX IF NOT EXISTS idx_survey_runs_created ON survey_runs(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *survey.Run) error {
	countsJSON, err := json.Marshal(run.Counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counts")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO survey_runs (id, aoi_name, status, counts, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.AOIName, string(run.Status), countsJSON, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *survey.Run) error {
	countsJSON, err := json.Marshal(run.Counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counts")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE survey_runs SET status = $1, counts = $2, updated_at = $3 WHERE id = $4`,
		string(run.Status), countsJSON, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*survey.Run, error) {
	var r survey.Run
	var countsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, aoi_name, status, counts, created_at, updated_at FROM survey_runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.AOIName, &r.Status, &countsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("run not found: %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if err := json.Unmarshal(countsJSON, &r.Counts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal counts")
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]survey.Run, error) {
	query := `SELECT id, aoi_name, status, counts, created_at, updated_at FROM survey_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []survey.Run
	for rows.Next() {
		var r survey.Run
		var countsJSON []byte
		if err := rows.Scan(&r.ID, &r.AOIName, &r.Status, &countsJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if err := json.Unmarshal(countsJSON, &r.Counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counts")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveSites upserts the run's site rows in place and trims any leftovers
// from a previous, larger detection pass.
func (s *PostgresStore) SaveSites(ctx context.Context, runID string, sites []survey.CandidateSite) error {
	rows := make([][]any, 0, len(sites))
	for i, site := range sites {
		geomBytes, propsJSON, err := encodeGeomProps(site.Geometry, site.Props)
		if err != nil {
			return err
		}
		rows = append(rows, []any{runID, i, geomBytes, []byte(propsJSON)})
	}

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "survey_sites",
		Columns:      []string{"run_id", "site_index", "geom", "props"},
		ConflictKeys: []string{"run_id", "site_index"},
	}, rows); err != nil {
		return eris.Wrapf(err, "postgres: save sites %s", runID)
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM survey_sites WHERE run_id = $1 AND site_index >= $2`,
		runID, len(sites),
	)
	return eris.Wrapf(err, "postgres: trim sites %s", runID)
}

func (s *PostgresStore) ListSites(ctx context.Context, runID string) ([]survey.CandidateSite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT geom, props FROM survey_sites WHERE run_id = $1 ORDER BY site_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sites %s", runID)
	}
	defer rows.Close()

	var sites []survey.CandidateSite
	for rows.Next() {
		var geomBytes, propsJSON []byte
		if err := rows.Scan(&geomBytes, &propsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		p, props, err := parseGeomProps(geomBytes, propsJSON)
		if err != nil {
			return nil, err
		}
		sites = append(sites, survey.CandidateSite{Geometry: p, Props: props})
	}
	return sites, eris.Wrap(rows.Err(), "postgres: list sites iterate")
}

// SaveScoredCells rewrites the run's cell rows. Cell sets routinely reach
// tens of thousands of rows, so the insert goes through COPY.
func (s *PostgresStore) SaveScoredCells(ctx context.Context, runID string, cells []survey.ScoredRecord) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scored_cells WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: clear scored cells %s", runID)
	}

	rows := make([][]any, 0, len(cells))
	for i, cell := range cells {
		geomBytes, propsJSON, err := encodeGeomProps(cell.Geometry, cell.Props)
		if err != nil {
			return err
		}
		rows = append(rows, []any{runID, i, geomBytes, []byte(propsJSON)})
	}

	_, err := db.CopyFrom(ctx, s.pool, "scored_cells",
		[]string{"run_id", "cell_index", "geom", "props"}, rows)
	return eris.Wrapf(err, "postgres: save scored cells %s", runID)
}

func (s *PostgresStore) ListScoredCells(ctx context.Context, runID string) ([]survey.ScoredRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT geom, props FROM scored_cells WHERE run_id = $1 ORDER BY cell_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list scored cells %s", runID)
	}
	defer rows.Close()

	var cells []survey.ScoredRecord
	for rows.Next() {
		var geomBytes, propsJSON []byte
		if err := rows.Scan(&geomBytes, &propsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scored cell")
		}
		p, props, err := parseGeomProps(geomBytes, propsJSON)
		if err != nil {
			return nil, err
		}
		cells = append(cells, survey.ScoredRecord{Geometry: p, Props: props})
	}
	return cells, eris.Wrap(rows.Err(), "postgres: list scored cells iterate")
}

func (s *PostgresStore) SaveShortlist(ctx context.Context, runID string, records []survey.ScoredRecord) error {
	rows := make([][]any, 0, len(records))
	for i, rec := range records {
		geomBytes, propsJSON, err := encodeGeomProps(rec.Geometry, rec.Props)
		if err != nil {
			return err
		}
		rows = append(rows, []any{runID, i, geomBytes, []byte(propsJSON), rec.Advice, rec.Rating})
	}

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "shortlist",
		Columns:      []string{"run_id", "position", "geom", "props", "advice", "rating"},
		ConflictKeys: []string{"run_id", "position"},
	}, rows); err != nil {
		return eris.Wrapf(err, "postgres: save shortlist %s", runID)
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM shortlist WHERE run_id = $1 AND position >= $2`,
		runID, len(records),
	)
	return eris.Wrapf(err, "postgres: trim shortlist %s", runID)
}

func (s *PostgresStore) ListShortlist(ctx context.Context, runID string) ([]survey.ScoredRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT geom, props, advice, rating FROM shortlist WHERE run_id = $1 ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list shortlist %s", runID)
	}
	defer rows.Close()

	var records []survey.ScoredRecord
	for rows.Next() {
		var geomBytes, propsJSON []byte
		var rec survey.ScoredRecord
		if err := rows.Scan(&geomBytes, &propsJSON, &rec.Advice, &rec.Rating); err != nil {
			return nil, eris.Wrap(err, "postgres: scan shortlist row")
		}
		p, props, err := parseGeomProps(geomBytes, propsJSON)
		if err != nil {
			return nil, err
		}
		rec.Geometry = p
		rec.Props = props
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list shortlist iterate")
}

func (s *PostgresStore) RecordTileFailure(ctx context.Context, runID string, tileIndex int, cause string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tile_failures (run_id, tile_index, cause, failed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, tile_index) DO UPDATE SET cause = $3, failed_at = $4`,
		runID, tileIndex, cause, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: record tile failure %s/%d", runID, tileIndex)
}

func (s *PostgresStore) ListTileFailures(ctx context.Context, runID string) ([]TileFailure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, tile_index, cause, failed_at FROM tile_failures WHERE run_id = $1 ORDER BY tile_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tile failures %s", runID)
	}
	defer rows.Close()

	var failures []TileFailure
	for rows.Next() {
		var f TileFailure
		if err := rows.Scan(&f.RunID, &f.TileIndex, &f.Cause, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tile failure")
		}
		failures = append(failures, f)
	}
	return failures, eris.Wrap(rows.Err(), "postgres: list tile failures iterate")
}

func (s *PostgresStore) ClearTileFailures(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tile_failures WHERE run_id = $1`, runID)
	return eris.Wrapf(err, "postgres: clear tile failures %s", runID)
}
