package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/overstory-labs/terrascout/internal/survey"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS survey_runs (
	id         TEXT PRIMARY KEY,
	aoi_name   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	counts     TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS survey_sites (
	run_id     TEXT NOT NULL REFERENCES survey_runs(id),
	site_index INTEGER NOT NULL,
	geom       BLOB,
	props      TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, site_index)
);

CREATE TABLE IF NOT EXISTS scored_cells (
	run_id     TEXT NOT NULL REFERENCES survey_runs(id),
	cell_index INTEGER NOT NULL,
	geom       BLOB,
	props      TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, cell_index)
);

CREATE TABLE IF NOT EXISTS shortlist (
	run_id   TEXT NOT NULL REFERENCES survey_runs(id),
	position INTEGER NOT NULL,
	geom     BLOB,
	props    TEXT NOT NULL DEFAULT '{}',
	advice   TEXT NOT NULL DEFAULT '',
	rating   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS tile_failures (
	run_id     TEXT NOT NULL,
	tile_index INTEGER NOT NULL,
	cause      TEXT NOT NULL,
	failed_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, tile_index)
);

CREATE INDEX IF NOT EXISTS idx_survey_runs_status ON survey_runs(status);
CREATE INDEX IF NOT EXISTS idx_survey_runs_created ON survey_runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *survey.Run) error {
	countsJSON, err := json.Marshal(run.Counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counts")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO survey_runs (id, aoi_name, status, counts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.AOIName, string(run.Status), string(countsJSON), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *survey.Run) error {
	countsJSON, err := json.Marshal(run.Counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counts")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE survey_runs SET status = ?, counts = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), string(countsJSON), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*survey.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, aoi_name, status, counts, created_at, updated_at FROM survey_runs WHERE id = ?`,
		runID,
	)
	return scanRun(row, runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]survey.Run, error) {
	query := `SELECT id, aoi_name, status, counts, created_at, updated_at FROM survey_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []survey.Run
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveSites(ctx context.Context, runID string, sites []survey.CandidateSite) error {
	return s.replaceStage(ctx, runID, "survey_sites",
		`DELETE FROM survey_sites WHERE run_id = ?`,
		`INSERT INTO survey_sites (run_id, site_index, geom, props) VALUES (?, ?, ?, ?)`,
		len(sites),
		func(i int) ([]byte, string, error) {
			return encodeGeomProps(sites[i].Geometry, sites[i].Props)
		})
}

func (s *SQLiteStore) ListSites(ctx context.Context, runID string) ([]survey.CandidateSite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT geom, props FROM survey_sites WHERE run_id = ? ORDER BY site_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sites %s", runID)
	}
	defer rows.Close()

	var sites []survey.CandidateSite
	for rows.Next() {
		var geomBytes []byte
		var propsJSON string
		if err := rows.Scan(&geomBytes, &propsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan site")
		}
		p, props, err := parseGeomProps(geomBytes, []byte(propsJSON))
		if err != nil {
			return nil, err
		}
		sites = append(sites, survey.CandidateSite{Geometry: p, Props: props})
	}
	return sites, eris.Wrap(rows.Err(), "sqlite: list sites iterate")
}

func (s *SQLiteStore) SaveScoredCells(ctx context.Context, runID string, cells []survey.ScoredRecord) error {
	return s.replaceStage(ctx, runID, "scored_cells",
		`DELETE FROM scored_cells WHERE run_id = ?`,
		`INSERT INTO scored_cells (run_id, cell_index, geom, props) VALUES (?, ?, ?, ?)`,
		len(cells),
		func(i int) ([]byte, string, error) {
			return encodeGeomProps(cells[i].Geometry, cells[i].Props)
		})
}

func (s *SQLiteStore) ListScoredCells(ctx context.Context, runID string) ([]survey.ScoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT geom, props FROM scored_cells WHERE run_id = ? ORDER BY cell_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list scored cells %s", runID)
	}
	defer rows.Close()

	var cells []survey.ScoredRecord
	for rows.Next() {
		var geomBytes []byte
		var propsJSON string
		if err := rows.Scan(&geomBytes, &propsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scored cell")
		}
		p, props, err := parseGeomProps(geomBytes, []byte(propsJSON))
		if err != nil {
			return nil, err
		}
		cells = append(cells, survey.ScoredRecord{Geometry: p, Props: props})
	}
	return cells, eris.Wrap(rows.Err(), "sqlite: list scored cells iterate")
}

func (s *SQLiteStore) SaveShortlist(ctx context.Context, runID string, records []survey.ScoredRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin shortlist tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM shortlist WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear shortlist %s", runID)
	}

	for i, rec := range records {
		geomBytes, propsJSON, err := encodeGeomProps(rec.Geometry, rec.Props)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO shortlist (run_id, position, geom, props, advice, rating) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, i, geomBytes, propsJSON, rec.Advice, rec.Rating,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert shortlist row %d", i)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit shortlist")
}

func (s *SQLiteStore) ListShortlist(ctx context.Context, runID string) ([]survey.ScoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT geom, props, advice, rating FROM shortlist WHERE run_id = ? ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list shortlist %s", runID)
	}
	defer rows.Close()

	var records []survey.ScoredRecord
	for rows.Next() {
		var geomBytes []byte
		var propsJSON string
		var rec survey.ScoredRecord
		if err := rows.Scan(&geomBytes, &propsJSON, &rec.Advice, &rec.Rating); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan shortlist row")
		}
		p, props, err := parseGeomProps(geomBytes, []byte(propsJSON))
		if err != nil {
			return nil, err
		}
		rec.Geometry = p
		rec.Props = props
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list shortlist iterate")
}

func (s *SQLiteStore) RecordTileFailure(ctx context.Context, runID string, tileIndex int, cause string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tile_failures (run_id, tile_index, cause, failed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, tile_index) DO UPDATE SET cause = excluded.cause, failed_at = excluded.failed_at`,
		runID, tileIndex, cause, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record tile failure %s/%d", runID, tileIndex)
}

func (s *SQLiteStore) ListTileFailures(ctx context.Context, runID string) ([]TileFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, tile_index, cause, failed_at FROM tile_failures WHERE run_id = ? ORDER BY tile_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tile failures %s", runID)
	}
	defer rows.Close()

	var failures []TileFailure
	for rows.Next() {
		var f TileFailure
		if err := rows.Scan(&f.RunID, &f.TileIndex, &f.Cause, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tile failure")
		}
		failures = append(failures, f)
	}
	return failures, eris.Wrap(rows.Err(), "sqlite: list tile failures iterate")
}

func (s *SQLiteStore) ClearTileFailures(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tile_failures WHERE run_id = ?`, runID)
	return eris.Wrapf(err, "sqlite: clear tile failures %s", runID)
}

// replaceStage rewrites one stage table for a run inside a transaction:
// delete the run's rows, then insert the new set with dense indexes.
func (s *SQLiteStore) replaceStage(ctx context.Context, runID, table, deleteSQL, insertSQL string, n int, rowAt func(int) ([]byte, string, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s tx", table)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, deleteSQL, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear %s for %s", table, runID)
	}

	for i := 0; i < n; i++ {
		geomBytes, propsJSON, err := rowAt(i)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertSQL, runID, i, geomBytes, propsJSON); err != nil {
			return eris.Wrapf(err, "sqlite: insert %s row %d", table, i)
		}
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", table)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable, runID string) (*survey.Run, error) {
	var r survey.Run
	var countsJSON string

	err := row.Scan(&r.ID, &r.AOIName, &r.Status, &countsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(countsJSON), &r.Counts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal counts")
	}
	return &r, nil
}
