// Package store persists simulation trajectories to SQLite so results
// survive the run and can be extracted offline. It consumes a
// sim.ResultStore cursor; the in-memory store stays the source of truth
// while a run is live.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/transient-sim/transient-sim/sim"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id     TEXT PRIMARY KEY,
    case_name  TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS samples (
    run_id   TEXT    NOT NULL,
    seq      INTEGER NOT NULL,
    t        REAL    NOT NULL,
    quantity TEXT    NOT NULL,
    value    REAL    NOT NULL,
    PRIMARY KEY (run_id, seq, quantity)
);
CREATE INDEX IF NOT EXISTS idx_samples_time ON samples (run_id, t);
`

// TrajectoryDB is a SQLite-backed trajectory archive. One database may
// hold many runs, keyed by run ID.
type TrajectoryDB struct {
	db *sql.DB
}

// Open creates or opens a trajectory database at path (":memory:" for
// an in-memory database) and ensures the schema exists.
func Open(path string) (*TrajectoryDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	return &TrajectoryDB{db: db}, nil
}

// Close releases the database.
func (t *TrajectoryDB) Close() error {
	return t.db.Close()
}

// WriteRun drains a result-store cursor into the archive under the
// run's ID, recording run metadata alongside. Samples persist in cursor
// order, so duplicate timestamps (sub-step events) keep their before/
// after ordering through the seq column.
func (t *TrajectoryDB) WriteRun(r *sim.Run, cur *sim.Cursor) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	runID := r.ID.String()
	_, err = tx.Exec(`INSERT OR REPLACE INTO runs (run_id, case_name, created_at) VALUES (?, ?, ?)`,
		runID, r.Case().Name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: inserting run %s: %w", runID, err)
	}

	ins, err := tx.Prepare(`INSERT INTO samples (run_id, seq, t, quantity, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: preparing insert: %w", err)
	}
	defer ins.Close()

	seq := 0
	n := 0
	for {
		s, ok := cur.Next()
		if !ok {
			break
		}
		for quantity, value := range s.Values {
			if _, err := ins.Exec(runID, seq, s.Time, quantity, value); err != nil {
				return fmt.Errorf("store: inserting sample seq=%d: %w", seq, err)
			}
			n++
		}
		seq++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	logrus.Infof("store: persisted %d values across %d samples for run %s", n, seq, runID)
	return nil
}

// Point is one persisted (time, quantity, value) row.
type Point struct {
	Time     float64
	Quantity string
	Value    float64
}

// Extract returns the stored points of a run within [from, to],
// restricted to quantityIDs (empty = all), ordered by time then
// insertion sequence.
func (t *TrajectoryDB) Extract(runID string, from, to float64, quantityIDs []string) ([]Point, error) {
	query := `SELECT t, quantity, value FROM samples WHERE run_id = ? AND t >= ? AND t <= ?`
	args := []any{runID, from, to}
	if len(quantityIDs) > 0 {
		query += ` AND quantity IN (?` + strings.Repeat(",?", len(quantityIDs)-1) + `)`
		for _, q := range quantityIDs {
			args = append(args, q)
		}
	}
	query += ` ORDER BY seq, quantity`

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: extracting run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Time, &p.Quantity, &p.Value); err != nil {
			return nil, fmt.Errorf("store: scanning row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Runs lists the run IDs present in the archive, newest first.
func (t *TrajectoryDB) Runs() ([]string, error) {
	rows, err := t.db.Query(`SELECT run_id FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
