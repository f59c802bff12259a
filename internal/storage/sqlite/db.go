// Package sqlite persists a per-run journal: checkpoint positions and the
// labels minted during each run. The journal is what lets an interrupted
// process pick a run back up and what the operator audits afterwards.
package sqlite

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'running',
		started_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);

	CREATE TABLE IF NOT EXISTS run_checkpoints (
		run_id          TEXT PRIMARY KEY,
		column_index    INTEGER NOT NULL,
		row_index       INTEGER NOT NULL,
		processed_count INTEGER NOT NULL,
		saved_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS new_labels (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		question   TEXT NOT NULL,
		code       TEXT NOT NULL,
		label      TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_new_labels_run ON new_labels(run_id);
	`
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func InsertRun(db *sql.DB, runID, sessionID string) error {
	_, err := db.Exec(`INSERT INTO runs (id, session_id) VALUES (?, ?)`, runID, sessionID)
	return err
}

func FinishRun(db *sql.DB, runID, status string) error {
	_, err := db.Exec(
		`UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, runID,
	)
	return err
}

// SaveCheckpoint keeps one row per run, overwritten at every row boundary.
func SaveCheckpoint(db *sql.DB, runID string, columnIndex, rowIndex, processedCount int) error {
	_, err := db.Exec(
		`INSERT INTO run_checkpoints (run_id, column_index, row_index, processed_count, saved_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id) DO UPDATE SET
		   column_index = excluded.column_index,
		   row_index = excluded.row_index,
		   processed_count = excluded.processed_count,
		   saved_at = CURRENT_TIMESTAMP`,
		runID, columnIndex, rowIndex, processedCount,
	)
	return err
}

// LoadCheckpoint returns the last saved position for a run; ok is false when
// the run never checkpointed.
func LoadCheckpoint(db *sql.DB, runID string) (columnIndex, rowIndex, processedCount int, ok bool, err error) {
	row := db.QueryRow(
		`SELECT column_index, row_index, processed_count FROM run_checkpoints WHERE run_id = ?`,
		runID,
	)
	switch scanErr := row.Scan(&columnIndex, &rowIndex, &processedCount); scanErr {
	case nil:
		return columnIndex, rowIndex, processedCount, true, nil
	case sql.ErrNoRows:
		return 0, 0, 0, false, nil
	default:
		return 0, 0, 0, false, scanErr
	}
}

func InsertNewLabel(db *sql.DB, runID, question, code, label string) error {
	_, err := db.Exec(
		`INSERT INTO new_labels (run_id, question, code, label) VALUES (?, ?, ?, ?)`,
		runID, question, code, label,
	)
	return err
}

func NewLabelCount(db *sql.DB, runID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM new_labels WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
