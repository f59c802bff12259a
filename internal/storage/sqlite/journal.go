package sqlite

import (
	"database/sql"
	"log"
)

// Journal records run progress for one run ID. Write failures are logged and
// swallowed: the journal is diagnostics, not the source of truth for a run.
type Journal struct {
	db    *sql.DB
	runID string
}

func NewJournal(db *sql.DB, runID string) *Journal {
	return &Journal{db: db, runID: runID}
}

func (j *Journal) Checkpoint(columnIndex, rowIndex, processedCount int) {
	if j == nil || j.db == nil {
		return
	}
	if err := SaveCheckpoint(j.db, j.runID, columnIndex, rowIndex, processedCount); err != nil {
		log.Printf("journal: checkpoint for run %s: %v", j.runID, err)
	}
}

func (j *Journal) NewLabel(question, code, label string) {
	if j == nil || j.db == nil {
		return
	}
	if err := InsertNewLabel(j.db, j.runID, question, code, label); err != nil {
		log.Printf("journal: new label for run %s: %v", j.runID, err)
	}
}

func (j *Journal) Finish(status string) {
	if j == nil || j.db == nil {
		return
	}
	if err := FinishRun(j.db, j.runID, status); err != nil {
		log.Printf("journal: finish run %s: %v", j.runID, err)
	}
}
