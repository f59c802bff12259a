// Package table holds the in-memory tabular datasets the coder works on: the
// answers table (rows = respondents) and the codes sheet. Both travel as CSV.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
)

// Table is an ordered set of named columns over string cells. Rows are dense;
// missing cells read as "".
type Table struct {
	Columns []string
	Rows    [][]string

	index map[string]int
}

func New(columns []string) *Table {
	t := &Table{Columns: append([]string(nil), columns...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, name := range t.Columns {
		t.index[name] = i
	}
}

// Read parses a CSV stream whose first record is the header.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty table: header row missing")
	}
	t := New(records[0])
	for _, rec := range records[1:] {
		row := make([]string, len(t.Columns))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Write serializes the table back to CSV. Cells never touched since Read are
// written back byte-for-byte.
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	for _, row := range t.Rows {
		rec := row
		if len(rec) < len(t.Columns) {
			rec = make([]string, len(t.Columns))
			copy(rec, row)
		}
		if err := cw.Write(rec[:len(t.Columns)]); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ColumnIndex returns the position of a column, or -1 when absent.
func (t *Table) ColumnIndex(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// EnsureColumn returns the index of the named column, appending an empty one
// when it does not exist yet.
func (t *Table) EnsureColumn(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.Columns = append(t.Columns, name)
	i := len(t.Columns) - 1
	t.index[name] = i
	return i
}

func (t *Table) Cell(row int, column string) string {
	i := t.ColumnIndex(column)
	if i < 0 || row < 0 || row >= len(t.Rows) {
		return ""
	}
	r := t.Rows[row]
	if i >= len(r) {
		return ""
	}
	return r[i]
}

func (t *Table) SetCell(row int, column, value string) {
	i := t.EnsureColumn(column)
	if row < 0 || row >= len(t.Rows) {
		return
	}
	r := t.Rows[row]
	if i >= len(r) {
		grown := make([]string, len(t.Columns))
		copy(grown, r)
		t.Rows[row] = grown
		r = grown
	}
	r[i] = value
}

// AppendRow adds a row of cells aligned to the current column set.
func (t *Table) AppendRow(cells map[string]string) {
	row := make([]string, len(t.Columns))
	for name, value := range cells {
		if i := t.ColumnIndex(name); i >= 0 {
			row[i] = value
		}
	}
	t.Rows = append(t.Rows, row)
}

func (t *Table) RowCount() int {
	return len(t.Rows)
}
