package taxonomy

import (
	"fmt"
	"strings"

	"surveycoder/internal/domain"
	"surveycoder/internal/table"
)

// Columns names the codes-sheet columns the book reads. Defaults follow the
// sheets this tool has always consumed.
type Columns struct {
	Question     string `yaml:"question_column"`
	Label        string `yaml:"label_column"`
	Code         string `yaml:"code_column"`
	FieldID      string `yaml:"field_id_column"`
	FormQuestion string `yaml:"form_question_column"`
}

func DefaultColumns() Columns {
	return Columns{
		Question:     "Nombre de la Pregunta",
		Label:        "Label",
		Code:         "Cod",
		FieldID:      "Id campo",
		FormQuestion: "# Pregunta del formulario",
	}
}

type questionMeta struct {
	fieldIDs     []string
	formQuestion string
}

// Book binds a parsed codes sheet to its taxonomy store. The original sheet
// rows are never reordered or mutated; minted labels are exported as appended
// rows so untouched taxonomies round-trip byte-for-byte.
type Book struct {
	tab   *table.Table
	cols  Columns
	store *Store
	meta  map[string]questionMeta
}

// LoadBook parses a codes sheet. The question column is forward-filled (sheet
// rows for one question leave it blank after the first), a question cell may
// name several questions separated by " / ", and Label/Cod cells may carry
// comma-separated parallel lists.
func LoadBook(tab *table.Table, cols Columns) (*Book, error) {
	for _, required := range []string{cols.Question, cols.Label, cols.Code, cols.FieldID} {
		if !tab.HasColumn(required) {
			return nil, fmt.Errorf("codes sheet is missing column %q", required)
		}
	}
	b := &Book{
		tab:   tab,
		cols:  cols,
		store: NewStore(),
		meta:  make(map[string]questionMeta),
	}

	lastQuestion := ""
	for row := 0; row < tab.RowCount(); row++ {
		questionCell := strings.TrimSpace(tab.Cell(row, cols.Question))
		if questionCell == "" {
			questionCell = lastQuestion
		} else {
			lastQuestion = questionCell
		}
		if questionCell == "" {
			continue
		}

		fieldID := strings.TrimSpace(tab.Cell(row, cols.FieldID))
		labels := splitList(tab.Cell(row, cols.Label))
		codes := splitList(tab.Cell(row, cols.Code))
		pairs := len(codes)
		if len(labels) < pairs {
			pairs = len(labels)
		}

		for _, question := range splitQuestions(questionCell) {
			for i := 0; i < pairs; i++ {
				b.store.Load(question, Entry{Code: codes[i], Label: labels[i]})
			}
			m := b.meta[question]
			for _, id := range splitFieldIDs(fieldID) {
				if !contains(m.fieldIDs, id) {
					m.fieldIDs = append(m.fieldIDs, id)
				}
			}
			if m.formQuestion == "" {
				m.formQuestion = strings.TrimSpace(tab.Cell(row, cols.FormQuestion))
			}
			b.meta[question] = m
		}
	}
	return b, nil
}

func (b *Book) Store() *Store {
	return b.store
}

// QuestionsForColumn resolves which questions a response column belongs to by
// matching the column's field identifier: C<col> for ordinary columns, the
// bare base name for residual "_OTRO"/"_OTRA" columns.
func (b *Book) QuestionsForColumn(column string) []string {
	base := "C" + column
	if domain.IsResidualColumn(column) {
		base = domain.BaseColumn(column)
	}
	var out []string
	for _, question := range b.store.Questions() {
		if contains(b.meta[question].fieldIDs, base) {
			out = append(out, question)
		}
	}
	return out
}

// Export returns the codes sheet with every label minted during the run
// appended as a new row; pre-existing rows are carried through untouched.
func (b *Book) Export() *table.Table {
	out := table.New(b.tab.Columns)
	out.Rows = append(out.Rows, b.tab.Rows...)
	for _, added := range b.store.Added() {
		m := b.meta[added.Question]
		fieldID := ""
		if len(m.fieldIDs) > 0 {
			fieldID = strings.Join(m.fieldIDs, "-")
		}
		out.AppendRow(map[string]string{
			b.cols.FieldID:      fieldID,
			b.cols.Code:         added.Code,
			b.cols.Label:        added.Label,
			b.cols.FormQuestion: m.formQuestion,
			b.cols.Question:     added.Question,
		})
	}
	return out
}

func splitQuestions(cell string) []string {
	var out []string
	for _, q := range strings.Split(cell, " / ") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func splitFieldIDs(cell string) []string {
	var out []string
	for _, id := range strings.Split(cell, "-") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func splitList(cell string) []string {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	if !strings.Contains(cell, ",") {
		return []string{cell}
	}
	var out []string
	for _, part := range strings.Split(cell, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
