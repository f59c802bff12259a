// Package taxonomy maintains the per-question code lists: lookup, new-label
// insertion and export back to the codes sheet.
package taxonomy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"surveycoder/internal/domain"
	"surveycoder/internal/textnorm"
)

// DefaultResidualFloor is where new codes for residual "_OTRO" style
// namespaces start, so they never collide with mainline category codes.
const DefaultResidualFloor = 501

var ErrDuplicateCode = errors.New("duplicate code")

type Entry struct {
	Code  string
	Label string
}

// AddedLabel records a label minted during a run, for export and audit.
type AddedLabel struct {
	Question string
	Code     string
	Label    string
}

// Store holds the taxonomies of one session. Not safe for concurrent
// mutation; the batch processor runs a single worker per session.
type Store struct {
	ResidualFloor int

	questions []string
	entries   map[string][]Entry
	byLabel   map[string]map[string]string
	byCode    map[string]map[string]bool
	added     []AddedLabel
}

func NewStore() *Store {
	return &Store{
		ResidualFloor: DefaultResidualFloor,
		entries:       make(map[string][]Entry),
		byLabel:       make(map[string]map[string]string),
		byCode:        make(map[string]map[string]bool),
	}
}

// Load inserts a pre-existing (code, label) pair at session start. Unlike
// AddLabel it tolerates duplicates (codes sheets repeat rows across column
// groups) and does not mark the question dirty.
func (s *Store) Load(question string, e Entry) {
	code := strings.TrimSpace(e.Code)
	label := strings.TrimSpace(e.Label)
	if question == "" || code == "" {
		return
	}
	if s.byCode[question] == nil {
		s.questions = append(s.questions, question)
		s.byCode[question] = make(map[string]bool)
		s.byLabel[question] = make(map[string]string)
	}
	if s.byCode[question][code] {
		return
	}
	s.byCode[question][code] = true
	s.entries[question] = append(s.entries[question], Entry{Code: code, Label: label})
	if key := textnorm.Normalize(label); key != "" {
		if _, exists := s.byLabel[question][key]; !exists {
			s.byLabel[question][key] = code
		}
	}
}

// Questions lists known questions in load order.
func (s *Store) Questions() []string {
	return append([]string(nil), s.questions...)
}

// LabelsFor returns every (code, label) pair of a question in insertion
// order. Unknown questions yield an empty slice.
func (s *Store) LabelsFor(question string) []Entry {
	return append([]Entry(nil), s.entries[question]...)
}

// CandidateLabels is LabelsFor minus the reserved sentinels — the set offered
// to the model.
func (s *Store) CandidateLabels(question string) []Entry {
	var out []Entry
	for _, e := range s.entries[question] {
		if !domain.IsSentinel(e.Code) {
			out = append(out, e)
		}
	}
	return out
}

// FindCodeByLabel resolves a label to its code by normalized-text match.
func (s *Store) FindCodeByLabel(question, label string) (string, bool) {
	key := textnorm.Normalize(label)
	if key == "" {
		return "", false
	}
	code, ok := s.byLabel[question][key]
	return code, ok
}

// HasCode reports whether a code exists for a question.
func (s *Store) HasCode(question, code string) bool {
	return s.byCode[question][strings.TrimSpace(code)]
}

// NextAvailableCode computes the lowest unused numeric code for a question,
// never a sentinel, never a collision. Residual namespaces scan upward from
// the residual floor; ordinary namespaces from max(existing)+1.
func (s *Store) NextAvailableCode(question string, residual bool) string {
	used := make(map[int]bool)
	max := 0
	for code := range s.byCode[question] {
		n, err := strconv.Atoi(strings.TrimSpace(code))
		if err != nil || domain.IsSentinel(code) {
			continue
		}
		used[n] = true
		if n > max {
			max = n
		}
	}
	next := max + 1
	if residual {
		floor := s.ResidualFloor
		if floor <= 0 {
			floor = DefaultResidualFloor
		}
		if next < floor {
			next = floor
		}
	}
	for used[next] || domain.IsSentinel(FormatCode(next)) {
		next++
	}
	return FormatCode(next)
}

// AddLabel inserts a freshly minted label. A code collision is an invariant
// violation (NextAvailableCode was bypassed) and is fatal for the run.
func (s *Store) AddLabel(question, code, label string) error {
	code = strings.TrimSpace(code)
	if s.byCode[question] == nil {
		s.questions = append(s.questions, question)
		s.byCode[question] = make(map[string]bool)
		s.byLabel[question] = make(map[string]string)
	}
	if s.byCode[question][code] {
		return fmt.Errorf("%w: code %s already present for question %q", ErrDuplicateCode, code, question)
	}
	s.byCode[question][code] = true
	s.entries[question] = append(s.entries[question], Entry{Code: code, Label: label})
	if key := textnorm.Normalize(label); key != "" {
		s.byLabel[question][key] = code
	}
	s.added = append(s.added, AddedLabel{Question: question, Code: code, Label: label})
	return nil
}

// Added returns the labels minted since the store was loaded, in creation
// order.
func (s *Store) Added() []AddedLabel {
	return append([]AddedLabel(nil), s.added...)
}

// FormatCode zero-pads numeric codes to two digits; longer codes keep their
// natural width.
func FormatCode(n int) string {
	return fmt.Sprintf("%02d", n)
}

// CleanCodes parses a raw semicolon-separated code cell into zero-padded,
// deduplicated codes, dropping non-numeric fragments.
func CleanCodes(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ";") {
		part = strings.Trim(strings.TrimSpace(part), "[]'\"")
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		code := FormatCode(n)
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}

// FilterSentinels drops sentinel codes when organic codes are present;
// sentinels are never combined with real categories.
func FilterSentinels(codes []string) []string {
	var organic []string
	for _, code := range codes {
		if !domain.IsSentinel(code) {
			organic = append(organic, code)
		}
	}
	if len(organic) > 0 {
		return organic
	}
	if len(codes) > 0 {
		return codes[:1]
	}
	return nil
}
