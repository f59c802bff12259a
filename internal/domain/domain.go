package domain

import "strings"

// Reserved sentinel codes. They mean variants of "not applicable / refused /
// don't know / not classifiable" and are never minted as organic categories.
var SentinelCodes = map[string]bool{
	"66": true, "77": true, "88": true, "99": true,
	"777": true, "888": true, "999": true,
}

const (
	// CodeNotClassifiable is assigned when no category fits and no new label
	// may be created.
	CodeNotClassifiable = "77"
	// CodeIncoherent marks answers that are not coherent text. It belongs to
	// coders' standard sentinel vocabulary and is accepted wherever codes are
	// read, though the engine itself only ever assigns 77.
	CodeIncoherent = "99"
)

func IsSentinel(code string) bool {
	return SentinelCodes[strings.TrimSpace(code)]
}

// ResidualSuffixes mark free-text "other, please specify" columns. Their codes
// are merged into the base column instead of a generated C-prefixed column.
var residualSuffixes = []string{"_OTRO", "_OTRA"}

func IsResidualColumn(name string) bool {
	for _, suffix := range residualSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// BaseColumn returns the mainline column a residual column belongs to.
func BaseColumn(name string) string {
	for _, suffix := range residualSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// OutputColumn returns the column that receives assigned codes for a source
// column: C<name> for ordinary columns, the base column for residual ones.
func OutputColumn(name string) string {
	if IsResidualColumn(name) {
		return BaseColumn(name)
	}
	return "C" + name
}

// ColumnConfig carries the operator's per-column processing options.
type ColumnConfig struct {
	Name         string `json:"name"`
	MultiLabel   bool   `json:"multiLabel"`
	MaxLabels    int    `json:"maxLabels"`
	Context      string `json:"context"`
	MaxNewLabels int    `json:"maxNewLabels"`
}

// Limits tracks new-label creation for one column. Shared and mutated across
// a whole run; once Created reaches Max the engine stops minting labels for
// that column permanently.
type Limits struct {
	Created int
	Max     int
}

func (l *Limits) Exhausted() bool {
	return l.Created >= l.Max
}

// AssignmentResult is the outcome of classifying one answer.
type AssignmentResult struct {
	Codes        []string
	CreatedLabel string
	CreatedCode  string
}

func (r AssignmentResult) CreatedNewLabel() bool {
	return r.CreatedLabel != ""
}

// CellRef identifies one output cell written during a run.
type CellRef struct {
	Row    int
	Column string
}

type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusError     RunStatus = "error"
	StatusCompleted RunStatus = "completed"
)

// RunState is a snapshot of the batch processor position. ColumnIndex and
// RowIndex point at the next row to process, so a resume continues exactly
// where the previous attempt stopped.
type RunState struct {
	Status         RunStatus
	ColumnIndex    int
	RowIndex       int
	CurrentColumn  string
	ProcessedCount int
	TotalCount     int
	LastError      string
}

func (s RunState) Progress() float64 {
	if s.TotalCount == 0 {
		return 0
	}
	return float64(s.ProcessedCount) / float64(s.TotalCount)
}

// RunSummary is computed when a run (and its optional review sweep) finishes.
type RunSummary struct {
	ProcessedColumns int `json:"processed_columns"`
	TotalRecords     int `json:"total_records"`
	NewLabels        int `json:"new_labels"`
	CorrectionsMade  int `json:"corrections_made"`
	TotalReviewed    int `json:"total_reviewed"`
}

// EventType distinguishes frames pushed to progress subscribers.
type EventType string

const (
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// ProgressEvent is delivered after every processed row and on every state
// transition. It is safe to drop events; State() polling is the fallback.
type ProgressEvent struct {
	Type          EventType   `json:"type"`
	Progress      float64     `json:"progress"`
	Message       string      `json:"message"`
	CurrentColumn string      `json:"current_column,omitempty"`
	Status        RunStatus   `json:"status,omitempty"`
	Summary       *RunSummary `json:"summary,omitempty"`
}
