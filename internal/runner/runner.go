// Package runner drives a coding run across the selected response columns:
// row by row, column by column, with stop/resume, duplicate folding and an
// optional review sweep at the end.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"surveycoder/internal/classifier"
	"surveycoder/internal/domain"
	"surveycoder/internal/engine"
	"surveycoder/internal/review"
	"surveycoder/internal/table"
	"surveycoder/internal/taxonomy"
	"surveycoder/internal/textnorm"
)

// Journal receives run progress for auditing. All methods must be safe to call
// from the run goroutine; a nil Journal disables journaling.
type Journal interface {
	Checkpoint(columnIndex, rowIndex, processedCount int)
	NewLabel(question, code, label string)
	Finish(status string)
}

// Config describes one run over one answers table.
type Config struct {
	Columns   []domain.ColumnConfig
	Book      *taxonomy.Book
	Responses *table.Table
	Client    classifier.Client

	// AutoReview chains a confirm-or-correct sweep after coding finishes.
	AutoReview bool
	Journal    Journal
}

// boundColumn is a selected column resolved against the codes sheet.
type boundColumn struct {
	cfg      domain.ColumnConfig
	question string
	output   string
	residual bool
}

// Processor owns one run. Exactly one goroutine mutates the table and the
// taxonomy at a time; State, Summary and ModifiedCells are safe to call from
// HTTP handlers while the run is in flight.
type Processor struct {
	cfg      Config
	engine   *engine.Engine
	reviewer *review.Reviewer

	mu         sync.Mutex
	bound      []boundColumn
	state      domain.RunState
	summary    domain.RunSummary
	limits     map[string]*domain.Limits
	seen       map[string]map[string][]string
	modified   map[domain.CellRef]bool
	minted     []taxonomy.AddedLabel
	events     chan domain.ProgressEvent
	cancel     context.CancelFunc
	skipNext   bool
	reviewDone bool
	reviewCol  int
	reviewRow  int
}

func New(cfg Config) *Processor {
	p := &Processor{
		cfg:      cfg,
		engine:   engine.New(cfg.Client, cfg.Book.Store()),
		reviewer: review.New(cfg.Client, cfg.Book.Store()),
		events:   make(chan domain.ProgressEvent, 256),
	}
	p.state.Status = domain.StatusIdle
	return p
}

// Events delivers progress frames. The channel is never closed; frames are
// dropped rather than block the run when no one is draining.
func (p *Processor) Events() <-chan domain.ProgressEvent {
	return p.events
}

func (p *Processor) State() domain.RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) Summary() domain.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

// MintedLabels returns the labels created so far in this run. It is the
// snapshot handlers read while the run mutates the taxonomy store; the store
// itself belongs to the run goroutine until the run stops.
func (p *Processor) MintedLabels() []taxonomy.AddedLabel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]taxonomy.AddedLabel(nil), p.minted...)
}

// ModifiedCells lists every output cell written during the run, ordered by
// row then column.
func (p *Processor) ModifiedCells() []domain.CellRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.CellRef, 0, len(p.modified))
	for ref := range p.modified {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// Start begins a fresh run from the first row of the first column. It returns
// once the run goroutine is launched.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Status == domain.StatusRunning {
		return errors.New("a run is already in progress")
	}
	if len(p.cfg.Columns) == 0 {
		return errors.New("no columns selected")
	}

	bound, err := p.bindColumns()
	if err != nil {
		return err
	}
	if len(bound) == 0 {
		return errors.New("none of the selected columns maps to a codes-sheet question")
	}
	p.bound = bound

	total := 0
	for _, bc := range bound {
		for row := 0; row < p.cfg.Responses.RowCount(); row++ {
			if textnorm.Normalize(p.cfg.Responses.Cell(row, bc.cfg.Name)) != "" {
				total++
			}
		}
	}

	p.state = domain.RunState{Status: domain.StatusRunning, TotalCount: total}
	p.summary = domain.RunSummary{}
	p.limits = make(map[string]*domain.Limits, len(bound))
	for _, bc := range bound {
		p.limits[bc.cfg.Name] = &domain.Limits{Max: bc.cfg.MaxNewLabels}
	}
	p.seen = make(map[string]map[string][]string)
	p.modified = make(map[domain.CellRef]bool)
	p.minted = nil
	p.skipNext = false
	p.reviewDone = false
	p.reviewCol, p.reviewRow = 0, 0

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
	return nil
}

// Stop asks the run to pause at the next safe point. The row in flight is
// abandoned and re-done on resume.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Status == domain.StatusRunning && p.cancel != nil {
		p.cancel()
	}
}

// Resume continues a paused or failed run from the saved position. With
// skipCurrent the pending row is marked not classifiable instead of
// re-attempted, so it is never silently missing from the output.
func (p *Processor) Resume(ctx context.Context, skipCurrent bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.Status {
	case domain.StatusPaused, domain.StatusError:
	default:
		return fmt.Errorf("cannot resume a run in state %q", p.state.Status)
	}
	p.state.Status = domain.StatusRunning
	p.state.LastError = ""
	p.skipNext = skipCurrent

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
	return nil
}

func (p *Processor) bindColumns() ([]boundColumn, error) {
	var bound []boundColumn
	for _, col := range p.cfg.Columns {
		if !p.cfg.Responses.HasColumn(col.Name) {
			return nil, fmt.Errorf("column %q not found in the answers table", col.Name)
		}
		if col.MultiLabel && col.MaxLabels <= 0 {
			col.MaxLabels = 6
		}
		questions := p.cfg.Book.QuestionsForColumn(col.Name)
		if len(questions) == 0 {
			log.Printf("runner: column %q has no codes-sheet question, skipping", col.Name)
			continue
		}
		bound = append(bound, boundColumn{
			cfg:      col,
			question: questions[0],
			output:   domain.OutputColumn(col.Name),
			residual: domain.IsResidualColumn(col.Name),
		})
	}
	return bound, nil
}

func (p *Processor) run(ctx context.Context) {
	p.mu.Lock()
	ci, ri := p.state.ColumnIndex, p.state.RowIndex
	bound := p.bound
	p.mu.Unlock()

	for ; ci < len(bound); ci++ {
		bc := bound[ci]
		p.setCurrentColumn(bc.cfg.Name)
		p.emit(domain.ProgressEvent{
			Type:          domain.EventStatus,
			Status:        domain.StatusRunning,
			CurrentColumn: bc.cfg.Name,
			Progress:      p.State().Progress(),
			Message:       fmt.Sprintf("coding column %d of %d: %s", ci+1, len(bound), bc.cfg.Name),
		})
		p.cfg.Responses.EnsureColumn(bc.output)

		opts := engine.Options{
			MultiLabel:   bc.cfg.MultiLabel,
			MaxLabels:    bc.cfg.MaxLabels,
			Context:      bc.cfg.Context,
			Residual:     bc.residual,
			MainQuestion: bc.question,
		}

		for ; ri < p.cfg.Responses.RowCount(); ri++ {
			if ctx.Err() != nil {
				p.pause(ci, ri)
				return
			}
			raw := p.cfg.Responses.Cell(ri, bc.cfg.Name)
			norm := textnorm.Normalize(raw)
			if norm == "" {
				continue
			}

			if p.takeSkip() {
				p.writeCodes(ri, bc, []string{domain.CodeNotClassifiable})
				p.advance(ci, ri)
				continue
			}

			// Cells coded on a previous run are kept as-is; their codes still
			// seed the duplicate map so later identical answers reuse them.
			if !bc.residual {
				if existing := strings.TrimSpace(p.cfg.Responses.Cell(ri, bc.output)); existing != "" {
					p.rememberSeen(bc.cfg.Name, norm, taxonomy.CleanCodes(existing))
					p.advance(ci, ri)
					continue
				}
			}

			if codes, ok := p.lookupSeen(bc.cfg.Name, norm); ok {
				p.writeCodes(ri, bc, codes)
				p.advance(ci, ri)
				continue
			}

			result, err := p.engine.Assign(ctx, bc.question, raw, p.limits[bc.cfg.Name], opts)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					p.pause(ci, ri)
					return
				}
				p.fail(ci, ri, err)
				return
			}
			p.rememberSeen(bc.cfg.Name, norm, result.Codes)
			if result.CreatedNewLabel() {
				p.mu.Lock()
				p.summary.NewLabels++
				p.minted = append(p.minted, taxonomy.AddedLabel{
					Question: bc.question,
					Code:     result.CreatedCode,
					Label:    result.CreatedLabel,
				})
				p.mu.Unlock()
				if p.cfg.Journal != nil {
					p.cfg.Journal.NewLabel(bc.question, result.CreatedCode, result.CreatedLabel)
				}
			}
			p.writeCodes(ri, bc, result.Codes)
			p.advance(ci, ri)
		}
		ri = 0
		p.savePosition(ci+1, 0)
	}

	if p.cfg.AutoReview && !p.isReviewDone() {
		if err := p.reviewSweep(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				p.pause(len(bound), 0)
				return
			}
			p.fail(len(bound), 0, err)
			return
		}
		p.setReviewDone()
	}

	p.complete(len(bound))
}

// reviewSweep asks the model to confirm or correct every coded cell. It never
// mints new labels and runs after all columns are coded. The sweep keeps its
// own position like the coding loop, so an interrupted sweep resumes where it
// stopped instead of re-counting rows it already reviewed.
func (p *Processor) reviewSweep(ctx context.Context) error {
	p.mu.Lock()
	ci, ri := p.reviewCol, p.reviewRow
	p.mu.Unlock()

	p.emit(domain.ProgressEvent{
		Type:    domain.EventStatus,
		Status:  domain.StatusRunning,
		Message: "reviewing assigned codes",
	})
	for ; ci < len(p.bound); ci++ {
		bc := p.bound[ci]
		for ; ri < p.cfg.Responses.RowCount(); ri++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			answer := p.cfg.Responses.Cell(ri, bc.cfg.Name)
			if textnorm.Normalize(answer) == "" {
				continue
			}
			codes := taxonomy.CleanCodes(p.cfg.Responses.Cell(ri, bc.output))
			if len(codes) == 0 {
				continue
			}
			outcome, err := p.reviewer.Review(ctx, bc.question, answer, codes)
			if err != nil {
				return err
			}
			if !outcome.Confirmed {
				p.cfg.Responses.SetCell(ri, bc.output, joinCodes(outcome.CorrectedCodes))
			}
			p.mu.Lock()
			p.summary.TotalReviewed++
			if !outcome.Confirmed {
				p.summary.CorrectionsMade++
				p.modified[domain.CellRef{Row: ri, Column: bc.output}] = true
			}
			p.reviewCol, p.reviewRow = ci, ri+1
			p.mu.Unlock()
		}
		ri = 0
		p.mu.Lock()
		p.reviewCol, p.reviewRow = ci+1, 0
		p.mu.Unlock()
	}
	return nil
}

// writeCodes stores the assigned codes. Ordinary columns are overwritten;
// residual columns merge into the base column, where an organic code displaces
// the "not classifiable" sentinel.
func (p *Processor) writeCodes(row int, bc boundColumn, codes []string) {
	if bc.residual {
		existing := taxonomy.CleanCodes(p.cfg.Responses.Cell(row, bc.output))
		codes = mergeResidual(existing, codes)
	}
	p.cfg.Responses.SetCell(row, bc.output, joinCodes(codes))
	p.mu.Lock()
	p.modified[domain.CellRef{Row: row, Column: bc.output}] = true
	p.mu.Unlock()
}

func mergeResidual(existing, incoming []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, code := range append(append([]string(nil), existing...), incoming...) {
		if code != "" && !seen[code] {
			seen[code] = true
			merged = append(merged, code)
		}
	}
	merged = taxonomy.FilterSentinels(merged)
	sort.Slice(merged, func(i, j int) bool {
		a, errA := strconv.Atoi(merged[i])
		b, errB := strconv.Atoi(merged[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return merged[i] < merged[j]
	})
	return merged
}

func joinCodes(codes []string) string {
	return strings.Join(codes, "; ")
}

func (p *Processor) advance(columnIndex, rowIndex int) {
	p.mu.Lock()
	p.state.ProcessedCount++
	p.state.ColumnIndex = columnIndex
	p.state.RowIndex = rowIndex + 1
	ev := domain.ProgressEvent{
		Type:          domain.EventProgress,
		Status:        domain.StatusRunning,
		CurrentColumn: p.state.CurrentColumn,
		Progress:      p.state.Progress(),
		Message:       fmt.Sprintf("%d of %d answers coded", p.state.ProcessedCount, p.state.TotalCount),
	}
	processed := p.state.ProcessedCount
	p.mu.Unlock()

	if p.cfg.Journal != nil {
		p.cfg.Journal.Checkpoint(columnIndex, rowIndex+1, processed)
	}
	p.emit(ev)
}

func (p *Processor) savePosition(columnIndex, rowIndex int) {
	p.mu.Lock()
	p.state.ColumnIndex = columnIndex
	p.state.RowIndex = rowIndex
	processed := p.state.ProcessedCount
	p.mu.Unlock()
	if p.cfg.Journal != nil {
		p.cfg.Journal.Checkpoint(columnIndex, rowIndex, processed)
	}
}

func (p *Processor) pause(columnIndex, rowIndex int) {
	p.mu.Lock()
	p.state.Status = domain.StatusPaused
	p.state.ColumnIndex = columnIndex
	p.state.RowIndex = rowIndex
	processed := p.state.ProcessedCount
	ev := domain.ProgressEvent{
		Type:     domain.EventStatus,
		Status:   domain.StatusPaused,
		Progress: p.state.Progress(),
		Message:  "run paused",
	}
	p.mu.Unlock()

	if p.cfg.Journal != nil {
		p.cfg.Journal.Checkpoint(columnIndex, rowIndex, processed)
	}
	log.Printf("runner: paused at column %d row %d", columnIndex, rowIndex)
	p.emit(ev)
}

// fail records the error without advancing past the failing row, so a plain
// resume retries it and resume(skipCurrent) steps over it.
func (p *Processor) fail(columnIndex, rowIndex int, err error) {
	p.mu.Lock()
	p.state.Status = domain.StatusError
	p.state.LastError = err.Error()
	p.state.ColumnIndex = columnIndex
	p.state.RowIndex = rowIndex
	processed := p.state.ProcessedCount
	ev := domain.ProgressEvent{
		Type:     domain.EventError,
		Status:   domain.StatusError,
		Progress: p.state.Progress(),
		Message:  err.Error(),
	}
	p.mu.Unlock()

	if p.cfg.Journal != nil {
		p.cfg.Journal.Checkpoint(columnIndex, rowIndex, processed)
	}
	log.Printf("runner: halted at column %d row %d: %v", columnIndex, rowIndex, err)
	p.emit(ev)
}

func (p *Processor) complete(processedColumns int) {
	p.mu.Lock()
	p.state.Status = domain.StatusCompleted
	p.state.ColumnIndex = processedColumns
	p.state.RowIndex = 0
	p.summary.ProcessedColumns = processedColumns
	p.summary.TotalRecords = p.state.ProcessedCount
	summary := p.summary
	ev := domain.ProgressEvent{
		Type:     domain.EventComplete,
		Status:   domain.StatusCompleted,
		Progress: 1,
		Message:  "run completed",
		Summary:  &summary,
	}
	p.mu.Unlock()

	if p.cfg.Journal != nil {
		p.cfg.Journal.Finish(string(domain.StatusCompleted))
	}
	log.Printf("runner: completed, %d answers coded, %d new labels", summary.TotalRecords, summary.NewLabels)
	p.emit(ev)
}

func (p *Processor) setCurrentColumn(name string) {
	p.mu.Lock()
	p.state.CurrentColumn = name
	p.mu.Unlock()
}

func (p *Processor) takeSkip() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.skipNext {
		p.skipNext = false
		return true
	}
	return false
}

func (p *Processor) isReviewDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reviewDone
}

func (p *Processor) setReviewDone() {
	p.mu.Lock()
	p.reviewDone = true
	p.mu.Unlock()
}

func (p *Processor) rememberSeen(column, norm string, codes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byAnswer, ok := p.seen[column]
	if !ok {
		byAnswer = make(map[string][]string)
		p.seen[column] = byAnswer
	}
	byAnswer[norm] = append([]string(nil), codes...)
}

func (p *Processor) lookupSeen(column, norm string) ([]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	codes, ok := p.seen[column][norm]
	return codes, ok
}

func (p *Processor) emit(ev domain.ProgressEvent) {
	select {
	case p.events <- ev:
	default:
	}
}
