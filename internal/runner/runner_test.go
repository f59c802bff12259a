package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"surveycoder/internal/classifier"
	"surveycoder/internal/domain"
	"surveycoder/internal/table"
	"surveycoder/internal/taxonomy"
)

func testBook(t *testing.T, rows [][]string) *taxonomy.Book {
	t.Helper()
	tab := table.New([]string{"Nombre de la Pregunta", "Label", "Cod", "Id campo", "# Pregunta del formulario"})
	tab.Rows = rows
	book, err := taxonomy.LoadBook(tab, taxonomy.DefaultColumns())
	if err != nil {
		t.Fatalf("LoadBook: %v", err)
	}
	return book
}

func purchaseBook(t *testing.T) *taxonomy.Book {
	t.Helper()
	return testBook(t, [][]string{
		{"Razón de compra", "Precio", "01", "CRAZON", "5"},
		{"", "Calidad", "02", "CRAZON", ""},
		{"", "No clasificable", "77", "CRAZON", ""},
	})
}

func answersTable(column string, answers ...string) *table.Table {
	tab := table.New([]string{column})
	for _, a := range answers {
		tab.Rows = append(tab.Rows, []string{a})
	}
	return tab
}

// fakeClient answers by inspecting the user prompt. Safe for the run
// goroutine; calls counts every invocation.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req classifier.Request) (string, error)
}

func (c *fakeClient) Complete(_ context.Context, req classifier.Request) (string, classifier.Usage, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	reply, err := c.fn(n, req)
	return reply, classifier.Usage{}, err
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitForStatus(t *testing.T, p *Processor, want ...domain.RunStatus) domain.RunState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := p.State()
		for _, w := range want {
			if st.Status == w {
				return st
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run never reached %v, state = %+v", want, p.State())
	return domain.RunState{}
}

func TestRunCompletesAndEmitsSummary(t *testing.T) {
	client := &fakeClient{fn: func(_ int, req classifier.Request) (string, error) {
		if strings.Contains(strings.ToLower(req.User), "caro") {
			return "Precio", nil
		}
		return "Calidad", nil
	}}
	tab := answersTable("RAZON", "Muy caro", "Buena calidad")
	proc := New(Config{
		Columns:   []domain.ColumnConfig{{Name: "RAZON", MaxNewLabels: 5}},
		Book:      purchaseBook(t),
		Responses: tab,
		Client:    client,
	})

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, proc, domain.StatusCompleted)

	if got := tab.Cell(0, "CRAZON"); got != "01" {
		t.Errorf("row 0 = %q, want %q", got, "01")
	}
	if got := tab.Cell(1, "CRAZON"); got != "02" {
		t.Errorf("row 1 = %q, want %q", got, "02")
	}

	sum := proc.Summary()
	if sum.ProcessedColumns != 1 || sum.TotalRecords != 2 || sum.NewLabels != 0 {
		t.Errorf("summary = %+v", sum)
	}

	cells := proc.ModifiedCells()
	if len(cells) != 2 {
		t.Fatalf("ModifiedCells = %v, want 2 entries", cells)
	}
	if cells[0] != (domain.CellRef{Row: 0, Column: "CRAZON"}) {
		t.Errorf("first modified cell = %+v", cells[0])
	}

	foundComplete := false
	for {
		select {
		case ev := <-proc.Events():
			if ev.Type == domain.EventComplete {
				foundComplete = true
				if ev.Summary == nil || ev.Summary.TotalRecords != 2 {
					t.Errorf("complete event summary = %+v", ev.Summary)
				}
			}
			continue
		default:
		}
		break
	}
	if !foundComplete {
		t.Error("no complete event emitted")
	}
}

func TestDuplicateAnswersAskTheModelOnce(t *testing.T) {
	client := &fakeClient{fn: func(_ int, _ classifier.Request) (string, error) {
		return "Precio", nil
	}}
	tab := answersTable("RAZON", "Muy caro", "  muy CARO ", "¡Muy carö!")
	proc := New(Config{
		Columns:   []domain.ColumnConfig{{Name: "RAZON", MaxNewLabels: 5}},
		Book:      purchaseBook(t),
		Responses: tab,
		Client:    client,
	})

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, proc, domain.StatusCompleted)

	if client.callCount() != 1 {
		t.Errorf("classifier calls = %d, want 1", client.callCount())
	}
	for row := 0; row < 3; row++ {
		if got := tab.Cell(row, "CRAZON"); got != "01" {
			t.Errorf("row %d = %q, want %q", row, got, "01")
		}
	}
}

// gateClient signals its first invocation and then holds the reply until
// released or the run context is cancelled.
type gateClient struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	reply   string
}

func (c *gateClient) Complete(ctx context.Context, _ classifier.Request) (string, classifier.Usage, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
		return c.reply, classifier.Usage{}, nil
	case <-ctx.Done():
		return "", classifier.Usage{}, ctx.Err()
	}
}

func TestStopPausesAndResumeFinishes(t *testing.T) {
	client := &gateClient{
		started: make(chan struct{}),
		release: make(chan struct{}),
		reply:   "Precio",
	}
	tab := answersTable("RAZON", "Muy caro", "Carísimo")
	proc := New(Config{
		Columns:   []domain.ColumnConfig{{Name: "RAZON", MaxNewLabels: 5}},
		Book:      purchaseBook(t),
		Responses: tab,
		Client:    client,
	})

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-client.started
	proc.Stop()

	st := waitForStatus(t, proc, domain.StatusPaused)
	if st.ColumnIndex != 0 || st.RowIndex != 0 {
		t.Errorf("paused at (%d, %d), want (0, 0)", st.ColumnIndex, st.RowIndex)
	}
	if got := tab.Cell(0, "CRAZON"); got != "" {
		t.Errorf("abandoned row was written: %q", got)
	}

	close(client.release)
	if err := proc.Resume(context.Background(), false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, proc, domain.StatusCompleted)

	for row := 0; row < 2; row++ {
		if got := tab.Cell(row, "CRAZON"); got != "01" {
			t.Errorf("row %d = %q, want %q", row, got, "01")
		}
	}
	if sum := proc.Summary(); sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
}

func TestFailureHaltsAndResumeSkipMarksIncoherent(t *testing.T) {
	client := &fakeClient{fn: func(_ int, req classifier.Request) (string, error) {
		if strings.Contains(req.User, "asdfgh") {
			return "", errors.New("upstream unavailable")
		}
		return "Precio", nil
	}}
	tab := answersTable("RAZON", "Muy caro", "asdfgh", "Carísimo")
	proc := New(Config{
		Columns:   []domain.ColumnConfig{{Name: "RAZON", MaxNewLabels: 5}},
		Book:      purchaseBook(t),
		Responses: tab,
		Client:    client,
	})

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := waitForStatus(t, proc, domain.StatusError)
	if st.LastError == "" {
		t.Error("LastError not recorded")
	}
	if st.RowIndex != 1 {
		t.Errorf("halted at row %d, want 1", st.RowIndex)
	}
	if got := tab.Cell(1, "CRAZON"); got != "" {
		t.Errorf("failing row was written: %q", got)
	}

	if err := proc.Resume(context.Background(), true); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, proc, domain.StatusCompleted)

	if got := tab.Cell(0, "CRAZON"); got != "01" {
		t.Errorf("row 0 = %q, want %q", got, "01")
	}
	if got := tab.Cell(1, "CRAZON"); got != domain.CodeNotClassifiable {
		t.Errorf("skipped row = %q, want %q", got, domain.CodeNotClassifiable)
	}
	if got := tab.Cell(2, "CRAZON"); got != "01" {
		t.Errorf("row 2 = %q, want %q", got, "01")
	}
}

func TestResidualColumnMergesIntoBase(t *testing.T) {
	book := testBook(t, [][]string{
		{"Satisfacción", "Buen servicio", "01", "SATIS", "3"},
		{"", "No clasificable", "77", "SATIS", ""},
	})
	client := &fakeClient{fn: func(call int, _ classifier.Request) (string, error) {
		if call == 1 {
			return "NEW_LABEL_NEEDED", nil
		}
		return "Empaque dañado", nil
	}}
	tab := table.New([]string{"SATIS", "SATIS_OTRO"})
	tab.Rows = append(tab.Rows, []string{"77", "El empaque venía roto"})

	proc := New(Config{
		Columns:   []domain.ColumnConfig{{Name: "SATIS_OTRO", MaxNewLabels: 2}},
		Book:      book,
		Responses: tab,
		Client:    client,
	})
	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, proc, domain.StatusCompleted)

	if got := tab.Cell(0, "SATIS"); got != "501" {
		t.Errorf("merged base cell = %q, want %q", got, "501")
	}
	added := book.Store().Added()
	if len(added) != 1 || added[0].Code != "501" || added[0].Label != "Empaque dañado" {
		t.Errorf("added labels = %+v", added)
	}
	minted := proc.MintedLabels()
	if len(minted) != 1 || minted[0].Code != "501" || minted[0].Label != "Empaque dañado" {
		t.Errorf("MintedLabels = %+v", minted)
	}
	if sum := proc.Summary(); sum.NewLabels != 1 {
		t.Errorf("NewLabels = %d, want 1", sum.NewLabels)
	}
}

func TestAutoReviewCorrectsCells(t *testing.T) {
	client := &fakeClient{fn: func(call int, req classifier.Request) (string, error) {
		switch call {
		case 1, 2:
			return "Precio", nil
		case 3:
			return "01", nil
		default:
			return "02", nil
		}
	}}
	tab := answersTable("RAZON", "Muy caro", "Excelente calidad")
	proc := New(Config{
		Columns:    []domain.ColumnConfig{{Name: "RAZON", MaxNewLabels: 5}},
		Book:       purchaseBook(t),
		Responses:  tab,
		Client:     client,
		AutoReview: true,
	})

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, proc, domain.StatusCompleted)

	if got := tab.Cell(0, "CRAZON"); got != "01" {
		t.Errorf("confirmed cell = %q, want %q", got, "01")
	}
	if got := tab.Cell(1, "CRAZON"); got != "02" {
		t.Errorf("corrected cell = %q, want %q", got, "02")
	}
	sum := proc.Summary()
	if sum.TotalReviewed != 2 || sum.CorrectionsMade != 1 {
		t.Errorf("summary = %+v, want TotalReviewed=2 CorrectionsMade=1", sum)
	}
}

// pausingReviewClient codes the first two answers immediately, confirms the
// first review call, then holds the second review call until released.
type pausingReviewClient struct {
	mu      sync.Mutex
	calls   int
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (c *pausingReviewClient) Complete(ctx context.Context, _ classifier.Request) (string, classifier.Usage, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	switch {
	case n <= 2:
		return "Precio", classifier.Usage{}, nil
	case n == 3:
		return "01", classifier.Usage{}, nil
	default:
		c.once.Do(func() { close(c.started) })
		select {
		case <-c.release:
			return "01", classifier.Usage{}, nil
		case <-ctx.Done():
			return "", classifier.Usage{}, ctx.Err()
		}
	}
}

func TestStopDuringReviewResumesWithoutRecounting(t *testing.T) {
	client := &pausingReviewClient{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	tab := answersTable("RAZON", "Muy caro", "Carísimo")
	proc := New(Config{
		Columns:    []domain.ColumnConfig{{Name: "RAZON", MaxNewLabels: 5}},
		Book:       purchaseBook(t),
		Responses:  tab,
		Client:     client,
		AutoReview: true,
	})

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-client.started
	proc.Stop()
	waitForStatus(t, proc, domain.StatusPaused)

	if sum := proc.Summary(); sum.TotalReviewed != 1 {
		t.Fatalf("TotalReviewed while paused = %d, want 1", sum.TotalReviewed)
	}

	close(client.release)
	if err := proc.Resume(context.Background(), false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, proc, domain.StatusCompleted)

	sum := proc.Summary()
	if sum.TotalReviewed != 2 {
		t.Errorf("TotalReviewed = %d, want 2", sum.TotalReviewed)
	}
	if sum.CorrectionsMade != 0 {
		t.Errorf("CorrectionsMade = %d, want 0", sum.CorrectionsMade)
	}
}

func TestStartRejectsUnknownColumn(t *testing.T) {
	proc := New(Config{
		Columns:   []domain.ColumnConfig{{Name: "NOPE"}},
		Book:      purchaseBook(t),
		Responses: answersTable("RAZON", "Muy caro"),
		Client:    &fakeClient{fn: func(int, classifier.Request) (string, error) { return "", nil }},
	})
	if err := proc.Start(context.Background()); err == nil {
		t.Fatal("expected an error for a column the table does not have")
	}
}
