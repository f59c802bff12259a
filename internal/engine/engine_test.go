package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"surveycoder/internal/classifier"
	"surveycoder/internal/domain"
	"surveycoder/internal/taxonomy"
)

// scripted returns canned replies in order and records the prompts it saw.
type scripted struct {
	replies []string
	err     error
	calls   int
	prompts []classifier.Request
}

func (s *scripted) Complete(ctx context.Context, req classifier.Request) (string, classifier.Usage, error) {
	s.calls++
	s.prompts = append(s.prompts, req)
	if s.err != nil {
		return "", classifier.Usage{}, s.err
	}
	if len(s.replies) == 0 {
		return "NONE", classifier.Usage{}, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, classifier.Usage{}, nil
}

func storeQ1() *taxonomy.Store {
	s := taxonomy.NewStore()
	s.Load("Q1", taxonomy.Entry{Code: "01", Label: "Precio"})
	s.Load("Q1", taxonomy.Entry{Code: "02", Label: "Calidad"})
	s.Load("Q1", taxonomy.Entry{Code: "99", Label: "No sabe"})
	return s
}

func TestAssignEmptyAnswerNoModelCall(t *testing.T) {
	client := &scripted{}
	e := New(client, storeQ1())
	res, err := e.Assign(context.Background(), "Q1", "   ", &domain.Limits{Max: 5}, Options{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(res.Codes) != 1 || res.Codes[0] != domain.CodeNotClassifiable {
		t.Fatalf("codes = %v", res.Codes)
	}
	if client.calls != 0 {
		t.Fatalf("model must not be invoked for empty answers, got %d calls", client.calls)
	}
}

func TestAssignExistingLabel(t *testing.T) {
	client := &scripted{replies: []string{"precio"}}
	e := New(client, storeQ1())
	res, err := e.Assign(context.Background(), "Q1", "muy caro todo", &domain.Limits{Max: 5}, Options{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(res.Codes) != 1 || res.Codes[0] != "01" {
		t.Fatalf("codes = %v", res.Codes)
	}
	if res.CreatedNewLabel() {
		t.Fatal("no label should be created")
	}
	// Sentinel labels must never be offered as candidates.
	if strings.Contains(client.prompts[0].User, "No sabe") {
		t.Fatalf("sentinel label leaked into prompt: %s", client.prompts[0].User)
	}
}

func TestAssignNewLabelPath(t *testing.T) {
	client := &scripted{replies: []string{"NEW_LABEL_NEEDED", "Mal servicio"}}
	store := storeQ1()
	e := New(client, store)
	limits := &domain.Limits{Max: 2}
	res, err := e.Assign(context.Background(), "Q1", "me atendieron mal", limits, Options{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.CreatedLabel != "Mal servicio" || res.CreatedCode != "03" {
		t.Fatalf("created = %q/%q", res.CreatedLabel, res.CreatedCode)
	}
	if len(res.Codes) != 1 || res.Codes[0] != "03" {
		t.Fatalf("codes = %v", res.Codes)
	}
	if limits.Created != 1 {
		t.Fatalf("limit not incremented: %+v", limits)
	}
	if !store.HasCode("Q1", "03") {
		t.Fatal("label not saved to the store")
	}
}

func TestAssignNewLabelCapReached(t *testing.T) {
	client := &scripted{replies: []string{"NEW_LABEL_NEEDED"}}
	e := New(client, storeQ1())
	limits := &domain.Limits{Created: 1, Max: 1}
	res, err := e.Assign(context.Background(), "Q1", "algo nuevo", limits, Options{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(res.Codes) != 1 || res.Codes[0] != domain.CodeNotClassifiable {
		t.Fatalf("codes = %v", res.Codes)
	}
	if limits.Created != 1 {
		t.Fatalf("cap event must not count against the limit again: %+v", limits)
	}
	if client.calls != 1 {
		t.Fatalf("creation prompt must be skipped once capped, calls=%d", client.calls)
	}
}

func TestAssignProposalReusesExistingLabel(t *testing.T) {
	// Model proposes text that normalizes onto an existing label: reuse the
	// code, spend nothing.
	client := &scripted{replies: []string{"  CALIDAD "}}
	e := New(client, storeQ1())
	limits := &domain.Limits{Max: 1}
	res, err := e.Assign(context.Background(), "Q1", "buena calidad", limits, Options{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(res.Codes) != 1 || res.Codes[0] != "02" {
		t.Fatalf("codes = %v", res.Codes)
	}
	if limits.Created != 0 {
		t.Fatalf("reuse must not spend the cap: %+v", limits)
	}
}

func TestAssignNoneYieldsSentinel(t *testing.T) {
	client := &scripted{replies: []string{"NONE"}}
	e := New(client, storeQ1())
	res, err := e.Assign(context.Background(), "Q1", "asdfgh", &domain.Limits{Max: 5}, Options{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(res.Codes) != 1 || res.Codes[0] != domain.CodeNotClassifiable {
		t.Fatalf("codes = %v", res.Codes)
	}
}

func TestAssignMultiLabel(t *testing.T) {
	client := &scripted{replies: []string{"Precio", "Calidad", "NONE"}}
	e := New(client, storeQ1())
	res, err := e.Assign(context.Background(), "Q1", "caro y de mala calidad", &domain.Limits{Max: 5},
		Options{MultiLabel: true, MaxLabels: 4})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	want := []string{"01", "02"}
	if len(res.Codes) != 2 || res.Codes[0] != want[0] || res.Codes[1] != want[1] {
		t.Fatalf("codes = %v, want %v", res.Codes, want)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 rounds, got %d", client.calls)
	}
	// Second round must not re-offer the already assigned label.
	if strings.Contains(client.prompts[1].User, "Precio") {
		t.Fatalf("assigned label re-offered: %s", client.prompts[1].User)
	}
}

func TestAssignResidualFoldBack(t *testing.T) {
	store := taxonomy.NewStore()
	store.Load("Servicio", taxonomy.Entry{Code: "01", Label: "Buena atención"})
	store.Load("Servicio", taxonomy.Entry{Code: "02", Label: "Rapidez"})

	// First round says NONE -> 77; fold-back matches the mainline label
	// directly by normalized text, no extra model call needed.
	client := &scripted{replies: []string{"NONE"}}
	e := New(client, store)
	res, err := e.Assign(context.Background(), "Servicio", "buena atencion", &domain.Limits{Max: 0},
		Options{Residual: true, MainQuestion: "Servicio"})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(res.Codes) != 1 || res.Codes[0] != "01" {
		t.Fatalf("fold-back failed, codes = %v", res.Codes)
	}
}

func TestAssignResidualFoldBackViaModel(t *testing.T) {
	store := taxonomy.NewStore()
	store.Load("Servicio", taxonomy.Entry{Code: "01", Label: "Buena atención"})
	store.Load("Servicio", taxonomy.Entry{Code: "02", Label: "Rapidez"})

	client := &scripted{replies: []string{"NONE", "Rapidez"}}
	e := New(client, store)
	res, err := e.Assign(context.Background(), "Servicio", "me atendieron volando", &domain.Limits{Max: 0},
		Options{Residual: true, MainQuestion: "Servicio"})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(res.Codes) != 1 || res.Codes[0] != "02" {
		t.Fatalf("codes = %v", res.Codes)
	}
}

func TestAssignResidualNewCodeUsesFloor(t *testing.T) {
	store := taxonomy.NewStore()
	store.Load("Servicio", taxonomy.Entry{Code: "01", Label: "Buena atención"})

	client := &scripted{replies: []string{"NEW_LABEL_NEEDED", "Parqueadero amplio"}}
	e := New(client, store)
	res, err := e.Assign(context.Background(), "Servicio", "tiene parqueadero", &domain.Limits{Max: 3},
		Options{Residual: true, MainQuestion: "Servicio"})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.CreatedCode != "501" {
		t.Fatalf("residual code = %q, want 501", res.CreatedCode)
	}
	if res.Codes[0] != "501" {
		t.Fatalf("codes = %v", res.Codes)
	}
}

func TestAssignPropagatesClassifierFailure(t *testing.T) {
	boom := &classifier.UnavailableError{Attempts: 5, Last: errors.New("network down")}
	client := &scripted{err: boom}
	e := New(client, storeQ1())
	_, err := e.Assign(context.Background(), "Q1", "respuesta", &domain.Limits{Max: 5}, Options{})
	if !classifier.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
