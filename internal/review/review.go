// Package review re-examines codes that were already assigned, asking the
// model to confirm or correct each assignment. It never creates labels:
// corrections must resolve to codes already present in the taxonomy,
// otherwise the original assignment stands.
package review

import (
	"context"
	"fmt"
	"strings"

	"surveycoder/internal/classifier"
	"surveycoder/internal/domain"
	"surveycoder/internal/taxonomy"
)

const reviewSystemPrompt = `You are an expert survey coding reviewer. YOUR REPLY MUST BE ONLY THE CODES SEPARATED BY SEMICOLONS (e.g. 01;05). NO EXTRA TEXT, NO EXPLANATIONS, NO QUOTES. ONLY NUMBERS AND ;.`

// Outcome is the result of reviewing one assignment.
type Outcome struct {
	Confirmed      bool
	CorrectedCodes []string
}

type Reviewer struct {
	Client classifier.Client
	Store  *taxonomy.Store
}

func New(client classifier.Client, store *taxonomy.Store) *Reviewer {
	return &Reviewer{Client: client, Store: store}
}

// Review verifies one existing assignment. Classifier exhaustion and
// cancellation propagate; any other anomaly confirms the original codes.
func (r *Reviewer) Review(ctx context.Context, question, answer string, assigned []string) (Outcome, error) {
	reply, _, err := r.Client.Complete(ctx, r.buildRequest(question, answer, assigned))
	if err != nil {
		return Outcome{}, err
	}

	proposed := taxonomy.CleanCodes(reply)
	if len(proposed) == 0 {
		return Outcome{Confirmed: true}, nil
	}
	// Discard corrections that fall outside the taxonomy.
	for _, code := range proposed {
		if !r.Store.HasCode(question, code) && !domain.IsSentinel(code) {
			return Outcome{Confirmed: true}, nil
		}
	}
	proposed = taxonomy.FilterSentinels(proposed)
	if equalCodes(proposed, assigned) {
		return Outcome{Confirmed: true}, nil
	}
	return Outcome{CorrectedCodes: proposed}, nil
}

func (r *Reviewer) buildRequest(question, answer string, assigned []string) classifier.Request {
	valid := r.Store.LabelsFor(question)
	var codes, labels []string
	for _, e := range valid {
		codes = append(codes, e.Code)
		labels = append(labels, e.Label)
	}
	user := fmt.Sprintf(`Given the question: %q, the response: %q, and the assigned codes: %s.
The valid codes for this question are: %s, with these corresponding labels: %s.
It is very important to assign the codes that capture the literal idea of the response.
If the assigned codes are wrong or codes are missing, return the corrected semicolon-separated list.
If the assignment is correct, return the same list unchanged.
If one idea in the response could map to several codes, assign only one code per idea.
Codes must be two digits and separated by semicolons.`,
		question, answer, strings.Join(assigned, ";"),
		strings.Join(codes, ", "), strings.Join(labels, ", "))
	return classifier.Request{System: reviewSystemPrompt, User: user}
}

func equalCodes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
