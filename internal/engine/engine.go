// Package engine decides which code(s) one answer receives: an existing
// category, a freshly minted one, or the "not classifiable" sentinel.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"surveycoder/internal/classifier"
	"surveycoder/internal/domain"
	"surveycoder/internal/taxonomy"
	"surveycoder/internal/textnorm"
)

// Reply tokens the model is instructed to use.
const (
	tokenNewLabel = "NEW_LABEL_NEEDED"
	tokenNone     = "NONE"
)

// Options carries the per-column behavior for one Assign call.
type Options struct {
	MultiLabel bool
	MaxLabels  int
	Context    string
	// Residual marks "_OTRO/_OTRA" columns: new codes start at the residual
	// floor, and a 77 outcome gets one fold-back pass against MainQuestion.
	Residual     bool
	MainQuestion string
}

// Engine classifies single answers. It is stateless across calls except for
// the shared limits object the caller owns.
type Engine struct {
	Client classifier.Client
	Store  *taxonomy.Store
}

func New(client classifier.Client, store *taxonomy.Store) *Engine {
	return &Engine{Client: client, Store: store}
}

// Assign runs the full decision path for one (question, answer) pair.
// It returns an error only on classifier exhaustion or cancellation; "no
// suitable label" is a normal outcome, not an error.
func (e *Engine) Assign(ctx context.Context, question, answer string, limits *domain.Limits, opts Options) (domain.AssignmentResult, error) {
	var result domain.AssignmentResult

	if textnorm.Normalize(answer) == "" {
		result.Codes = []string{domain.CodeNotClassifiable}
		return result, nil
	}

	rounds := 1
	if opts.MultiLabel && opts.MaxLabels > 1 {
		rounds = opts.MaxLabels
	}

	assigned := make(map[string]bool)
	for round := 0; round < rounds; round++ {
		code, created, err := e.assignOne(ctx, question, answer, limits, opts, assigned)
		if err != nil {
			return result, err
		}
		if code == "" {
			// No further applicable category.
			break
		}
		if created.Label != "" {
			result.CreatedLabel = created.Label
			result.CreatedCode = created.Code
		}
		if domain.IsSentinel(code) {
			if len(result.Codes) == 0 {
				result.Codes = []string{code}
			}
			break
		}
		if !assigned[code] {
			assigned[code] = true
			result.Codes = append(result.Codes, code)
		}
	}

	if len(result.Codes) == 0 {
		result.Codes = []string{domain.CodeNotClassifiable}
	}
	result.Codes = taxonomy.FilterSentinels(result.Codes)

	if opts.Residual && len(result.Codes) == 1 && result.Codes[0] == domain.CodeNotClassifiable {
		if code, err := e.foldBack(ctx, answer, opts); err != nil {
			return result, err
		} else if code != "" {
			result.Codes = []string{code}
		}
	}
	return result, nil
}

type createdLabel struct {
	Label string
	Code  string
}

// assignOne performs one classification round. A "" code means the model
// signalled no further applicable category.
func (e *Engine) assignOne(ctx context.Context, question, answer string, limits *domain.Limits, opts Options, exclude map[string]bool) (string, createdLabel, error) {
	candidates := remaining(e.Store.CandidateLabels(question), exclude)

	if len(candidates) == 0 {
		// Nothing to match against; go straight to the new-label path on the
		// first round, stop on later ones.
		if len(exclude) > 0 {
			return "", createdLabel{}, nil
		}
		return e.newLabelPath(ctx, question, answer, "", limits, opts)
	}

	reply, _, err := e.Client.Complete(ctx, buildAssignRequest(question, answer, candidates, opts))
	if err != nil {
		return "", createdLabel{}, err
	}

	verdict := parseReply(reply)
	switch {
	case verdict.none:
		if len(exclude) > 0 {
			return "", createdLabel{}, nil
		}
		return domain.CodeNotClassifiable, createdLabel{}, nil
	case verdict.newLabel:
		return e.newLabelPath(ctx, question, answer, "", limits, opts)
	}

	// Exact label text wins; a bare code from a disobedient model is accepted
	// when it exists in the taxonomy.
	if code, ok := e.Store.FindCodeByLabel(question, verdict.text); ok {
		return code, createdLabel{}, nil
	}
	if codes := taxonomy.CleanCodes(verdict.text); len(codes) == 1 && e.Store.HasCode(question, codes[0]) {
		return codes[0], createdLabel{}, nil
	}

	// Anything else is a proposed new label.
	return e.newLabelPath(ctx, question, answer, verdict.text, limits, opts)
}

// newLabelPath mints a label when the cap allows it, otherwise yields the
// sentinel. A proposal that normalizes onto an existing label reuses its code
// without spending the cap.
func (e *Engine) newLabelPath(ctx context.Context, question, answer, proposal string, limits *domain.Limits, opts Options) (string, createdLabel, error) {
	if proposal != "" {
		if code, ok := e.Store.FindCodeByLabel(question, proposal); ok {
			return code, createdLabel{}, nil
		}
	}
	if limits.Exhausted() {
		log.Printf("engine new-label cap reached for question %q (%d/%d), assigning %s", question, limits.Created, limits.Max, domain.CodeNotClassifiable)
		return domain.CodeNotClassifiable, createdLabel{}, nil
	}

	if proposal == "" {
		reply, _, err := e.Client.Complete(ctx, buildCreateLabelRequest(question, answer, e.Store.CandidateLabels(question)))
		if err != nil {
			return "", createdLabel{}, err
		}
		proposal = strings.Trim(strings.TrimSpace(reply), "\"'")
		if proposal == "" || strings.ContainsAny(proposal, "()") {
			log.Printf("engine unusable label proposal %q for question %q", reply, question)
			return domain.CodeNotClassifiable, createdLabel{}, nil
		}
		if code, ok := e.Store.FindCodeByLabel(question, proposal); ok {
			return code, createdLabel{}, nil
		}
	}

	code := e.Store.NextAvailableCode(question, opts.Residual)
	if err := e.Store.AddLabel(question, code, proposal); err != nil {
		// NextAvailableCode guarantees uniqueness; a collision here is a bug
		// and fatal for the run.
		return "", createdLabel{}, fmt.Errorf("saving new label %q: %w", proposal, err)
	}
	limits.Created++
	log.Printf("engine new label %q code=%s question=%q (%d/%d)", proposal, code, question, limits.Created, limits.Max)
	return code, createdLabel{Label: proposal, Code: code}, nil
}

// foldBack gives a residual answer one chance to land in the mainline
// question's taxonomy before 77 sticks: a direct normalized match first, then
// one existing-only model pass. Never creates labels.
func (e *Engine) foldBack(ctx context.Context, answer string, opts Options) (string, error) {
	question := opts.MainQuestion
	if question == "" {
		return "", nil
	}
	if code, ok := e.Store.FindCodeByLabel(question, answer); ok && !domain.IsSentinel(code) {
		return code, nil
	}
	candidates := e.Store.CandidateLabels(question)
	if len(candidates) == 0 {
		return "", nil
	}
	reply, _, err := e.Client.Complete(ctx, buildFoldBackRequest(question, answer, candidates))
	if err != nil {
		return "", err
	}
	verdict := parseReply(reply)
	if verdict.none || verdict.newLabel {
		return "", nil
	}
	if code, ok := e.Store.FindCodeByLabel(question, verdict.text); ok && !domain.IsSentinel(code) {
		return code, nil
	}
	if codes := taxonomy.CleanCodes(verdict.text); len(codes) == 1 &&
		e.Store.HasCode(question, codes[0]) && !domain.IsSentinel(codes[0]) {
		return codes[0], nil
	}
	return "", nil
}

type replyVerdict struct {
	text     string
	newLabel bool
	none     bool
}

func parseReply(reply string) replyVerdict {
	text := strings.Trim(strings.TrimSpace(reply), "\"'`")
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, tokenNewLabel):
		return replyVerdict{newLabel: true}
	case upper == tokenNone || upper == "NO_MATCH" || text == "":
		return replyVerdict{none: true}
	}
	return replyVerdict{text: text}
}

func remaining(candidates []taxonomy.Entry, exclude map[string]bool) []taxonomy.Entry {
	if len(exclude) == 0 {
		return candidates
	}
	var out []taxonomy.Entry
	for _, e := range candidates {
		if !exclude[e.Code] {
			out = append(out, e)
		}
	}
	return out
}
