// Package freq finds the answers worth coding by hand before a run: the ones
// repeated often enough that one operator decision covers many rows.
package freq

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"surveycoder/internal/domain"
	"surveycoder/internal/table"
	"surveycoder/internal/textnorm"
)

const (
	// DefaultSimilarity is the percent ratio above which two normalized
	// answers are folded into one group.
	DefaultSimilarity = 80
	DefaultMinCount   = 10
	DefaultTopN       = 20
)

// Group is one cluster of near-identical answers. Display is the shortest raw
// variant; Variants holds every normalized form the cluster absorbed.
type Group struct {
	Display  string   `json:"response"`
	Count    int      `json:"count"`
	Variants []string `json:"variants"`
}

// Options tunes the grouping. Zero values fall back to the defaults.
type Options struct {
	Similarity int
	MinCount   int
	TopN       int
}

func (o Options) withDefaults() Options {
	if o.Similarity <= 0 {
		o.Similarity = DefaultSimilarity
	}
	if o.MinCount <= 0 {
		o.MinCount = DefaultMinCount
	}
	if o.TopN <= 0 {
		o.TopN = DefaultTopN
	}
	return o
}

// FrequentResponses groups the column's answers by normalized text, folds
// near-duplicates together, and returns the groups frequent enough to be
// worth manual pre-coding, most frequent first.
func FrequentResponses(tab *table.Table, column string, opts Options) []Group {
	opts = opts.withDefaults()

	counts := make(map[string]int)
	shortest := make(map[string]string)
	for row := 0; row < tab.RowCount(); row++ {
		raw := strings.TrimSpace(tab.Cell(row, column))
		norm := textnorm.Normalize(raw)
		if norm == "" {
			continue
		}
		counts[norm]++
		if cur, ok := shortest[norm]; !ok || len(raw) < len(cur) {
			shortest[norm] = raw
		}
	}

	// Seed groups from the most frequent variants so the heaviest spelling
	// becomes the cluster anchor.
	variants := make([]string, 0, len(counts))
	for norm := range counts {
		variants = append(variants, norm)
	}
	sort.Slice(variants, func(i, j int) bool {
		if counts[variants[i]] != counts[variants[j]] {
			return counts[variants[i]] > counts[variants[j]]
		}
		return variants[i] < variants[j]
	})

	var groups []Group
	for _, norm := range variants {
		merged := false
		for gi := range groups {
			if similarity(groups[gi].Variants[0], norm) >= opts.Similarity {
				groups[gi].Count += counts[norm]
				groups[gi].Variants = append(groups[gi].Variants, norm)
				if raw := shortest[norm]; len(raw) < len(groups[gi].Display) {
					groups[gi].Display = raw
				}
				merged = true
				break
			}
		}
		if !merged {
			groups = append(groups, Group{
				Display:  shortest[norm],
				Count:    counts[norm],
				Variants: []string{norm},
			})
		}
	}

	var out []Group
	for _, g := range groups {
		if g.Count >= opts.MinCount {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Display < out[j].Display
	})
	if len(out) > opts.TopN {
		out = out[:opts.TopN]
	}
	return out
}

// similarity is the percent Levenshtein ratio between two strings.
func similarity(a, b string) int {
	if a == b {
		return 100
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	return (longest - dist) * 100 / longest
}

// ApplyManualCoding writes operator-chosen codes for every row whose
// normalized answer appears in assignments, leaving already-coded cells
// alone. Keys may be raw answer text; they are normalized before matching.
func ApplyManualCoding(tab *table.Table, column string, assignments map[string]string) []domain.CellRef {
	byNorm := make(map[string]string, len(assignments))
	for text, code := range assignments {
		if norm := textnorm.Normalize(text); norm != "" && strings.TrimSpace(code) != "" {
			byNorm[norm] = strings.TrimSpace(code)
		}
	}
	if len(byNorm) == 0 {
		return nil
	}

	output := domain.OutputColumn(column)
	tab.EnsureColumn(output)

	var modified []domain.CellRef
	for row := 0; row < tab.RowCount(); row++ {
		norm := textnorm.Normalize(tab.Cell(row, column))
		code, ok := byNorm[norm]
		if !ok {
			continue
		}
		if strings.TrimSpace(tab.Cell(row, output)) != "" {
			continue
		}
		tab.SetCell(row, output, code)
		modified = append(modified, domain.CellRef{Row: row, Column: output})
	}
	return modified
}
