package dialogs

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/m3rciful/funnelbot/internal/domain"
)

// Match is a question scored against a free-text query.
type Match struct {
	DialogID   int64
	DialogName string
	Question   domain.DialogQuestion
	Score      float64
}

// Search scores every active question of the active dialogs and returns the
// best matches, highest first.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	list, err := e.catalog.ListDialogs(ctx)
	if err != nil {
		return nil, err
	}

	var out []Match
	for _, d := range list {
		for _, q := range d.Questions {
			if !q.IsActive {
				continue
			}
			if score := relevance(query, q); score > 0 {
				out = append(out, Match{DialogID: d.ID, DialogName: d.Name, Question: q, Score: score})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// relevance is capped at 1. Whole-query containment weighs most, then
// keyword hits, then single word hits in the question text.
func relevance(query string, q domain.DialogQuestion) float64 {
	text := strings.ToLower(q.Text)
	score := 0.0
	switch {
	case query == text:
		score += 1
	case strings.Contains(text, query):
		score += 0.8
	}

	queryWords := words(query)
	for _, kw := range q.KeywordList() {
		kw = strings.ToLower(kw)
		for _, w := range strings.Fields(query) {
			switch {
			case strings.Contains(kw, w) || strings.Contains(w, kw):
				score += 0.3
			case fuzzy(w, kw):
				score += 0.2
			}
		}
	}
	for _, w := range queryWords {
		for _, tw := range words(text) {
			switch {
			case w == tw:
				score += 0.1
			case fuzzy(w, tw):
				score += 0.05
			}
		}
	}
	return min(score, 1)
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// fuzzy matches words of at least three letters sharing a three letter
// prefix, or of equal length differing in one letter.
func fuzzy(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 3 || len(rb) < 3 {
		return false
	}
	if string(ra[:3]) == string(rb[:3]) {
		return true
	}
	if len(ra) != len(rb) {
		return false
	}
	diff := 0
	for i := range ra {
		if ra[i] != rb[i] {
			diff++
		}
	}
	return diff <= 1
}
