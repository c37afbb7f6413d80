// Package intent labels questions so the orchestrator can pick a fast path.
package intent

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Labels and reasons produced by the keyword classifier.
const (
	LabelGeneral = "general"
	LabelUnknown = "unknown"

	ReasonKeyword = "keyword"
	ReasonNoMatch = "no_match"
	ReasonError   = "classifier_error"
)

// Result is the outcome of classifying one question.
type Result struct {
	Label      string
	Confidence float64
	Matched    []string
	Reason     string
}

// Classifier labels a question.
type Classifier interface {
	Classify(ctx context.Context, question string) (Result, error)
}

// KeywordClassifier matches questions against a keyword lexicon per label.
// Confidence grows with the share of the question covered by matched
// keywords, so a bare "洗手间在哪" scores higher than the same words buried in
// a long sentence.
type KeywordClassifier struct {
	labels  []string
	lexicon map[string][]string
}

// NewKeywordClassifier creates a classifier from label → keywords.
func NewKeywordClassifier(lexicon map[string][]string) *KeywordClassifier {
	c := &KeywordClassifier{lexicon: make(map[string][]string, len(lexicon))}
	for label, words := range lexicon {
		var kept []string
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			continue
		}
		c.labels = append(c.labels, label)
		c.lexicon[label] = kept
	}
	sort.Strings(c.labels)
	return c
}

// Classify returns the best scoring label, or LabelGeneral with zero
// confidence when nothing matches.
func (c *KeywordClassifier) Classify(ctx context.Context, question string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	text := []rune(strings.ToLower(question))
	content := 0
	for _, r := range text {
		if !unicode.IsSpace(r) && !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			content++
		}
	}

	best := Result{Label: LabelGeneral, Reason: ReasonNoMatch, Matched: []string{}}
	if content == 0 {
		return best, nil
	}

	for _, label := range c.labels {
		covered := make([]bool, len(text))
		var matched []string
		for _, word := range c.lexicon[label] {
			if mark(text, []rune(word), covered) {
				matched = append(matched, word)
			}
		}
		if len(matched) == 0 {
			continue
		}

		n := 0
		for _, hit := range covered {
			if hit {
				n++
			}
		}
		coverage := float64(n) / float64(content)
		if coverage > 1 {
			coverage = 1
		}
		confidence := 0.5 + 0.5*coverage

		if confidence > best.Confidence || (confidence == best.Confidence && len(matched) > len(best.Matched)) {
			best = Result{Label: label, Confidence: confidence, Matched: matched, Reason: ReasonKeyword}
		}
	}
	return best, nil
}

// mark flags every occurrence of word in text and reports whether any was found.
func mark(text, word []rune, covered []bool) bool {
	found := false
	for i := 0; i+len(word) <= len(text); i++ {
		if !equalAt(text, word, i) {
			continue
		}
		found = true
		for j := range word {
			covered[i+j] = true
		}
	}
	return found
}

func equalAt(text, word []rune, at int) bool {
	for j, r := range word {
		if text[at+j] != r {
			return false
		}
	}
	return true
}
