package service

import (
	"strings"
	"unicode"
)

// SafetyFilter matches blocked terms case-insensitively.
type SafetyFilter struct {
	terms  [][]rune
	maxLen int
}

// NewSafetyFilter creates a filter. Blank terms are ignored.
func NewSafetyFilter(terms []string) *SafetyFilter {
	f := &SafetyFilter{}
	for _, t := range terms {
		r := fold(strings.TrimSpace(t))
		if len(r) == 0 {
			continue
		}
		f.terms = append(f.terms, r)
		if len(r) > f.maxLen {
			f.maxLen = len(r)
		}
	}
	return f
}

// Enabled reports whether any term is configured.
func (f *SafetyFilter) Enabled() bool {
	return f != nil && len(f.terms) > 0
}

// Blocked reports whether text contains a blocked term.
func (f *SafetyFilter) Blocked(text string) bool {
	if !f.Enabled() {
		return false
	}
	return f.contains(fold(text))
}

func (f *SafetyFilter) contains(text []rune) bool {
	for _, term := range f.terms {
		if indexRunes(text, term) >= 0 {
			return true
		}
	}
	return false
}

// partial returns the length of the longest suffix of text that is a proper
// prefix of some term.
func (f *SafetyFilter) partial(text []rune) int {
	longest := 0
	for _, term := range f.terms {
		n := len(term) - 1
		if n > len(text) {
			n = len(text)
		}
		for ; n > longest; n-- {
			if equalRunes(text[len(text)-n:], term[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}

// outputScanner checks a growing answer. Text that could be the start of a
// blocked term is held back until the next push decides it.
type outputScanner struct {
	filter *SafetyFilter
	tail   []rune // folded end of the emitted text
	held   []rune
}

func newOutputScanner(f *SafetyFilter) *outputScanner {
	return &outputScanner{filter: f}
}

// push returns the text that is safe to emit, or blocked=true when the
// answer now contains a blocked term.
func (s *outputScanner) push(text string) (string, bool) {
	if !s.filter.Enabled() {
		return text, false
	}
	if text == "" && len(s.held) == 0 {
		return "", false
	}

	cand := append(s.held, []rune(text)...)
	folded := fold(string(cand))
	window := append(append([]rune{}, s.tail...), folded...)
	if s.filter.contains(window) {
		s.held = nil
		return "", true
	}

	hold := s.filter.partial(folded)
	out := cand[:len(cand)-hold]
	s.held = append([]rune{}, cand[len(cand)-hold:]...)

	s.tail = append(s.tail, folded[:len(folded)-hold]...)
	if keep := s.filter.maxLen - 1; len(s.tail) > keep {
		s.tail = append([]rune{}, s.tail[len(s.tail)-keep:]...)
	}
	return string(out), false
}

// flush releases held text at the end of a clean answer.
func (s *outputScanner) flush() string {
	out := string(s.held)
	s.held = nil
	return out
}

func fold(s string) []rune {
	r := []rune(s)
	for i, c := range r {
		r[i] = unicode.ToLower(c)
	}
	return r
}

func indexRunes(text, sub []rune) int {
	for i := 0; i+len(sub) <= len(text); i++ {
		if equalRunes(text[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func equalRunes(a, b []rune) bool {
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
