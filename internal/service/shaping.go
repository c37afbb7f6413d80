package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// deltaTracker turns upstream fragments into incremental deltas. A fragment
// that extends everything seen so far is a cumulative snapshot and only its
// new suffix is returned; anything else is already a delta.
type deltaTracker struct {
	seen string
}

func (d *deltaTracker) next(fragment string) string {
	if d.seen != "" && strings.HasPrefix(fragment, d.seen) {
		delta := fragment[len(d.seen):]
		d.seen = fragment
		return delta
	}
	d.seen += fragment
	return fragment
}

// IntroStripper removes a greeting or self-introduction from the opening
// of an answer.
type IntroStripper interface {
	Strip(head string) string
}

// DefaultIntroPattern matches common Chinese greetings and self-introductions.
const DefaultIntroPattern = `^\s*(?:(?:您好|你好|大家好|哈喽|嗨|hi|hello)[呀啊，,！!。~\s]*)?` +
	`(?:(?:我是|我叫|作为)[^，,。！!？?\n]{1,16}[，,。！!\s]*)?`

// PatternStripper strips the leading match of a regular expression.
type PatternStripper struct {
	re *regexp.Regexp
}

// NewPatternStripper compiles pattern. The pattern should be anchored at ^.
func NewPatternStripper(pattern string) (*PatternStripper, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	return &PatternStripper{re: re}, nil
}

// Strip removes the first match when it starts at the beginning of head.
func (p *PatternStripper) Strip(head string) string {
	loc := p.re.FindStringIndex(head)
	if loc == nil || loc[0] != 0 {
		return head
	}
	return head[loc[1]:]
}

const introWindow = 30

// introGate holds the opening of an answer until it has enough text to
// strip an introduction, then strips once and passes everything through.
type introGate struct {
	stripper IntroStripper
	buf      strings.Builder
	released bool
}

func (g *introGate) push(text string) string {
	if g.released {
		return text
	}
	g.buf.WriteString(text)
	head := g.buf.String()
	if utf8.RuneCountInString(head) < introWindow && !strings.ContainsAny(head, "。！？!?\n") {
		return ""
	}
	return g.release()
}

func (g *introGate) flush() string {
	if g.released {
		return ""
	}
	return g.release()
}

func (g *introGate) release() string {
	g.released = true
	out := g.stripper.Strip(g.buf.String())
	g.buf.Reset()
	return out
}

type shapeState int

const (
	shapeOpen shapeState = iota
	shapeExhausted
	shapeBlocked
)

// shaper applies, in order, delta reconstruction, intro stripping, the
// answer-length clamp and the output safety scan.
type shaper struct {
	deltas deltaTracker
	intro  *introGate
	budget int // remaining runes; negative means unlimited
	safety *outputScanner
}

func newShaper(stripper IntroStripper, maxChars int, filter *SafetyFilter) *shaper {
	s := &shaper{budget: -1, safety: newOutputScanner(filter)}
	if stripper != nil {
		s.intro = &introGate{stripper: stripper}
	}
	if maxChars > 0 {
		s.budget = maxChars
	}
	return s
}

// push shapes one upstream fragment.
func (s *shaper) push(fragment string) (string, shapeState) {
	text := s.deltas.next(fragment)
	if s.intro != nil {
		text = s.intro.push(text)
	}
	return s.emit(text, false)
}

// flush releases everything still held at the end of the answer.
func (s *shaper) flush() (string, shapeState) {
	var text string
	if s.intro != nil {
		text = s.intro.flush()
	}
	return s.emit(text, true)
}

func (s *shaper) emit(text string, final bool) (string, shapeState) {
	state := shapeOpen
	if s.budget >= 0 {
		if r := []rune(text); len(r) >= s.budget {
			text = string(r[:s.budget])
			s.budget = 0
			state = shapeExhausted
		} else {
			s.budget -= len(r)
		}
	}

	out, blocked := s.safety.push(text)
	if blocked {
		return "", shapeBlocked
	}
	if final || state == shapeExhausted {
		out += s.safety.flush()
	}
	return out, state
}
