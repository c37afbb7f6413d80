// Package segment cuts a stream of text deltas into bounded, speakable chunks.
package segment

import (
	"strings"
	"unicode"
)

// Defaults used when Options fields are zero.
const (
	DefaultMaxChunkSize  = 60
	DefaultLookback      = 20
	DefaultMinChunk      = 3
	DefaultMinPauseChunk = 6
)

// Options tunes the segmentation heuristics. Sizes are in runes.
type Options struct {
	MaxChunkSize  int
	Lookback      int
	MinChunk      int
	MinPauseChunk int
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookback
	}
	if o.Lookback > o.MaxChunkSize {
		o.Lookback = o.MaxChunkSize
	}
	if o.MinChunk <= 0 {
		o.MinChunk = DefaultMinChunk
	}
	if o.MinPauseChunk <= 0 {
		o.MinPauseChunk = DefaultMinPauseChunk
	}
	if o.MaxChunkSize < o.MinPauseChunk {
		o.MaxChunkSize = o.MinPauseChunk
	}
	return o
}

var (
	sentenceEnders = map[rune]bool{'。': true, '！': true, '？': true, '!': true, '?': true, '…': true}
	clausePuncts   = map[rune]bool{'，': true, ',': true, '；': true, ';': true, '：': true, ':': true, '、': true}
	pauseChars     = map[rune]bool{'，': true, ',': true, '、': true, '；': true, ';': true, '：': true, ':': true, '\n': true}
	closers        = map[rune]bool{'”': true, '"': true, '’': true, '\'': true, '）': true, ')': true, '」': true, '』': true, '》': true}
)

// Buffer accumulates deltas for one stream. It is not safe for concurrent
// use and must not be reused after Finalize.
type Buffer struct {
	opts      Options
	current   []rune
	emitted   map[string]struct{}
	finalized bool
}

// New returns an empty buffer.
func New(opts Options) *Buffer {
	return &Buffer{
		opts:    opts.withDefaults(),
		emitted: make(map[string]struct{}),
	}
}

// Pending returns the text not yet emitted as a chunk.
func (b *Buffer) Pending() string {
	return string(b.current)
}

// Add appends delta and returns every chunk that became complete.
func (b *Buffer) Add(delta string) []string {
	if b.finalized || delta == "" {
		return nil
	}
	b.current = append(b.current, []rune(delta)...)
	pause := strings.ContainsFunc(delta, func(r rune) bool { return pauseChars[r] })

	var chunks []string
	for len(b.current) > 0 {
		cut := b.sentenceCut()
		if cut < 0 {
			cut = b.sizeCut()
		}
		if cut < 0 && pause {
			cut = b.pauseCut()
		}
		if cut < 0 {
			break
		}
		if chunk, ok := b.take(cut); ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// Finalize returns the trailing partial sentence if it is worth speaking.
func (b *Buffer) Finalize() []string {
	if b.finalized {
		return nil
	}
	b.finalized = true
	if len(b.current) == 0 {
		return nil
	}
	chunk, ok := b.take(len(b.current))
	if !ok {
		return nil
	}
	return []string{chunk}
}

// take removes current[:cut] and reports it unless it was already emitted.
func (b *Buffer) take(cut int) (string, bool) {
	chunk := strings.TrimSpace(string(b.current[:cut]))
	b.current = b.current[cut:]
	if !b.meaningful(chunk) {
		return "", false
	}
	if _, dup := b.emitted[chunk]; dup {
		return "", false
	}
	b.emitted[chunk] = struct{}{}
	return chunk, true
}

// sentenceCut returns the end of the earliest meaningful sentence, or -1.
func (b *Buffer) sentenceCut() int {
	for i := 0; i < len(b.current); i++ {
		end := sentenceEnd(b.current, i)
		if end < 0 {
			continue
		}
		if b.meaningful(string(b.current[:end])) {
			return end
		}
		i = end - 1
	}
	return -1
}

// sentenceEnd reports where a sentence terminating at i ends, including
// repeated terminators and closing quotes, or -1 when i is not a terminator.
func sentenceEnd(text []rune, i int) int {
	r := text[i]
	switch {
	case sentenceEnders[r]:
	case r == '\n':
		if i+1 >= len(text) || text[i+1] != '\n' {
			return -1
		}
		i++
	case r == '.':
		// Decimal points and abbreviations are not boundaries, and a trailing
		// period cannot be judged until the next rune arrives.
		if i+1 >= len(text) || !unicode.IsSpace(text[i+1]) {
			return -1
		}
	default:
		return -1
	}
	end := i + 1
	for end < len(text) && (sentenceEnders[text[end]] || closers[text[end]]) {
		end++
	}
	return end
}

// sizeCut forces a cut once the pending text reaches MaxChunkSize. It
// prefers a clause boundary within the lookback window, then the nearest
// whitespace, then a hard cut.
func (b *Buffer) sizeCut() int {
	max := b.opts.MaxChunkSize
	if len(b.current) < max {
		return -1
	}
	floor := max - b.opts.Lookback
	if floor < 1 {
		floor = 1
	}
	for j := max; j >= floor; j-- {
		if clausePuncts[b.current[j-1]] && b.meaningful(string(b.current[:j])) {
			return j
		}
	}
	for j := max; j >= 1; j-- {
		if unicode.IsSpace(b.current[j-1]) && b.meaningful(string(b.current[:j])) {
			return j
		}
	}
	return max
}

// pauseCut returns the earliest pause boundary yielding a long enough chunk.
func (b *Buffer) pauseCut() int {
	for i, r := range b.current {
		if !pauseChars[r] {
			continue
		}
		candidate := strings.TrimSpace(string(b.current[:i+1]))
		if len([]rune(candidate)) >= b.opts.MinPauseChunk && b.meaningful(candidate) {
			return i + 1
		}
	}
	return -1
}

func (b *Buffer) meaningful(text string) bool {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < b.opts.MinChunk {
		return false
	}
	return strings.IndexFunc(text, func(r rune) bool {
		return !unicode.IsPunct(r) && !unicode.IsSpace(r) && !unicode.IsSymbol(r)
	}) >= 0
}
