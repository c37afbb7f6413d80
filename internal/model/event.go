package model

// Safety block locations.
const (
	SafetyInput  = "input"
	SafetyOutput = "output"
)

// Event is one element of the output stream of an ask. The concrete types
// are Meta, TextDelta, SafetyBlock, Segment and Done.
type Event interface {
	event()
}

// Meta is always the first event of a stream.
type Meta struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"intent_confidence"`
	Matched    []string `json:"intent_matched"`
	Reason     string   `json:"intent_reason"`
}

// TextDelta carries display text.
type TextDelta struct {
	Text string
}

// SafetyBlock reports that a blocked term was found.
type SafetyBlock struct {
	Where string
}

// Segment is a speakable chunk. Seq starts at 1 per request.
type Segment struct {
	Text string
	Seq  int
}

// Done is always the last event of a completed stream.
type Done struct{}

func (Meta) event()        {}
func (TextDelta) event()   {}
func (SafetyBlock) event() {}
func (Segment) event()     {}
func (Done) event()        {}

// SafetyPayload is the wire form of SafetyBlock.
type SafetyPayload struct {
	Blocked bool   `json:"blocked"`
	Where   string `json:"where"`
}

// Record is one newline-delimited line of the response stream.
type Record struct {
	Meta       *Meta          `json:"meta,omitempty"`
	Chunk      *string        `json:"chunk,omitempty"`
	Safety     *SafetyPayload `json:"safety,omitempty"`
	Segment    *string        `json:"segment,omitempty"`
	SegmentSeq *int           `json:"segment_seq,omitempty"`
	Done       bool           `json:"done"`
	RequestID  string         `json:"request_id"`
	TMs        int64          `json:"t_ms"`
}

// NewRecord converts an event into its wire record.
func NewRecord(ev Event, requestID string, tMs int64) Record {
	rec := Record{RequestID: requestID, TMs: tMs}
	switch e := ev.(type) {
	case Meta:
		m := e
		if m.Matched == nil {
			m.Matched = []string{}
		}
		rec.Meta = &m
	case TextDelta:
		text := e.Text
		rec.Chunk = &text
	case SafetyBlock:
		rec.Safety = &SafetyPayload{Blocked: true, Where: e.Where}
	case Segment:
		text, seq := e.Text, e.Seq
		rec.Segment = &text
		rec.SegmentSeq = &seq
	case Done:
		empty := ""
		rec.Chunk = &empty
		rec.Done = true
	}
	return rec
}
