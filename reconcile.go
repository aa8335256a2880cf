package main

import (
	"sort"
	"strings"

	"github.com/rivo/uniseg"
)

// Handle is an opaque reference to a delivered message, issued by a Sink.
type Handle string

// OpKind distinguishes message creation from in-place edits.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
)

func (k OpKind) String() string {
	if k == OpUpdate {
		return "update"
	}
	return "create"
}

// DeliveryOp is one action against the sink. A create carries every chunk
// of the segment; an update carries only the first chunk, because only the
// first message of a chunked segment is ever edited.
type DeliveryOp struct {
	Kind   OpKind
	Index  int
	Text   string // full rendered segment text
	Chunks []string
	Handle Handle // edit target for updates

	// Overflow is set when content past the first chunk changed and cannot
	// reach the observer through edits.
	Overflow   bool
	LostChunks int
}

// DeliveryState remembers what one interaction has delivered so far.
type DeliveryState struct {
	handles   map[int][]Handle
	delivered map[int]string
	created   int
}

func NewDeliveryState() *DeliveryState {
	return &DeliveryState{
		handles:   make(map[int][]Handle),
		delivered: make(map[int]string),
	}
}

// Handles returns the handles created for a segment, one per chunk. A chunk
// that could not be sent has an empty handle.
func (s *DeliveryState) Handles(index int) []Handle {
	return s.handles[index]
}

// Delivered returns the last text delivered for a segment.
func (s *DeliveryState) Delivered(index int) (string, bool) {
	text, ok := s.delivered[index]
	return text, ok
}

// CreatedCount is the number of segments that have at least one message.
func (s *DeliveryState) CreatedCount() int {
	return s.created
}

func (s *DeliveryState) recordCreate(index int, text string, handles []Handle) {
	if len(handles) == 0 {
		return
	}
	s.handles[index] = handles
	s.delivered[index] = text
	s.created++
}

func (s *DeliveryState) recordUpdate(index int, text string) {
	s.delivered[index] = text
}

// Reconcile diffs segments against what has been delivered and returns the
// minimal ops in ascending index order. It does not modify state; the
// Deliverer records the outcome of each op.
func Reconcile(segments []Segment, state *DeliveryState, limit int) []DeliveryOp {
	ordered := make([]Segment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var ops []DeliveryOp
	for _, seg := range ordered {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		handles := state.handles[seg.Index]
		if len(handles) == 0 {
			ops = append(ops, DeliveryOp{
				Kind:   OpCreate,
				Index:  seg.Index,
				Text:   seg.Text,
				Chunks: splitChunks(seg.Text, limit),
			})
			continue
		}

		prev := state.delivered[seg.Index]
		if seg.Text == prev {
			continue
		}
		chunks := splitChunks(seg.Text, limit)
		lost := lostChunks(splitChunks(prev, limit), chunks, handles)
		ops = append(ops, DeliveryOp{
			Kind:       OpUpdate,
			Index:      seg.Index,
			Text:       seg.Text,
			Chunks:     chunks[:1],
			Handle:     handles[0],
			Overflow:   lost > 0,
			LostChunks: lost,
		})
	}
	return ops
}

// lostChunks counts chunks after the first that differ from what the
// existing messages show, or have no message at all.
func lostChunks(prev, next []string, handles []Handle) int {
	lost := 0
	for i := 1; i < len(next); i++ {
		if i >= len(handles) || handles[i] == "" || i >= len(prev) || next[i] != prev[i] {
			lost++
		}
	}
	return lost
}

// splitChunks cuts text into pieces of at most limit grapheme clusters so
// that no emoji or combined character is split across messages.
func splitChunks(text string, limit int) []string {
	if limit <= 0 || uniseg.GraphemeClusterCount(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var b strings.Builder
	n := 0
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		if n == limit {
			chunks = append(chunks, b.String())
			b.Reset()
			n = 0
		}
		b.WriteString(g.Str())
		n++
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return balanceFences(chunks)
}

// balanceFences closes a code fence left open at the end of a chunk and
// reopens it at the start of the next, so every piece of a long log block
// still renders as code.
func balanceFences(chunks []string) []string {
	open := false
	for i, chunk := range chunks {
		odd := strings.Count(chunk, fence)%2 == 1
		if open {
			chunk = fence + "\n" + chunk
		}
		open = open != odd
		if open {
			chunk = strings.TrimRight(chunk, "\n") + "\n" + fence
		}
		chunks[i] = chunk
	}
	return chunks
}
