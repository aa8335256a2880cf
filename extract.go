package main

import (
	"strings"
	"unicode/utf8"
)

// SegmentKind is the presentation of a delivered segment.
type SegmentKind int

const (
	KindProse SegmentKind = iota
	KindLog
)

func (k SegmentKind) String() string {
	if k == KindLog {
		return "log"
	}
	return "prose"
}

// Segment is one unit of delivery. Index is its position in the response
// and never changes between ticks of the same interaction. Only the last
// segment of a pass is Open; everything before it is frozen.
type Segment struct {
	Index int
	Kind  SegmentKind
	Lines []string
	Open  bool
	Text  string // rendered form that is delivered
}

// Body returns the segment's lines without presentation.
func (s Segment) Body() string {
	return strings.Join(s.Lines, "\n")
}

// searchTokenLen is how much of the first input line is looked for when
// locating the echoed prompt. Long inputs wrap and are rendered partially.
const searchTokenLen = 15

func searchToken(input string) string {
	first, _, _ := strings.Cut(input, "\n")
	if utf8.RuneCountInString(first) <= searchTokenLen {
		return first
	}
	return string([]rune(first)[:searchTokenLen])
}

// Extract locates the response to input in the pane snapshot and splits it
// into segments. An empty result means nothing is visible yet and is not an
// error. Extract is a pure function of its arguments.
func (r Rules) Extract(snapshot, input string) []Segment {
	lines := splitLines(snapshot)
	echo := r.findEcho(lines, searchToken(input))
	if echo < 0 {
		return nil
	}

	start := -1
	for j := echo + 1; j < len(lines); j++ {
		ln := r.Normalize(lines[j], PreserveLayout)
		if ln.Class == ClassMarkerStart || r.hasBorder(ln.Visible) {
			start = j
			break
		}
	}
	if start < 0 {
		return nil
	}

	m := &segmenter{rules: r}
	for _, raw := range lines[start:] {
		m.feed(r.Normalize(raw, PreserveLayout))
	}
	m.close()

	if n := len(m.out); n > 0 {
		m.out[n-1].Open = true
	}
	return m.out
}

// findEcho scans from the bottom for the most recent echoed prompt line
// containing token. The pane keeps scrollback of earlier turns, so only the
// last echo marks the start of the current response.
func (r Rules) findEcho(lines []string, token string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		ln := r.Normalize(lines[i], Compact)
		if !strings.Contains(ln.Visible, token) {
			continue
		}
		if r.PromptGlyph == "" ||
			strings.HasPrefix(ln.Text, r.PromptGlyph) ||
			strings.Contains(ln.Visible, r.PromptGlyph+token) ||
			strings.Contains(ln.Visible, r.PromptGlyph+" "+token) {
			return i
		}
	}
	return -1
}

type segmentState int

const (
	inProse segmentState = iota
	inLog
)

// buffer is the segment under construction.
type buffer struct {
	kind   SegmentKind
	lines  []string
	marked bool // opened by the marker glyph
}

// segmenter is the InProse/InLog line state machine.
type segmenter struct {
	rules Rules
	state segmentState
	buf   buffer
	out   []Segment
}

func (m *segmenter) feed(ln Line) {
	hasBorder := m.rules.hasBorder(ln.Visible)

	switch {
	case ln.Class == ClassOrnament:
		// UI chrome never belongs to a response and never closes one.
	case ln.Class == ClassMarkerStart:
		m.close()
		_, after, _ := strings.Cut(ln.Visible, m.rules.MarkerGlyph)
		m.buf = buffer{kind: KindProse, lines: []string{after}, marked: true}
		m.state = inProse
	case ln.Class == ClassBoxStart, m.state == inProse && hasBorder:
		// Redraws can lose the opening corner, so any border line seen
		// in prose opens a box.
		m.close()
		m.buf = buffer{kind: KindLog, lines: []string{ln.Visible}}
		m.state = inLog
	case m.state == inLog && hasBorder:
		m.buf.lines = append(m.buf.lines, ln.Visible)
	case m.state == inLog:
		m.close()
		m.buf = buffer{kind: KindProse, lines: []string{ln.Visible}}
		m.state = inProse
	default:
		m.buf.lines = append(m.buf.lines, ln.Visible)
	}
}

// close turns the open buffer into a segment when anything survives
// filtering, and resets it.
func (m *segmenter) close() {
	buf := m.buf
	m.buf = buffer{}
	if len(buf.lines) == 0 {
		return
	}

	kind := buf.kind
	if kind == KindProse && !buf.marked && m.rules.PlainAsLog {
		kind = KindLog
	}
	ws := Compact
	if kind == KindLog {
		ws = PreserveLayout
	}

	lines := m.rules.cleanLines(buf.lines, ws)
	if len(lines) == 0 {
		return
	}

	seg := Segment{Index: len(m.out), Kind: kind, Lines: lines}
	seg.Text = m.rules.render(seg)
	m.out = append(m.out, seg)
}

// cleanLines applies the close-time filter: ignore phrases, border glyphs,
// whitespace policy and blank line removal.
func (r Rules) cleanLines(lines []string, ws Whitespace) []string {
	var out []string
	for _, l := range lines {
		if r.isIgnored(l) {
			continue
		}
		l = r.stripBorders(l)
		if ws == PreserveLayout {
			l = strings.TrimRight(l, " \t")
		} else {
			l = strings.TrimSpace(l)
		}
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	if ws == PreserveLayout {
		out = dedent(out)
	}
	return out
}

func (r Rules) render(seg Segment) string {
	body := seg.Body()
	if seg.Kind == KindLog {
		return "```\n" + body + "\n```"
	}
	if r.MarkerGlyph == "" {
		return body
	}
	return r.MarkerGlyph + " " + body
}

// dedent removes the indentation shared by every line, which is the box
// padding once the border glyphs are gone.
func dedent(lines []string) []string {
	common := -1
	for _, l := range lines {
		n := len(l) - len(strings.TrimLeft(l, " \t"))
		if common < 0 || n < common {
			common = n
		}
	}
	if common <= 0 {
		return lines
	}
	for i, l := range lines {
		lines[i] = l[common:]
	}
	return lines
}
