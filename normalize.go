package main

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// LineClass tags a normalized pane line.
type LineClass int

const (
	ClassContent LineClass = iota
	ClassBlank
	ClassBorder
	ClassOrnament
	ClassMarkerStart
	ClassBoxStart
)

func (c LineClass) String() string {
	switch c {
	case ClassBlank:
		return "blank"
	case ClassBorder:
		return "border"
	case ClassOrnament:
		return "ornament"
	case ClassMarkerStart:
		return "marker"
	case ClassBoxStart:
		return "box"
	default:
		return "content"
	}
}

// Whitespace selects how Normalize trims the visible text of a line.
type Whitespace int

const (
	// Compact trims both ends. Used for prose.
	Compact Whitespace = iota
	// PreserveLayout trims trailing whitespace only, keeping indentation
	// inside log and tool boxes.
	PreserveLayout
)

// Line is one pane row after escape stripping and classification.
type Line struct {
	Visible string // escape sequences removed, otherwise untouched
	Text    string // border glyphs removed, trimmed per Whitespace
	Class   LineClass
}

// Normalize strips terminal escape sequences from raw, removes border
// glyphs and classifies the line. Classification order matters: a line that
// opens a box is BoxStart even when it also carries an ornament phrase.
func (r Rules) Normalize(raw string, ws Whitespace) Line {
	visible := ansi.Strip(strings.TrimRight(raw, "\r"))
	lead := strings.TrimLeft(visible, " \t")
	trimmed := strings.TrimSpace(visible)

	class := ClassContent
	switch {
	case r.MarkerGlyph != "" && strings.HasPrefix(lead, r.MarkerGlyph):
		class = ClassMarkerStart
	case r.opensBox(lead):
		class = ClassBoxStart
	case r.hasBorder(visible):
		class = ClassBorder
	case r.isOrnament(visible), r.ReadyGlyph != "" && trimmed == r.ReadyGlyph:
		class = ClassOrnament
	case trimmed == "":
		class = ClassBlank
	}

	text := r.stripBorders(visible)
	if ws == PreserveLayout {
		text = strings.TrimRight(text, " \t")
	} else {
		text = strings.TrimSpace(text)
	}
	return Line{Visible: visible, Text: text, Class: class}
}

// HasReadyPrompt reports whether one of the last window non-blank lines of
// the snapshot starts with the ready glyph, meaning the CLI is waiting for
// the next input.
func (r Rules) HasReadyPrompt(snapshot string, window int) bool {
	if r.ReadyGlyph == "" || window <= 0 {
		return false
	}
	lines := trimTrailingBlank(splitLines(snapshot))
	if len(lines) > window {
		lines = lines[len(lines)-window:]
	}
	for _, l := range lines {
		text := strings.TrimSpace(r.stripBorders(ansi.Strip(l)))
		if strings.HasPrefix(text, r.ReadyGlyph) {
			return true
		}
	}
	return false
}

// splitLines splits a snapshot into rows without the terminating newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func trimTrailingBlank(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(ansi.Strip(lines[end-1])) == "" {
		end--
	}
	return lines[:end]
}
