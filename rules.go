package main

import "strings"

// Rules is the declarative glyph and phrase table used to classify pane
// lines. Everything the extractor knows about the relayed CLI's visual
// vocabulary lives here, so a different tool only needs a different table.
type Rules struct {
	MarkerGlyph  string `mapstructure:"marker_glyph"`  // starts a new prose response ("✦")
	PromptGlyph  string `mapstructure:"prompt_glyph"`  // echoed input prompt (">")
	ReadyGlyph   string `mapstructure:"ready_glyph"`   // idle prompt, ready for the next input ("*")
	BoxOpeners   string `mapstructure:"box_openers"`   // glyphs that open a tool/log box
	BorderGlyphs string `mapstructure:"border_glyphs"` // box drawing glyphs stripped wherever they occur

	// Ornaments classify a whole line as UI chrome.
	Ornaments []string `mapstructure:"ornaments"`
	// IgnorePhrases drop lines when a buffer is closed into a segment.
	IgnorePhrases []string `mapstructure:"ignore_phrases"`

	// PlainAsLog renders a buffer that never saw a marker glyph (help
	// output, command listings) as a fixed-width log block.
	PlainAsLog bool `mapstructure:"plain_as_log"`
}

const defaultBorderGlyphs = "─│┌┐└┘├┤┬┴┼═║╔╗╚╝╠╣╦╩╬╭╮╯╰"

// DefaultRules returns the table for the Gemini CLI.
func DefaultRules() Rules {
	ornaments := []string{"▀▀", "▄▄", "███", "░░░", "Type your message", "shortcuts", "skills"}
	ignore := append([]string{
		"Press Ctrl+C",
		"no sandbox",
		"Update available",
		"YOLO",
		"file |",
	}, ornaments...)

	return Rules{
		MarkerGlyph:   "✦",
		PromptGlyph:   ">",
		ReadyGlyph:    "*",
		BoxOpeners:    "╭┌╔",
		BorderGlyphs:  defaultBorderGlyphs,
		Ornaments:     ornaments,
		IgnorePhrases: ignore,
		PlainAsLog:    true,
	}
}

// hasBorder reports whether s contains any border glyph.
func (r Rules) hasBorder(s string) bool {
	return strings.ContainsAny(s, r.BorderGlyphs)
}

// stripBorders removes every border glyph from s.
func (r Rules) stripBorders(s string) string {
	if !r.hasBorder(s) {
		return s
	}
	return strings.Map(func(c rune) rune {
		if strings.ContainsRune(r.BorderGlyphs, c) {
			return -1
		}
		return c
	}, s)
}

func (r Rules) isOrnament(s string) bool {
	return containsAny(s, r.Ornaments)
}

func (r Rules) isIgnored(s string) bool {
	return containsAny(s, r.IgnorePhrases)
}

func (r Rules) opensBox(trimmed string) bool {
	for _, g := range r.BoxOpeners {
		if strings.HasPrefix(trimmed, string(g)) {
			return true
		}
	}
	return false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
