package main

import (
	"strings"
	"testing"
)

// --- ScreenReader Basic Tests ---

// TestScreenReaderPlainText verifies simple text appears in screen
func TestScreenReaderPlainText(t *testing.T) {
	sr := NewScreenReader(80, 24)
	sr.WriteString("Hello, World!")

	screen := sr.Screen()
	if !strings.Contains(screen, "Hello, World!") {
		t.Errorf("Screen missing text. Got: %q", screen)
	}
}

// TestScreenReaderMultipleLines verifies line-by-line output
func TestScreenReaderMultipleLines(t *testing.T) {
	sr := NewScreenReader(80, 24)
	sr.WriteString("Line 1\r\nLine 2\r\nLine 3")

	screen := sr.Screen()
	if !strings.Contains(screen, "Line 1") {
		t.Error("Missing Line 1")
	}
	if !strings.Contains(screen, "Line 2") {
		t.Error("Missing Line 2")
	}
	if !strings.Contains(screen, "Line 3") {
		t.Error("Missing Line 3")
	}
}

// TestScreenReaderANSIColorsStripped verifies colors don't appear in text output
func TestScreenReaderANSIColorsStripped(t *testing.T) {
	sr := NewScreenReader(80, 24)
	sr.WriteString("\x1b[31mRed text\x1b[0m Normal text")

	screen := sr.Screen()
	if !strings.Contains(screen, "Red text") {
		t.Error("Missing colored text content")
	}
	if !strings.Contains(screen, "Normal text") {
		t.Error("Missing normal text content")
	}
	// ANSI codes should not appear in the text
	if strings.Contains(screen, "\x1b[") {
		t.Error("ANSI escape codes leaked into screen text")
	}
}

// TestScreenReaderCursorPositioning verifies cursor moves compose text correctly
func TestScreenReaderCursorPositioning(t *testing.T) {
	sr := NewScreenReader(80, 24)

	// Move to row 1, col 1 and write "Hello"
	sr.WriteString("\x1b[1;1HHello")
	// Move to row 2, col 1 and write "World"
	sr.WriteString("\x1b[2;1HWorld")

	screen := sr.Screen()
	if !strings.Contains(screen, "Hello") {
		t.Error("Missing 'Hello' from cursor-positioned text")
	}
	if !strings.Contains(screen, "World") {
		t.Error("Missing 'World' from cursor-positioned text")
	}
}

// TestScreenReaderCursorRelativeMovement verifies relative cursor moves
func TestScreenReaderCursorRelativeMovement(t *testing.T) {
	sr := NewScreenReader(80, 24)

	// Write "AB" then move cursor left 1 and overwrite with "X"
	sr.WriteString("AB\x1b[1DX")

	screen := sr.Screen()
	// Should show "AX" (B overwritten by X)
	if !strings.Contains(screen, "AX") {
		t.Errorf("Relative cursor move failed. Expected 'AX', got: %q", screen)
	}
}

// TestScreenReaderClearScreen verifies screen clear
func TestScreenReaderClearScreen(t *testing.T) {
	sr := NewScreenReader(80, 24)

	sr.WriteString("Old content")
	sr.WriteString("\x1b[2J\x1b[H") // Clear screen and home cursor
	sr.WriteString("New content")

	screen := sr.Screen()
	if strings.Contains(screen, "Old content") {
		t.Error("Old content still visible after screen clear")
	}
	if !strings.Contains(screen, "New content") {
		t.Error("New content missing after screen clear")
	}
}

// TestScreenReaderAlternateScreenBuffer verifies alt screen buffer support
func TestScreenReaderAlternateScreenBuffer(t *testing.T) {
	sr := NewScreenReader(80, 24)

	// Write to main screen
	sr.WriteString("Main screen content")

	// Switch to alternate screen
	sr.WriteString("\x1b[?1049h")
	sr.WriteString("Alternate content")

	screen := sr.Screen()
	if !strings.Contains(screen, "Alternate content") {
		t.Error("Alternate screen content not visible")
	}

	// Switch back to main screen
	sr.WriteString("\x1b[?1049l")
	screen = sr.Screen()
	if !strings.Contains(screen, "Main screen content") {
		t.Error("Main screen content not restored after leaving alt screen")
	}
}

// --- Resize Tests ---

func TestScreenReaderResize(t *testing.T) {
	sr := NewScreenReader(80, 24)
	sr.WriteString("Before resize")

	// Should not panic
	sr.Resize(120, 50)

	sr.WriteString("\r\nAfter resize")
	screen := sr.Screen()
	if !strings.Contains(screen, "After resize") {
		t.Error("Content missing after resize")
	}
}

// TestScreenReaderTrimsRows verifies trailing blanks and empty rows are
// dropped, so the snapshot ends at the last visible line.
func TestScreenReaderTrimsRows(t *testing.T) {
	sr := NewScreenReader(40, 10)
	sr.WriteString("> hello   \r\n✦ Hi there!\r\n*")

	got := sr.Screen()
	want := "> hello\n✦ Hi there!\n*"
	if got != want {
		t.Errorf("Screen() = %q, want %q", got, want)
	}
}

// TestScreenReaderRedrawFeedsExtractor verifies an in-place redraw of the
// response line is read back as the final text.
func TestScreenReaderRedrawFeedsExtractor(t *testing.T) {
	sr := NewScreenReader(80, 24)
	sr.WriteString("> hello\r\n✦ Thinking...")
	sr.WriteString("\r\x1b[2K✦ Hi there!\r\n*")

	segs := DefaultRules().Extract(sr.Screen(), "hello")
	if len(segs) != 1 || segs[0].Text != "✦ Hi there!" {
		t.Errorf("Extract(Screen()) = %q, want [✦ Hi there!]", segmentTexts(segs))
	}
}
