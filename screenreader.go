package main

import (
	"strings"

	"github.com/charmbracelet/x/vt"
)

// ScreenReader wraps a virtual terminal emulator so that raw PTY output,
// cursor movement and redraws included, can be read back as the text a
// human would see. It plays the role tmux's capture-pane plays for the tmux
// backend.
type ScreenReader struct {
	emu *vt.SafeEmulator
}

// NewScreenReader creates a virtual terminal. Dimensions must match the
// PTY so cursor addressing lands where the program expects.
func NewScreenReader(cols, rows int) *ScreenReader {
	return &ScreenReader{emu: vt.NewSafeEmulator(cols, rows)}
}

// Write feeds raw PTY output into the emulator.
func (sr *ScreenReader) Write(data []byte) (int, error) {
	return sr.emu.Write(data)
}

func (sr *ScreenReader) WriteString(s string) (int, error) {
	return sr.emu.Write([]byte(s))
}

// Screen returns the rendered screen with trailing whitespace trimmed from
// every row and trailing empty rows removed.
func (sr *ScreenReader) Screen() string {
	lines := strings.Split(sr.emu.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

func (sr *ScreenReader) Resize(cols, rows int) {
	sr.emu.Resize(cols, rows)
}
