package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Target names a terminal buffer: a multiplexer session and window.
type Target struct {
	Session string
	Window  string
}

func (t Target) String() string {
	if t.Window == "" {
		return t.Session
	}
	return t.Session + ":" + t.Window
}

// ParseTarget accepts "session" or "session:window".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	session, window, found := strings.Cut(s, ":")
	if session == "" || (found && window == "") {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTarget, s)
	}
	if !found {
		window = "0"
	}
	return Target{Session: session, Window: window}, nil
}

var ErrUnknownTarget = errors.New("invalid target")

// Key names understood by every Terminal implementation.
const (
	KeyEnter     = "Enter"
	KeyInterrupt = "C-c"
	KeyClearLine = "C-u"
	KeyEscape    = "Escape"
)

// Terminal is the snapshot source and input channel of the relayed CLI.
// Capture never fails: on any error it returns "" which the poll loop
// treats as a tick without information.
type Terminal interface {
	Capture(ctx context.Context, t Target) string
	SendText(ctx context.Context, t Target, text string)
	SendKeys(ctx context.Context, t Target, keys ...string)
}

// SessionManager creates and destroys terminal buffers. Only the command
// surface and the relay's launch check use it.
type SessionManager interface {
	HasSession(ctx context.Context, t Target) bool
	NewSession(ctx context.Context, t Target) error
	KillSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) (string, error)
	Resize(ctx context.Context, t Target, cols, rows int)
}

// Backend is a Terminal that can also manage its sessions.
type Backend interface {
	Terminal
	SessionManager
}
