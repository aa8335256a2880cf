package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"pkt.systems/pslog"
)

// TmuxTerminal drives panes of a local tmux server.
type TmuxTerminal struct {
	bin        string
	windowName string
	history    int // scrollback lines included in captures
}

func NewTmuxTerminal() *TmuxTerminal {
	return &TmuxTerminal{bin: "tmux", windowName: "cli-relay", history: 200}
}

func (tm *TmuxTerminal) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, tm.bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	// Panes may hold arbitrary bytes; never fail on bad encoding.
	text := strings.ToValidUTF8(out.String(), "�")
	if err != nil {
		return text, fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(text))
	}
	return text, nil
}

// Capture returns the joined visible pane plus bounded scrollback.
func (tm *TmuxTerminal) Capture(ctx context.Context, t Target) string {
	out, err := tm.run(ctx, "capture-pane", "-t", t.String(), "-p", "-J", "-S", "-"+strconv.Itoa(tm.history))
	if err != nil {
		pslog.Ctx(ctx).Debug("capture failed", "target", t.String(), "err", err)
		return ""
	}
	return out
}

// SendText types text literally, without key name interpretation.
func (tm *TmuxTerminal) SendText(ctx context.Context, t Target, text string) {
	if _, err := tm.run(ctx, "send-keys", "-t", t.String(), "-l", text); err != nil {
		pslog.Ctx(ctx).Warn("send text failed", "target", t.String(), "err", err)
	}
}

func (tm *TmuxTerminal) SendKeys(ctx context.Context, t Target, keys ...string) {
	args := append([]string{"send-keys", "-t", t.String()}, keys...)
	if _, err := tm.run(ctx, args...); err != nil {
		pslog.Ctx(ctx).Warn("send keys failed", "target", t.String(), "keys", keys, "err", err)
	}
}

func (tm *TmuxTerminal) HasSession(ctx context.Context, t Target) bool {
	_, err := tm.run(ctx, "has-session", "-t", t.String())
	return err == nil
}

// NewSession creates the session, or a replacement window when the session
// exists but the window does not.
func (tm *TmuxTerminal) NewSession(ctx context.Context, t Target) error {
	if _, err := tm.run(ctx, "has-session", "-t", t.Session); err == nil {
		_, err := tm.run(ctx, "new-window", "-t", t.String(), "-n", tm.windowName, "-k")
		return err
	}
	_, err := tm.run(ctx, "new-session", "-d", "-s", t.Session, "-n", tm.windowName)
	return err
}

func (tm *TmuxTerminal) KillSession(ctx context.Context, name string) error {
	_, err := tm.run(ctx, "kill-session", "-t", name)
	return err
}

func (tm *TmuxTerminal) ListSessions(ctx context.Context) (string, error) {
	out, err := tm.run(ctx, "ls")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (tm *TmuxTerminal) Resize(ctx context.Context, t Target, cols, rows int) {
	if _, err := tm.run(ctx, "resize-pane", "-t", t.String(), "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)); err != nil {
		pslog.Ctx(ctx).Debug("resize failed", "target", t.String(), "err", err)
	}
}
