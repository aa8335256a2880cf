package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"pkt.systems/pslog"
)

// PTYTerminal is the tmux-free backend: every target is a shell running in
// a local pseudo terminal whose output is rendered by a ScreenReader.
type PTYTerminal struct {
	cols, rows int
	keyDelay   time.Duration

	mu       sync.Mutex
	sessions map[string]*ptySession // keyed by Target.String()
}

type ptySession struct {
	target    Target
	ptmx      *os.File
	cmd       *exec.Cmd
	screen    *ScreenReader
	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once
}

func NewPTYTerminal(cols, rows int) *PTYTerminal {
	return &PTYTerminal{
		cols:     cols,
		rows:     rows,
		keyDelay: 50 * time.Millisecond,
		sessions: make(map[string]*ptySession),
	}
}

// getShell returns the shell started in new sessions.
func getShell() (string, []string) {
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash", []string{"--norc", "--noprofile"}
	}
	return "/bin/sh", nil
}

// getCleanEnvironment drops variables that make nested agent CLIs refuse
// to start.
func getCleanEnvironment() []string {
	env := os.Environ()
	cleaned := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "CLAUDECODE=") {
			continue
		}
		cleaned = append(cleaned, e)
	}
	return cleaned
}

func (p *PTYTerminal) session(t Target) *ptySession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[t.String()]
}

// HasSession reports whether t is running. A target without a window
// matches any window of the session.
func (p *PTYTerminal) HasSession(_ context.Context, t Target) bool {
	if t.Window != "" {
		s := p.session(t)
		return s != nil && s.alive()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.target.Session == t.Session && s.alive() {
			return true
		}
	}
	return false
}

func (s *ptySession) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// NewSession starts a shell for t, replacing a previous one.
func (p *PTYTerminal) NewSession(ctx context.Context, t Target) error {
	if old := p.session(t); old != nil {
		old.close()
	}

	shell, args := getShell()
	cmd := exec.Command(shell, args...)
	cmd.Env = append(getCleanEnvironment(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"PS1=$ ",
		"NO_UPDATE_NOTIFIER=1",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(p.rows), Cols: uint16(p.cols)})
	if err != nil {
		return fmt.Errorf("start pty for %s: %w", t, err)
	}

	s := &ptySession{
		target:    t,
		ptmx:      ptmx,
		cmd:       cmd,
		screen:    NewScreenReader(p.cols, p.rows),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go s.readOutput(pslog.Ctx(ctx).With("target", t.String()))

	p.mu.Lock()
	p.sessions[t.String()] = s
	p.mu.Unlock()
	return nil
}

// readOutput feeds the PTY into the screen until the shell exits or the
// session is closed.
func (s *ptySession) readOutput(log pslog.Logger) {
	buf := make([]byte, 8192)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		// The deadline lets the loop notice close() while the program is idle.
		_ = s.ptmx.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			_, _ = s.screen.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Debug("pty read ended", "err", err)
			}
			s.close()
			return
		}
	}
}

func (s *ptySession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		killProcessGroup(s.cmd)
		_ = s.ptmx.Close()
	})
}

// killProcessGroup hangs up the whole session started with Setsid, then
// escalates.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGHUP)
	time.Sleep(100 * time.Millisecond)
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(50 * time.Millisecond)
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

// Capture returns the rendered screen, or "" for an unknown target.
func (p *PTYTerminal) Capture(_ context.Context, t Target) string {
	s := p.session(t)
	if s == nil {
		return ""
	}
	return strings.ToValidUTF8(s.screen.Screen(), "�")
}

func (p *PTYTerminal) SendText(ctx context.Context, t Target, text string) {
	s := p.session(t)
	if s == nil {
		pslog.Ctx(ctx).Warn("send text to unknown session", "target", t.String())
		return
	}
	_, _ = s.ptmx.Write([]byte(text))
}

// SendKeys writes each named key as its own PTY write. Ink based TUIs only
// recognise Enter when "\r" arrives in a read of its own.
func (p *PTYTerminal) SendKeys(ctx context.Context, t Target, keys ...string) {
	s := p.session(t)
	if s == nil {
		pslog.Ctx(ctx).Warn("send keys to unknown session", "target", t.String())
		return
	}
	for i, k := range keys {
		if i > 0 {
			time.Sleep(p.keyDelay)
		}
		_, _ = s.ptmx.Write([]byte(keyBytes(k)))
	}
}

// keyBytes translates tmux style key names. Unknown names are typed
// literally, as tmux does.
func keyBytes(name string) string {
	switch name {
	case KeyEnter:
		return "\r"
	case KeyEscape:
		return "\x1b"
	case "Tab":
		return "\t"
	case "BSpace":
		return "\x7f"
	}
	if len(name) == 3 && strings.HasPrefix(name, "C-") {
		c := name[2]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c >= 'a' && c <= 'z' {
			return string([]byte{c & 0x1f})
		}
	}
	return name
}

// KillSession closes every window of the named session.
func (p *PTYTerminal) KillSession(_ context.Context, name string) error {
	p.mu.Lock()
	var victims []*ptySession
	for key, s := range p.sessions {
		if s.target.Session == name {
			victims = append(victims, s)
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	if len(victims) == 0 {
		return fmt.Errorf("%w: no session %q", ErrUnknownTarget, name)
	}
	for _, s := range victims {
		s.close()
	}
	return nil
}

func (p *PTYTerminal) ListSessions(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := make([]string, 0, len(p.sessions))
	for key, s := range p.sessions {
		state := "running"
		if !s.alive() {
			state = "exited"
		}
		lines = append(lines, fmt.Sprintf("%s: %s since %s", key, state, s.startedAt.Format("15:04:05")))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func (p *PTYTerminal) Resize(ctx context.Context, t Target, cols, rows int) {
	s := p.session(t)
	if s == nil {
		return
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		pslog.Ctx(ctx).Debug("resize failed", "target", t.String(), "err", err)
		return
	}
	s.screen.Resize(cols, rows)
}

// Close terminates every session.
func (p *PTYTerminal) Close() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*ptySession)
	p.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
