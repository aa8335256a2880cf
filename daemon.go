package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// daemonChildFlag marks the re-executed background process.
const daemonChildFlag = "--daemon-child"

// pidFilePath returns the path to the PID file used by daemon mode.
func pidFilePath() string {
	return filepath.Join(getConfigDir(), "cli-relay.pid")
}

// logFilePath returns the path to the log file used by daemon mode.
func logFilePath() string {
	return filepath.Join(getConfigDir(), "cli-relay.log")
}

func writePIDFile(pid int) error {
	if err := os.MkdirAll(getConfigDir(), 0700); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPIDFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// removePIDFile removes the PID file, ignoring errors (best-effort cleanup).
func removePIDFile() {
	os.Remove(pidFilePath())
}

// isProcessAlive sends signal 0 to test for process existence.
func isProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

var ErrDaemonRunning = errors.New("daemon is already running")

// daemonize re-executes the binary as "serve --daemon-child", detached with
// setsid and logging to the log file, and records its PID.
func daemonize(w io.Writer, extraArgs []string) error {
	if pid, err := readPIDFile(); err == nil {
		if isProcessAlive(pid) {
			return fmt.Errorf("%w (PID %d), stop it first", ErrDaemonRunning, pid)
		}
		// Stale PID file from a previous run
		removePIDFile()
	}

	// The daemon cannot run the interactive setup.
	if !configExists() {
		return errors.New("no configuration found: run `cli-relay setup` first")
	}

	logPath := logFilePath()
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := append([]string{"serve", daemonChildFlag}, extraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "LOG_MODE=structured")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := writePIDFile(cmd.Process.Pid); err != nil {
		fmt.Fprintf(w, "Warning: failed to write PID file: %v\n", err)
	}

	fmt.Fprintf(w, "Daemon started (PID %d).\n", cmd.Process.Pid)
	fmt.Fprintf(w, "Log file: %s\n", logPath)
	fmt.Fprintf(w, "PID file: %s\n", pidFilePath())
	fmt.Fprintln(w, "\nUse `cli-relay daemon status` to check it, `cli-relay daemon stop` to stop it.")
	return cmd.Process.Release()
}

// daemonStop sends SIGTERM to the running daemon, escalating to SIGKILL
// after five seconds.
func daemonStop(w io.Writer) error {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintln(w, "No daemon is running (PID file not found).")
		return nil
	}
	if !isProcessAlive(pid) {
		fmt.Fprintf(w, "Daemon (PID %d) is not running. Removing stale PID file.\n", pid)
		removePIDFile()
		return nil
	}

	fmt.Fprintf(w, "Stopping daemon (PID %d)...\n", pid)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			fmt.Fprintln(w, "Daemon stopped.")
			removePIDFile()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Fprintln(w, "Daemon did not stop gracefully. Sending SIGKILL...")
	syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(500 * time.Millisecond)
	removePIDFile()
	if isProcessAlive(pid) {
		return fmt.Errorf("failed to kill daemon (PID %d)", pid)
	}
	fmt.Fprintln(w, "Daemon killed.")
	return nil
}

func daemonStatus(w io.Writer) {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintln(w, "Status: Not running (no PID file).")
		return
	}
	if isProcessAlive(pid) {
		fmt.Fprintf(w, "Status: Running (PID %d)\n", pid)
		fmt.Fprintf(w, "PID file: %s\n", pidFilePath())
		fmt.Fprintf(w, "Log file: %s\n", logFilePath())
		return
	}
	fmt.Fprintf(w, "Status: Not running (stale PID %d)\n", pid)
	removePIDFile()
}
