package terminal

import (
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Pty wraps an OS pseudo-terminal running a login shell. It owns exactly
// one child process for its lifetime.
type Pty struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool

	// exitCh is closed once the shell process has been reaped.
	exitCh   chan struct{}
	exitCode int

	usePgrp bool // whether process group was set up
}

// NewPty spawns a login shell attached to a fresh pseudo-terminal with the
// given dimensions. The shell starts in the user's home directory and
// inherits the daemon environment plus TERM and LANG overrides.
func NewPty(shell string, cols, rows uint16) (*Pty, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell, "-l")

	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
	)

	// Set up process group for clean termination (Linux only)
	// On macOS, Setpgid can fail with "operation not permitted" in sandboxed environments
	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid: true,
		}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}

	p := &Pty{
		ptmx:    ptmx,
		cmd:     cmd,
		exitCh:  make(chan struct{}),
		usePgrp: usePgrp,
	}

	go p.reap()

	return p, nil
}

// reap waits for the shell process and records its exit code.
func (p *Pty) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
	} else if err != nil {
		p.exitCode = -1
	}
	p.mu.Unlock()
	close(p.exitCh)
}

// Read reads raw output bytes from the PTY. Bytes are delivered verbatim,
// with no line buffering or newline translation.
func (p *Pty) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write forwards input bytes to the shell. Writes after close are silently
// dropped.
func (p *Pty) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return len(buf), nil
	}
	p.mu.Unlock()
	return p.ptmx.Write(buf)
}

// Resize reprograms the PTY dimensions and nudges the shell with SIGWINCH
// so full-screen programs redraw. Resizes after close are silently dropped.
func (p *Pty) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	if err := pty.Setsize(p.ptmx, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	}); err != nil {
		return err
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGWINCH)
	}
	return nil
}

// Done is closed when the shell process has exited.
func (p *Pty) Done() <-chan struct{} {
	return p.exitCh
}

// ExitCode returns the shell's exit code. Valid only after Done is closed.
func (p *Pty) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Kill closes the PTY and terminates the shell and its children.
// Idempotent.
func (p *Pty) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	// Close PTY first to signal EOF to readers
	if p.ptmx != nil {
		_ = p.ptmx.Close()
	}

	if p.cmd != nil && p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		if p.usePgrp {
			// Kill the entire process group (Linux)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			_ = p.cmd.Process.Kill()
		}
	}
}
