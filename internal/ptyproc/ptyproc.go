// Package ptyproc forks children attached to a pseudo-terminal and
// manages their lifecycle. It wraps github.com/creack/pty and adds a
// signal-then-grace-period-then-SIGKILL termination escalation.
package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/xhd2015/ttyd-go/internal/ttylog"
)

// Process is a forked child attached to a PTY master/slave pair.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int
}

// Spawn forks a child session-leader running argv, with stdin/stdout/
// stderr bound to a new PTY slave. argv[0] is the executable; argv[1:]
// are its arguments.
func Spawn(argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("argv must not be empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	return &Process{
		cmd:  cmd,
		ptmx: ptmx,
		pid:  cmd.Process.Pid,
	}, nil
}

// PID returns the child's process ID.
func (p *Process) PID() int {
	return p.pid
}

// SetWinsize issues a best-effort TIOCSWINSZ ioctl; a failure is
// returned to the caller to log but must never kill the session.
func (p *Process) SetWinsize(cols, rows uint16) error {
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("set winsize: %w", err)
	}
	return nil
}

// Write writes bytes to the PTY master. A partial write is treated as
// an error: the caller escalates by tearing the session down.
func (p *Process) Write(b []byte) error {
	n, err := p.ptmx.Write(b)
	if err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("pty write: short write %d/%d", n, len(b))
	}
	return nil
}

// Read reads from the PTY master into buf. It returns the underlying
// io error unmodified so callers can distinguish io.EOF from other
// failures.
func (p *Process) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Close closes the PTY master file descriptor without touching the
// child process.
func (p *Process) Close() error {
	return p.ptmx.Close()
}

// Terminate sends sigCode to the child, then waits up to graceTimeout
// for it to exit; if it hasn't, SIGKILL is sent and wait becomes
// uninterruptible. It always blocks until the child is reaped.
func Terminate(p *Process, sigCode int, graceTimeout time.Duration) (*os.ProcessState, error) {
	done := make(chan struct{ state *os.ProcessState; err error }, 1)
	go func() {
		state, err := p.cmd.Process.Wait()
		done <- struct {
			state *os.ProcessState
			err   error
		}{state, err}
	}()

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.Signal(sigCode)); err != nil {
			ttylog.Printf("signal pid=%d code=%d failed: %v", p.pid, sigCode, err)
		}
	}

	select {
	case r := <-done:
		return r.state, r.err
	case <-time.After(graceTimeout):
		ttylog.Printf("pid=%d did not exit within grace period, sending SIGKILL", p.pid)
		if p.cmd.Process != nil {
			syscall.Kill(p.pid, syscall.SIGKILL)
		}
		r := <-done
		return r.state, r.err
	}
}

// DescribeExit renders a decoded exit status (exit code or terminating
// signal), never the raw waitpid status int.
func DescribeExit(state *os.ProcessState) string {
	if state == nil {
		return "unknown"
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Exited() {
			return fmt.Sprintf("exit code %d", ws.ExitStatus())
		}
		if ws.Signaled() {
			return fmt.Sprintf("terminated by signal %s", ws.Signal())
		}
	}
	return fmt.Sprintf("exit code %d", state.ExitCode())
}
