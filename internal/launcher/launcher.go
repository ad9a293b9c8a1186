// Package launcher starts a local VOICEVOX engine process and waits until it
// reports readiness.
//
// The engine prints a progress bar while loading its models; the line
// containing [ReadyMarker] means the HTTP API is about to accept requests.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ReadyMarker is the substring of the engine's stdout that signals readiness.
const ReadyMarker = "100%"

// stopTimeout bounds how long Stop waits for the process after killing it.
const stopTimeout = 5 * time.Second

// ErrExited is returned by [Start] when the process ends before printing
// [ReadyMarker].
var ErrExited = errors.New("launcher: engine exited before becoming ready")

// Process is a running engine.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error

	stopOnce sync.Once
}

// Start runs command through the shell and blocks until the engine prints
// [ReadyMarker] or ctx is done. Output after readiness keeps being drained
// and logged at debug level.
func Start(ctx context.Context, command string) (*Process, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("launcher: empty command")
	}

	cmd := exec.Command("sh", "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	slog.Info("launcher: starting engine", "command", command)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: start: %w", err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	ready := make(chan struct{})
	go p.scan(stdout, ready)
	go p.wait()

	select {
	case <-ready:
		slog.Info("launcher: engine ready", "pid", cmd.Process.Pid)
		return p, nil
	case <-p.done:
		return nil, fmt.Errorf("%w: %v", ErrExited, p.Err())
	case <-ctx.Done():
		p.Stop()
		return nil, fmt.Errorf("launcher: waiting for engine: %w", ctx.Err())
	}
}

// scan reads stdout line by line and closes ready at the first marker.
func (p *Process) scan(r io.Reader, ready chan<- struct{}) {
	sc := bufio.NewScanner(r)
	sc.Split(scanLinesOrCR)
	signalled := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		slog.Debug("launcher: engine output", "line", line)
		if !signalled && strings.Contains(line, ReadyMarker) {
			signalled = true
			close(ready)
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Err returns the exit error once the process has ended.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Pid returns the process id of the shell running the engine.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Stop kills the engine and waits for it to exit. It is safe to call more
// than once.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.cmd.Process.Kill(); err != nil {
			slog.Warn("launcher: kill failed", "pid", p.cmd.Process.Pid, "err", err)
		}
		select {
		case <-p.done:
		case <-time.After(stopTimeout):
			slog.Warn("launcher: engine did not exit", "pid", p.cmd.Process.Pid)
		}
	})
}

// scanLinesOrCR splits on '\n' and '\r' so progress bars that redraw with a
// carriage return are seen line by line.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
