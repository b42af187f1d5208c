// Package runtime connects a session to its agent runtime: a CLI
// subprocess that emits line-delimited JSON events on stdout and
// accepts JSON commands on stdin. The core never talks to the process
// directly: events become session Inputs, and RuntimeCall effects
// become commands.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"sessionhub/internal/session"
)

const (
	scannerBufSize  = 1024 * 1024 // 1 MB
	gracefulTimeout = 5 * time.Second
)

// LaunchSpec describes one session's runtime process.
type LaunchSpec struct {
	SessionID   string
	ProjectPath string
	Model       string
	Resume      bool

	// Deliver routes a parsed runtime event into the session. It must
	// not block; routing errors are the deliverer's problem.
	Deliver func(in session.Input)
}

// Conn is a live connection to one session's runtime.
type Conn interface {
	// Call sends one command to the runtime.
	Call(call session.RuntimeCall) error

	// Stop asks the process to exit, escalating to a kill after a
	// grace period. Idempotent.
	Stop()
}

// Launcher creates runtime connections. The hub holds one; tests
// substitute a fake.
type Launcher interface {
	Launch(spec LaunchSpec) (Conn, error)
}

// CLILauncher launches the configured agent CLI as a subprocess per
// session.
type CLILauncher struct {
	Command string
	Args    []string
	Logger  *slog.Logger
}

// Launch validates the project path, spawns the process, and starts
// the output scanners.
func (l *CLILauncher) Launch(spec LaunchSpec) (Conn, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(spec.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("project path does not exist: %s", spec.ProjectPath)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path is not a directory: %s", spec.ProjectPath)
	}

	binaryPath, err := exec.LookPath(l.Command)
	if err != nil {
		return nil, fmt.Errorf("agent runtime %q not found in PATH", l.Command)
	}

	args := append([]string{}, l.Args...)
	args = append(args, "--session", spec.SessionID)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.Resume {
		args = append(args, "--resume")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Dir = spec.ProjectPath

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	c := &cliConn{
		sessionID: spec.SessionID,
		cmd:       cmd,
		cancel:    cancel,
		stdin:     &stdinWriter{writer: stdinW},
		deliver:   spec.Deliver,
		logger:    logger,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("failed to start agent runtime: %w", err)
	}

	// The child holds the read end now.
	stdinR.Close()

	go c.scanEvents(stdoutPipe)
	go c.scanStderr(stderrPipe)
	go c.waitForExit()

	logger.Info("runtime launched",
		"session", spec.SessionID,
		"command", l.Command,
		"resume", spec.Resume,
	)
	return c, nil
}

type cliConn struct {
	sessionID string
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdin     *stdinWriter
	deliver   func(session.Input)
	logger    *slog.Logger
	stopOnce  sync.Once
}

// stdinWriter wraps the command pipe with mutex protection so calls
// from the actor goroutine and Stop never interleave.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) WriteLine(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	if _, err := sw.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// Call marshals the command and writes it as one line to the
// runtime's stdin.
func (c *cliConn) Call(call session.RuntimeCall) error {
	cmd, err := encodeCall(call)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal runtime command: %w", err)
	}
	if err := c.stdin.WriteLine(data); err != nil {
		return fmt.Errorf("write runtime command: %w", err)
	}
	return nil
}

// Stop interrupts the process, then force-kills it after the grace
// period if it has not exited.
func (c *cliConn) Stop() {
	c.stopOnce.Do(func() {
		if c.cmd.Process != nil {
			c.cmd.Process.Signal(os.Interrupt)
		}
		go func() {
			time.Sleep(gracefulTimeout)
			c.cancel()
		}()
	})
}

// scanEvents parses stdout lines into session inputs.
func (c *cliConn) scanEvents(pipe interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		in, err := DecodeEvent(line, time.Now().UTC())
		if err != nil {
			c.logger.Warn("unparseable runtime event",
				"session", c.sessionID,
				"error", err,
			)
			continue
		}
		c.deliver(in)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("runtime stdout scanner error", "session", c.sessionID, "error", err)
	}
}

// scanStderr forwards runtime diagnostics to the log.
func (c *cliConn) scanStderr(pipe interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		c.logger.Debug("runtime stderr", "session", c.sessionID, "line", scanner.Text())
	}
}

// waitForExit reports process termination as a SessionEnded input.
func (c *cliConn) waitForExit() {
	err := c.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	c.stdin.Close()
	c.logger.Info("runtime exited", "session", c.sessionID, "exit_code", exitCode)
	c.deliver(session.SessionEnded{
		Reason: fmt.Sprintf("runtime exited (code %d)", exitCode),
	})
}
