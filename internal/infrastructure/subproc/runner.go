// Package subproc wraps the executor and VLM child processes. Both speak
// the same protocol: one JSON object on stdin, one JSON object on stdout,
// errors via an "error" field or a non-zero exit. The runner owns process
// lifetime: wall-clock timeout, SIGTERM then SIGKILL escalation, and a
// bounded stderr tail for diagnostics.
package subproc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stderrTailLimit bounds how much child stderr is retained for error
// reporting.
const stderrTailLimit = 4 * 1024

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 3 * time.Second

// ErrKind classifies runner failures so callers can map them onto the
// turn error taxonomy.
type ErrKind string

const (
	ErrKindTimeout   ErrKind = "timeout"
	ErrKindCrash     ErrKind = "crash"
	ErrKindMalformed ErrKind = "malformed"
)

// ProcError is a typed child-process failure carrying the stderr tail.
type ProcError struct {
	Kind       ErrKind
	Command    string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *ProcError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Command, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (exit %d)", e.Command, e.Kind, e.ExitCode)
}

func (e *ProcError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, defaulting to crash for
// untyped errors.
func KindOf(err error) ErrKind {
	var perr *ProcError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ErrKindCrash
}

// tailBuffer keeps the last capacity bytes written to it.
type tailBuffer struct {
	buf []byte
	cap int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// Runner invokes a child process once per call. Safe for concurrent use;
// each call spawns its own process.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a runner logging under the given component name.
func NewRunner(logger *zap.Logger, component string) *Runner {
	return &Runner{logger: logger.With(zap.String("component", component))}
}

// RunJSON serializes req onto the child's stdin, waits for it to exit
// within timeout, and decodes its stdout into resp. On timeout the child's
// process group gets SIGTERM, then SIGKILL after a grace period.
func (r *Runner) RunJSON(ctx context.Context, argv []string, req any, resp any, timeout time.Duration) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}

	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// New process group so the escalation kill reaps grandchildren too
	// (the executor spawns its own capture helper).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	stderr := &tailBuffer{cap: stderrTailLimit}
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &ProcError{Kind: ErrKindCrash, Command: argv[0], Err: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-waitCh:
	case <-timer.C:
		r.kill(cmd, waitCh)
		r.logger.Warn("Child process timed out",
			zap.String("command", argv[0]),
			zap.Duration("timeout", timeout),
		)
		return &ProcError{Kind: ErrKindTimeout, Command: argv[0], StderrTail: stderr.String()}
	case <-ctx.Done():
		r.kill(cmd, waitCh)
		return ctx.Err()
	}

	r.logger.Debug("Child process finished",
		zap.String("command", argv[0]),
		zap.Duration("duration", time.Since(start)),
	)

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &ProcError{
			Kind:       ErrKindCrash,
			Command:    argv[0],
			ExitCode:   exitCode,
			StderrTail: stderr.String(),
			Err:        err,
		}
	}

	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), resp); err != nil {
		return &ProcError{
			Kind:       ErrKindMalformed,
			Command:    argv[0],
			StderrTail: stderr.String(),
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

// kill terminates the child's process group: SIGTERM, then SIGKILL once
// the grace period lapses.
func (r *Runner) kill(cmd *exec.Cmd, waitCh <-chan error) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-waitCh:
		return
	case <-time.After(killGrace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-waitCh
	}
}
