// Package media wraps the ffmpeg and ffprobe command-line tools: probing, normalization,
// concatenation and clip/poster extraction.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxStderrBytes = 8 * 1024

// Runner executes an external tool. A non-zero exit returns a *ToolError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// Result is the captured output of a finished tool run.
type Result struct {
	Stdout     []byte
	StderrTail string
	ExitCode   int
	Duration   time.Duration
}

// ToolError is returned when the tool exits non-zero, times out or cannot start.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s exited %d: %v", e.Tool, e.ExitCode, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// toolOutput returns the captured stderr of a *ToolError in err's chain.
func toolOutput(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Stderr
	}
	return ""
}

// ExecRunner runs tools as subprocesses.
type ExecRunner struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecRunner creates a subprocess runner. timeout caps every run; 0 means only ctx applies.
func NewExecRunner(timeout time.Duration, logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{timeout: timeout, logger: logger}
}

// Run executes name with args, capturing stdout and the tail of stderr.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	r.logger.Debug("running tool", zap.String("tool", name), zap.Strings("args", args))
	err := cmd.Run()
	res := &Result{
		Stdout:     stdout.Bytes(),
		StderrTail: stderr.String(),
		Duration:   time.Since(start),
	}
	if err == nil {
		r.logger.Debug("tool finished", zap.String("tool", name), zap.Duration("duration", res.Duration))
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	r.logger.Warn("tool failed",
		zap.String("tool", name),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.String("stderr_tail", truncate(res.StderrTail, 512)),
	)
	return res, &ToolError{Tool: name, ExitCode: res.ExitCode, Stderr: res.StderrTail, Err: err}
}

// limitedWriter keeps only the last limit bytes written.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		keep := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(keep)
	}
	return n, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
