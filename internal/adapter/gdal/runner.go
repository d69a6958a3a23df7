package gdal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, in case a grandchild still holds them open.
const waitDelay = 5 * time.Second

// CommandError is a subprocess that exited non-zero or could not be started.
type CommandError struct {
	Command  string
	ExitCode int // -1 when the process never ran or was killed
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.ExitCode < 0 {
		msg = fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes toolchain binaries. It is safe for concurrent use.
type Runner struct {
	binDir  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a Runner. An empty binDir resolves binaries on PATH; a zero
// timeout leaves commands bounded only by the caller's context.
func NewRunner(binDir string, timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{binDir: binDir, timeout: timeout, logger: logger}
}

// Run executes name with args. Success is exit code 0; stderr output on success
// is logged at debug level and otherwise ignored.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	bin := name
	if r.binDir != "" {
		bin = filepath.Join(r.binDir, name)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	errText := strings.TrimSpace(stderr.String())

	r.logger.Debug("command finished",
		"command", name,
		"args", strings.Join(args, " "),
		"duration", time.Since(start),
		"stdout_bytes", stdout.Len(),
	)

	if err == nil {
		if errText != "" {
			r.logger.Debug("command wrote to stderr", "command", name, "stderr", errText)
		}
		return nil
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
		code = -1
	}
	return &CommandError{Command: name, ExitCode: code, Stderr: errText, Err: err}
}
