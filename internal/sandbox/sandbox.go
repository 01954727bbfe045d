// internal/sandbox/sandbox.go
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/internal/config"
)

// Error types reported for sandbox violations.
const (
	TypeTimeout      = "timeout"
	TypeMemoryLimit  = "memory_limit"
	TypeRuntimeError = "runtime_error"
)

const maxOutputBytes = 64 * 1024

var (
	// ErrTimeout is returned when work exceeds its wall-clock deadline.
	ErrTimeout = errors.New("execution timed out")
	// ErrUnsupportedLanguage is returned for a language with no configured interpreter.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

var memoryMarkers = []string{"memoryerror", "cannot allocate memory", "out of memory", "std::bad_alloc", "heap out of memory"}

// ExecError is a classified failure of sandboxed code.
type ExecError struct {
	Type   string
	Output string
	Err    error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("sandbox %s", e.Type)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// Result is the output of a successful sandboxed run.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// RunWithDeadline runs fn in its own goroutine and waits at most d for it.
// fn receives a context cancelled at the deadline; ErrTimeout is returned
// whether or not fn honours it.
func RunWithDeadline(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sandboxed function panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		// A failure after the context ended is the kill, not the work.
		if err != nil && ctx.Err() != nil {
			return contextErr(ctx)
		}
		return err
	case <-ctx.Done():
		return contextErr(ctx)
	}
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Sandbox runs generated validation snippets under resource ceilings.
type Sandbox struct {
	cfg    config.SandboxConfig
	logger *zap.Logger
}

// New creates a sandbox from its configuration section.
func New(cfg config.SandboxConfig, logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{cfg: cfg, logger: logger.Named("sandbox")}
}

// Supports reports whether language has a configured interpreter.
func (s *Sandbox) Supports(language string) bool {
	_, ok := s.cfg.Interpreters[strings.ToLower(strings.TrimSpace(language))]
	return ok
}

// Run writes code to a temporary directory and executes it with the
// configured interpreter under address-space and CPU-time limits.
func (s *Sandbox) Run(ctx context.Context, language, code string) (Result, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	interp, ok := s.cfg.Interpreters[lang]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	dir, err := os.MkdirTemp("", "healops-sandbox-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "snippet"+extension(lang))
	if err := os.WriteFile(script, []byte(code), 0600); err != nil {
		return Result{}, fmt.Errorf("failed to write sandbox script: %w", err)
	}

	var stdout, stderr bytes.Buffer
	exited := make(chan struct{})
	start := time.Now()
	err = RunWithDeadline(ctx, s.cfg.Timeout, func(runCtx context.Context) error {
		defer close(exited)
		cmd := s.command(runCtx, interp, script)
		cmd.Dir = dir
		cmd.Env = sandboxEnv(dir)
		cmd.Stdout = &limitedWriter{buf: &stdout, max: maxOutputBytes}
		cmd.Stderr = &limitedWriter{buf: &stderr, max: maxOutputBytes}
		cmd.WaitDelay = time.Second
		return cmd.Run()
	})
	// The deadline kills the process and WaitDelay bounds the pipe drain, so
	// this wait is short. The buffers are only read once the process is gone.
	<-exited
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	if err == nil {
		s.logger.Debug("Sandboxed snippet succeeded.", zap.String("language", lang), zap.Duration("duration", res.Duration))
		return res, nil
	}
	execErr := classify(err, res)
	s.logger.Info("Sandboxed snippet failed.",
		zap.String("language", lang),
		zap.String("error_type", execErr.Type),
		zap.Duration("duration", res.Duration))
	return res, execErr
}

func (s *Sandbox) command(ctx context.Context, interp, script string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		// No rlimits; only the wall-clock deadline applies.
		return exec.CommandContext(ctx, interp, script)
	}
	var limits []string
	if s.cfg.MemoryLimitMB > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -v %d", s.cfg.MemoryLimitMB*1024))
	}
	if s.cfg.CPUTimeSeconds > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -t %d", s.cfg.CPUTimeSeconds))
	}
	limits = append(limits, `exec "$0" "$1"`)
	return exec.CommandContext(ctx, "/bin/sh", "-c", strings.Join(limits, "; "), interp, script)
}

func classify(err error, res Result) *ExecError {
	output := strings.TrimSpace(res.Stderr)
	if output == "" {
		output = strings.TrimSpace(res.Stdout)
	}
	if errors.Is(err, ErrTimeout) {
		return &ExecError{Type: TypeTimeout, Output: output, Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ProcessState renders signals as "signal: <name>".
		state := exitErr.String()
		switch {
		case strings.Contains(state, "CPU time limit"):
			return &ExecError{Type: TypeTimeout, Output: output, Err: fmt.Errorf("cpu time limit exceeded: %w", err)}
		case strings.Contains(state, "killed"), strings.Contains(state, "segmentation fault"):
			return &ExecError{Type: TypeMemoryLimit, Output: output, Err: err}
		}
	}

	lower := strings.ToLower(output)
	for _, m := range memoryMarkers {
		if strings.Contains(lower, m) {
			return &ExecError{Type: TypeMemoryLimit, Output: output, Err: err}
		}
	}
	return &ExecError{Type: TypeRuntimeError, Output: output, Err: err}
}

func extension(lang string) string {
	switch lang {
	case "python", "python3":
		return ".py"
	case "node", "javascript", "js":
		return ".js"
	default:
		return ".sh"
	}
}

// sandboxEnv keeps PATH so interpreters resolve, and little else.
func sandboxEnv(dir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
