package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	shlex "github.com/flynn-archive/go-shlex"
)

// shellMetachars are refused anywhere in a raw command string. The
// check runs before tokenizing so quoting cannot smuggle them through.
const shellMetachars = ";&|`$()<>\n\r"

// DefaultMaxOutput caps each captured stream.
const DefaultMaxOutput = 10000

// ExecConfig configures command execution.
type ExecConfig struct {
	// Allowed lists bare executable names that may run. Paths are never
	// accepted as the executable, so "ls" allows ls but not "/bin/ls".
	Allowed   []string
	Timeout   time.Duration
	MaxOutput int
	Logger    *slog.Logger
}

// ExecResult is the outcome of a subprocess.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"-"`
}

// Exec runs allow-listed commands with the workspace as working directory.
type Exec struct {
	root      *Root
	allowed   map[string]bool
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// NewExec creates a command runner confined to root.
func NewExec(root *Root, cfg ExecConfig) *Exec {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.Allowed))
	for _, name := range cfg.Allowed {
		allowed[strings.TrimSpace(name)] = true
	}
	return &Exec{
		root:      root,
		allowed:   allowed,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		logger:    cfg.Logger,
	}
}

// Allowed returns the allow-listed executable names, sorted.
func (e *Exec) Allowed() []string {
	names := make([]string, 0, len(e.allowed))
	for n := range e.allowed {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Check validates a raw command without running it and returns its
// argument vector.
func (e *Exec) Check(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	if i := strings.IndexAny(command, shellMetachars); i >= 0 {
		return nil, &DeniedError{
			Op:     "exec",
			Target: command,
			Reason: fmt.Sprintf("shell metacharacter %q is not permitted", command[i]),
		}
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	if !e.allowed[argv[0]] {
		return nil, &DeniedError{
			Op:     "exec",
			Target: argv[0],
			Reason: "command not in allow-list",
		}
	}

	for _, arg := range argv[1:] {
		if err := e.checkArg(arg); err != nil {
			return nil, err
		}
	}
	return argv, nil
}

// checkArg refuses arguments that can reach outside the root. Any ".."
// is denied outright. Absolute and home paths are checked whether bare,
// given as --opt=/path, or attached to a short flag as in -f/path.
func (e *Exec) checkArg(arg string) error {
	if strings.Contains(arg, "..") {
		return &DeniedError{Op: "exec", Target: arg, Reason: "parent directory references are not permitted"}
	}
	for _, candidate := range argPaths(arg) {
		if strings.HasPrefix(candidate, "~") {
			return &DeniedError{Op: "exec", Target: arg, Reason: "home directory paths are not permitted"}
		}
		if filepath.IsAbs(candidate) {
			if _, err := e.root.Resolve(candidate); err != nil {
				return err
			}
		}
	}
	return nil
}

// argPaths returns the parts of arg that a command may treat as a path.
func argPaths(arg string) []string {
	_, value, hasValue := strings.Cut(arg, "=")
	switch {
	case strings.HasPrefix(arg, "--"):
		if hasValue {
			return []string{value}
		}
		return nil
	case strings.HasPrefix(arg, "-"):
		var out []string
		if len(arg) > 2 {
			out = append(out, arg[2:])
		}
		if hasValue {
			out = append(out, value)
		}
		return out
	default:
		return []string{arg}
	}
}

// Run validates and executes command. A policy violation returns a
// *DeniedError; a timeout is reported through ExecResult.TimedOut.
func (e *Exec) Run(ctx context.Context, command string) (*ExecResult, error) {
	argv, err := e.Check(command)
	if err != nil {
		e.logger.Warn("command denied", "command", command, "error", err)
		return nil, err
	}

	return runProcess(ctx, e.root.Path(), argv, e.timeout, e.maxOutput, e.logger)
}

// runProcess runs argv in dir with its own process group, killing the
// whole group when the timeout expires.
func runProcess(ctx context.Context, dir string, argv []string, timeout time.Duration, maxOutput int, logger *slog.Logger) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	configureProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &ExecResult{
		Stdout:   truncateOutput(stdout.String(), maxOutput),
		Stderr:   truncateOutput(stderr.String(), maxOutput),
		Duration: elapsed,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		logger.Warn("process timed out", "cmd", argv[0], "timeout", timeout)
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("start %s: %w", argv[0], err)
		}
	}

	logger.Debug("process finished",
		"cmd", argv[0],
		"exit_code", result.ExitCode,
		"duration", elapsed,
	)
	return result, nil
}

func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n\n[... output truncated ...]"
}

// Format renders the result as tool output text.
func (r *ExecResult) Format() string {
	var b strings.Builder
	if r.TimedOut {
		b.WriteString("Command timed out\n")
	}
	fmt.Fprintf(&b, "Exit code: %d\n", r.ExitCode)
	if r.Stdout != "" {
		b.WriteString("STDOUT:\n")
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		b.WriteString("STDERR:\n")
		b.WriteString(r.Stderr)
	}
	return strings.TrimRight(b.String(), "\n")
}
