package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// CodeRunnerConfig configures ad hoc code execution.
type CodeRunnerConfig struct {
	// Interpreter is the executable that runs the script (default python3).
	Interpreter string
	// Extension is the temp file suffix (default ".py").
	Extension string
	Timeout   time.Duration
	MaxOutput int
	Logger    *slog.Logger
}

// CodeRunner executes submitted source as a short-lived subprocess
// inside the workspace.
type CodeRunner struct {
	root        *Root
	interpreter string
	ext         string
	timeout     time.Duration
	maxOutput   int
	logger      *slog.Logger
}

// NewCodeRunner creates a code runner confined to root.
func NewCodeRunner(root *Root, cfg CodeRunnerConfig) *CodeRunner {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Extension == "" {
		cfg.Extension = ".py"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CodeRunner{
		root:        root,
		interpreter: cfg.Interpreter,
		ext:         cfg.Extension,
		timeout:     cfg.Timeout,
		maxOutput:   cfg.MaxOutput,
		logger:      cfg.Logger,
	}
}

// Interpreter returns the executable scripts are run with.
func (c *CodeRunner) Interpreter() string {
	return c.interpreter
}

// Run writes code to a temporary script in the workspace, executes it,
// and removes the script on every exit path.
func (c *CodeRunner) Run(ctx context.Context, code string) (*ExecResult, error) {
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}

	f, err := os.CreateTemp(c.root.Path(), "_run_*"+c.ext)
	if err != nil {
		return nil, fmt.Errorf("create script: %w", err)
	}
	script := f.Name()
	defer func() {
		if err := os.Remove(script); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove script", "path", script, "error", err)
		}
	}()

	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close script: %w", err)
	}

	c.logger.Debug("running script", "interpreter", c.interpreter, "bytes", len(code))
	return runProcess(ctx, c.root.Path(), []string{c.interpreter, script}, c.timeout, c.maxOutput, c.logger)
}
