package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	slogmulti "github.com/samber/slog-multi"

	"github.com/nugget/pantheon/internal/agent"
	"github.com/nugget/pantheon/internal/config"
	"github.com/nugget/pantheon/internal/connwatch"
	"github.com/nugget/pantheon/internal/embeddings"
	"github.com/nugget/pantheon/internal/events"
	"github.com/nugget/pantheon/internal/fetch"
	"github.com/nugget/pantheon/internal/llm"
	"github.com/nugget/pantheon/internal/memory"
	"github.com/nugget/pantheon/internal/metrics"
	"github.com/nugget/pantheon/internal/registry"
	"github.com/nugget/pantheon/internal/sandbox"
	"github.com/nugget/pantheon/internal/tools"
)

// app holds the long-lived components shared by every subcommand that
// talks to agents.
type app struct {
	db       *memory.DB
	llm      llm.Client
	bus      *events.Bus
	metrics  *metrics.Metrics
	registry *registry.Registry
	logger   *slog.Logger
}

// newApp opens the store and wires the registry. The caller must close
// the result.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	return newAppWithLLM(cfg, logger, llm.NewOllamaClient(cfg.Ollama.URL))
}

func newAppWithLLM(cfg *config.Config, logger *slog.Logger, client llm.Client) (*app, error) {
	db, err := memory.Open(memory.Options{
		Path:           cfg.Database.Path,
		PoolSize:       cfg.Database.PoolSize,
		AcquireTimeout: cfg.Database.AcquireTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var embedder tools.Embedder
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Ollama.URL,
			Model:   cfg.Embeddings.Model,
			Dim:     cfg.Embeddings.Dim,
		})
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model, "dim", cfg.Embeddings.Dim)
	}

	var sb *tools.Sandbox
	if cfg.Sandbox.Enabled {
		sb, err = newSandbox(cfg.Sandbox, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("sandbox enabled", "workspace", cfg.Sandbox.Workspace, "commands", cfg.Sandbox.AllowedCommands)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	bus := events.New()

	reg := registry.New(registry.Options{
		Config: cfg,
		Stores: agent.Stores{
			Agents:  memory.NewAgentStore(db),
			History: memory.NewHistoryStore(db),
			Archive: memory.NewArchiveStore(db, memory.ArchiveConfig{}),
		},
		LLM:      client,
		Embedder: embedder,
		Sandbox:  sb,
		Bus:      bus,
		Metrics:  m,
		Logger:   logger,
	})

	return &app{
		db:       db,
		llm:      client,
		bus:      bus,
		metrics:  m,
		registry: reg,
		logger:   logger,
	}, nil
}

// watchBackend probes the inference server in the background and
// publishes its reachability to metrics and the event bus.
func (a *app) watchBackend(ctx context.Context, url string) *connwatch.Watcher {
	const name = "ollama"
	return connwatch.Start(ctx, connwatch.Config{
		Name:  name,
		Probe: a.llm.Ping,
		OnChange: func(ready bool, err error) {
			a.metrics.SetBackendUp(name, ready)
			data := map[string]any{"backend": name, "url": url}
			kind := events.KindBackendUp
			if !ready {
				kind = events.KindBackendDown
				data["error"] = err.Error()
			}
			a.bus.Emit(events.SourceBackend, kind, data)
		},
		Logger: a.logger,
	})
}

func newSandbox(cfg config.SandboxConfig, logger *slog.Logger) (*tools.Sandbox, error) {
	root, err := sandbox.NewRoot(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("open sandbox: %w", err)
	}
	return &tools.Sandbox{
		Files: sandbox.NewFiles(root),
		Exec: sandbox.NewExec(root, sandbox.ExecConfig{
			Allowed: cfg.AllowedCommands,
			Timeout: time.Duration(cfg.CommandTimeoutSec) * time.Second,
			Logger:  logger,
		}),
		Code: sandbox.NewCodeRunner(root, sandbox.CodeRunnerConfig{
			Interpreter: cfg.Interpreter,
			Timeout:     time.Duration(cfg.CodeTimeoutSec) * time.Second,
			Logger:      logger,
		}),
		Fetch: fetch.New(fetch.Config{
			MaxBytes: cfg.FetchMaxBytes,
			MaxChars: cfg.FetchMaxChars,
			Timeout:  time.Duration(cfg.FetchTimeoutSec) * time.Second,
			Logger:   logger,
		}),
	}, nil
}

// close flushes loaded agents and closes the database.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := a.registry.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close database: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		a.logger.Error("shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// newLogger builds a text or JSON logger on w. When logFile is set the
// same records also go to that file. The returned func closes the file.
func newLogger(w io.Writer, level slog.Level, format, logFile string) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if logFile == "" {
		return slog.New(newHandler(w, format, opts)), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	handler := slogmulti.Fanout(
		newHandler(w, format, opts),
		// The file always gets JSON so it can be machine-read.
		slog.NewJSONHandler(f, opts),
	)
	return slog.New(handler), f.Close, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
