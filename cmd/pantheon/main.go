// Pantheon runs a set of conversational agents with tiered memory.
//
// Agents keep a persona, editable working memory, a token-bounded window
// of recent conversation, and a searchable archive. They can call tools,
// message each other, and see which external actors are connected.
//
// Usage:
//
//	pantheon serve                   Start the API server
//	pantheon chat [agent]            Interactive chat on stdin
//	pantheon ask <agent> <message>   Send one message and print the reply
//	pantheon agents                  List stored agents
//	pantheon init [dir]              Write a starter config.yaml
//	pantheon version                 Print version and build information
//	pantheon -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nugget/pantheon/internal/api"
	"github.com/nugget/pantheon/internal/buildinfo"
	"github.com/nugget/pantheon/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are parameters so
// the whole lifecycle can be driven from tests. Arguments are parsed by
// hand; the flag package keeps global state that gets in the way of
// parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "chat":
		agentName := ""
		if len(cmdArgs) > 0 {
			agentName = cmdArgs[0]
		}
		return runChat(ctx, stdin, stdout, stderr, configPath, agentName)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: pantheon ask <agent> <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "agents":
		return runAgents(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Pantheon - agents with tiered memory")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pantheon [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Start the API server")
	fmt.Fprintln(w, "  chat [agent]           Chat interactively (default: default_agent)")
	fmt.Fprintln(w, "  ask <agent> <message>  Send one message and print the reply")
	fmt.Fprintln(w, "  agents                 List stored agents")
	fmt.Fprintln(w, "  init [dir]             Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains HTTP requests and flushes every loaded agent.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := newLogger(stdout, slog.LevelInfo, "text", "")
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("starting Pantheon", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The startup logger only covers the banner; everything after this
	// uses the configured level, format, and sinks.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger, closeLog2, err := newLogger(stdout, level, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog2()

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.DefaultModel,
		"ollama_url", cfg.Ollama.URL,
		"database", cfg.Database.Path,
		"sandbox", cfg.Sandbox.Enabled,
		"agents", len(cfg.Agents),
	)

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	backend := app.watchBackend(ctx, cfg.Ollama.URL)
	defer backend.Stop()

	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Registry: app.registry,
		LLM:      app.llm,
		Backend:  backend,
		Bus:      app.bus,
		Metrics:  app.metrics,
		Logger:   logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Pantheon stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration. An explicit
// path must exist; without one, a missing file falls back to defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
