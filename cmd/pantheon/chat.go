package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/nugget/pantheon/internal/agent"
	"github.com/nugget/pantheon/internal/config"
)

// openCLI loads config and wires an app for the interactive
// subcommands. Logs go to stderr, at warn unless log_level says
// otherwise, so they do not interleave with replies.
func openCLI(stderr io.Writer, configPath string) (*app, *config.Config, func(), error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	level := slog.LevelWarn
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger, closeLog, err := newLogger(stderr, level, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}
	return a, cfg, func() {
		a.close()
		closeLog()
	}, nil
}

// runChat reads messages from stdin and prints each reply. /stats
// shows the agent's memory usage and /quit (or EOF) ends the session.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, agentName string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cfg, cleanup, err := openCLI(stderr, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if agentName == "" {
		agentName = cfg.DefaultAgent
	}
	ag, err := a.registry.Load(ctx, agentName)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentName, err)
	}
	return chatLoop(ctx, a, agentName, ag.DisplayName(), stdin, stdout, stderr)
}

func chatLoop(ctx context.Context, a *app, agentName, display string, stdin io.Reader, stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "Chatting with %s. /stats shows memory usage, /quit exits.\n", display)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/stats":
			ag, err := a.registry.Load(ctx, agentName)
			if err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				continue
			}
			st, err := ag.Stats(ctx)
			if err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				continue
			}
			printStats(stdout, st)
			continue
		}

		reply, err := a.registry.Route(ctx, "", agentName, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(stderr, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(stdout, "%s: %s\n", display, reply.Text)
	}
}

func printStats(w io.Writer, st agent.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  recent messages\t%d (%d/%d tokens)\n", st.FIFOMessages, st.FIFOTokens, st.FIFOBudget)
	fmt.Fprintf(tw, "  working memory\t%d chars\n", st.WorkingMemoryChars)
	fmt.Fprintf(tw, "  archival entries\t%d\n", st.ArchivalEntries)
	fmt.Fprintf(tw, "  logged messages\t%d\n", st.ConversationMessages)
	tw.Flush()
}

// runAsk sends a single message and prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, agentName, message string) error {
	a, _, cleanup, err := openCLI(stderr, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	reply, err := a.registry.Route(ctx, "", agentName, message)
	if err != nil {
		return fmt.Errorf("ask %s: %w", agentName, err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runAgents lists stored agents.
func runAgents(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	a, _, cleanup, err := openCLI(stderr, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	infos, err := a.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(stdout, "No agents stored yet.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tCREATED\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, info.Model, info.CreatedAt.Format("2006-01-02 15:04"), info.Description)
	}
	return tw.Flush()
}
