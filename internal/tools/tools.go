// Package tools defines the functions a model may call and dispatches
// calls to them.
//
// The set of function names is closed: each agent gets a table built
// from the capabilities it was configured with, and any other name is
// answered with an "unknown function" result rather than an error.
// Dispatch never fails and never panics; every outcome, including
// sandbox denials and handler bugs, comes back as text the model can
// read.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/pantheon/internal/fetch"
	"github.com/nugget/pantheon/internal/memory"
	"github.com/nugget/pantheon/internal/metrics"
	"github.com/nugget/pantheon/internal/sandbox"
)

// Name identifies a callable function.
type Name string

// Memory functions.
const (
	SaveMemory          Name = "save_memory"
	SearchMemory        Name = "search_memory"
	UpdateWorkingMemory Name = "update_working_memory"
	CoreMemoryAppend    Name = "core_memory_append"
	CoreMemoryReplace   Name = "core_memory_replace"
	ConversationSearch  Name = "conversation_search"
)

// Peer functions.
const (
	MessageAgent Name = "message_agent"
)

// Sandbox functions.
const (
	ReadFile         Name = "read_file"
	WriteFile        Name = "write_file"
	AppendFile       Name = "append_file"
	ListFiles        Name = "list_files"
	DeleteFile       Name = "delete_file"
	FindFiles        Name = "find_files"
	SearchFiles      Name = "search_files"
	EditFile         Name = "edit_file"
	ExecuteCommand   Name = "execute_command"
	RunPython        Name = "run_python"
	FetchURL         Name = "fetch_url"
	GetWorkspaceInfo Name = "get_workspace_info"
)

// Names lists every function in catalog order.
var Names = []Name{
	SaveMemory, SearchMemory, UpdateWorkingMemory, CoreMemoryAppend, CoreMemoryReplace, ConversationSearch,
	MessageAgent,
	ReadFile, WriteFile, AppendFile, ListFiles, DeleteFile, FindFiles, SearchFiles, EditFile,
	ExecuteCommand, RunPython, FetchURL, GetWorkspaceInfo,
}

// Handler executes a function call. Returned errors are rendered as
// text by the dispatcher.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Param documents one argument.
type Param struct {
	Name        string
	Type        string // "string", "integer", "boolean"
	Description string
	Default     string // rendered in the catalog when non-empty
}

// Tool is one callable function.
type Tool struct {
	Name        Name
	Description string
	Params      []Param
	Handler     Handler
}

// Signature renders the call shape, e.g. list_files(path=".").
func (t *Tool) Signature() string {
	parts := make([]string, len(t.Params))
	for i, p := range t.Params {
		if p.Default != "" {
			parts[i] = p.Name + "=" + p.Default
		} else {
			parts[i] = p.Name
		}
	}
	return string(t.Name) + "(" + strings.Join(parts, ", ") + ")"
}

// Memory is the agent state the memory functions operate on.
type Memory interface {
	AppendWorking(ctx context.Context, text string) error
	ReplaceWorking(ctx context.Context, oldText, newText string) error
	SearchConversation(ctx context.Context, query string, limit int) ([]memory.Message, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Messenger delivers a message to another agent and returns its reply.
type Messenger interface {
	SendMessage(ctx context.Context, from, to, text string) (string, error)
}

// Sandbox bundles the confined execution capabilities. Any field may be
// nil to withhold that group of functions.
type Sandbox struct {
	Files *sandbox.Files
	Exec  *sandbox.Exec
	Code  *sandbox.CodeRunner
	Fetch *fetch.Fetcher
}

// Config selects the capabilities of one agent's dispatcher.
type Config struct {
	Agent     string
	Memory    Memory
	Archive   *memory.ArchiveStore
	Embedder  Embedder  // optional; without it search_memory matches substrings
	Messenger Messenger // optional; enables message_agent
	Sandbox   *Sandbox  // optional; enables file, process, and network functions

	// SearchLimit is the default result count for search_memory.
	SearchLimit int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Invocation records one dispatched call.
type Invocation struct {
	Name      string         `json:"function"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result"`
	OK        bool           `json:"ok"`
	Duration  time.Duration  `json:"duration"`
}

// Dispatcher routes calls to one agent's function table.
type Dispatcher struct {
	cfg     Config
	table   map[Name]*Tool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds the function table for cfg.
func New(cfg Config) *Dispatcher {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		table:   make(map[Name]*Tool),
		logger:  cfg.Logger.With("component", "tools", "agent", cfg.Agent),
		metrics: cfg.Metrics,
	}

	if cfg.Memory != nil && cfg.Archive != nil {
		d.registerMemoryTools()
	}
	if cfg.Messenger != nil {
		d.registerPeerTools()
	}
	if cfg.Sandbox != nil {
		d.registerSandboxTools()
	}
	return d
}

func (d *Dispatcher) register(t *Tool) {
	d.table[t.Name] = t
}

// Has reports whether name is in this dispatcher's table.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.table[Name(name)]
	return ok
}

// Tools returns the registered tools in catalog order.
func (d *Dispatcher) Tools() []*Tool {
	var out []*Tool
	for _, n := range Names {
		if t, ok := d.table[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Dispatch runs a call and returns its result text.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) string {
	return d.Invoke(ctx, name, args).Result
}

// Invoke runs a call and returns the full invocation record. It never
// panics.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (inv Invocation) {
	inv = Invocation{Name: name, Arguments: args}
	start := time.Now()
	tool, known := d.table[Name(name)]

	// Model-supplied names are unbounded; keep them out of metric labels.
	label := name
	if !known {
		label = "unknown"
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("function panicked", "tool", name, "panic", r)
			inv.Result = fmt.Sprintf("Error: internal error in %s: %v", name, r)
			inv.OK = false
		}
		inv.Duration = time.Since(start)
		d.metrics.ObserveFunction(d.cfg.Agent, label, inv.OK, inv.Duration)
		d.logger.Debug("function dispatched",
			"tool", name,
			"ok", inv.OK,
			"duration", inv.Duration,
		)
	}()

	if !known {
		inv.Result = fmt.Sprintf("unknown function: `%s`", name)
		return inv
	}
	if args == nil {
		args = map[string]any{}
	}

	out, err := tool.Handler(ctx, args)
	var denied *sandbox.DeniedError
	switch {
	case errors.As(err, &denied):
		d.logger.Warn("sandbox denied call", "tool", name, "error", err)
		inv.Result = denied.Error()
	case err != nil:
		inv.Result = "Error: " + err.Error()
	default:
		inv.Result = out
		inv.OK = true
	}
	return inv
}

// Catalog renders the function list and calling convention for the
// system prompt.
func (d *Dispatcher) Catalog() string {
	tools := d.Tools()
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You can call these functions:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Signature(), t.Description)
	}
	b.WriteString("\nTo call a function, reply with a JSON block and nothing after it:\n")
	b.WriteString("```json\n{\"function\": \"name\", \"arguments\": {\"arg\": \"value\"}}\n```\n")
	b.WriteString("You may include several blocks to call several functions in order. ")
	b.WriteString("Results come back in the next message. Answer in plain text when no call is needed.")
	return b.String()
}
