// Package agent implements a conversational agent with tiered memory
// and the tool-call loop that drives each of its turns.
//
// An agent's prompt is assembled from three tiers: a read-only system
// tier regenerated at load, a working tier the model edits through
// function calls, and a token-budgeted FIFO of recent messages. A
// fourth, archival tier lives in the durable store and is reached only
// through the memory functions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/pantheon/internal/config"
	"github.com/nugget/pantheon/internal/events"
	"github.com/nugget/pantheon/internal/llm"
	"github.com/nugget/pantheon/internal/memory"
	"github.com/nugget/pantheon/internal/metrics"
	"github.com/nugget/pantheon/internal/tools"
)

// Section headings of the assembled context.
const (
	SystemHeading       = "=== SYSTEM MEMORY ==="
	WorkingHeading      = "=== WORKING MEMORY ==="
	ConversationHeading = "=== RECENT CONVERSATION ==="
)

var (
	// ErrInvalidName is returned for names outside [A-Za-z0-9_-].
	ErrInvalidName = errors.New("invalid agent name")
	// ErrAgentBusy is returned by TryTurn while another turn holds the
	// agent.
	ErrAgentBusy = errors.New("agent is busy")
	// ErrAgentRetired is returned for turns on an agent that was deleted.
	ErrAgentRetired = errors.New("agent has been deleted")
)

// Stores are the durable stores an agent reads and writes.
type Stores struct {
	Agents  *memory.AgentStore
	History *memory.HistoryStore
	Archive *memory.ArchiveStore
}

// Config configures one agent. Display name, model, and description
// are only used by Create; Open takes them from the stored record.
type Config struct {
	Name        string
	DisplayName string
	Model       string
	Description string

	FIFOBudget     int
	CharsPerToken  int
	HistoryRestore int
	SummaryCount   int
	SearchLimit    int

	MaxRounds   int
	MaxTokens   int
	Temperature float64

	LLM       llm.Client
	Embedder  tools.Embedder  // optional
	Messenger tools.Messenger // optional
	Sandbox   *tools.Sandbox  // optional

	// Roster returns the participant list shown after system memory.
	Roster func() string

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.FIFOBudget <= 0 {
		c.FIFOBudget = 2000
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
	if c.HistoryRestore <= 0 {
		c.HistoryRestore = 50
	}
	if c.SummaryCount <= 0 {
		c.SummaryCount = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
}

// Agent is one loaded agent. Turns are serialized; state reads and
// broadcasts may run alongside a turn.
type Agent struct {
	name   string
	cfg    Config
	stores Stores

	// slot holds one token while a turn runs. retired is guarded by it.
	slot    chan struct{}
	retired bool

	mu          sync.RWMutex
	displayName string
	model       string
	description string
	system      string
	working     string
	recall      string // archival summary, never persisted
	fifo        *memory.FIFO

	tools   *tools.Dispatcher
	loop    *Loop
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Reply is the result of a turn.
type Reply struct {
	RequestID string             `json:"request_id"`
	Text      string             `json:"response"`
	Rounds    int                `json:"rounds"`
	Calls     []tools.Invocation `json:"calls,omitempty"`
	Exhausted bool               `json:"exhausted,omitempty"`
}

// Stats summarizes an agent's memory.
type Stats struct {
	Name                 string `json:"name"`
	Model                string `json:"model"`
	FIFOMessages         int    `json:"fifo_messages"`
	FIFOTokens           int    `json:"fifo_tokens"`
	FIFOBudget           int    `json:"fifo_budget"`
	WorkingMemoryChars   int    `json:"working_memory_chars"`
	ArchivalEntries      int    `json:"archival_entries"`
	ConversationMessages int    `json:"conversation_messages"`
}

// DefaultWorkingMemory is the working tier of a newly created agent.
func DefaultWorkingMemory(name string) string {
	return fmt.Sprintf("Agent: %s\nStatus: Ready\nCurrent Context: Fresh start, no prior context", name)
}

// Create stores a new agent record and loads it. It fails with
// memory.ErrExists when the name is taken.
func Create(ctx context.Context, cfg Config, stores Stores) (*Agent, error) {
	if !config.ValidAgentName(cfg.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, cfg.Name)
	}
	cfg.applyDefaults()
	rec := memory.AgentRecord{
		Name:          cfg.Name,
		DisplayName:   cfg.DisplayName,
		Model:         cfg.Model,
		Description:   cfg.Description,
		WorkingMemory: DefaultWorkingMemory(cfg.Name),
	}
	if err := stores.Agents.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create agent %s: %w", cfg.Name, err)
	}
	return Open(ctx, cfg, stores)
}

// Open loads an existing agent: it regenerates the system tier,
// restores recent conversation into the FIFO, and summarizes recent
// archival entries into working memory.
func Open(ctx context.Context, cfg Config, stores Stores) (*Agent, error) {
	if !config.ValidAgentName(cfg.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, cfg.Name)
	}
	cfg.applyDefaults()

	rec, err := stores.Agents.Get(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", cfg.Name, err)
	}

	a := &Agent{
		name:        rec.Name,
		cfg:         cfg,
		stores:      stores,
		slot:        make(chan struct{}, 1),
		displayName: rec.DisplayName,
		model:       rec.Model,
		description: rec.Description,
		working:     rec.WorkingMemory,
		fifo:        memory.NewFIFO(cfg.FIFOBudget, memory.CharEstimator(cfg.CharsPerToken)),
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "agent", "agent", rec.Name),
	}
	if a.model == "" {
		a.model = cfg.Model
	}
	if a.working == "" {
		a.working = DefaultWorkingMemory(a.name)
	}

	a.tools = tools.New(tools.Config{
		Agent:       a.name,
		Memory:      a,
		Archive:     stores.Archive,
		Embedder:    cfg.Embedder,
		Messenger:   cfg.Messenger,
		Sandbox:     cfg.Sandbox,
		SearchLimit: cfg.SearchLimit,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	a.loop = NewLoop(LoopConfig{
		Agent:       a.name,
		LLM:         cfg.LLM,
		Tools:       a.tools,
		MaxRounds:   cfg.MaxRounds,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Bus:         cfg.Bus,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})

	a.system = a.renderSystem()
	if err := stores.Agents.SetSystemMemory(ctx, a.name, a.system); err != nil {
		return nil, fmt.Errorf("store system memory: %w", err)
	}

	history, err := stores.History.Recent(ctx, a.name, cfg.HistoryRestore)
	if err != nil {
		return nil, fmt.Errorf("restore history: %w", err)
	}
	a.fifo.Restore(history)

	recent, err := stores.Archive.Recent(ctx, a.name, cfg.SummaryCount)
	if err != nil {
		return nil, fmt.Errorf("summarize archive: %w", err)
	}
	if len(recent) > 0 {
		lines := make([]string, len(recent))
		for i, e := range recent {
			lines[i] = "- " + e.Content
		}
		a.recall = "Recent Memories:\n" + strings.Join(lines, "\n")
	}

	a.logger.Info("agent loaded",
		"model", a.model,
		"fifo_messages", a.fifo.Len(),
		"archival_summary", len(recent),
	)
	return a, nil
}

// Name returns the agent identifier.
func (a *Agent) Name() string { return a.name }

// Model returns the model id used for inference.
func (a *Agent) Model() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Description returns the agent's self-description.
func (a *Agent) Description() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.description
}

// DisplayName returns the human-facing name.
func (a *Agent) DisplayName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.displayName
}

// Tools returns the agent's dispatcher.
func (a *Agent) Tools() *tools.Dispatcher { return a.tools }

func (a *Agent) renderSystem() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", a.name)
	if a.displayName != "" && a.displayName != a.name {
		fmt.Fprintf(&b, " (%s)", a.displayName)
	}
	b.WriteString(", an agent with tiered memory.\n")
	if a.description != "" {
		fmt.Fprintf(&b, "Role: %s\n", a.description)
	}
	b.WriteString(memoryGuide)
	if catalog := a.tools.Catalog(); catalog != "" {
		b.WriteString("\n\n")
		b.WriteString(catalog)
	}
	return b.String()
}

const memoryGuide = `
Your memory is organized in tiers:
1. System memory: these instructions. They are read-only.
2. Working memory: notes about yourself and the conversation. Change it with update_working_memory, core_memory_append, or core_memory_replace.
3. Recent conversation: the latest messages, trimmed automatically to fit.
4. Archival memory: long-term storage. Keep facts with save_memory and recall them with search_memory. Older messages are found with conversation_search.`

// Context renders the three prompt sections.
func (a *Agent) Context() string {
	var roster string
	if a.cfg.Roster != nil {
		roster = a.cfg.Roster()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	parts := []string{SystemHeading, a.system}
	if roster != "" {
		parts = append(parts, "", roster)
	}
	parts = append(parts, "", WorkingHeading, a.working)
	if a.recall != "" {
		parts = append(parts, "", a.recall)
	}
	parts = append(parts, "", ConversationHeading)
	for _, m := range a.fifo.Messages() {
		parts = append(parts, renderMessage(m))
	}
	return strings.Join(parts, "\n")
}

func renderMessage(m memory.Message) string {
	if m.Role == memory.RoleFunction {
		return fmt.Sprintf("[Function: %s] %s", m.FunctionName, m.Content)
	}
	return strings.ToUpper(string(m.Role)) + ": " + m.Content
}

// lock takes the turn slot. With wait it blocks until the slot frees or
// ctx ends; without it a held slot fails at once with ErrAgentBusy.
func (a *Agent) lock(ctx context.Context, wait bool) error {
	if !wait {
		select {
		case a.slot <- struct{}{}:
			return nil
		default:
			return fmt.Errorf("%w: %s is handling another message", ErrAgentBusy, a.name)
		}
	}
	select {
	case a.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", a.name, ctx.Err())
	}
}

func (a *Agent) unlock() { <-a.slot }

// Turn runs one conversational turn for text, waiting until ctx ends
// for any turn already in progress. The user message and the final
// answer are committed together only when the turn succeeds.
func (a *Agent) Turn(ctx context.Context, text string) (*Reply, error) {
	return a.runTurn(ctx, text, true)
}

// TryTurn is Turn without the wait: it fails with ErrAgentBusy when the
// agent is already in a turn.
func (a *Agent) TryTurn(ctx context.Context, text string) (*Reply, error) {
	return a.runTurn(ctx, text, false)
}

func (a *Agent) runTurn(ctx context.Context, text string, wait bool) (*Reply, error) {
	if err := a.lock(ctx, wait); err != nil {
		return nil, err
	}
	defer a.unlock()
	if a.retired {
		return nil, fmt.Errorf("%w: %s", ErrAgentRetired, a.name)
	}

	reqID := RequestID(ctx)
	if reqID == "" {
		reqID = generateRequestID()
		ctx = WithRequestID(ctx, reqID)
	}
	start := time.Now()
	a.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"agent":      a.name,
		"request_id": reqID,
	})

	userMsg := memory.NewMessage(memory.RoleUser, text)
	messages := []llm.Message{
		{Role: "system", Content: a.Context()},
		{Role: "user", Content: text},
	}

	out, err := a.loop.Run(ctx, a.Model(), messages)
	if err != nil {
		a.logger.Error("turn failed", "request_id", reqID, "error", err)
		return nil, err
	}

	if err := a.commit(ctx, userMsg, memory.NewMessage(memory.RoleAssistant, out.Text)); err != nil {
		a.logger.Error("turn commit failed", "request_id", reqID, "error", err)
		return nil, err
	}

	elapsed := time.Since(start)
	a.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"agent":      a.name,
		"request_id": reqID,
		"rounds":     out.Rounds,
		"calls":      len(out.Calls),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	a.logger.Info("turn complete",
		"request_id", reqID,
		"rounds", out.Rounds,
		"calls", len(out.Calls),
		"exhausted", out.Exhausted,
		"duration", elapsed,
	)

	return &Reply{
		RequestID: reqID,
		Text:      out.Text,
		Rounds:    out.Rounds,
		Calls:     out.Calls,
		Exhausted: out.Exhausted,
	}, nil
}

// commit logs msgs durably in one transaction, then appends them to the
// FIFO. On a store error the FIFO is untouched.
func (a *Agent) commit(ctx context.Context, msgs ...memory.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.stores.History.Append(ctx, a.name, msgs...); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	for _, m := range msgs {
		for range a.fifo.Append(m) {
			a.metrics.MemoryOp(a.name, "fifo_evict")
		}
	}
	return nil
}

// AddSystemMessage records a system notice in the FIFO and the
// conversation log as one unit.
func (a *Agent) AddSystemMessage(ctx context.Context, text string) error {
	return a.commit(ctx, memory.NewMessage(memory.RoleSystem, text))
}

// AppendWorking adds text on a new line of working memory.
func (a *Agent) AppendWorking(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := text
	if a.working != "" {
		next = a.working + "\n" + text
	}
	return a.setWorkingLocked(ctx, next)
}

// ReplaceWorking replaces every occurrence of oldText in working
// memory. oldText must be present.
func (a *Agent) ReplaceWorking(ctx context.Context, oldText, newText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if oldText == "" || !strings.Contains(a.working, oldText) {
		return fmt.Errorf("text not found in working memory: %q", oldText)
	}
	return a.setWorkingLocked(ctx, strings.ReplaceAll(a.working, oldText, newText))
}

func (a *Agent) setWorkingLocked(ctx context.Context, next string) error {
	if err := a.stores.Agents.SetWorkingMemory(ctx, a.name, next); err != nil {
		return fmt.Errorf("persist working memory: %w", err)
	}
	a.working = next
	return nil
}

// Working returns the persisted working-memory text.
func (a *Agent) Working() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.working
}

// SearchConversation finds messages containing query in the FIFO and the
// conversation log, newest first, without duplicates.
func (a *Agent) SearchConversation(ctx context.Context, query string, limit int) ([]memory.Message, error) {
	if limit <= 0 {
		limit = 5
	}
	a.mu.RLock()
	hits := a.fifo.Search(query, limit)
	a.mu.RUnlock()

	logged, err := a.stores.History.Search(ctx, a.name, query, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(hits))
	key := func(m memory.Message) string {
		return fmt.Sprintf("%s|%d|%s", m.Role, m.CreatedAt.UnixNano(), m.Content)
	}
	for _, m := range hits {
		seen[key(m)] = true
	}
	for _, m := range logged {
		if len(hits) >= limit {
			break
		}
		if !seen[key(m)] {
			seen[key(m)] = true
			hits = append(hits, m)
		}
	}
	return hits, nil
}

// Stats reports FIFO, working, archival, and log sizes.
func (a *Agent) Stats(ctx context.Context) (Stats, error) {
	a.mu.RLock()
	st := Stats{
		Name:               a.name,
		Model:              a.model,
		FIFOMessages:       a.fifo.Len(),
		FIFOTokens:         a.fifo.Tokens(),
		FIFOBudget:         a.fifo.Budget(),
		WorkingMemoryChars: len(a.working),
	}
	a.mu.RUnlock()

	var err error
	if st.ArchivalEntries, err = a.stores.Archive.Count(ctx, a.name); err != nil {
		return Stats{}, err
	}
	if st.ConversationMessages, err = a.stores.History.Count(ctx, a.name); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Retire waits for any in-flight turn, then refuses all later ones. It
// is used before the agent's record is deleted.
func (a *Agent) Retire(ctx context.Context) error {
	if err := a.lock(ctx, true); err != nil {
		return err
	}
	a.retired = true
	a.unlock()
	return nil
}

// Close waits for any in-flight turn, until ctx ends, and flushes
// working memory. A retired agent has nothing to flush.
func (a *Agent) Close(ctx context.Context) error {
	if err := a.lock(ctx, true); err != nil {
		return fmt.Errorf("close %s: %w", a.name, err)
	}
	defer a.unlock()
	if a.retired {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.stores.Agents.SetWorkingMemory(ctx, a.name, a.working); err != nil {
		return fmt.Errorf("flush %s: %w", a.name, err)
	}
	return nil
}
