// Package registry owns the loaded agents and the external actors that
// talk to them, and routes messages between participants.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nugget/pantheon/internal/agent"
	"github.com/nugget/pantheon/internal/config"
	"github.com/nugget/pantheon/internal/events"
	"github.com/nugget/pantheon/internal/llm"
	"github.com/nugget/pantheon/internal/memory"
	"github.com/nugget/pantheon/internal/metrics"
	"github.com/nugget/pantheon/internal/tools"
)

var (
	ErrAgentExists    = errors.New("agent already exists")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrActorNotFound  = errors.New("actor not found")
	ErrNameCollision  = errors.New("name is already used by another participant")
	ErrExternalTarget = errors.New("cannot route to an external actor")
	ErrMessageCycle   = errors.New("message cycle")
	ErrInvalidID      = errors.New("invalid participant id")
)

// Actor is a participant outside the runtime, such as a human at a
// terminal or a remote system.
type Actor struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Info describes a stored agent.
type Info struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Model       string    `json:"model"`
	Description string    `json:"description"`
	Loaded      bool      `json:"loaded"`
	CreatedAt   time.Time `json:"created_at"`
}

// Options wires a Registry.
type Options struct {
	Config   *config.Config
	Stores   agent.Stores
	LLM      llm.Client
	Embedder tools.Embedder // optional
	Sandbox  *tools.Sandbox // optional; given only to tool-enabled agents
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Registry is the set of participants.
type Registry struct {
	cfg      *config.Config
	stores   agent.Stores
	llm      llm.Client
	embedder tools.Embedder
	sandbox  *tools.Sandbox
	bus      *events.Bus
	metrics  *metrics.Metrics
	base     *slog.Logger
	logger   *slog.Logger

	// loadMu serializes creating and opening agents.
	loadMu sync.Mutex

	mu     sync.RWMutex
	agents map[string]*agent.Agent
	actors map[string]Actor

	rosterMu    sync.Mutex
	roster      string
	rosterDirty atomic.Bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		cfg:      opts.Config,
		stores:   opts.Stores,
		llm:      opts.LLM,
		embedder: opts.Embedder,
		sandbox:  opts.Sandbox,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		base:     opts.Logger,
		logger:   opts.Logger.With("component", "registry"),
		agents:   make(map[string]*agent.Agent),
		actors:   make(map[string]Actor),
	}
	r.rosterDirty.Store(true)
	return r
}

func (r *Registry) agentConfig(ac config.AgentConfig) agent.Config {
	c := r.cfg
	out := agent.Config{
		Name:           ac.Name,
		DisplayName:    ac.DisplayName,
		Model:          ac.Model,
		Description:    ac.Description,
		FIFOBudget:     c.Memory.FIFOTokenBudget,
		CharsPerToken:  c.Memory.CharsPerToken,
		HistoryRestore: c.Memory.HistoryRestore,
		SummaryCount:   c.Memory.ArchivalSummaryCount,
		SearchLimit:    c.Memory.ArchivalSearchLimit,
		MaxRounds:      c.Loop.MaxRounds,
		MaxTokens:      c.Loop.MaxTokens,
		Temperature:    c.Loop.Temperature,
		LLM:            r.llm,
		Embedder:       r.embedder,
		Messenger:      r,
		Roster:         r.Roster,
		Bus:            r.bus,
		Metrics:        r.metrics,
		Logger:         r.base,
	}
	if out.Model == "" {
		out.Model = c.DefaultModel
	}
	if ac.EnableTools && r.sandbox != nil {
		out.Sandbox = r.sandbox
	}
	return out
}

// declared returns the configured agent named name, or a tool-enabled
// default for agents that exist only in the store.
func (r *Registry) declared(name string) (config.AgentConfig, bool) {
	if ac, ok := r.cfg.Agent(name); ok {
		return ac, true
	}
	return config.AgentConfig{Name: name, EnableTools: true}, false
}

func (r *Registry) isActor(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actors[id]
	return ok
}

// Create stores and loads a new agent.
func (r *Registry) Create(ctx context.Context, ac config.AgentConfig) (*agent.Agent, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.createLocked(ctx, ac)
}

func (r *Registry) createLocked(ctx context.Context, ac config.AgentConfig) (*agent.Agent, error) {
	if !config.ValidAgentName(ac.Name) {
		return nil, fmt.Errorf("%w: %q", agent.ErrInvalidName, ac.Name)
	}
	if r.isActor(ac.Name) {
		return nil, fmt.Errorf("%w: %s is an external actor", ErrNameCollision, ac.Name)
	}
	if _, ok := r.Get(ac.Name); ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, ac.Name)
	}

	a, err := agent.Create(ctx, r.agentConfig(ac), r.stores)
	if errors.Is(err, memory.ErrExists) {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, ac.Name)
	}
	if err != nil {
		return nil, err
	}

	r.add(a)
	r.bus.Emit(events.SourceRegistry, events.KindAgentCreated, map[string]any{"agent": a.Name()})
	r.logger.Info("agent created", "agent", a.Name(), "model", a.Model())
	return a, nil
}

func (r *Registry) add(a *agent.Agent) {
	r.mu.Lock()
	r.agents[a.Name()] = a
	r.mu.Unlock()
	r.rosterDirty.Store(true)
}

// Get returns a loaded agent.
func (r *Registry) Get(name string) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Load returns the named agent, opening it from the store if needed.
// An agent that is not stored is created when it is declared in the
// configuration and auto_create is on; otherwise Load fails with
// ErrAgentNotFound.
func (r *Registry) Load(ctx context.Context, name string) (*agent.Agent, error) {
	if a, ok := r.Get(name); ok {
		return a, nil
	}
	if r.isActor(name) {
		return nil, fmt.Errorf("%w: %s", ErrExternalTarget, name)
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if a, ok := r.Get(name); ok {
		return a, nil
	}

	ac, isDeclared := r.declared(name)
	a, err := agent.Open(ctx, r.agentConfig(ac), r.stores)
	switch {
	case err == nil:
		r.add(a)
		return a, nil
	case !errors.Is(err, memory.ErrNotFound):
		return nil, err
	case isDeclared && r.cfg.Registry.AutoCreateEnabled():
		r.logger.Info("auto-creating declared agent", "agent", name)
		return r.createLocked(ctx, ac)
	default:
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
}

// Loaded returns the loaded agents sorted by name.
func (r *Registry) Loaded() []*agent.Agent {
	r.mu.RLock()
	out := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *agent.Agent) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// List describes every stored agent.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	recs, err := r.stores.Agents.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(recs))
	for i, rec := range recs {
		_, loaded := r.Get(rec.Name)
		out[i] = Info{
			Name:        rec.Name,
			DisplayName: rec.DisplayName,
			Model:       rec.Model,
			Description: rec.Description,
			Loaded:      loaded,
			CreatedAt:   rec.CreatedAt,
		}
	}
	return out, nil
}

// Delete unloads the agent and removes its record. Its conversation log
// and archival entries are kept. Turns still waiting on the agent fail
// with agent.ErrAgentRetired.
func (r *Registry) Delete(ctx context.Context, name string) error {
	// Let an in-flight turn finish before its record goes away. This runs
	// outside loadMu since that turn may itself need to load a peer.
	if a, ok := r.Get(name); ok {
		if err := a.Retire(ctx); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	r.mu.Lock()
	delete(r.agents, name)
	r.mu.Unlock()
	r.rosterDirty.Store(true)

	if err := r.stores.Agents.Delete(ctx, name); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
		}
		return err
	}
	r.bus.Emit(events.SourceRegistry, events.KindAgentDeleted, map[string]any{"agent": name})
	r.logger.Info("agent deleted", "agent", name)
	return nil
}

// Join adds an external actor and announces it to every agent.
func (r *Registry) Join(ctx context.Context, actor Actor) error {
	if !config.ValidAgentName(actor.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, actor.ID)
	}
	if _, declared := r.cfg.Agent(actor.ID); declared {
		return fmt.Errorf("%w: %s is a declared agent", ErrNameCollision, actor.ID)
	}
	if _, err := r.stores.Agents.Get(ctx, actor.ID); err == nil {
		return fmt.Errorf("%w: %s is an agent", ErrNameCollision, actor.ID)
	} else if !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	if actor.ConnectedAt.IsZero() {
		actor.ConnectedAt = time.Now()
	}

	r.mu.Lock()
	_, isAgent := r.agents[actor.ID]
	_, isActor := r.actors[actor.ID]
	if isAgent || isActor {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameCollision, actor.ID)
	}
	r.actors[actor.ID] = actor
	r.mu.Unlock()
	r.rosterDirty.Store(true)

	r.bus.Emit(events.SourceRegistry, events.KindActorJoined, map[string]any{"actor": actor.ID, "type": actor.Type})
	r.logger.Info("actor joined", "actor", actor.ID, "type", actor.Type)
	return r.Broadcast(ctx, fmt.Sprintf("%s (%s) has joined the conversation", actor.ID, actor.Description))
}

// Leave removes an external actor and announces its departure.
func (r *Registry) Leave(ctx context.Context, id string) error {
	r.mu.Lock()
	actor, ok := r.actors[id]
	delete(r.actors, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}
	r.rosterDirty.Store(true)

	r.bus.Emit(events.SourceRegistry, events.KindActorLeft, map[string]any{"actor": id, "type": actor.Type})
	r.logger.Info("actor left", "actor", id)
	return r.Broadcast(ctx, fmt.Sprintf("%s (%s) has left the conversation", id, actor.Description))
}

// Actors returns the connected actors, earliest first.
func (r *Registry) Actors() []Actor {
	r.mu.RLock()
	out := make([]Actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Actor) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Roster renders the participant list shown to agents. The text is
// cached until an agent or actor is added or removed.
func (r *Registry) Roster() string {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	if r.rosterDirty.Swap(false) {
		r.roster = r.renderRoster()
	}
	return r.roster
}

func (r *Registry) renderRoster() string {
	parts := []string{"=== CURRENT PARTICIPANTS ===", ""}

	actors := r.Actors()
	if len(actors) == 0 {
		parts = append(parts, "External Actors: None currently connected", "")
	} else {
		parts = append(parts, "External Actors (outside Pantheon):")
		for _, a := range actors {
			parts = append(parts, fmt.Sprintf("  - %s (%s)", a.ID, a.Description))
		}
		parts = append(parts, "")
	}

	loaded := r.Loaded()
	if len(loaded) == 0 {
		parts = append(parts, "Internal Agents: None")
	} else {
		names := make([]string, len(loaded))
		for i, a := range loaded {
			names[i] = a.Name()
		}
		parts = append(parts, "Internal Agents (inside Pantheon):", "  "+strings.Join(names, ", "))
	}
	return strings.Join(parts, "\n")
}

// Broadcast adds "[SYSTEM] text" to every loaded agent. Each agent's
// append and persist is one unit; failures are collected and the rest
// of the agents still receive the message.
func (r *Registry) Broadcast(ctx context.Context, text string) error {
	msg := "[SYSTEM] " + text
	agents := r.Loaded()

	var result *multierror.Error
	for _, a := range agents {
		if err := a.AddSystemMessage(ctx, msg); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}

	failed := 0
	if result != nil {
		failed = len(result.Errors)
	}
	r.bus.Emit(events.SourceRegistry, events.KindBroadcast, map[string]any{
		"agents": len(agents),
		"failed": failed,
	})
	r.logger.Info("broadcast system message", "agents", len(agents), "failed", failed)
	return result.ErrorOrNil()
}

type chainKey struct{}

// Route delivers text to the agent named to and returns its reply. from
// names the sender and may be empty for an anonymous user.
func (r *Registry) Route(ctx context.Context, from, to, text string) (*agent.Reply, error) {
	if r.isActor(to) {
		return nil, fmt.Errorf("%w: %s", ErrExternalTarget, to)
	}

	chain, _ := ctx.Value(chainKey{}).([]string)
	if slices.Contains(chain, to) {
		return nil, fmt.Errorf("%w: %s is already handling a message in this exchange", ErrMessageCycle, to)
	}

	a, err := r.Load(ctx, to)
	if err != nil {
		return nil, err
	}

	sender := from
	if sender == "" {
		sender = "user"
	}
	r.metrics.MessageSent(sender, to)
	r.logger.Debug("routing message", "from", sender, "to", to, "chars", len(text))

	content := text
	if from != "" {
		content = fmt.Sprintf("[Message from %s] %s", from, text)
	}
	next := append(slices.Clip(chain), to)
	ctx = context.WithValue(ctx, chainKey{}, next)
	if len(chain) > 0 {
		// The sender is mid-turn. Waiting on a busy recipient could wait on
		// the sender itself through another exchange.
		return a.TryTurn(ctx, content)
	}
	return a.Turn(ctx, content)
}

// SendMessage routes an agent-to-agent message and returns the reply
// text.
func (r *Registry) SendMessage(ctx context.Context, from, to, text string) (string, error) {
	if from != "" {
		chain, _ := ctx.Value(chainKey{}).([]string)
		if !slices.Contains(chain, from) {
			ctx = context.WithValue(ctx, chainKey{}, append(slices.Clip(chain), from))
		}
	}
	reply, err := r.Route(ctx, from, to, text)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// Close flushes every loaded agent, waiting for in-flight turns, and
// unloads them.
func (r *Registry) Close(ctx context.Context) error {
	agents := r.Loaded()

	var result *multierror.Error
	for _, a := range agents {
		if err := a.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	r.mu.Lock()
	clear(r.agents)
	r.mu.Unlock()
	r.rosterDirty.Store(true)

	r.logger.Info("registry closed", "agents", len(agents))
	return result.ErrorOrNil()
}
