package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/pantheon/internal/events"
	"github.com/nugget/pantheon/internal/interpret"
	"github.com/nugget/pantheon/internal/llm"
	"github.com/nugget/pantheon/internal/metrics"
	"github.com/nugget/pantheon/internal/tools"
)

// DefaultMaxRounds caps model invocations per turn when none is configured.
const DefaultMaxRounds = 5

const (
	resultsHeader  = "Here are the results from the tools you called:"
	maxResultRunes = 8000
	truncateSuffix = "... [truncated]"
)

// LoopConfig configures a Loop.
type LoopConfig struct {
	Agent       string
	LLM         llm.Client
	Tools       *tools.Dispatcher // nil disables function calls
	MaxRounds   int
	MaxTokens   int
	Temperature float64
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Loop alternates model generation and function dispatch until the
// model answers without calls or the round cap is reached.
type Loop struct {
	agent       string
	llm         llm.Client
	tools       *tools.Dispatcher
	maxRounds   int
	maxTokens   int
	temperature float64
	bus         *events.Bus
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Outcome is the result of one Run.
type Outcome struct {
	// Text is the final answer, or the last raw output when Exhausted.
	// Calls requested in that last output are not dispatched.
	Text      string
	Rounds    int
	Calls     []tools.Invocation
	Exhausted bool
	// Messages is the request transcript including every round's
	// assistant output and injected results.
	Messages []llm.Message
}

// NewLoop creates a loop controller.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		agent:       cfg.Agent,
		llm:         cfg.LLM,
		tools:       cfg.Tools,
		maxRounds:   cfg.MaxRounds,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "loop", "agent", cfg.Agent),
	}
}

// Run drives the conversation in messages to a final answer. The input
// slice is not modified. Inference failures and cancellation abort the
// run and are returned; nothing partial is reported.
func (l *Loop) Run(ctx context.Context, model string, messages []llm.Message) (*Outcome, error) {
	reqID := RequestID(ctx)
	msgs := make([]llm.Message, len(messages), len(messages)+2*l.maxRounds)
	copy(msgs, messages)

	out := &Outcome{}
	var raw string

	for round := 1; round <= l.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Rounds = round

		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"agent":      l.agent,
			"request_id": reqID,
			"round":      round,
			"model":      model,
		})

		start := time.Now()
		text, err := l.llm.Generate(ctx, llm.Request{
			Model:       model,
			Messages:    msgs,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		elapsed := time.Since(start)
		l.metrics.ObserveLLM(model, err == nil, elapsed)
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		raw = text

		res := interpret.Interpret(raw)
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"agent":       l.agent,
			"request_id":  reqID,
			"round":       round,
			"calls":       len(res.Calls),
			"duration_ms": elapsed.Milliseconds(),
		})
		l.logger.Debug("model responded",
			"request_id", reqID,
			"round", round,
			"calls", len(res.Calls),
			"strategy", interpret.Strategy(raw),
			"duration", elapsed,
		)

		if !res.HasCalls() || l.tools == nil {
			out.Text = res.Text
			if res.HasCalls() {
				out.Text = strings.TrimSpace(raw)
			}
			out.Messages = append(msgs, llm.Message{Role: "assistant", Content: raw})
			l.metrics.ObserveRounds(l.agent, round)
			return out, nil
		}
		if round == l.maxRounds {
			// No round is left to show the model any results.
			msgs = append(msgs, llm.Message{Role: "assistant", Content: raw})
			break
		}

		var b strings.Builder
		b.WriteString(resultsHeader)
		for _, call := range res.Calls {
			l.bus.Emit(events.SourceTools, events.KindToolCall, map[string]any{
				"agent":      l.agent,
				"request_id": reqID,
				"tool":       call.Name,
			})
			inv := l.tools.Invoke(ctx, call.Name, call.Arguments)
			l.bus.Emit(events.SourceTools, events.KindToolDone, map[string]any{
				"agent":       l.agent,
				"request_id":  reqID,
				"tool":        call.Name,
				"ok":          inv.OK,
				"duration_ms": inv.Duration.Milliseconds(),
			})
			l.logger.Info("function called",
				"request_id", reqID,
				"round", round,
				"tool", call.Name,
				"ok", inv.OK,
				"duration", inv.Duration,
			)
			out.Calls = append(out.Calls, inv)
			fmt.Fprintf(&b, "\n\nResult of %s:\n%s", call.Name, truncateResult(inv.Result))

			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		msgs = append(msgs,
			llm.Message{Role: "assistant", Content: raw},
			llm.Message{Role: "user", Content: b.String()},
		)
	}

	l.logger.Warn("tool loop exhausted",
		"request_id", reqID,
		"rounds", l.maxRounds,
		"calls", len(out.Calls),
	)
	l.bus.Emit(events.SourceAgent, events.KindLoopExhausted, map[string]any{
		"agent":      l.agent,
		"request_id": reqID,
		"rounds":     l.maxRounds,
	})
	l.metrics.ObserveRounds(l.agent, l.maxRounds)

	out.Text = raw
	out.Exhausted = true
	out.Messages = msgs
	return out, nil
}

// truncateResult caps s at maxResultRunes runes.
func truncateResult(s string) string {
	if len(s) <= maxResultRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == maxResultRunes {
			return s[:i] + truncateSuffix
		}
		n++
	}
	return s
}
