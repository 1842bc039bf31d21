package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/pantheon/internal/memory"
)

func (d *Dispatcher) registerMemoryTools() {
	d.register(&Tool{
		Name:        SaveMemory,
		Description: "Save a fact or note to long-term archival memory so it can be found in later conversations.",
		Params: []Param{
			{Name: "content", Type: "string", Description: "The information to remember."},
		},
		Handler: d.handleSaveMemory,
	})

	d.register(&Tool{
		Name:        SearchMemory,
		Description: "Search long-term archival memory for entries related to a query.",
		Params: []Param{
			{Name: "query", Type: "string", Description: "What to look for."},
			{Name: "limit", Type: "integer", Description: "Maximum results.", Default: fmt.Sprint(d.cfg.SearchLimit)},
		},
		Handler: d.handleSearchMemory,
	})

	d.register(&Tool{
		Name:        UpdateWorkingMemory,
		Description: "Add a note to your working memory, which is shown to you on every turn.",
		Params: []Param{
			{Name: "text", Type: "string", Description: "The note to add."},
		},
		Handler: d.workingAppender("text"),
	})

	d.register(&Tool{
		Name:        CoreMemoryAppend,
		Description: "Append content to your working memory.",
		Params: []Param{
			{Name: "content", Type: "string", Description: "The content to append."},
		},
		Handler: d.workingAppender("content"),
	})

	d.register(&Tool{
		Name:        CoreMemoryReplace,
		Description: "Replace text in your working memory. The old text must appear exactly.",
		Params: []Param{
			{Name: "old_content", Type: "string", Description: "Text currently in working memory."},
			{Name: "new_content", Type: "string", Description: "Replacement text; may be empty to delete."},
		},
		Handler: d.handleCoreMemoryReplace,
	})

	d.register(&Tool{
		Name:        ConversationSearch,
		Description: "Search past messages in this conversation, including ones no longer in view.",
		Params: []Param{
			{Name: "query", Type: "string", Description: "Text to look for, case-insensitive."},
			{Name: "limit", Type: "integer", Description: "Maximum results.", Default: "5"},
		},
		Handler: d.handleConversationSearch,
	})
}

func (d *Dispatcher) handleSaveMemory(ctx context.Context, args map[string]any) (string, error) {
	content, err := requiredString(args, "content")
	if err != nil {
		return "", err
	}

	var emb []float32
	if d.cfg.Embedder != nil {
		emb, err = d.cfg.Embedder.Generate(ctx, content)
		if err != nil {
			// Stored without a vector it is still reachable by substring.
			d.logger.Warn("embedding failed, saving without vector", "error", err)
			emb = nil
		}
	}

	id, err := d.cfg.Archive.Insert(ctx, d.cfg.Agent, content, memory.TypeArchival, emb,
		memory.WithMetadata("source", string(SaveMemory)))
	if err != nil {
		return "", err
	}
	d.metrics.MemoryOp(d.cfg.Agent, "archival_insert")
	return fmt.Sprintf("Saved to archival memory (id %s).", id), nil
}

func (d *Dispatcher) handleSearchMemory(ctx context.Context, args map[string]any) (string, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return "", err
	}
	limit := intArg(args, "limit", d.cfg.SearchLimit, 50)
	d.metrics.MemoryOp(d.cfg.Agent, "archival_search")

	if d.cfg.Embedder != nil {
		vec, err := d.cfg.Embedder.Generate(ctx, query)
		if err == nil {
			hits, err := d.cfg.Archive.Search(ctx, d.cfg.Agent, vec, memory.TypeArchival, limit)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return "No matching memories found.", nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Found %d memories:", len(hits))
			for i, h := range hits {
				fmt.Fprintf(&b, "\n%d. [%.2f] %s", i+1, h.Similarity, h.Content)
			}
			return b.String(), nil
		}
		d.logger.Warn("query embedding failed, falling back to text search", "error", err)
	}

	entries, err := d.cfg.Archive.TextSearch(ctx, d.cfg.Agent, query, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No matching memories found.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories:", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&b, "\n%d. %s", i+1, e.Content)
	}
	return b.String(), nil
}

func (d *Dispatcher) workingAppender(key string) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		text, err := requiredString(args, key)
		if err != nil {
			return "", err
		}
		if err := d.cfg.Memory.AppendWorking(ctx, text); err != nil {
			return "", err
		}
		d.metrics.MemoryOp(d.cfg.Agent, "working_append")
		return "Working memory updated.", nil
	}
}

func (d *Dispatcher) handleCoreMemoryReplace(ctx context.Context, args map[string]any) (string, error) {
	oldText, err := requiredString(args, "old_content")
	if err != nil {
		return "", err
	}
	newText, err := stringArg(args, "new_content")
	if err != nil {
		return "", err
	}
	if err := d.cfg.Memory.ReplaceWorking(ctx, oldText, newText); err != nil {
		return "", err
	}
	d.metrics.MemoryOp(d.cfg.Agent, "working_replace")
	return "Working memory updated.", nil
}

func (d *Dispatcher) handleConversationSearch(ctx context.Context, args map[string]any) (string, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return "", err
	}
	limit := intArg(args, "limit", 5, 50)

	msgs, err := d.cfg.Memory.SearchConversation(ctx, query, limit)
	if err != nil {
		return "", err
	}
	d.metrics.MemoryOp(d.cfg.Agent, "conversation_search")
	if len(msgs) == 0 {
		return fmt.Sprintf("No messages matching %q.", query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d messages:", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&b, "\n[%s %s] %s", m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Content)
	}
	return b.String(), nil
}

func (d *Dispatcher) registerPeerTools() {
	d.register(&Tool{
		Name:        MessageAgent,
		Description: "Send a message to another agent and receive its reply.",
		Params: []Param{
			{Name: "agent_name", Type: "string", Description: "The recipient agent."},
			{Name: "message", Type: "string", Description: "What to say."},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			to, err := requiredString(args, "agent_name")
			if err != nil {
				return "", err
			}
			msg, err := requiredString(args, "message")
			if err != nil {
				return "", err
			}
			if to == d.cfg.Agent {
				return "", fmt.Errorf("cannot message yourself")
			}
			reply, err := d.cfg.Messenger.SendMessage(ctx, d.cfg.Agent, to, msg)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Reply from %s: %s", to, reply), nil
		},
	})
}
