package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/pantheon/internal/memory"
	"github.com/nugget/pantheon/internal/metrics"
)

type fixture struct {
	db     *memory.DB
	stores Stores
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := memory.Open(memory.Options{Path: filepath.Join(t.TempDir(), "test.db"), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &fixture{
		db: db,
		stores: Stores{
			Agents:  memory.NewAgentStore(db),
			History: memory.NewHistoryStore(db),
			Archive: memory.NewArchiveStore(db, memory.ArchiveConfig{}),
		},
	}
}

func (f *fixture) config(name string, model *scriptedLLM) Config {
	return Config{
		Name:        name,
		DisplayName: "Ada Lovelace",
		Model:       "llama3.1:8b",
		Description: "Keeps the notes",
		LLM:         model,
		Logger:      quietLogger(),
	}
}

func (f *fixture) create(t *testing.T, name string, model *scriptedLLM) *Agent {
	t.Helper()
	a, err := Create(context.Background(), f.config(name, model), f.stores)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestCreate_ContextSections(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "ada", &scriptedLLM{})

	ctx := a.Context()
	sys := strings.Index(ctx, SystemHeading)
	work := strings.Index(ctx, WorkingHeading)
	conv := strings.Index(ctx, ConversationHeading)
	if sys != 0 || work < sys || conv < work {
		t.Fatalf("sections out of order (%d, %d, %d):\n%s", sys, work, conv, ctx)
	}
	for _, want := range []string{
		"You are ada (Ada Lovelace)",
		"Role: Keeps the notes",
		"save_memory(content)",
		"conversation_search(query, limit=5)",
		"Agent: ada\nStatus: Ready",
	} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q", want)
		}
	}
	if strings.Contains(ctx, "read_file") {
		t.Error("sandbox functions listed without a sandbox")
	}

	rec, err := f.stores.Agents.Get(context.Background(), "ada")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SystemMemory == "" || !strings.Contains(ctx, rec.SystemMemory) {
		t.Error("system memory not persisted from the rendered template")
	}
}

func TestCreate_Errors(t *testing.T) {
	f := newFixture(t)
	f.create(t, "ada", &scriptedLLM{})

	_, err := Create(context.Background(), f.config("ada", &scriptedLLM{}), f.stores)
	if !errors.Is(err, memory.ErrExists) {
		t.Errorf("duplicate: err = %v, want ErrExists", err)
	}

	_, err = Create(context.Background(), f.config("bad name!", &scriptedLLM{}), f.stores)
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("invalid: err = %v, want ErrInvalidName", err)
	}

	_, err = Open(context.Background(), f.config("ghost", &scriptedLLM{}), f.stores)
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("open missing: err = %v, want ErrNotFound", err)
	}
}

func TestTurn_CommitsOnSuccess(t *testing.T) {
	f := newFixture(t)
	model := &scriptedLLM{replies: []string{"hi there", "second answer"}}
	a := f.create(t, "ada", model)
	ctx := context.Background()

	reply, err := a.Turn(ctx, "hello")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply.Text != "hi there" || reply.Rounds != 1 || reply.RequestID == "" {
		t.Errorf("reply = %+v", reply)
	}

	first := model.requests[0].Messages
	if len(first) != 2 || first[0].Role != "system" || first[1].Role != "user" || first[1].Content != "hello" {
		t.Fatalf("request messages = %+v", first)
	}

	if _, err := a.Turn(ctx, "again"); err != nil {
		t.Fatalf("second Turn: %v", err)
	}
	sys := model.requests[1].Messages[0].Content
	if !strings.Contains(sys, "USER: hello\nASSISTANT: hi there") {
		t.Errorf("second context lacks first turn:\n%s", sys)
	}

	st, err := a.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.FIFOMessages != 4 || st.ConversationMessages != 4 {
		t.Errorf("stats = %+v", st)
	}
	if st.FIFOTokens > st.FIFOBudget {
		t.Errorf("tokens %d over budget %d", st.FIFOTokens, st.FIFOBudget)
	}
}

func TestTurn_FailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	down := errors.New("backend down")
	a := f.create(t, "ada", &scriptedLLM{failAt: 1, err: down})
	ctx := context.Background()

	if _, err := a.Turn(ctx, "hello"); !errors.Is(err, down) {
		t.Fatalf("err = %v, want backend error", err)
	}
	st, err := a.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.FIFOMessages != 0 || st.ConversationMessages != 0 {
		t.Errorf("failed turn left state: %+v", st)
	}
}

func TestTurn_WorkingEditsFromCompletedRoundsPersist(t *testing.T) {
	f := newFixture(t)
	down := errors.New("backend down")
	model := &scriptedLLM{
		replies: []string{fenced("core_memory_append", `{"content": "Likes tea"}`)},
		failAt:  2,
		err:     down,
	}
	a := f.create(t, "ada", model)
	ctx := context.Background()

	if _, err := a.Turn(ctx, "remember I like tea"); !errors.Is(err, down) {
		t.Fatalf("err = %v, want backend error", err)
	}
	if !strings.HasSuffix(a.Working(), "\nLikes tea") {
		t.Errorf("working = %q", a.Working())
	}
	rec, err := f.stores.Agents.Get(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	if rec.WorkingMemory != a.Working() {
		t.Errorf("stored working = %q", rec.WorkingMemory)
	}
	if n, _ := f.stores.History.Count(ctx, "ada"); n != 0 {
		t.Errorf("history has %d messages, want 0", n)
	}
}

func TestTurn_SaveAndSearchMemoryThroughModel(t *testing.T) {
	f := newFixture(t)
	model := &scriptedLLM{replies: []string{
		fenced("save_memory", `{"content": "The launch code is blue"}`),
		"Saved.",
	}}
	a := f.create(t, "ada", model)

	reply, err := a.Turn(context.Background(), "remember the code")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply.Text != "Saved." || len(reply.Calls) != 1 || !reply.Calls[0].OK {
		t.Fatalf("reply = %+v", reply)
	}
	hits, err := f.stores.Archive.TextSearch(context.Background(), "ada", "launch code", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("archive hits = %d, want 1", len(hits))
	}
}

func TestWorkingMemory(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "ada", &scriptedLLM{})
	ctx := context.Background()

	if err := a.AppendWorking(ctx, "Mood: curious"); err != nil {
		t.Fatal(err)
	}
	if err := a.ReplaceWorking(ctx, "curious", "focused"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(a.Working(), "\nMood: focused") {
		t.Errorf("working = %q", a.Working())
	}

	before := a.Working()
	if err := a.ReplaceWorking(ctx, "absent text", "x"); err == nil {
		t.Error("replace of missing text succeeded")
	}
	if a.Working() != before {
		t.Error("failed replace changed working memory")
	}
}

func TestWorkingMemory_PersistFailureLeavesValue(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "ada", &scriptedLLM{})
	before := a.Working()

	f.db.Close()
	if err := a.AppendWorking(context.Background(), "lost"); err == nil {
		t.Fatal("append succeeded on a closed store")
	}
	if a.Working() != before {
		t.Errorf("working = %q, want unchanged", a.Working())
	}
}

func TestOpen_RestoresHistoryAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "ada", &scriptedLLM{})

	for _, c := range []string{"oldest fact", "middle fact", "newer fact", "newest fact"} {
		if _, err := f.stores.Archive.Insert(ctx, "ada", c, memory.TypeArchival, nil); err != nil {
			t.Fatal(err)
		}
	}
	err := f.stores.History.Append(ctx, "ada",
		memory.NewMessage(memory.RoleUser, "earlier question"),
		memory.NewMessage(memory.RoleAssistant, "earlier answer"),
	)
	if err != nil {
		t.Fatal(err)
	}

	cfg := f.config("ada", &scriptedLLM{})
	cfg.SummaryCount = 3
	a, err := Open(ctx, cfg, f.stores)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	text := a.Context()
	if !strings.Contains(text, "Recent Memories:\n- newest fact\n- newer fact\n- middle fact") {
		t.Errorf("summary missing:\n%s", text)
	}
	if strings.Contains(text, "oldest fact") {
		t.Error("summary exceeds its count")
	}
	if !strings.Contains(text, "USER: earlier question\nASSISTANT: earlier answer") {
		t.Errorf("history not restored:\n%s", text)
	}

	rec, err := f.stores.Agents.Get(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(rec.WorkingMemory, "Recent Memories") {
		t.Error("archival summary was persisted")
	}
	if rec.Model != a.Model() {
		t.Errorf("model = %q, want stored %q", a.Model(), rec.Model)
	}
}

func TestOpen_RestoreRespectsBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "ada", &scriptedLLM{})

	var msgs []memory.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, memory.NewMessage(memory.RoleUser, strings.Repeat("x", 50)))
	}
	if err := f.stores.History.Append(ctx, "ada", msgs...); err != nil {
		t.Fatal(err)
	}

	cfg := f.config("ada", &scriptedLLM{})
	cfg.FIFOBudget = 40
	a, err := Open(ctx, cfg, f.stores)
	if err != nil {
		t.Fatal(err)
	}
	st, err := a.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.FIFOTokens > 40 || st.FIFOMessages > 3 {
		t.Errorf("stats = %+v", st)
	}
	if st.ConversationMessages != 10 {
		t.Errorf("conversation messages = %d, want 10", st.ConversationMessages)
	}
}

func TestAddSystemMessageAndRoster(t *testing.T) {
	f := newFixture(t)
	cfg := f.config("ada", &scriptedLLM{})
	cfg.Roster = func() string { return "=== CURRENT PARTICIPANTS ===\nInternal Agents: ada" }
	a, err := Create(context.Background(), cfg, f.stores)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.AddSystemMessage(context.Background(), "[SYSTEM] bob (tester) has joined the conversation"); err != nil {
		t.Fatal(err)
	}
	text := a.Context()
	if !strings.Contains(text, "SYSTEM: [SYSTEM] bob (tester) has joined the conversation") {
		t.Errorf("system message missing:\n%s", text)
	}
	roster := strings.Index(text, "=== CURRENT PARTICIPANTS ===")
	if roster < 0 || roster > strings.Index(text, WorkingHeading) {
		t.Errorf("roster not in system section:\n%s", text)
	}
}

func TestSearchConversation_NoDuplicates(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "ada", &scriptedLLM{replies: []string{"The blue door is open."}})
	ctx := context.Background()

	if _, err := a.Turn(ctx, "which door?"); err != nil {
		t.Fatal(err)
	}
	hits, err := a.SearchConversation(ctx, "BLUE", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Role != memory.RoleAssistant {
		t.Errorf("hits = %+v", hits)
	}
}

func TestRenderMessage(t *testing.T) {
	tests := []struct {
		msg  memory.Message
		want string
	}{
		{memory.Message{Role: memory.RoleUser, Content: "hi"}, "USER: hi"},
		{memory.Message{Role: memory.RoleSystem, Content: "note"}, "SYSTEM: note"},
		{memory.Message{Role: memory.RoleFunction, FunctionName: "read_file", Content: "data"}, "[Function: read_file] data"},
	}
	for _, tt := range tests {
		if got := renderMessage(tt.msg); got != tt.want {
			t.Errorf("renderMessage = %q, want %q", got, tt.want)
		}
	}
}

func TestCommit_CountsEvictions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "ada", &scriptedLLM{})

	m := metrics.New()
	cfg := f.config("ada", &scriptedLLM{})
	cfg.FIFOBudget = 10
	cfg.Metrics = m
	a, err := Open(ctx, cfg, f.stores)
	if err != nil {
		t.Fatal(err)
	}

	// 20 chars is 5 estimated tokens; the third notice pushes out the first.
	for i := 0; i < 3; i++ {
		if err := a.AddSystemMessage(ctx, strings.Repeat("n", 20)); err != nil {
			t.Fatal(err)
		}
	}
	if got := testutil.ToFloat64(m.MemoryOperations.WithLabelValues("ada", "fifo_evict")); got != 1 {
		t.Errorf("fifo_evict = %v, want 1", got)
	}
}
