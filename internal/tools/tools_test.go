package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/pantheon/internal/fetch"
	"github.com/nugget/pantheon/internal/memory"
	"github.com/nugget/pantheon/internal/metrics"
	"github.com/nugget/pantheon/internal/sandbox"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMemory keeps working memory and a message list in memory.
type fakeMemory struct {
	working string
	msgs    []memory.Message
	failSet bool
}

func (m *fakeMemory) AppendWorking(_ context.Context, text string) error {
	if m.failSet {
		return errors.New("store unavailable")
	}
	m.working += "\n" + text
	return nil
}

func (m *fakeMemory) ReplaceWorking(_ context.Context, oldText, newText string) error {
	if !strings.Contains(m.working, oldText) {
		return fmt.Errorf("text not found in working memory: %q", oldText)
	}
	m.working = strings.Replace(m.working, oldText, newText, 1)
	return nil
}

func (m *fakeMemory) SearchConversation(_ context.Context, query string, limit int) ([]memory.Message, error) {
	var out []memory.Message
	for _, msg := range m.msgs {
		if strings.Contains(strings.ToLower(msg.Content), strings.ToLower(query)) {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// keywordEmbedder maps a handful of keywords onto axes so similarity is
// predictable.
type keywordEmbedder struct {
	fail bool
}

var keywords = []string{"cat", "dog", "golang", "coffee"}

func (e keywordEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	v := make([]float32, len(keywords)+1)
	lower := strings.ToLower(text)
	for i, k := range keywords {
		v[i] = float32(strings.Count(lower, k))
	}
	v[len(keywords)] = 0.01
	return v, nil
}

type fakeMessenger struct {
	from, to, text string
}

func (m *fakeMessenger) SendMessage(_ context.Context, from, to, text string) (string, error) {
	m.from, m.to, m.text = from, to, text
	if to == "ghost" {
		return "", errors.New("agent ghost not found")
	}
	return "ack: " + text, nil
}

type fixture struct {
	d       *Dispatcher
	mem     *fakeMemory
	archive *memory.ArchiveStore
	msgr    *fakeMessenger
	root    string
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, embedder Embedder) *fixture {
	t.Helper()

	db, err := memory.Open(memory.Options{Path: filepath.Join(t.TempDir(), "test.db"), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root, err := sandbox.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		mem:     &fakeMemory{working: "Name: Ada"},
		archive: memory.NewArchiveStore(db, memory.ArchiveConfig{}),
		msgr:    &fakeMessenger{},
		root:    root.Path(),
		metrics: metrics.New(),
	}
	f.d = New(Config{
		Agent:     "alice",
		Memory:    f.mem,
		Archive:   f.archive,
		Embedder:  embedder,
		Messenger: f.msgr,
		Sandbox: &Sandbox{
			Files: sandbox.NewFiles(root),
			Exec:  sandbox.NewExec(root, sandbox.ExecConfig{Allowed: []string{"ls", "cat"}, Logger: quietLogger()}),
			Code:  sandbox.NewCodeRunner(root, sandbox.CodeRunnerConfig{Interpreter: "sh", Extension: ".sh", Logger: quietLogger()}),
			Fetch: fetch.New(fetch.Config{Logger: quietLogger()}),
		},
		Metrics: f.metrics,
		Logger:  quietLogger(),
	})
	return f
}

func TestDispatch_UnknownFunction(t *testing.T) {
	f := newFixture(t, nil)
	got := f.d.Dispatch(context.Background(), "launch_rockets", nil)
	if got != "unknown function: `launch_rockets`" {
		t.Errorf("got %q", got)
	}
}

func TestDispatch_HandlerErrorBecomesText(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.d.Invoke(context.Background(), string(ReadFile), map[string]any{})
	if inv.OK {
		t.Error("OK = true for missing argument")
	}
	if inv.Result != "Error: path is required" {
		t.Errorf("Result = %q", inv.Result)
	}
}

func TestDispatch_RecoversPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.d.register(&Tool{
		Name: "explode",
		Handler: func(context.Context, map[string]any) (string, error) {
			var m map[string]int
			m["boom"]++
			return "", nil
		},
	})

	inv := f.d.Invoke(context.Background(), "explode", nil)
	if inv.OK || !strings.HasPrefix(inv.Result, "Error: internal error in explode") {
		t.Errorf("inv = %+v", inv)
	}
}

func TestDispatch_NeverPanicsOnRandomInput(t *testing.T) {
	f := newFixture(t, keywordEmbedder{})
	rng := rand.New(rand.NewSource(1))

	names := make([]string, 0, len(Names)+3)
	for _, n := range Names {
		names = append(names, string(n))
	}
	names = append(names, "", "???", "read_file ")

	values := []any{nil, "", "x", "../../etc/passwd", float64(-1), float64(1e300), true,
		[]any{1, "a"}, map[string]any{"nested": "v"}, strings.Repeat("z", 300)}
	keys := []string{"path", "content", "query", "limit", "pattern", "file_pattern", "old_text",
		"new_text", "replace_all", "command", "code", "url", "agent_name", "message", "text",
		"old_content", "new_content"}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 400; i++ {
		name := names[rng.Intn(len(names))]
		args := map[string]any{}
		for j := rng.Intn(4); j > 0; j-- {
			args[keys[rng.Intn(len(keys))]] = values[rng.Intn(len(values))]
		}
		// Keep the process and network functions off real work.
		if name == string(ExecuteCommand) || name == string(RunPython) || name == string(FetchURL) {
			args = map[string]any{"command": 42, "code": nil, "url": "ftp://x"}
		}

		got := f.d.Dispatch(ctx, name, args)
		if got == "" && name != string(ReadFile) {
			t.Errorf("Dispatch(%q, %v) returned empty text", name, args)
		}
	}
}

func TestDispatch_SandboxDenialIsPlainText(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		tool Name
		args map[string]any
	}{
		{"parent traversal", ReadFile, map[string]any{"path": "../../etc/passwd"}},
		{"absolute path", WriteFile, map[string]any{"path": "/etc/passwd", "content": "x"}},
		{"shell metachar", ExecuteCommand, map[string]any{"command": "ls; rm -rf /"}},
		{"unlisted command", ExecuteCommand, map[string]any{"command": "rm -rf ."}},
		{"bad scheme", FetchURL, map[string]any{"url": "file:///etc/passwd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := f.d.Invoke(ctx, string(tt.tool), tt.args)
			if inv.OK {
				t.Fatal("OK = true for a denied call")
			}
			if !strings.HasPrefix(inv.Result, "Access denied:") {
				t.Errorf("Result = %q, want Access denied prefix", inv.Result)
			}
		})
	}
}

func TestFileTools(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	call := func(name Name, args map[string]any) string {
		t.Helper()
		inv := f.d.Invoke(ctx, string(name), args)
		if !inv.OK {
			t.Fatalf("%s(%v) failed: %s", name, args, inv.Result)
		}
		return inv.Result
	}

	if got := call(WriteFile, map[string]any{"path": "notes/today.txt", "content": "alpha\nbeta\n"}); got != "Wrote 11 bytes to notes/today.txt." {
		t.Errorf("write = %q", got)
	}
	call(AppendFile, map[string]any{"path": "notes/today.txt", "content": "gamma\n"})
	if got := call(ReadFile, map[string]any{"path": "notes/today.txt"}); got != "alpha\nbeta\ngamma\n" {
		t.Errorf("read = %q", got)
	}
	if got := call(ListFiles, map[string]any{}); got != "notes/" {
		t.Errorf("list = %q", got)
	}
	if got := call(FindFiles, map[string]any{"pattern": "*.txt"}); got != "notes/today.txt" {
		t.Errorf("find = %q", got)
	}
	if got := call(SearchFiles, map[string]any{"pattern": "^b"}); got != "notes/today.txt:2: beta" {
		t.Errorf("search = %q", got)
	}
	if got := call(EditFile, map[string]any{"path": "notes/today.txt", "old_text": "beta", "new_text": "BETA"}); got != "Replaced 1 occurrence(s) in notes/today.txt." {
		t.Errorf("edit = %q", got)
	}
	call(DeleteFile, map[string]any{"path": "notes/today.txt"})
	if _, err := os.Stat(filepath.Join(f.root, "notes", "today.txt")); !os.IsNotExist(err) {
		t.Errorf("file still exists: %v", err)
	}
	if got := call(ListFiles, map[string]any{"path": "notes"}); got != "(empty directory)" {
		t.Errorf("list after delete = %q", got)
	}
}

func TestExecuteCommand(t *testing.T) {
	f := newFixture(t, nil)
	os.WriteFile(filepath.Join(f.root, "hello.txt"), []byte("hi there"), 0o644)

	got := f.d.Dispatch(context.Background(), string(ExecuteCommand), map[string]any{"command": "cat hello.txt"})
	if !strings.Contains(got, "Exit code: 0") || !strings.Contains(got, "hi there") {
		t.Errorf("got %q", got)
	}
}

func TestRunPython(t *testing.T) {
	f := newFixture(t, nil)
	got := f.d.Dispatch(context.Background(), string(RunPython), map[string]any{"code": "echo from-script"})
	if !strings.Contains(got, "from-script") {
		t.Errorf("got %q", got)
	}
}

func TestWorkspaceInfo(t *testing.T) {
	f := newFixture(t, nil)
	got := f.d.Dispatch(context.Background(), string(GetWorkspaceInfo), nil)
	for _, want := range []string{f.root, "Allowed commands: cat, ls", "Code interpreter: sh", "read_file"} {
		if !strings.Contains(got, want) {
			t.Errorf("info missing %q:\n%s", want, got)
		}
	}
}

func TestSaveAndSearchMemory_Embedded(t *testing.T) {
	f := newFixture(t, keywordEmbedder{})
	ctx := context.Background()

	for _, c := range []string{"The user has a cat named Pixel", "The user drinks coffee daily", "Dog walking at 7"} {
		inv := f.d.Invoke(ctx, string(SaveMemory), map[string]any{"content": c})
		if !inv.OK || !strings.HasPrefix(inv.Result, "Saved to archival memory") {
			t.Fatalf("save: %+v", inv)
		}
	}

	got := f.d.Dispatch(ctx, string(SearchMemory), map[string]any{"query": "tell me about the cat", "limit": float64(1)})
	if !strings.HasPrefix(got, "Found 1 memories:") || !strings.Contains(got, "Pixel") {
		t.Errorf("search = %q", got)
	}

	entries, _ := f.archive.All(ctx, "alice", memory.TypeArchival)
	if len(entries) != 3 || !entries[0].Embedded || entries[0].Metadata["source"] != "save_memory" {
		t.Errorf("entries = %+v", entries)
	}
	if got := testutil.ToFloat64(f.metrics.MemoryOperations.WithLabelValues("alice", "archival_insert")); got != 3 {
		t.Errorf("archival_insert count = %v", got)
	}
}

func TestSearchMemory_SubstringFallback(t *testing.T) {
	for _, tc := range []struct {
		name     string
		embedder Embedder
	}{
		{"no embedder", nil},
		{"failing embedder", keywordEmbedder{fail: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.embedder)
			ctx := context.Background()

			f.d.Dispatch(ctx, string(SaveMemory), map[string]any{"content": "Meeting moved to Thursday"})
			got := f.d.Dispatch(ctx, string(SearchMemory), map[string]any{"query": "thursday"})
			if got != "Found 1 memories:\n1. Meeting moved to Thursday" {
				t.Errorf("search = %q", got)
			}
			if got := f.d.Dispatch(ctx, string(SearchMemory), map[string]any{"query": "friday"}); got != "No matching memories found." {
				t.Errorf("miss = %q", got)
			}
		})
	}
}

func TestWorkingMemoryTools(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.d.Dispatch(ctx, string(UpdateWorkingMemory), map[string]any{"text": "Likes tea"})
	f.d.Dispatch(ctx, string(CoreMemoryAppend), map[string]any{"content": "Lives in Oslo"})
	if f.mem.working != "Name: Ada\nLikes tea\nLives in Oslo" {
		t.Errorf("working = %q", f.mem.working)
	}

	got := f.d.Dispatch(ctx, string(CoreMemoryReplace), map[string]any{"old_content": "Oslo", "new_content": "Bergen"})
	if got != "Working memory updated." || !strings.Contains(f.mem.working, "Bergen") {
		t.Errorf("replace = %q, working = %q", got, f.mem.working)
	}

	got = f.d.Dispatch(ctx, string(CoreMemoryReplace), map[string]any{"old_content": "Paris", "new_content": "Rome"})
	if !strings.HasPrefix(got, "Error: text not found") {
		t.Errorf("missing replace = %q", got)
	}

	f.mem.failSet = true
	if got := f.d.Dispatch(ctx, string(CoreMemoryAppend), map[string]any{"content": "x"}); got != "Error: store unavailable" {
		t.Errorf("failing append = %q", got)
	}
}

func TestConversationSearch(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.msgs = []memory.Message{
		memory.NewMessage(memory.RoleUser, "My flight is on Friday"),
		memory.NewMessage(memory.RoleAssistant, "Noted."),
	}

	got := f.d.Dispatch(context.Background(), string(ConversationSearch), map[string]any{"query": "FLIGHT"})
	if !strings.HasPrefix(got, "Found 1 messages:") || !strings.Contains(got, "user] My flight is on Friday") {
		t.Errorf("got %q", got)
	}
	got = f.d.Dispatch(context.Background(), string(ConversationSearch), map[string]any{"query": "hotel"})
	if got != `No messages matching "hotel".` {
		t.Errorf("miss = %q", got)
	}
}

func TestMessageAgent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	got := f.d.Dispatch(ctx, string(MessageAgent), map[string]any{"agent_name": "bob", "message": "hello"})
	if got != "Reply from bob: ack: hello" {
		t.Errorf("got %q", got)
	}
	if f.msgr.from != "alice" || f.msgr.to != "bob" {
		t.Errorf("messenger saw %+v", f.msgr)
	}

	if got := f.d.Dispatch(ctx, string(MessageAgent), map[string]any{"agent_name": "alice", "message": "hi"}); got != "Error: cannot message yourself" {
		t.Errorf("self = %q", got)
	}
	if got := f.d.Dispatch(ctx, string(MessageAgent), map[string]any{"agent_name": "ghost", "message": "hi"}); !strings.HasPrefix(got, "Error: agent ghost") {
		t.Errorf("ghost = %q", got)
	}
}

func TestCatalogAndCapabilities(t *testing.T) {
	f := newFixture(t, nil)
	cat := f.d.Catalog()
	for _, want := range []string{
		"- save_memory(content):",
		"- search_memory(query, limit=3):",
		`- list_files(path="."):`,
		`- search_files(pattern, file_pattern="*"):`,
		"- edit_file(path, old_text, new_text, replace_all=false):",
		"- get_workspace_info():",
		`{"function": "name", "arguments": {"arg": "value"}}`,
	} {
		if !strings.Contains(cat, want) {
			t.Errorf("catalog missing %q", want)
		}
	}

	bare := New(Config{Agent: "x", Logger: quietLogger()})
	if bare.Catalog() != "" || bare.Has(string(ReadFile)) {
		t.Error("dispatcher without capabilities exposes functions")
	}
	if got := bare.Dispatch(context.Background(), string(ReadFile), nil); got != "unknown function: `read_file`" {
		t.Errorf("got %q", got)
	}
}

func TestInvokeRecordsMetrics(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.d.Invoke(ctx, string(ListFiles), nil)
	f.d.Invoke(ctx, string(ReadFile), map[string]any{"path": "missing.txt"})

	if got := testutil.ToFloat64(f.metrics.FunctionCalls.WithLabelValues("alice", "list_files", metrics.StatusOK)); got != 1 {
		t.Errorf("ok count = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.FunctionCalls.WithLabelValues("alice", "read_file", metrics.StatusError)); got != 1 {
		t.Errorf("error count = %v", got)
	}
}

func TestIntArg(t *testing.T) {
	tests := []struct {
		v    any
		want int
	}{
		{nil, 3},
		{float64(7), 7},
		{"4", 4},
		{"nope", 3},
		{float64(0), 1},
		{float64(-5), 1},
		{float64(1e12), 50},
		{7, 7},
	}
	for _, tt := range tests {
		if got := intArg(map[string]any{"n": tt.v}, "n", 3, 50); got != tt.want {
			t.Errorf("intArg(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}
