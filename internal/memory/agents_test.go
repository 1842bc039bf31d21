package memory

import (
	"context"
	"errors"
	"testing"
)

func TestAgentStore_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	rec := AgentRecord{Name: "alice", DisplayName: "Alice", Model: "llama3.1:8b", Description: "helper"}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, rec); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create err = %v, want ErrExists", err)
	}

	got, err := s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Alice" || got.Model != "llama3.1:8b" || got.CreatedAt.IsZero() {
		t.Errorf("got %+v", got)
	}

	if err := s.SetWorkingMemory(ctx, "alice", "likes tea"); err != nil {
		t.Fatalf("set working: %v", err)
	}
	if err := s.SetSystemMemory(ctx, "alice", "You are Alice."); err != nil {
		t.Fatalf("set system: %v", err)
	}
	got, _ = s.Get(ctx, "alice")
	if got.WorkingMemory != "likes tea" || got.SystemMemory != "You are Alice." {
		t.Errorf("after set: %+v", got)
	}

	if err := s.Create(ctx, AgentRecord{Name: "bob", DisplayName: "Bob", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "alice" || list[1].Name != "bob" {
		t.Errorf("List = %+v", list)
	}

	if err := s.Delete(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if err := s.SetWorkingMemory(ctx, "ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("set working on missing agent err = %v, want ErrNotFound", err)
	}
}

func TestAgentStore_DeleteKeepsHistory(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgentStore(db)
	history := NewHistoryStore(db)
	ctx := context.Background()

	agents.Create(ctx, AgentRecord{Name: "alice", DisplayName: "Alice", Model: "m"})
	if err := history.Append(ctx, "alice", NewMessage(RoleUser, "hello")); err != nil {
		t.Fatal(err)
	}
	if err := agents.Delete(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if n, _ := history.Count(ctx, "alice"); n != 1 {
		t.Errorf("history count after delete = %d, want 1", n)
	}
}
