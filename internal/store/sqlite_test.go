package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ashureev/policy-assistant/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewMemorySQLite(t.Name())
	if err != nil {
		t.Fatalf("NewMemorySQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewMemorySQLiteRejectsEmptyName(t *testing.T) {
	t.Parallel()

	if _, err := NewMemorySQLite(""); err == nil {
		t.Fatal("expected error for empty database name")
	}
}

func TestAgentSessionLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetAgentSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAgentSession failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no session, got %+v", got)
	}

	if err := s.UpsertAgentSession(ctx, &domain.AgentSession{UserID: "user-1", SessionID: "sess-a"}); err != nil {
		t.Fatalf("UpsertAgentSession failed: %v", err)
	}
	if err := s.UpsertAgentSession(ctx, &domain.AgentSession{UserID: "user-1", SessionID: "sess-b"}); err != nil {
		t.Fatalf("UpsertAgentSession (update) failed: %v", err)
	}

	got, err = s.GetAgentSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAgentSession failed: %v", err)
	}
	if got == nil || got.SessionID != "sess-b" {
		t.Fatalf("expected session sess-b, got %+v", got)
	}

	if err := s.DeleteAgentSession(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteAgentSession failed: %v", err)
	}
	got, err = s.GetAgentSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAgentSession failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected session to be deleted, got %+v", got)
	}
}

func TestBindAgentSessionKeepsExistingBinding(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.BindAgentSession(ctx, &domain.AgentSession{UserID: "user-1", SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("BindAgentSession failed: %v", err)
	}
	if !created || first.SessionID != "sess-a" {
		t.Fatalf("expected new binding sess-a, got %+v (created=%v)", first, created)
	}

	second, created, err := s.BindAgentSession(ctx, &domain.AgentSession{UserID: "user-1", SessionID: "sess-b"})
	if err != nil {
		t.Fatalf("BindAgentSession failed: %v", err)
	}
	if created || second.SessionID != "sess-a" {
		t.Fatalf("expected existing binding sess-a, got %+v (created=%v)", second, created)
	}
}

func TestConcurrentBindsAgreeOnOneSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make(chan string, n)
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bound, _, err := s.BindAgentSession(ctx, &domain.AgentSession{UserID: "user-1", SessionID: fmt.Sprintf("sess-%d", i)})
			if err != nil {
				errs <- err
				return
			}
			results <- bound.SessionID
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("BindAgentSession failed: %v", err)
	}

	seen := map[string]bool{}
	for id := range results {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one session for all callers, got %v", seen)
	}
}

func TestTurnsAreAppendOnlyAndOrdered(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	questions := []string{"first", "second", "third"}
	var lastSeq int64
	for _, q := range questions {
		turn := &domain.ConversationTurn{Question: q, Answer: domain.Answer{Text: "answer to " + q}}
		if err := s.AppendTurn(ctx, "user-1", turn); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
		if turn.Seq <= lastSeq {
			t.Fatalf("expected increasing seq, got %d after %d", turn.Seq, lastSeq)
		}
		lastSeq = turn.Seq
	}
	if err := s.AppendTurn(ctx, "user-2", &domain.ConversationTurn{Question: "other"}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	turns, err := s.ListTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != len(questions) {
		t.Fatalf("expected %d turns, got %d", len(questions), len(turns))
	}
	for i, q := range questions {
		if turns[i].Question != q {
			t.Fatalf("turn %d: expected %q, got %q", i, q, turns[i].Question)
		}
		if turns[i].Answer.Text != "answer to "+q {
			t.Fatalf("turn %d: unexpected answer %q", i, turns[i].Answer.Text)
		}
	}
}

func TestTableAnswerRoundTrips(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	answer := domain.FormatAnswer(`[{"regulator":"RBI","deadline":"2025-03-31"}]`)
	if err := s.AppendTurn(ctx, "user-1", &domain.ConversationTurn{Question: "deadlines?", Answer: answer}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	turns, err := s.ListTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 1 || !turns[0].Answer.IsTable() {
		t.Fatalf("expected one table answer, got %+v", turns)
	}
	if turns[0].Answer.Table[0]["regulator"] != "RBI" {
		t.Fatalf("unexpected row: %+v", turns[0].Answer.Table[0])
	}
}

func TestClearTurns(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		turn := &domain.ConversationTurn{Question: fmt.Sprintf("q%d", i)}
		if err := s.AppendTurn(ctx, "user-1", turn); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}
	if err := s.AppendTurn(ctx, "user-2", &domain.ConversationTurn{Question: "keep"}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	removed, err := s.ClearTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ClearTurns failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	turns, err := s.ListTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected empty history, got %d turns", len(turns))
	}

	other, err := s.ListTurns(ctx, "user-2")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("expected other user's history to survive, got %d turns", len(other))
	}
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AppendTurn(ctx, "user-1", &domain.ConversationTurn{Question: fmt.Sprintf("q%d", i)})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	turns, err := s.ListTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != n {
		t.Fatalf("expected %d turns, got %d", n, len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Seq <= turns[i-1].Seq {
			t.Fatalf("turns out of order at %d", i)
		}
	}
}

func TestDatabasesAreIsolatedByName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := NewMemorySQLite(t.Name() + "-a")
	if err != nil {
		t.Fatalf("NewMemorySQLite failed: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, err := NewMemorySQLite(t.Name() + "-b")
	if err != nil {
		t.Fatalf("NewMemorySQLite failed: %v", err)
	}
	defer func() { _ = b.Close() }()

	if err := a.AppendTurn(ctx, "user-1", &domain.ConversationTurn{Question: "only in a"}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	turns, err := b.ListTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected isolated database, got %d turns", len(turns))
	}
	if err := a.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
