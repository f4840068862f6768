package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ashureev/policy-assistant/internal/agentruntime"
	"github.com/ashureev/policy-assistant/internal/decoder"
	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/ashureev/policy-assistant/internal/store"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	body   string
	err    error
	inputs []agentruntime.InvokeInput
}

func (f *fakeDispatcher) Invoke(_ context.Context, in agentruntime.InvokeInput) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeDispatcher) calls() []agentruntime.InvokeInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agentruntime.InvokeInput(nil), f.inputs...)
}

// streamWithAnswer builds a response trace whose last segment carries text.
func streamWithAnswer(text string, citationBlocks ...string) string {
	var b strings.Builder
	b.WriteString(`{"trace":{"orchestrationTrace":{"observation":{"knowledgeBaseLookupOutput":{"retrievedReferences":[`)
	b.WriteString(strings.Join(citationBlocks, ","))
	b.WriteString(`]}}}}`)
	b.WriteString(`:message-type` + "event")
	b.WriteString(`{"bytes":"` + base64.StdEncoding.EncodeToString([]byte(text)) + `"}`)
	return b.String()
}

func newTestService(t *testing.T, d Dispatcher) (*Service, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewMemorySQLite(strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatalf("NewMemorySQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	svc, err := NewService(ServiceConfig{Dispatcher: d, Repo: repo})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, repo
}

func TestNewServiceRequiresRepo(t *testing.T) {
	t.Parallel()

	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatal("expected error without repository")
	}
}

func TestAskAssemblesMessageWithSources(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{body: streamWithAnswer("Board approval is required.",
		`{"documentTitle": "RBI Outsourcing", "documentLocation": "https://rbi.org.in/outsourcing"}`,
		`{"documentTitle": "MeitY Cloud Policy", "documentLocation": "https://meity.gov.in/cloud"}`,
	)}
	svc, _ := newTestService(t, d)

	payload, err := svc.Ask(context.Background(), "Who approves cloud outsourcing?", "sess-1", false)
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	want := "Board approval is required." + SourcesHeading +
		"- [RBI Outsourcing](https://rbi.org.in/outsourcing)\n" +
		"- [MeitY Cloud Policy](https://meity.gov.in/cloud)\n"
	if payload.Message != want {
		t.Fatalf("unexpected message:\n%q\nwant:\n%q", payload.Message, want)
	}
	if len(payload.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(payload.Citations))
	}
	if payload.Trace != d.body {
		t.Fatalf("expected trace to be the full stream")
	}

	calls := d.calls()
	if len(calls) != 1 || calls[0].SessionID != "sess-1" || calls[0].EndSession {
		t.Fatalf("unexpected dispatch: %+v", calls)
	}
}

func TestAskWithoutCitationsHasNoSources(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeDispatcher{body: streamWithAnswer("plain answer")})

	payload, err := svc.Ask(context.Background(), "q", "sess-1", false)
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if payload.Message != "plain answer" {
		t.Fatalf("unexpected message %q", payload.Message)
	}
	if payload.Citations == nil {
		t.Fatal("expected empty, non-nil citations")
	}
}

func TestAskReturnsDispatchErrors(t *testing.T) {
	t.Parallel()

	tests := []error{
		agentruntime.ErrCredentialsUnavailable,
		agentruntime.ErrTransport,
		agentruntime.ErrUpstreamStatus,
	}
	for _, wantErr := range tests {
		t.Run(wantErr.Error(), func(t *testing.T) {
			t.Parallel()
			svc, _ := newTestService(t, &fakeDispatcher{err: fmt.Errorf("%w: boom", wantErr)})

			_, err := svc.Ask(context.Background(), "q", "sess-1", false)
			if !errors.Is(err, wantErr) {
				t.Fatalf("expected %v, got %v", wantErr, err)
			}
		})
	}
}

func TestAskWithoutDispatcher(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	if svc.Configured() {
		t.Fatal("expected service to be unconfigured")
	}
	if _, err := svc.Ask(context.Background(), "q", "sess-1", false); !errors.Is(err, ErrAgentNotConfigured) {
		t.Fatalf("expected ErrAgentNotConfigured, got %v", err)
	}
}

func TestInvokeNeverFails(t *testing.T) {
	t.Parallel()

	dispatchErr := fmt.Errorf("%w: dial tcp: connection refused", agentruntime.ErrTransport)
	svc, _ := newTestService(t, &fakeDispatcher{err: dispatchErr})

	payload := svc.Invoke(context.Background(), "", "sess-1", false)

	if payload.Message != ApologyMessage {
		t.Fatalf("expected apology, got %q", payload.Message)
	}
	if !strings.Contains(payload.Trace, "connection refused") {
		t.Fatalf("expected error text in trace, got %q", payload.Trace)
	}
	if payload.Citations == nil || len(payload.Citations) != 0 {
		t.Fatalf("expected empty citations, got %+v", payload.Citations)
	}
}

func TestInvokeSentinelOnGarbage(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeDispatcher{body: "\xff\xfe garbage without markers"})

	payload := svc.Invoke(context.Background(), "q", "sess-1", false)
	if payload.Message != decoder.Sentinel {
		t.Fatalf("expected sentinel, got %q", payload.Message)
	}
}

func TestChatBindsSessionAndRecordsHistory(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{body: streamWithAnswer("answer")}
	svc, repo := newTestService(t, d)
	svc.newID = func() string { return "generated-session" }
	ctx := context.Background()

	for _, q := range []string{"first", "second"} {
		if _, err := svc.Chat(ctx, "user-1:default", q, "test"); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
	}

	for _, in := range d.calls() {
		if in.SessionID != "generated-session" {
			t.Fatalf("expected session reuse, got %q", in.SessionID)
		}
	}

	session, err := repo.GetAgentSession(ctx, "user-1:default")
	if err != nil || session == nil {
		t.Fatalf("expected bound session, got %+v (%v)", session, err)
	}

	turns, sessionID, err := svc.History(ctx, "user-1:default")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if sessionID != "generated-session" {
		t.Fatalf("unexpected session id %q", sessionID)
	}
	if len(turns) != 2 || turns[0].Question != "second" || turns[1].Question != "first" {
		t.Fatalf("expected newest first, got %+v", turns)
	}
	if turns[0].Answer.Text != "answer" {
		t.Fatalf("unexpected answer %+v", turns[0].Answer)
	}
}

func TestConcurrentFirstQuestionsShareSession(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{body: streamWithAnswer("answer")}
	svc, repo := newTestService(t, d)
	var next atomic.Int64
	svc.newID = func() string { return fmt.Sprintf("session-%d", next.Add(1)) }
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Chat(ctx, "user-1:tab", fmt.Sprintf("q%d", i), "test"); err != nil {
				t.Errorf("Chat failed: %v", err)
			}
		}()
	}
	wg.Wait()

	session, err := repo.GetAgentSession(ctx, "user-1:tab")
	if err != nil || session == nil {
		t.Fatalf("expected bound session, got %+v (%v)", session, err)
	}
	calls := d.calls()
	if len(calls) != n {
		t.Fatalf("expected %d dispatches, got %d", n, len(calls))
	}
	for _, in := range calls {
		if in.SessionID != session.SessionID {
			t.Fatalf("dispatch used %q, binding is %q", in.SessionID, session.SessionID)
		}
	}
}

func TestChatRecordsApologyOnFailure(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeDispatcher{err: agentruntime.ErrCredentialsUnavailable})
	ctx := context.Background()

	payload, err := svc.Chat(ctx, "user-1", "q", "test")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if payload.Message != ApologyMessage {
		t.Fatalf("expected apology, got %q", payload.Message)
	}

	turns, _, err := svc.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(turns) != 1 || turns[0].Answer.Text != ApologyMessage {
		t.Fatalf("expected apology turn, got %+v", turns)
	}
}

func TestChatStoresTableAnswers(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeDispatcher{body: streamWithAnswer(`[{"regulator":"RBI","deadline":"2025-03-31"}]`)})
	ctx := context.Background()

	payload, err := svc.Chat(ctx, "user-1", "q", "test")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if strings.Contains(payload.Message, `"`) {
		t.Fatalf("expected quotes stripped from the displayed message, got %q", payload.Message)
	}

	turns, _, err := svc.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(turns) != 1 || !turns[0].Answer.IsTable() {
		t.Fatalf("expected table answer, got %+v", turns)
	}
	if turns[0].Answer.Table[0]["regulator"] != "RBI" {
		t.Fatalf("unexpected row %+v", turns[0].Answer.Table[0])
	}
}

func TestChatStoresTextWhenAnswerIsNotTable(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeDispatcher{body: streamWithAnswer(`Use the "board-approved" policy.`)})
	ctx := context.Background()

	if _, err := svc.Chat(ctx, "user-1", "q", "test"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	turns, _, err := svc.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if turns[0].Answer.IsTable() || turns[0].Answer.Text != "Use the board-approved policy." {
		t.Fatalf("unexpected answer %+v", turns[0].Answer)
	}
}

func TestResetEndsSessionAndClearsHistory(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{body: streamWithAnswer("answer")}
	svc, repo := newTestService(t, d)
	svc.newID = func() string { return "sess-x" }
	ctx := context.Background()

	for range 3 {
		if _, err := svc.Chat(ctx, "user-1", "q", "test"); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
	}

	removed, err := svc.Reset(ctx, "user-1")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 turns removed, got %d", removed)
	}

	calls := d.calls()
	last := calls[len(calls)-1]
	if !last.EndSession || last.SessionID != "sess-x" {
		t.Fatalf("expected end-session request for sess-x, got %+v", last)
	}

	session, err := repo.GetAgentSession(ctx, "user-1")
	if err != nil || session != nil {
		t.Fatalf("expected session binding removed, got %+v (%v)", session, err)
	}
	turns, _, err := svc.History(ctx, "user-1")
	if err != nil || len(turns) != 0 {
		t.Fatalf("expected empty history, got %d (%v)", len(turns), err)
	}
}

func TestResetIgnoresEndSessionFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{err: agentruntime.ErrTransport}
	svc, repo := newTestService(t, d)
	ctx := context.Background()

	if err := repo.UpsertAgentSession(ctx, &domain.AgentSession{UserID: "user-1", SessionID: "s"}); err != nil {
		t.Fatalf("UpsertAgentSession failed: %v", err)
	}
	if _, err := svc.Reset(ctx, "user-1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if session, _ := repo.GetAgentSession(ctx, "user-1"); session != nil {
		t.Fatalf("expected session binding removed")
	}
}

func TestResetWithoutSession(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	svc, _ := newTestService(t, d)

	removed, err := svc.Reset(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if removed != 0 || len(d.calls()) != 0 {
		t.Fatalf("expected no-op reset, removed=%d calls=%d", removed, len(d.calls()))
	}
}

func TestAppendSources(t *testing.T) {
	t.Parallel()

	if got := AppendSources("answer", nil); got != "answer" {
		t.Fatalf("expected unchanged message, got %q", got)
	}

	got := AppendSources("answer", []domain.Citation{
		{DocumentTitle: "A", DocumentLink: "https://a"},
		{DocumentTitle: domain.UntitledDocument, DocumentLink: domain.MissingLink},
	})
	want := "answer\n\n### 📚 Sources:\n- [A](https://a)\n- [Untitled Document](#)\n"
	if got != want {
		t.Fatalf("unexpected sources:\n%q\nwant:\n%q", got, want)
	}
	if strings.Count(got, SourcesHeading) != 1 {
		t.Fatal("expected exactly one sources section")
	}
}

func FuzzInvoke(f *testing.F) {
	f.Add([]byte(streamWithAnswer("hello")), "question")
	f.Add([]byte{0xff, 0x00}, "")

	f.Fuzz(func(t *testing.T, body []byte, question string) {
		repo, err := store.NewMemorySQLite("fuzz-invoke")
		if err != nil {
			t.Fatalf("NewMemorySQLite failed: %v", err)
		}
		defer func() { _ = repo.Close() }()
		svc, err := NewService(ServiceConfig{Dispatcher: &fakeDispatcher{body: string(body)}, Repo: repo})
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}

		payload := svc.Invoke(context.Background(), question, "sess", false)
		if payload.Message == "" {
			t.Fatal("expected non-empty message")
		}
		if payload.Citations == nil {
			t.Fatal("expected non-nil citations")
		}
	})
}
