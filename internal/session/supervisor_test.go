package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/llm"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/pipeline"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/reasoning"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/tools"
)

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return []byte{1, 2}, nil
}

type fakePlayer struct{}

func (fakePlayer) Play(ctx context.Context, samples []byte) error { return nil }
func (fakePlayer) Stop()                                          {}
func (fakePlayer) IsPlaying() bool                                { return false }

func writeSSE(w http.ResponseWriter, lines ...string) {
	for _, l := range lines {
		fmt.Fprintf(w, "%s\n", l)
	}
}

func newTestSupervisor(t *testing.T, persistDir string, handler http.HandlerFunc) (*Supervisor, func()) {
	srv := httptest.NewServer(handler)
	tok := interrupt.New()
	pipe := pipeline.New(pipeline.DefaultConfig(), fakeSynth{}, fakePlayer{}, tok)
	loop := &reasoning.Loop{
		Client:    llm.NewClient(srv.URL, "key", "model-x"),
		Registry:  tools.NewRegistry(),
		Pipe:      pipe,
		Interrupt: tok,
	}
	cfg := DefaultConfig()
	cfg.PersistDir = persistDir
	cfg.ReasoningTimeout = time.Second
	cfg.TTSWaitTimeout = time.Second
	cfg.DrainPollEvery = 2 * time.Millisecond
	sup := New("sess-1", "model-x", "be terse", loop, pipe, tok, cfg)
	return sup, srv.Close
}

func TestSupervisor_StartWithNoPersistedRecord(t *testing.T) {
	sup, closeSrv := newTestSupervisor(t, t.TempDir(), func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sup.State() != StateStarted {
		t.Fatalf("expected StateStarted, got %s", sup.State())
	}
}

func TestSupervisor_TurnCompletesAndPersists(t *testing.T) {
	dir := t.TempDir()
	sup, closeSrv := newTestSupervisor(t, dir, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`data: {"choices":[{"delta":{"content":"hi there"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		)
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turn, err := sup.Turn(ctx, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.Outcome != core.OutcomeCompleted {
		t.Fatalf("expected OutcomeCompleted, got %s", turn.Outcome)
	}
	if sup.State() != StateStarted {
		t.Fatalf("expected session to remain StateStarted after a normal turn, got %s", sup.State())
	}

	store := NewStore(dir)
	_, found, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected the turn to have persisted a session record")
	}
}

func TestSupervisor_TurnEndsSessionOnControlSentinel(t *testing.T) {
	sup, closeSrv := newTestSupervisor(t, t.TempDir(), func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`data: {"choices":[{"delta":{"content":"bye now. END_CONVERSATION"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		)
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sup.Turn(ctx, "goodbye"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sup.State() != StateEnded {
		t.Fatalf("expected StateEnded after a control sentinel, got %s", sup.State())
	}

	_, err := sup.Turn(ctx, "are you still there?")
	if err != ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestSupervisor_TurnTimesOutWhenReasoningStalls(t *testing.T) {
	sup, closeSrv := newTestSupervisor(t, t.TempDir(), func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})
	defer closeSrv()
	sup.cfg.ReasoningTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	turn, err := sup.Turn(ctx, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.Outcome != core.OutcomeTimedOut {
		t.Fatalf("expected OutcomeTimedOut, got %s", turn.Outcome)
	}
}

func TestSupervisor_StartReplaysPersistedHistory(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Save(core.SessionRecord{
		SessionID: "sess-1",
		Turns:     3,
		ConversationHistory: []core.Message{
			{Role: core.RoleUser, Content: "earlier question"},
			{Role: core.RoleAssistant, Content: "earlier answer"},
		},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sup, closeSrv := newTestSupervisor(t, dir, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := sup.history.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected system prompt + 2 replayed messages, got %d", len(msgs))
	}
	if sup.turnCount != 3 {
		t.Fatalf("expected turnCount restored from persisted record, got %d", sup.turnCount)
	}
}
