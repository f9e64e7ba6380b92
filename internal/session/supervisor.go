package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/pipeline"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/reasoning"
)

// State is one of the Session Supervisor's lifecycle states.
type State string

const (
	StateIdle           State = "idle"
	StateStarted        State = "started"
	StateTurnInProgress State = "turn_in_progress"
	StateEnded          State = "ended"
)

// ErrSessionEnded is returned by Turn once the session has transitioned
// to StateEnded, e.g. after the model emitted an end-of-conversation
// sentinel.
var ErrSessionEnded = errors.New("session has ended")

// Config holds the per-session tunables: the two deadlines, where
// SessionRecords are persisted, and the drain poll interval.
type Config struct {
	ReasoningTimeout time.Duration
	TTSWaitTimeout   time.Duration
	PersistDir       string
	DrainPollEvery   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReasoningTimeout: 60 * time.Second,
		TTSWaitTimeout:   30 * time.Second,
		PersistDir:       "sessions/",
		DrainPollEvery:   50 * time.Millisecond,
	}
}

// Supervisor owns one chat session end-to-end: the Reasoning Loop, the
// TTS Pipeline, and the conversation history between them.
type Supervisor struct {
	cfg       Config
	sessionID string
	modelID   string
	createdAt time.Time
	history   *core.ConversationHistory
	loop      *reasoning.Loop
	pipe      *pipeline.Pipeline
	interrupt *interrupt.Token
	store     *Store

	mu        sync.Mutex
	state     State
	turnCount int
}

// New constructs a Supervisor in StateIdle. systemPrompt seeds a fresh
// ConversationHistory; Start will overwrite it if a persisted record is
// found, re-supplying systemPrompt rather than persisting it.
func New(sessionID, modelID, systemPrompt string, loop *reasoning.Loop, pipe *pipeline.Pipeline, tok *interrupt.Token, cfg Config) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		sessionID: sessionID,
		modelID:   modelID,
		createdAt: time.Now(),
		history:   core.NewConversationHistory(systemPrompt),
		loop:      loop,
		pipe:      pipe,
		interrupt: tok,
		store:     NewStore(cfg.PersistDir),
		state:     StateIdle,
	}
}

// Start loads the most recent persisted SessionRecord (if any) into
// history, replaying its messages after the fresh system prompt, and
// starts the pipeline's worker/player goroutines.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, found, err := s.store.LoadLatest(); err != nil {
		log.Printf("session: failed to load persisted session, starting fresh: %v", err)
	} else if found {
		systemPrompt := s.history.SystemPrompt()
		s.history = core.NewConversationHistory(systemPrompt)
		for _, m := range rec.ConversationHistory {
			s.history.Append(m)
		}
		s.turnCount = rec.Turns
	}

	s.pipe.Start(ctx)
	s.state = StateStarted
	return nil
}

// Turn routes one user utterance through the Reasoning Loop and waits for
// the TTS pipeline to drain, enforcing the reasoning and TTS-drain
// deadlines.
func (s *Supervisor) Turn(ctx context.Context, userText string) (*core.Turn, error) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}
	s.state = StateTurnInProgress
	s.mu.Unlock()

	turnID := fmt.Sprintf("%s_turn_%d", s.sessionID, s.turnCount+1)
	s.pipe.ResetTurn()
	s.interrupt.Reset()

	reasonCtx, cancel := context.WithTimeout(ctx, s.cfg.ReasoningTimeout)
	defer cancel()

	type result struct {
		turn *core.Turn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		t, err := s.loop.RunTurn(reasonCtx, s.history, turnID, userText)
		resCh <- result{turn: t, err: err}
	}()

	var turn *core.Turn
	select {
	case r := <-resCh:
		turn = r.turn
	case <-reasonCtx.Done():
		s.interrupt.Raise()
		lastAssistant := s.history.LastCompletedAssistantIndex()
		s.history.TruncateAfter(lastAssistant)
		turn = &core.Turn{TurnID: turnID, UserText: userText, Outcome: core.OutcomeTimedOut, EndedAt: time.Now()}
	}

	if turn.Outcome == core.OutcomeCompleted || turn.Outcome == core.OutcomeTimedOut {
		drainCtx, drainCancel := context.WithTimeout(ctx, s.cfg.TTSWaitTimeout)
		drained := s.pipe.DrainTimeout(drainCtx, s.cfg.DrainPollEvery)
		drainCancel()
		if !drained {
			s.interrupt.Raise()
			turn.Outcome = core.OutcomeTimedOut
		}
	}

	s.turnCount++

	s.mu.Lock()
	if s.pipe.ShouldEnd() {
		s.state = StateEnded
	} else {
		s.state = StateStarted
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		log.Printf("session: persistence error (continuing): %v", err)
	}

	return turn, nil
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shutdown raises interrupt, waits briefly for player/workers to observe
// it, and persists history one last time.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.interrupt.Raise()
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	if err := s.persist(); err != nil {
		log.Printf("session: persistence error on shutdown (continuing): %v", err)
	}
	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
}

func (s *Supervisor) persist() error {
	rec := core.SessionRecord{
		SessionID:           s.sessionID,
		CreatedAt:           s.createdAt,
		ModelID:             s.modelID,
		Turns:               s.turnCount,
		ConversationHistory: s.history.Persistable(),
	}
	return s.store.Save(rec)
}
