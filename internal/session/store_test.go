package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

func TestStore_SaveAndLoadLatestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	rec := core.SessionRecord{
		SessionID: "abc",
		CreatedAt: time.Now().Truncate(time.Second),
		ModelID:   "model-x",
		Turns:     2,
		ConversationHistory: []core.Message{
			{Role: core.RoleUser, Content: "hi"},
			{Role: core.RoleAssistant, Content: "hello"},
		},
	}

	if err := s.Save(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, found, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected a record to be found")
	}
	if loaded.SessionID != rec.SessionID || loaded.Turns != rec.Turns {
		t.Fatalf("expected loaded record to match saved, got %+v", loaded)
	}
	if len(loaded.ConversationHistory) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(loaded.ConversationHistory))
	}
}

func TestStore_LoadLatestOnMissingDirReturnsNotFound(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	_, found, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected found false for a missing directory")
	}
}

func TestStore_LoadLatestPicksMostRecentlyModified(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	old := core.SessionRecord{SessionID: "old", Turns: 1}
	if err := s.Save(old); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	newer := core.SessionRecord{SessionID: "newer", Turns: 9}
	if err := s.Save(newer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, found, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || loaded.SessionID != "newer" {
		t.Fatalf("expected the most recently saved record, got %+v", loaded)
	}
}

func TestStore_SaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Save(core.SessionRecord{SessionID: "abc"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("unexpected glob error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected the rename to leave no .tmp files, found %v", matches)
	}
}
