// Package session implements the Session Supervisor: lifecycle, dual
// timeouts, and SessionRecord persistence, grounded on
// original_source/conversation_session.py's save_history/load_history.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/apperr"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
)

// Store persists and loads SessionRecords under a directory, one JSON
// file per session named session_<id>.json.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Save writes rec atomically: write to a temp file in the same
// directory, then rename over the final path, so a reader never observes
// a partially written file.
func (s *Store) Save(rec core.SessionRecord) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return apperr.PersistenceIO("failed to create session directory", err)
	}
	final := filepath.Join(s.Dir, fmt.Sprintf("session_%s.json", rec.SessionID))
	tmp := final + ".tmp"

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return apperr.PersistenceIO("failed to marshal session record", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.PersistenceIO("failed to write session temp file", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return apperr.PersistenceIO("failed to rename session temp file", err)
	}
	return nil
}

// LoadLatest returns the most recently modified SessionRecord in Dir, or
// (zero, false, nil) if none exist.
func (s *Store) LoadLatest() (core.SessionRecord, bool, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return core.SessionRecord{}, false, nil
		}
		return core.SessionRecord{}, false, apperr.PersistenceIO("failed to list session directory", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(s.Dir, e.Name()), modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return core.SessionRecord{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })

	data, err := os.ReadFile(candidates[0].path)
	if err != nil {
		return core.SessionRecord{}, false, apperr.PersistenceIO("failed to read session file", err)
	}
	var rec core.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return core.SessionRecord{}, false, apperr.PersistenceIO("failed to decode session file", err)
	}
	return rec, true, nil
}
