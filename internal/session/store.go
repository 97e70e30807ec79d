// Package session persists CLI-side task bookkeeping: a JSON file mapping
// task IDs to the metadata needed by ls and attach. The relay daemon never
// reads this file.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Session is the persisted metadata for one started task.
type Session struct {
	TaskID           string    `json:"task_id"`
	Prompt           string    `json:"prompt"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	ClientID         string    `json:"client_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	LastEvent        string    `json:"last_event,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultPath returns the session file location, honoring XDG_STATE_HOME.
func DefaultPath() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "taskbridge", "sessions.json")
		}
		stateDir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateDir, "taskbridge", "sessions.json")
}

// Store is a file-backed session map.
type Store struct {
	path string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates a store backed by path (DefaultPath when empty) and loads
// any existing file. A missing file is not an error.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	s := &Store{
		path:     path,
		sessions: make(map[string]*Session),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read session file: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return fmt.Errorf("failed to parse session file %s: %w", s.path, err)
	}
	return nil
}

// Save writes the session map atomically (write temp file, then rename).
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Put adds or replaces a session.
func (s *Store) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = time.Now()
	s.sessions[sess.TaskID] = sess
}

// Get returns the session for taskID, if any.
func (s *Store) Get(taskID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[taskID]
	return sess, ok
}

// Remove deletes a session. Idempotent.
func (s *Store) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, taskID)
}

// List returns all sessions, newest first.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// SetLastEvent records the most recent event name for a task.
func (s *Store) SetLastEvent(taskID, eventName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[taskID]; ok {
		sess.LastEvent = eventName
		sess.UpdatedAt = time.Now()
	}
}
