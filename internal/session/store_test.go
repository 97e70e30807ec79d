package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s, path
}

func TestStore_PutGetRemove(t *testing.T) {
	s, _ := newTestStore(t)

	sess := &Session{TaskID: "t-1", Prompt: "do things", StartedAt: time.Now()}
	s.Put(sess)

	got, ok := s.Get("t-1")
	if !ok {
		t.Fatal("Get should find the stored session")
	}
	if got.Prompt != "do things" {
		t.Errorf("Prompt = %q", got.Prompt)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Put should stamp UpdatedAt")
	}

	s.Remove("t-1")
	if _, ok := s.Get("t-1"); ok {
		t.Error("Get should miss after Remove")
	}
	s.Remove("t-1") // idempotent
}

func TestStore_SaveAndReload(t *testing.T) {
	s, path := newTestStore(t)
	s.Put(&Session{TaskID: "t-1", Prompt: "first", StartedAt: time.Now()})
	s.Put(&Session{TaskID: "t-2", Prompt: "second", StartedAt: time.Now().Add(time.Second)})
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() reload error = %v", err)
	}
	if got := len(reloaded.List()); got != 2 {
		t.Fatalf("reloaded %d sessions, want 2", got)
	}
	sess, ok := reloaded.Get("t-1")
	if !ok || sess.Prompt != "first" {
		t.Errorf("reloaded t-1 = %+v, ok = %v", sess, ok)
	}
}

func TestStore_SaveCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "sessions.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	s.Put(&Session{TaskID: "t-1", StartedAt: time.Now()})
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("session file missing: %v", err)
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()
	s.Put(&Session{TaskID: "old", StartedAt: base.Add(-time.Hour)})
	s.Put(&Session{TaskID: "new", StartedAt: base})
	s.Put(&Session{TaskID: "mid", StartedAt: base.Add(-time.Minute)})

	var order []string
	for _, sess := range s.List() {
		order = append(order, sess.TaskID)
	}
	want := []string{"new", "mid", "old"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("List order = %v, want %v", order, want)
		}
	}
}

func TestStore_SetLastEvent(t *testing.T) {
	s, _ := newTestStore(t)
	s.Put(&Session{TaskID: "t-1", StartedAt: time.Now()})

	s.SetLastEvent("t-1", "taskCompleted")
	sess, _ := s.Get("t-1")
	if sess.LastEvent != "taskCompleted" {
		t.Errorf("LastEvent = %q", sess.LastEvent)
	}

	s.SetLastEvent("missing", "taskStarted") // unknown task is a no-op
}

func TestStore_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path); err == nil {
		t.Error("NewStore should fail on a corrupt session file")
	}
}

func TestDefaultPath_HonorsXDGStateHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	want := filepath.Join("/tmp/xdg-state", "taskbridge", "sessions.json")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}
