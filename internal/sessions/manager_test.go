package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSetGetClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m := NewManager(path)

	key := BuildKey("telegram", "42")
	if got := m.Get(key); got != "" {
		t.Errorf("Get on empty map = %q", got)
	}

	if err := m.Set(key, "sess-abc"); err != nil {
		t.Fatal(err)
	}
	if got := m.Get(key); got != "sess-abc" {
		t.Errorf("Get = %q, want sess-abc", got)
	}

	prev, err := m.Clear(key)
	if err != nil {
		t.Fatal(err)
	}
	if prev != "sess-abc" {
		t.Errorf("Clear returned %q, want sess-abc", prev)
	}
	if got := m.Get(key); got != "" {
		t.Errorf("Get after Clear = %q", got)
	}
}

func TestClearMissingKey(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "sessions.json"))
	prev, err := m.Clear("telegram:missing")
	if err != nil {
		t.Fatal(err)
	}
	if prev != "" {
		t.Errorf("Clear of missing key returned %q", prev)
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	m := NewManager(path)
	if err := m.Set("dingtalk:cid1", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("qq:999", "sess-2"); err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(path)
	if got := m2.Get("dingtalk:cid1"); got != "sess-1" {
		t.Errorf("reloaded Get = %q, want sess-1", got)
	}
	if m2.Len() != 2 {
		t.Errorf("reloaded Len = %d, want 2", m2.Len())
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0 for corrupt file", m.Len())
	}

	// First write replaces the corrupt file with valid JSON.
	if err := m.Set("slack:C1", "sess-x"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("rewritten file is not valid JSON: %v", err)
	}
	if parsed["slack:C1"] != "sess-x" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "sessions.json"))
	if err := m.Set("email:a@b.c", "sess-1"); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	snap["email:a@b.c"] = "mutated"

	if got := m.Get("email:a@b.c"); got != "sess-1" {
		t.Errorf("snapshot mutation leaked into manager: %q", got)
	}
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key     string
		channel string
		chatID  string
	}{
		{"telegram:42", "telegram", "42"},
		{"cron:job-1", "cron", "job-1"},
		{"heartbeat", "heartbeat", ""},
		{"mochat:room:7", "mochat", "room:7"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			ch, id := SplitKey(tt.key)
			if ch != tt.channel || id != tt.chatID {
				t.Errorf("SplitKey(%q) = (%q, %q), want (%q, %q)", tt.key, ch, id, tt.channel, tt.chatID)
			}
		})
	}
}
