package recorder

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
)

func openTest(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndRecent(t *testing.T) {
	r := openTest(t)

	r.RecordInbound(bus.InboundMessage{
		Channel: "telegram", ChatID: "42", SenderID: "7|alice", Content: "hello",
	})
	r.RecordOutbound(bus.OutboundMessage{
		Channel: "telegram", ChatID: "42", Content: "hi there",
	})

	entries, err := r.Recent("telegram", "42", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Direction != "inbound" || entries[0].Content != "hello" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Direction != "outbound" || entries[1].Content != "hi there" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestRecentLimitsAndScopes(t *testing.T) {
	r := openTest(t)

	for i := 0; i < 5; i++ {
		r.RecordInbound(bus.InboundMessage{Channel: "qq", ChatID: "1", Content: "m"})
	}
	r.RecordInbound(bus.InboundMessage{Channel: "qq", ChatID: "2", Content: "other"})

	entries, err := r.Recent("qq", "1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.ChatID != "1" {
			t.Errorf("entry leaked from another chat: %+v", e)
		}
	}
}
