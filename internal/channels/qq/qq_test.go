package qq

import (
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := New(config.QQConfig{AppID: "102001", Secret: "s", SplitThreshold: 6}, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(config.QQConfig{}, bus.New()); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestSegmentThreshold(t *testing.T) {
	ch := newTestChannel(t)
	if got := ch.SegmentThreshold(); got != 6 {
		t.Errorf("threshold = %d, want 6", got)
	}
}

func TestMarkSeenDedupes(t *testing.T) {
	ch := newTestChannel(t)
	if !ch.markSeen("m1") {
		t.Error("first sighting should pass")
	}
	if ch.markSeen("m1") {
		t.Error("duplicate should be dropped")
	}
}

func TestMarkSeenEvictsOldest(t *testing.T) {
	ch := newTestChannel(t)
	for i := 0; i <= dedupeLimit; i++ {
		ch.markSeen(fmt.Sprintf("m%d", i))
	}
	// m0 was evicted, so it reads as unseen again.
	if !ch.markSeen("m0") {
		t.Error("evicted ID should be accepted again")
	}
	if len(ch.seenList) > dedupeLimit+1 {
		t.Errorf("seen list grew unbounded: %d", len(ch.seenList))
	}
}

func TestNextSeqIncrementsPerMessage(t *testing.T) {
	ch := newTestChannel(t)
	if ch.nextSeq("a") != 1 || ch.nextSeq("a") != 2 {
		t.Error("sequence should increment per inbound message")
	}
	if ch.nextSeq("b") != 1 {
		t.Error("distinct messages get independent sequences")
	}
}

func TestReplyPath(t *testing.T) {
	if got := replyPath("openid123"); got != "/v2/users/openid123/messages" {
		t.Errorf("c2c path = %q", got)
	}
	if got := replyPath("group:g42"); got != "/v2/groups/g42/messages" {
		t.Errorf("group path = %q", got)
	}
}
