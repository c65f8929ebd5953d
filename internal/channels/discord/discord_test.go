package discord

import (
	"testing"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(config.DiscordConfig{}, bus.New()); err == nil {
		t.Error("expected error without token")
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<@999> hello", "hello"},
		{"<@!999> hello", "hello"},
		{"hello <@999> there", "hello  there"},
		{"no mention", "no mention"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in, "999"); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
