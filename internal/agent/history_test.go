package agent

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestHistoryFromJSON(t *testing.T) {
	data := `{
		"createdAt": "2026-01-10T08:00:00Z",
		"chatHistory": [
			{"role":"user","timestamp":"2026-01-10T09:30:00Z","parts":[{"text":"[message_source]\nchannel: telegram\n[/message_source]\n\n用户消息: 帮我查一下天气"}]},
			{"role":"model","parts":[{"text":"今天晴，气温 22 度，适合出门。"}]},
			{"role":"user","parts":[{"text":"no marker in this one"}]},
			{"role":"model","parts":[{"text":"ok"}]},
			{"role":"model","parts":[{"text":"<system-reminder>internal note</system-reminder> plus more text here"}]}
		]
	}`

	got := historyFromJSON([]byte(data))
	if got == "" {
		t.Fatal("expected history")
	}
	if !strings.HasPrefix(got, "<history_context>\n") || !strings.HasSuffix(got, "\n</history_context>") {
		t.Errorf("missing wrapper:\n%s", got)
	}
	if !strings.Contains(got, "2026-01-10 09:30:00\n用户：帮我查一下天气") {
		t.Errorf("user turn missing or misformatted:\n%s", got)
	}
	if !strings.Contains(got, "我：今天晴") {
		t.Errorf("model turn missing:\n%s", got)
	}
	if strings.Contains(got, "no marker") {
		t.Error("user turn without marker should be skipped")
	}
	if strings.Contains(got, "我：ok") {
		t.Error("short model turn should be skipped")
	}
	if strings.Contains(got, "system-reminder") {
		t.Error("system-reminder turns should be skipped")
	}
}

func TestHistoryFromJSONFiltersUserLength(t *testing.T) {
	long := strings.Repeat("x", 2001)
	data := `{"chatHistory":[
		{"role":"user","parts":[{"text":"用户消息: a"}]},
		{"role":"user","parts":[{"text":"用户消息: ` + long + `"}]}
	]}`
	if got := historyFromJSON([]byte(data)); got != "" {
		t.Errorf("out-of-range user turns should yield empty history, got:\n%s", got)
	}
}

func TestHistoryFromJSONTruncatesModelTurns(t *testing.T) {
	long := strings.Repeat("y", 3500)
	data := `{"chatHistory":[{"role":"model","parts":[{"text":"` + long + `"}]}]}`
	got := historyFromJSON([]byte(data))
	if !strings.Contains(got, strings.Repeat("y", 3000)+"...") {
		t.Error("long model turn not truncated")
	}
	if strings.Contains(got, strings.Repeat("y", 3001)) {
		t.Error("model turn exceeds truncation limit")
	}
}

func TestHistoryFromJSONKeepsLastTwenty(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"chatHistory":[`)
	for i := 0; i < 30; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"role":"model","parts":[{"text":"turn number `)
		sb.WriteString(strings.Repeat("z", 10))
		sb.WriteString(string(rune('a' + i)))
		sb.WriteString(`"}]}`)
	}
	sb.WriteString(`]}`)

	got := historyFromJSON([]byte(sb.String()))
	if n := strings.Count(got, "我："); n != 20 {
		t.Errorf("kept %d turns, want 20", n)
	}
	if strings.Contains(got, "turn number zzzzzzzzzza") {
		t.Error("oldest turn should have been dropped")
	}
}

func TestHistoryFromJSONInvalid(t *testing.T) {
	if got := historyFromJSON([]byte("not json")); got != "" {
		t.Errorf("invalid json should yield empty history, got %q", got)
	}
	if got := historyFromJSON([]byte(`{"chatHistory":[]}`)); got != "" {
		t.Errorf("empty history should yield empty string, got %q", got)
	}
}

func TestHistoryFromJSONTruncatesModelTurnsByRune(t *testing.T) {
	// 3500 three-byte runes: a byte-indexed cut would land mid-rune and
	// keep only 1000 characters.
	long := strings.Repeat("汉", 3500)
	data := `{"chatHistory":[{"role":"model","parts":[{"text":"` + long + `"}]}]}`
	got := historyFromJSON([]byte(data))

	if !utf8.ValidString(got) {
		t.Fatal("truncation produced invalid UTF-8")
	}
	if !strings.Contains(got, strings.Repeat("汉", 3000)+"...") {
		t.Error("model turn not truncated at 3000 characters")
	}
	if strings.Contains(got, strings.Repeat("汉", 3001)) {
		t.Error("model turn exceeds the character limit")
	}
}

func TestHistoryFromJSONUserLengthCountsRunes(t *testing.T) {
	// 2000 CJK characters is within the user limit even though it is
	// 6000 bytes.
	msg := strings.Repeat("问", 2000)
	data := `{"chatHistory":[{"role":"user","parts":[{"text":"用户消息: ` + msg + `"}]}]}`
	got := historyFromJSON([]byte(data))
	if !strings.Contains(got, "用户："+msg) {
		t.Error("2000-character user turn should be kept")
	}
}
