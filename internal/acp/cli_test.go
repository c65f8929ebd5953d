package acp

import (
	"testing"
)

func TestFilterProgressOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "passes plain text",
			in:   "Here is the answer.\nSecond line.",
			want: "Here is the answer.\nSecond line.",
		},
		{
			name: "strips execution info block",
			in:   "before\n<Execution Info>\ntool: bash\nexit: 0\n</Execution Info>\nafter",
			want: "before\nafter",
		},
		{
			name: "strips fullwidth execution info block",
			in:   "before\n〈Execution Info〉\nnoise\n〈/Execution Info〉\nafter",
			want: "before\nafter",
		},
		{
			name: "strips progress markers",
			in:   "Thinking...\n正在思考...\nProcessing...\nresult",
			want: "result",
		},
		{
			name: "strips bracketed status lines",
			in:   "[tool call: read_file]\nanswer\n[done]",
			want: "answer",
		},
		{
			name: "strips resume banner",
			in:   "ℹ️ Resuming session session-abc\nhello",
			want: "hello",
		},
		{
			name: "keeps lines that only start with bracket",
			in:   "[1] first item has no closing bracket here",
			want: "[1] first item has no closing bracket here",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filterProgressOutput(tt.in); got != tt.want {
				t.Errorf("filterProgressOutput(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSessionIDExtraction(t *testing.T) {
	out := `some log line
{"session-id": "session-20260101-abcdef", "model": "x"}
trailing`
	m := sessionIDPattern.FindStringSubmatch(out)
	if m == nil {
		t.Fatal("session id not extracted")
	}
	if m[1] != "session-20260101-abcdef" {
		t.Errorf("extracted %q", m[1])
	}

	if sessionIDPattern.FindStringSubmatch("no session here") != nil {
		t.Error("false positive on plain text")
	}
}
