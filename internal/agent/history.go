package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// historyMaxTurns caps how many trailing history entries are replayed
	// into a recovered session.
	historyMaxTurns = 20

	// user turns outside this length range are noise (bare acks, pasted
	// walls of context) and are skipped.
	historyUserMin = 2
	historyUserMax = 2000

	// model turns longer than this are truncated.
	historyModelMax = 3000

	userMessageMarker = "用户消息:"
)

type sessionFile struct {
	CreatedAt   string             `json:"createdAt"`
	ChatHistory []sessionHistEntry `json:"chatHistory"`
}

type sessionHistEntry struct {
	Role      string            `json:"role"`
	Timestamp string            `json:"timestamp"`
	Parts     []sessionHistPart `json:"parts"`
}

type sessionHistPart struct {
	Text string `json:"text"`
}

// sessionHistoryPath locates the agent's on-disk record for a session.
// Returns "" when the file does not exist.
func sessionHistoryPath(sessionID string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".iflow", "acp", "sessions", sessionID+".json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// extractConversationHistory rebuilds a compact transcript from the
// agent's session record, for replay into a freshly created session after
// the old one was invalidated server side. Returns "" when nothing usable
// survives filtering.
func extractConversationHistory(sessionID string) string {
	path := sessionHistoryPath(sessionID)
	if path == "" {
		slog.Debug("session history file not found", "session", sessionID)
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read session history", "error", err)
		return ""
	}
	history := historyFromJSON(data)
	if history != "" {
		slog.Info("extracted conversation history", "session", sessionID)
	}
	return history
}

// historyFromJSON rebuilds the replay transcript from a raw session
// record.
func historyFromJSON(data []byte) string {
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		slog.Warn("failed to parse session history", "error", err)
		return ""
	}
	if len(sf.ChatHistory) == 0 {
		return ""
	}

	entries := sf.ChatHistory
	if len(entries) > historyMaxTurns {
		entries = entries[len(entries)-historyMaxTurns:]
	}

	var turns []string
	for _, entry := range entries {
		var sb strings.Builder
		for _, part := range entry.Parts {
			if part.Text != "" {
				sb.WriteString(part.Text)
				sb.WriteString("\n")
			}
		}
		fullText := sb.String()
		if strings.TrimSpace(fullText) == "" {
			continue
		}

		switch entry.Role {
		case "user":
			idx := strings.Index(fullText, userMessageMarker)
			if idx < 0 {
				continue
			}
			content := strings.TrimSpace(fullText[idx+len(userMessageMarker):])
			if n := utf8.RuneCountInString(content); n < historyUserMin || n > historyUserMax {
				continue
			}
			ts := entry.Timestamp
			if ts == "" {
				ts = sf.CreatedAt
			}
			turns = append(turns, formatHistoryTime(ts)+"\n用户："+content)

		case "model":
			content := strings.TrimSpace(fullText)
			// Limits count characters, not bytes: the content is mostly
			// CJK and a byte slice would split a rune.
			if r := []rune(content); len(r) > historyModelMax {
				content = string(r[:historyModelMax]) + "..."
			}
			if strings.Contains(content, "<system-reminder>") ||
				strings.Contains(content, "[AGENTS - 工作空间指南]") {
				continue
			}
			if utf8.RuneCountInString(content) > 10 {
				turns = append(turns, "我："+content)
			}
		}
	}

	if len(turns) == 0 {
		return ""
	}
	return "<history_context>\n" + strings.Join(turns, "\n\n") + "\n</history_context>"
}

// formatHistoryTime renders an RFC 3339-ish timestamp as a local-style
// date line, or "" when it does not parse.
func formatHistoryTime(ts string) string {
	if ts == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
	}
	return ""
}

// spliceHistory injects a recovered transcript into the outgoing message,
// immediately before the user-message marker when present so the replayed
// context reads as background rather than as the current request.
func spliceHistory(message, history string) string {
	if history == "" {
		return message
	}
	if idx := strings.Index(message, userMessageMarker); idx >= 0 {
		return message[:idx] + history + "\n\n" + message[idx:]
	}
	return history + "\n\n" + message
}
