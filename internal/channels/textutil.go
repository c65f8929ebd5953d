package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// SplitMessage splits content into chunks of at most limit runes.
// Splits prefer the last newline in the window, then the last space,
// then a hard cut. Platform length limits vary (Telegram 4000,
// Discord 2000, Slack 40000).
func SplitMessage(content string, limit int) []string {
	if limit <= 0 || len([]rune(content)) <= limit {
		return []string{content}
	}

	var chunks []string
	runes := []rune(content)
	for len(runes) > limit {
		window := runes[:limit]
		cut := limit

		if idx := lastIndexRune(window, '\n'); idx > 0 {
			cut = idx
		} else if idx := lastIndexRune(window, ' '); idx > 0 {
			cut = idx
		}

		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n "))
		// Skip the separator itself
		for cut < len(runes) && (runes[cut] == '\n' || runes[cut] == ' ') {
			cut++
		}
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// Truncate shortens s to at most width display cells for log previews.
// CJK-aware: wide runes count as two cells.
func Truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
