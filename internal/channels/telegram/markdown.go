package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*)\n?(.*?)```")
	inlineRe    = regexp.MustCompile("`([^`\n]+)`")
	boldRe      = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	italicRe    = regexp.MustCompile(`(^|[^*_\w])[*_]([^*_\n]+)[*_]`)
	linkRe      = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// markdownToHTML converts the markdown subset the agent emits into
// Telegram HTML. Everything is entity-escaped first so stray < and &
// in the reply cannot break the markup.
func markdownToHTML(text string) string {
	// Pull code blocks out before escaping inline markup inside them
	// is mangled.
	var blocks []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		code := codeBlockRe.FindStringSubmatch(m)[1]
		blocks = append(blocks, "<pre>"+html.EscapeString(strings.TrimRight(code, "\n"))+"</pre>")
		return fmt.Sprintf("\x00BLOCK%d\x00", len(blocks)-1)
	})

	text = html.EscapeString(text)

	text = inlineRe.ReplaceAllString(text, "<code>$1</code>")
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicRe.ReplaceAllString(text, "$1<i>$2</i>")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = headingRe.ReplaceAllString(text, "<b>$1</b>")

	for i, block := range blocks {
		text = strings.Replace(text, fmt.Sprintf("\x00BLOCK%d\x00", i), block, 1)
	}
	return text
}
