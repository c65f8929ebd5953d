package slack

import (
	"regexp"
	"strings"
)

var (
	mdBoldRe    = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	mdLinkRe    = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	mdStrikeRe  = regexp.MustCompile(`~~([^~\n]+)~~`)
)

// toMrkdwn rewrites standard markdown into Slack's mrkdwn dialect:
// **bold** becomes *bold*, [t](u) becomes <u|t>, headings become bold
// lines, ~~strike~~ becomes ~strike~. Code spans and fences pass
// through unchanged.
func toMrkdwn(text string) string {
	var out strings.Builder
	inFence := false
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			out.WriteString(line)
			continue
		}
		if inFence {
			out.WriteString(line)
			continue
		}
		line = mdBoldRe.ReplaceAllString(line, "*$1*")
		line = mdLinkRe.ReplaceAllString(line, "<$2|$1>")
		line = mdHeadingRe.ReplaceAllString(line, "*$1*")
		line = mdStrikeRe.ReplaceAllString(line, "~$1~")
		out.WriteString(line)
	}
	return out.String()
}
