package router

import (
	"regexp"
	"strings"
)

var (
	mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(?:\|[^>]*)?>`)
	spaceRun       = regexp.MustCompile(`[ \t]{2,}`)
)

// StripMentions removes platform mention markup such as <@U123ABC> and trims the result.
func StripMentions(text string) string {
	text = mentionPattern.ReplaceAllString(text, "")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
