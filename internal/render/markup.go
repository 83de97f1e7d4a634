package render

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"gwi.com/report-studio/internal/report"
)

type TokenKind int

const (
	TokenText TokenKind = iota
	TokenChart
)

type Token struct {
	Kind  TokenKind
	Value string // text, or the chart id
}

// Tokenize splits markup into alternating text and chart-id tokens in a
// single pass over the placeholder pattern.
func Tokenize(markdown string) []Token {
	matches := report.PlaceholderRegex.FindAllStringSubmatchIndex(markdown, -1)
	tokens := make([]Token, 0, 2*len(matches)+1)
	last := 0
	for _, m := range matches {
		tokens = append(tokens, Token{Kind: TokenText, Value: markdown[last:m[0]]})
		tokens = append(tokens, Token{Kind: TokenChart, Value: markdown[m[2]:m[3]]})
		last = m[1]
	}
	tokens = append(tokens, Token{Kind: TokenText, Value: markdown[last:]})
	return tokens
}

// narrativePolicy keeps ordinary formatting and drops scripts, event
// handlers and script URLs from model-written text.
var narrativePolicy = bluemonday.UGCPolicy()

var (
	h1Regex = regexp.MustCompile(`(?m)^# (.*)$`)
	h2Regex = regexp.MustCompile(`(?m)^## (.*)$`)
	h3Regex = regexp.MustCompile(`(?m)^### (.*)$`)
)

// translateMarkup applies the minimal formatting supported in narrative
// text: three heading levels and line breaks. Other markup passes through
// once sanitized.
func translateMarkup(text string) string {
	text = narrativePolicy.Sanitize(text)
	text = h1Regex.ReplaceAllString(text, `<h1>$1</h1>`)
	text = h2Regex.ReplaceAllString(text, `<h2>$1</h2>`)
	text = h3Regex.ReplaceAllString(text, `<h3>$1</h3>`)
	text = strings.ReplaceAll(text, "</p><p>", "<br/>")
	return strings.ReplaceAll(text, "\n", "<br />")
}
