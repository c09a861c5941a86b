package transform

import (
	"strings"

	"golang.org/x/net/html"
)

// StripTags removes HTML markup from s, preserving text content and
// collapsing runs of whitespace to single spaces. Character references are
// decoded. Plain text passes through unchanged apart from whitespace
// normalization.
func StripTags(s string) string {
	if s == "" {
		return ""
	}

	tok := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(tok.Text())
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
