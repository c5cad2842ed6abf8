package retrieval

import (
	"strings"
	"unicode"
)

const (
	DefaultSnippetSize = 400
	ellipsis           = "..."
)

// Snippet returns a window of at most size characters of text, centered on the
// first query token (3+ characters) found in it, or a prefix when none is found.
func Snippet(text, query string, size int) string {
	if size <= 0 {
		size = DefaultSnippetSize
	}
	runes := []rune(text)
	if len(runes) <= size {
		return text
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	pos, tokLen := -1, 0
	for _, tok := range queryTokens(query) {
		if i := indexRunes(lower, []rune(tok)); i >= 0 {
			pos, tokLen = i, len([]rune(tok))
			break
		}
	}
	if pos < 0 {
		return string(runes[:size]) + ellipsis
	}

	start := pos + tokLen/2 - size/2
	if start < 0 {
		start = 0
	}
	if start > len(runes)-size {
		start = len(runes) - size
	}
	end := start + size

	var sb strings.Builder
	if start > 0 {
		sb.WriteString(ellipsis)
	}
	sb.WriteString(string(runes[start:end]))
	if end < len(runes) {
		sb.WriteString(ellipsis)
	}
	return sb.String()
}

func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func indexRunes(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
