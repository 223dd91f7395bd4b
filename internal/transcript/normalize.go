// Package transcript cleans up speech-to-text output before it is shown or stored.
package transcript

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([,?.!;:])`)
	spaceAroundQuote = regexp.MustCompile(`\s*(['"’])\s*`)
	multiSpace       = regexp.MustCompile(`\s{2,}`)
)

// Normalize collapses whitespace, joins letter-by-letter runs ("c a t" -> "cat")
// and fixes spacing around punctuation, apostrophes and quotes.
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(s string) string {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return ""
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		if !isSingleLetter(tokens[i]) {
			out = append(out, tokens[i])
			i++
			continue
		}
		j := i
		var word strings.Builder
		for j < len(tokens) && isSingleLetter(tokens[j]) {
			word.WriteString(tokens[j])
			j++
		}
		out = append(out, word.String())
		i = j
	}

	s = strings.Join(out, " ")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = spaceAroundQuote.ReplaceAllString(s, "$1")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func isSingleLetter(token string) bool {
	if utf8.RuneCountInString(token) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(token)
	return unicode.IsLetter(r)
}
