package readers

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	paragraphRe  = regexp.MustCompile(`\n\s*\n`)
)

// CleanText strips HTML tags and collapses every whitespace run into a single space.
func CleanText(text string) string {
	text = htmlTagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// Paragraphs splits text on blank lines and cleans each paragraph. Empty paragraphs are dropped.
func Paragraphs(text string) []string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if p = CleanText(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

func longerThan(s string, n int) bool {
	return utf8.RuneCountInString(s) > n
}
