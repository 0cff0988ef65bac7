// Package sanitize cleans free text that leaves the system, such as the
// variables a voice agent reads aloud.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
)

// StripHTML removes tags, decodes the common entities and strips again so
// encoded tags do not survive.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = entityReplacer.Replace(result)
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// Spoken prepares a value for text-to-speech: markup removed, whitespace
// collapsed to single spaces and the result cut to maxRunes.
func Spoken(s string, maxRunes int) string {
	result := whitespaceRegex.ReplaceAllString(StripHTML(s), " ")
	if maxRunes > 0 {
		if r := []rune(result); len(r) > maxRunes {
			result = strings.TrimSpace(string(r[:maxRunes]))
		}
	}
	return result
}
