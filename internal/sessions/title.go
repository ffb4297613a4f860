package sessions

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxTitleRunes is the longest title stored for a chat.
const MaxTitleRunes = 80

// DefaultTitle names a chat whose first message has no usable text.
const DefaultTitle = "New chat"

// FallbackTitle derives a title from the first non-blank line of message,
// NFC-normalized, whitespace-collapsed and cut to MaxTitleRunes.
func FallbackTitle(message string) string {
	for _, line := range strings.Split(norm.NFC.String(message), "\n") {
		if title := clampTitle(line); title != "" {
			return title
		}
	}
	return DefaultTitle
}

// clampTitle collapses whitespace and truncates to MaxTitleRunes runes.
func clampTitle(s string) string {
	s = strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
	runes := []rune(s)
	if len(runes) > MaxTitleRunes {
		s = strings.TrimRightFunc(string(runes[:MaxTitleRunes]), unicode.IsSpace)
	}
	return s
}
