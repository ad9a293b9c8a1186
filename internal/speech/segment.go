package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// isHardDelimiter reports delimiters that always end a segment.
func isHardDelimiter(r rune) bool {
	switch r {
	case '。', '．', '！', '？', '\n':
		return true
	}
	return false
}

// isSoftDelimiter reports ASCII punctuation that ends a segment only when
// followed by whitespace, another delimiter or the end of the text, so
// that "3.14" and "example.com" stay whole.
func isSoftDelimiter(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isDelimiter(r rune) bool { return isHardDelimiter(r) || isSoftDelimiter(r) }

// SplitSegments cuts text into sentences. Each delimiter stays with the
// sentence it ends and runs of delimiters ("！？", "...") stay together.
// Segments are trimmed and segments without any letter or digit are
// dropped.
func SplitSegments(text string) []string {
	var (
		segs  []string
		start int
	)
	flush := func(end int) {
		if s := strings.TrimSpace(text[start:end]); hasContent(s) {
			segs = append(segs, s)
		}
		start = end
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		if !isDelimiter(r) {
			i = next
			continue
		}
		if isSoftDelimiter(r) && next < len(text) {
			nr, _ := utf8.DecodeRuneInString(text[next:])
			if !unicode.IsSpace(nr) && !isDelimiter(nr) {
				i = next
				continue
			}
		}
		// Absorb the rest of a delimiter run.
		for next < len(text) {
			nr, nsize := utf8.DecodeRuneInString(text[next:])
			if !isDelimiter(nr) {
				break
			}
			next += nsize
		}
		flush(next)
		i = next
	}
	flush(len(text))
	return segs
}

func hasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

// Truncate shortens text to at most limit runes and appends suffix when
// anything was cut. A limit of zero or less disables truncation.
func Truncate(text string, limit int, suffix string) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i] + suffix
		}
		n++
	}
	return text
}
