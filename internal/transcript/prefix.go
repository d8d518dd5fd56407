package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Remainder returns the part of full not covered by covered.
//
// Coverage is decided on normalised text: whitespace runs collapse to one
// space, leading and trailing whitespace is dropped and letters are
// lower-cased. If normalised covered is not a prefix of normalised full,
// nothing is covered and full is returned unchanged. Otherwise the original
// strings are walked in lockstep, treating any whitespace run as equal to any
// other, and the untouched tail of the original full is returned.
func Remainder(full, covered string) string {
	nf, nc := normalize(full), normalize(covered)
	if nc == "" || !strings.HasPrefix(nf, nc) {
		return full
	}

	i := skipSpace(full, 0)
	for _, want := range nc {
		if i >= len(full) {
			break
		}
		if want == ' ' {
			i = skipSpace(full, i)
			continue
		}
		r, size := utf8.DecodeRuneInString(full[i:])
		if unicode.ToLower(r) != want {
			break
		}
		i += size
	}
	return full[i:]
}

// NormalizedLen returns the rune length of s after whitespace normalisation.
func NormalizedLen(s string) int {
	return utf8.RuneCountInString(normalize(s))
}

// Segments splits an assistant message into what has been heard, what has
// been synthesised but not yet heard, and what is still waiting for synthesis.
// Concatenating the three yields the original content.
type Segments struct {
	Spoken      string
	Synthesized string
	Pending     string
}

// Split derives display [Segments] from a message's content and its
// synthesized and spoken cursors.
func Split(content, synthesized, spoken string) Segments {
	afterSpoken := Remainder(content, spoken)
	afterSynth := Remainder(content, synthesized)
	if len(afterSynth) > len(afterSpoken) {
		// Synthesis cursor behind the spoken cursor: treat as fully synthesised.
		afterSynth = afterSpoken
	}
	return Segments{
		Spoken:      content[:len(content)-len(afterSpoken)],
		Synthesized: afterSpoken[:len(afterSpoken)-len(afterSynth)],
		Pending:     afterSynth,
	}
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}
