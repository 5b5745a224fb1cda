package consensus

import (
	"strings"
	"unicode"
)

// Normalize folds case, collapses whitespace and trims trailing punctuation so
// that answers differing only in formatting compare equal.
func Normalize(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != ')' && r != ']' && r != '"'
	})
}

// Equivalent reports whether two answers are textually equivalent.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Statement is one claim extracted from an agent's content.
type Statement struct {
	Text       string // as written, minus list markers
	Normalized string
	Key        string // normalized text before the first ':' when present
	Value      string // normalized text after the first ':'
}

// Extract splits content into statements, one per non-empty line. Markdown
// list markers and headings are dropped.
func Extract(content string) []Statement {
	var out []Statement
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		text := stripMarker(strings.TrimSpace(line))
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "```") {
			continue
		}
		st := Statement{Text: text, Normalized: Normalize(text)}
		if st.Normalized == "" || seen[st.Normalized] {
			continue
		}
		seen[st.Normalized] = true
		if i := strings.Index(text, ":"); i > 0 && i < len(text)-1 {
			key, value := Normalize(text[:i]), Normalize(text[i+1:])
			if key != "" && value != "" && len(strings.Fields(key)) <= 8 {
				st.Key, st.Value = key, value
			}
		}
		out = append(out, st)
	}
	return out
}

func stripMarker(s string) string {
	switch {
	case strings.HasPrefix(s, "- "), strings.HasPrefix(s, "* "), strings.HasPrefix(s, "+ "):
		return strings.TrimSpace(s[2:])
	}
	// Numbered lists: "1. x" or "1) x".
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(s) && (s[i] == '.' || s[i] == ')') && s[i+1] == ' ' {
		return strings.TrimSpace(s[i+2:])
	}
	return s
}

var negations = map[string]bool{
	"no": true, "not": true, "never": true,
	"don't": true, "dont": true, "doesn't": true, "doesnt": true,
	"cannot": true, "can't": true, "won't": true, "shouldn't": true, "mustn't": true,
}

// polarity strips negation words from a normalized statement. It returns the
// remaining core and whether an odd number of negations was removed.
func polarity(normalized string) (core string, negated bool) {
	words := strings.Fields(normalized)
	kept := words[:0:0]
	n := 0
	for i, w := range words {
		if negations[w] {
			n++
			continue
		}
		// "do not" / "does not": the auxiliary goes with the negation.
		if (w == "do" || w == "does") && i+1 < len(words) && words[i+1] == "not" {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " "), n%2 == 1
}
