// Package sanitizer cleans transcript fragments before they reach the caller.
package sanitizer

import (
	"strings"
	"unicode"
)

// Single-word fillers, matched case-insensitively as whole words.
var fillerWords = map[string]bool{
	"um": true, "umm": true, "uh": true, "uhh": true, "uhm": true,
	"er": true, "erm": true, "ah": true, "hmm": true, "mm": true,
	"mhm": true, "right": true,
}

// Two-word fillers.
var fillerPhrases = [][2]string{
	{"you", "know"},
	{"i", "mean"},
}

// StripFillers removes filler words and phrases, the commas that set them off and
// immediate stuttered repeats, and collapses whitespace. It is idempotent.
func StripFillers(text string) string {
	out := strings.Join(strings.Fields(text), " ")
	for {
		next := stripOnce(out)
		if next == out {
			return out
		}
		out = next
	}
}

type token struct {
	raw   string
	core  string // lowercase, surrounding punctuation removed
	trail string // trailing punctuation
}

func tokenize(text string) []token {
	fields := strings.Fields(text)
	toks := make([]token, 0, len(fields))
	for _, f := range fields {
		body := strings.TrimRightFunc(f, unicode.IsPunct)
		toks = append(toks, token{
			raw:   f,
			core:  strings.ToLower(strings.TrimLeftFunc(body, unicode.IsPunct)),
			trail: f[len(body):],
		})
	}
	return toks
}

func stripOnce(text string) string {
	toks := tokenize(text)
	kept := make([]token, 0, len(toks))

	for i := 0; i < len(toks); i++ {
		n, trail := fillerAt(toks, i)
		if n == 0 {
			kept = append(kept, toks[i])
			continue
		}
		i += n - 1
		if len(kept) == 0 {
			continue
		}
		prev := &kept[len(kept)-1]
		switch {
		case hasTerminal(trail):
			// The filler ended the sentence; the previous word takes its punctuation.
			prev.setTrail(terminalOf(trail))
		case strings.ContainsRune(trail, ',') || strings.HasSuffix(prev.trail, ","):
			prev.setTrail(strings.TrimRight(prev.trail, ","))
		}
	}

	kept = dedupe(kept)

	parts := make([]string, 0, len(kept))
	for _, t := range kept {
		if t.raw != "" {
			parts = append(parts, t.raw)
		}
	}
	return strings.Join(parts, " ")
}

// fillerAt reports how many tokens starting at i form a filler, and the trailing
// punctuation of the last of them.
func fillerAt(toks []token, i int) (int, string) {
	if i+1 < len(toks) && toks[i].trail == "" {
		for _, p := range fillerPhrases {
			if toks[i].core == p[0] && toks[i+1].core == p[1] {
				return 2, toks[i+1].trail
			}
		}
	}
	if fillerWords[toks[i].core] {
		return 1, toks[i].trail
	}
	return 0, ""
}

// Short function words speakers restart on. Other repeats are kept, since
// "had had" or "very very" are usually meant.
var stutterWords = map[string]bool{
	"the": true, "a": true, "an": true, "i": true, "it": true, "we": true,
	"you": true, "he": true, "she": true, "they": true, "my": true,
	"so": true, "and": true, "but": true, "or": true, "if": true,
	"to": true, "of": true, "in": true, "on": true, "like": true, "well": true,
}

// dedupe collapses immediate repeats of stutter words ("the the" -> "the"). The
// later copy is kept so trailing punctuation survives.
func dedupe(toks []token) []token {
	out := toks[:0]
	for _, t := range toks {
		if n := len(out); n > 0 && stutterWords[t.core] && out[n-1].core == t.core && out[n-1].trail == "" {
			out[n-1] = t
			continue
		}
		out = append(out, t)
	}
	return out
}

func (t *token) setTrail(trail string) {
	t.raw = t.raw[:len(t.raw)-len(t.trail)] + trail
	t.trail = trail
}

func hasTerminal(s string) bool {
	return strings.ContainsAny(s, ".!?")
}

func terminalOf(s string) string {
	return strings.TrimLeft(s, ",;:")
}

// Recase capitalizes the first letter of the text and of every sentence that
// follows terminal punctuation. Nothing else changes.
func Recase(text string) string {
	runes := []rune(text)
	capNext := true
	afterTerminal := false
	for i, r := range runes {
		switch {
		case r == '.' || r == '!' || r == '?':
			afterTerminal = true
			capNext = false
		case unicode.IsSpace(r):
			if afterTerminal {
				capNext = true
			}
			afterTerminal = false
		case unicode.IsLetter(r):
			if capNext {
				runes[i] = unicode.ToUpper(r)
			}
			capNext = false
			afterTerminal = false
		case unicode.IsDigit(r):
			capNext = false
			afterTerminal = false
		default:
			afterTerminal = false
		}
	}
	return string(runes)
}

// Clean strips fillers and re-cases.
func Clean(text string) string {
	return Recase(StripFillers(text))
}
