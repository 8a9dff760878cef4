// Package transcript cleans recognizer output before it reaches the
// responder. It removes a leading wake phrase that the recognizer picked up
// together with the command and classifies the exit and stop phrases the
// assistant loop reacts to.
//
// Wake phrases are matched phonetically: a leading token whose Double
// Metaphone codes overlap with the phrase and whose Jaro-Winkler similarity
// reaches the threshold is treated as the wake phrase, so "Koglet," and
// "cogled:" both strip like "coglet".
package transcript

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultThreshold = 0.80

var (
	// DefaultExitPhrases end the program.
	DefaultExitPhrases = []string{"programm ende", "programmende", "programm-ende"}

	// DefaultStopPhrases close a follow-up window.
	DefaultStopPhrases = []string{"danke", "stop", "nein danke", "tschüss", "byebye"}
)

var (
	nonWord = regexp.MustCompile(`[^\p{L}\p{N}_\s-]+`)
	spaces  = regexp.MustCompile(`\s+`)
)

// Normalize lowercases text, replaces punctuation other than hyphens with
// spaces and collapses whitespace.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = nonWord.ReplaceAllString(s, " ")
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithWakePhrases sets the phrases stripped from the start of a transcript.
func WithWakePhrases(phrases ...string) Option {
	return func(m *Matcher) {
		m.wake = m.wake[:0]
		for _, p := range phrases {
			tokens := strings.Fields(Normalize(p))
			if len(tokens) == 0 {
				continue
			}
			m.wake = append(m.wake, wakePhrase{
				tokens: tokens,
				full:   strings.Join(tokens, " "),
				codes:  codesForTokens(tokens),
			})
		}
	}
}

// WithExitPhrases replaces [DefaultExitPhrases].
func WithExitPhrases(phrases ...string) Option {
	return func(m *Matcher) { m.exits = phraseSet(phrases) }
}

// WithStopPhrases replaces [DefaultStopPhrases].
func WithStopPhrases(phrases ...string) Option {
	return func(m *Matcher) { m.stops = phraseSet(phrases) }
}

// WithThreshold sets the minimum Jaro-Winkler similarity for a phonetic
// wake-phrase match. Default: 0.80.
func WithThreshold(t float64) Option {
	return func(m *Matcher) { m.threshold = t }
}

type wakePhrase struct {
	tokens []string
	full   string
	codes  map[string]struct{}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	wake      []wakePhrase
	exits     map[string]struct{}
	stops     map[string]struct{}
	threshold float64
}

// New returns a Matcher with the default exit and stop phrases and no wake
// phrases.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		exits:     phraseSet(DefaultExitPhrases),
		stops:     phraseSet(DefaultStopPhrases),
		threshold: defaultThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StripWake removes one leading wake phrase, and the separator after it,
// from text. Text without a leading wake phrase is returned trimmed.
func (m *Matcher) StripWake(text string) string {
	fields := strings.Fields(text)
	for _, w := range m.wake {
		n := len(w.tokens)
		if len(fields) < n {
			continue
		}
		head := make([]string, 0, n)
		for _, f := range fields[:n] {
			head = append(head, trimToken(f))
		}
		if !m.matches(head, w) {
			continue
		}
		rest := strings.Join(fields[n:], " ")
		return strings.TrimLeft(rest, ":,-–— ")
	}
	return strings.TrimSpace(text)
}

func (m *Matcher) matches(head []string, w wakePhrase) bool {
	full := strings.Join(head, " ")
	if full == w.full {
		return true
	}
	if full == "" || !codesOverlap(codesForTokens(head), w.codes) {
		return false
	}
	return bestScore(head, w.tokens) >= m.threshold
}

// IsExit reports whether text asks to end the program. Spacing inside the
// phrase is ignored.
func (m *Matcher) IsExit(text string) bool {
	norm := Normalize(text)
	if norm == "" {
		return false
	}
	if _, ok := m.exits[norm]; ok {
		return true
	}
	_, ok := m.exits[strings.ReplaceAll(norm, " ", "")]
	return ok
}

// IsStop reports whether text closes a follow-up window.
func (m *Matcher) IsStop(text string) bool {
	_, ok := m.stops[Normalize(text)]
	return ok
}

func phraseSet(phrases []string) map[string]struct{} {
	set := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		if n := Normalize(p); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// trimToken lowercases a token and strips surrounding punctuation.
func trimToken(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestScore compares the full strings and, for multi-word phrases, the
// space-stripped strings.
func bestScore(input, phrase []string) float64 {
	score := matchr.JaroWinkler(strings.Join(input, " "), strings.Join(phrase, " "), false)
	if len(input) > 1 || len(phrase) > 1 {
		if s := matchr.JaroWinkler(strings.Join(input, ""), strings.Join(phrase, ""), false); s > score {
			score = s
		}
	}
	return score
}
