// Package phonetic matches misheard phrases against a lesson vocabulary
// (student names, subject terms) using Double Metaphone codes and
// Jaro-Winkler similarity.
//
// A phrase is a candidate for a term when any of their Double Metaphone codes
// overlap; candidates are accepted above the phonetic threshold. When nothing
// sounds alike, a stricter fuzzy threshold on plain Jaro-Winkler similarity
// decides. Terms may span several words; the matcher also compares the
// space-stripped forms so "mito chondria" finds "mitochondria".
//
// Callers scanning running text should also bound the length of a window
// against the term; see [Plausible].
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum similarity for a phonetically
// matching term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum similarity for a term that does not
// sound alike. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the default thresholds.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Vocabulary is a set of terms with their phonetic codes computed once.
type Vocabulary struct {
	terms    []term
	maxWords int
}

type term struct {
	text   string
	lower  string
	words  []string
	joined string
	codes  map[string]struct{}
}

// NewVocabulary prepares terms for matching. Blank terms are skipped.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		lower := strings.ToLower(t)
		words := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:   t,
			lower:  lower,
			words:  words,
			joined: strings.Join(words, ""),
			codes:  codes(words),
		})
		v.maxWords = max(v.maxWords, len(words))
	}
	return v
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// MaxWords returns the word count of the longest term.
func (v *Vocabulary) MaxWords() int {
	if v == nil {
		return 0
	}
	return v.maxWords
}

// Match is the outcome of a successful lookup.
type Match struct {
	// Term is the vocabulary term in its configured casing.
	Term string

	// Score is the Jaro-Winkler similarity in [0, 1].
	Score float64

	// Phonetic reports whether the term was accepted on sound rather than
	// spelling alone.
	Phonetic bool
}

// Match returns the vocabulary term closest to phrase. A phonetic candidate
// always wins over a spelling-only one.
func (m *Matcher) Match(phrase string, v *Vocabulary) (Match, bool) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" || v.Len() == 0 {
		return Match{}, false
	}
	words := strings.Fields(phrase)
	in := codes(words)

	var best Match
	found := false
	for _, t := range v.terms {
		score := similarity(words, phrase, t)
		if overlaps(in, t.codes) {
			if score < m.phoneticThreshold {
				continue
			}
			if !best.Phonetic || score > best.Score {
				best = Match{Term: t.text, Score: score, Phonetic: true}
				found = true
			}
			continue
		}
		if best.Phonetic || score < m.fuzzyThreshold || score <= best.Score {
			continue
		}
		best = Match{Term: t.text, Score: score}
		found = true
	}
	return best, found
}

// codes returns the union of the Double Metaphone codes of words.
func codes(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		primary, secondary := matchr.DoubleMetaphone(w)
		if primary != "" {
			out[primary] = struct{}{}
		}
		if secondary != "" {
			out[secondary] = struct{}{}
		}
	}
	return out
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole phrase and its
// space-stripped form. Phrases with the same word count as the term are also
// compared word by word, and the worst pair bounds that score.
func similarity(words []string, phrase string, t term) float64 {
	score := matchr.JaroWinkler(phrase, t.lower, false)
	if len(words) > 1 || len(t.words) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(words, ""), t.joined, false))
	}
	if len(words) > 1 && len(words) == len(t.words) {
		pair := 1.0
		for i, w := range words {
			pair = min(pair, matchr.JaroWinkler(w, t.words[i], false))
		}
		score = max(score, pair)
	}
	return score
}

// Plausible reports whether phrase is of a length that could be a rendering
// of term. It keeps a window such as "the pythagoras" from swallowing its
// neighbour when only one of its words matches.
func Plausible(phrase, term string) bool {
	p, t := letterCount(phrase), letterCount(term)
	if t == 0 {
		return false
	}
	ratio := float64(p) / float64(t)
	return ratio >= 0.8 && ratio <= 1.25
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
