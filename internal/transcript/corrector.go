package transcript

import (
	"strings"
	"unicode"

	"github.com/MrWong99/lessonscribe/internal/transcript/phonetic"
)

// minPhraseLetters keeps short function words ("a", "to") away from the
// matcher.
const minPhraseLetters = 3

// Correction is one substitution made by a [Corrector].
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
	Phonetic   bool    `json:"phonetic"`
}

// Corrector rewrites misheard vocabulary terms in finished transcript text.
// It is immutable and safe for concurrent use; build a new one when the
// vocabulary changes.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   *phonetic.Vocabulary
}

// NewCorrector returns a Corrector for terms. A nil matcher uses
// [phonetic.New] defaults.
func NewCorrector(m *phonetic.Matcher, terms []string) *Corrector {
	if m == nil {
		m = phonetic.New()
	}
	return &Corrector{matcher: m, vocab: phonetic.NewVocabulary(terms)}
}

// Enabled reports whether the corrector has any vocabulary.
func (c *Corrector) Enabled() bool {
	return c != nil && c.vocab.Len() > 0
}

// Correct replaces word windows that match a vocabulary term. Longer windows
// are tried first so multi-word terms win over single-word ones. Punctuation
// around a window is preserved.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if !c.Enabled() {
		return text, nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text, nil
	}

	var (
		out         = make([]string, 0, len(words))
		corrections []Correction
	)
	for i := 0; i < len(words); {
		n := min(c.vocab.MaxWords()+1, len(words)-i)
		matched := false
		for ; n >= 1; n-- {
			prefix, core, suffix := splitPunct(strings.Join(words[i:i+n], " "))
			if letters(core) < minPhraseLetters {
				continue
			}
			m, ok := c.matcher.Match(core, c.vocab)
			if !ok || !phonetic.Plausible(core, m.Term) {
				continue
			}
			out = append(out, prefix+m.Term+suffix)
			if core != m.Term {
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  m.Term,
					Confidence: m.Score,
					Phonetic:   m.Phonetic,
				})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, words[i])
			i++
		}
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// CorrectSegments applies [Corrector.Correct] to every segment and returns
// new segments.
func (c *Corrector) CorrectSegments(segs []Segment) ([]Segment, []Correction) {
	out := cloneSegments(segs)
	if !c.Enabled() {
		return out, nil
	}
	var all []Correction
	for i := range out {
		text, cs := c.Correct(out[i].Text)
		out[i].Text = text
		all = append(all, cs...)
	}
	return out, all
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (prefix, core, suffix string) {
	core = strings.TrimLeftFunc(s, unicode.IsPunct)
	prefix = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	suffix = core[len(trimmed):]
	return prefix, trimmed, suffix
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
