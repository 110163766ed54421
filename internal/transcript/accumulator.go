package transcript

import (
	"time"

	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

// Segment is a contiguous run of text attributed to one speaker.
type Segment struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Update is the result of applying one token batch.
type Update struct {
	// Live is the final list plus this batch's partial tokens.
	Live []Segment

	// Final is a copy of the durable segment list.
	Final []Segment

	// SpeakerCount is the number of distinct speakers seen so far.
	SpeakerCount int

	// Accepted is the number of final tokens folded in by this batch.
	Accepted int

	// Duplicates is the number of re-emitted final tokens dropped.
	Duplicates int
}

// Accumulator builds the final and live segment lists of one session.
type Accumulator struct {
	resolver *Resolver
	final    []Segment
	live     []Segment

	// finalEnd is the end time of the latest timed final token accepted.
	finalEnd time.Duration
}

// NewAccumulator returns an Accumulator resolving speakers through r. A nil
// r gets a fresh [Resolver].
func NewAccumulator(r *Resolver) *Accumulator {
	if r == nil {
		r = NewResolver()
	}
	return &Accumulator{resolver: r}
}

// Resolver returns the speaker resolver in use.
func (a *Accumulator) Resolver() *Resolver { return a.resolver }

// AppendFinal folds the displayable final tokens into the final list. It
// returns the accepted and dropped counts.
//
// A timed final token with End <= finalEnd and Start < finalEnd is taken for a
// re-emission and dropped. Tokens starting exactly at finalEnd, including
// zero-length ones, are kept. The rule cannot tell a re-emission from a
// genuine token that the provider timed inside the previous word (such as a
// punctuation mark carrying that word's span); such a token is dropped too.
// Untimed tokens are always kept.
func (a *Accumulator) AppendFinal(tokens []stt.Token) (accepted, duplicates int) {
	for _, tok := range tokens {
		if !tok.IsFinal || !IsDisplayable(tok.Text) {
			continue
		}
		if tok.HasTiming() {
			if tok.End <= a.finalEnd && tok.Start < a.finalEnd {
				duplicates++
				continue
			}
			a.finalEnd = max(a.finalEnd, tok.End)
		}
		a.final = appendToken(a.final, a.resolver.LabelFor(tok.Speaker), tok.Text)
		accepted++
	}
	return accepted, duplicates
}

// BuildLive returns a copy of the final list extended by the displayable
// non-final tokens. The final list is not modified.
func (a *Accumulator) BuildLive(tokens []stt.Token) []Segment {
	live := cloneSegments(a.final)
	for _, tok := range tokens {
		if tok.IsFinal || !IsDisplayable(tok.Text) {
			continue
		}
		live = appendToken(live, a.resolver.LabelFor(tok.Speaker), tok.Text)
	}
	return live
}

// Apply runs one batch: finals first, then the live view from the same
// batch's partial tokens.
func (a *Accumulator) Apply(batch []stt.Token) Update {
	accepted, dups := a.AppendFinal(batch)
	a.live = a.BuildLive(batch)
	return Update{
		Live:         cloneSegments(a.live),
		Final:        cloneSegments(a.final),
		SpeakerCount: a.resolver.SpeakerCount(),
		Accepted:     accepted,
		Duplicates:   dups,
	}
}

// Freeze drops any partial text so the live view equals the final list. It is
// used once the remote side has finished and no more partials can arrive.
func (a *Accumulator) Freeze() Update {
	a.live = cloneSegments(a.final)
	return Update{
		Live:         cloneSegments(a.live),
		Final:        cloneSegments(a.final),
		SpeakerCount: a.resolver.SpeakerCount(),
	}
}

// Final returns a copy of the final segment list.
func (a *Accumulator) Final() []Segment { return cloneSegments(a.final) }

// Live returns a copy of the live segment list built by the last batch.
func (a *Accumulator) Live() []Segment { return cloneSegments(a.live) }

// Reset clears every segment and speaker assignment.
func (a *Accumulator) Reset() {
	a.final = nil
	a.live = nil
	a.finalEnd = 0
	a.resolver.Reset()
}

// appendToken appends text to the last segment when the speaker matches and
// starts a new segment otherwise. The token stream carries its own spacing.
func appendToken(segs []Segment, speaker, text string) []Segment {
	if n := len(segs); n > 0 && segs[n-1].Speaker == speaker {
		segs[n-1].Text += text
		return segs
	}
	return append(segs, Segment{Speaker: speaker, Text: text})
}

func cloneSegments(segs []Segment) []Segment {
	if segs == nil {
		return []Segment{}
	}
	out := make([]Segment, len(segs))
	copy(out, segs)
	return out
}
