package transcript_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/MrWong99/lessonscribe/internal/transcript"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

func final(text, speaker string) stt.Token {
	return stt.Token{Text: text, IsFinal: true, Speaker: speaker}
}

func partial(text, speaker string) stt.Token {
	return stt.Token{Text: text, Speaker: speaker}
}

func timedFinal(text, speaker string, startMs, endMs int) stt.Token {
	return stt.Token{
		Text:    text,
		IsFinal: true,
		Speaker: speaker,
		Start:   time.Duration(startMs) * time.Millisecond,
		End:     time.Duration(endMs) * time.Millisecond,
	}
}

func segs(pairs ...string) []transcript.Segment {
	out := []transcript.Segment{}
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, transcript.Segment{Speaker: pairs[i], Text: pairs[i+1]})
	}
	return out
}

func TestAccumulator_ThreeBatchScenario(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)

	u := a.Apply([]stt.Token{final("hello ", "1")})
	if want := segs("Speaker 1", "hello "); !reflect.DeepEqual(u.Final, want) || !reflect.DeepEqual(u.Live, want) {
		t.Fatalf("batch 1: final=%v live=%v, want both %v", u.Final, u.Live, want)
	}

	u = a.Apply([]stt.Token{partial("world", "1")})
	if want := segs("Speaker 1", "hello world"); !reflect.DeepEqual(u.Live, want) {
		t.Errorf("batch 2: live=%v, want %v", u.Live, want)
	}
	if want := segs("Speaker 1", "hello "); !reflect.DeepEqual(u.Final, want) {
		t.Errorf("batch 2: final=%v, want %v", u.Final, want)
	}

	u = a.Apply([]stt.Token{final("world", "1"), partial(" bye", "2")})
	if want := segs("Speaker 1", "hello world"); !reflect.DeepEqual(u.Final, want) {
		t.Errorf("batch 3: final=%v, want %v", u.Final, want)
	}
	if want := segs("Speaker 1", "hello world", "Speaker 2", " bye"); !reflect.DeepEqual(u.Live, want) {
		t.Errorf("batch 3: live=%v, want %v", u.Live, want)
	}
	if u.SpeakerCount != 2 {
		t.Errorf("batch 3: SpeakerCount=%d, want 2", u.SpeakerCount)
	}
}

func TestAccumulator_PartialsDoNotAccumulate(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)
	a.Apply([]stt.Token{partial("hel", "1")})
	a.Apply([]stt.Token{partial("hello", "1")})
	u := a.Apply([]stt.Token{partial("hello there", "1")})

	if want := segs("Speaker 1", "hello there"); !reflect.DeepEqual(u.Live, want) {
		t.Errorf("live=%v, want %v", u.Live, want)
	}
	if len(u.Final) != 0 {
		t.Errorf("final=%v, want empty", u.Final)
	}
}

func TestAccumulator_FiltersControlTokens(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)
	u := a.Apply([]stt.Token{
		final("<end>", "1"),
		final("  ", "1"),
		final("hi", "1"),
		partial("endpoint", "2"),
	})
	if want := segs("Speaker 1", "hi"); !reflect.DeepEqual(u.Live, want) {
		t.Errorf("live=%v, want %v", u.Live, want)
	}
	if u.SpeakerCount != 1 {
		t.Errorf("SpeakerCount=%d, want 1", u.SpeakerCount)
	}
	if u.Accepted != 1 {
		t.Errorf("Accepted=%d, want 1", u.Accepted)
	}
}

func TestAccumulator_SpeakerChangeStartsSegment(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)
	a.AppendFinal([]stt.Token{
		final("Good morning.", "1"),
		final(" Hi!", "2"),
		final(" Hello.", "2"),
		final(" Open your books.", "1"),
	})
	want := segs(
		"Speaker 1", "Good morning.",
		"Speaker 2", " Hi! Hello.",
		"Speaker 1", " Open your books.",
	)
	if got := a.Final(); !reflect.DeepEqual(got, want) {
		t.Errorf("Final=%v, want %v", got, want)
	}
}

func TestAccumulator_BuildLiveDoesNotMutateFinal(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)
	a.AppendFinal([]stt.Token{final("a", "1")})

	live := a.BuildLive([]stt.Token{partial("b", "1"), final("ignored", "1")})
	if want := segs("Speaker 1", "ab"); !reflect.DeepEqual(live, want) {
		t.Errorf("live=%v, want %v", live, want)
	}
	live[0].Text = "mutated"
	if got := a.Final(); got[0].Text != "a" {
		t.Errorf("final text=%q after mutating live, want %q", got[0].Text, "a")
	}
}

func TestAccumulator_DropsReemittedFinals(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)
	u := a.Apply([]stt.Token{
		timedFinal("one", "1", 0, 300),
		timedFinal(" two", "1", 300, 600),
	})
	if u.Accepted != 2 || u.Duplicates != 0 {
		t.Fatalf("first batch accepted=%d duplicates=%d", u.Accepted, u.Duplicates)
	}

	u = a.Apply([]stt.Token{
		timedFinal(" two", "1", 300, 600),
		timedFinal(".", "1", 600, 600),
		timedFinal(" three", "1", 600, 900),
	})
	if u.Duplicates != 1 {
		t.Errorf("Duplicates=%d, want 1", u.Duplicates)
	}
	if want := segs("Speaker 1", "one two. three"); !reflect.DeepEqual(u.Final, want) {
		t.Errorf("final=%v, want %v", u.Final, want)
	}

	// Untimed finals are always accepted.
	u = a.Apply([]stt.Token{final(" three", "1")})
	if u.Duplicates != 0 || u.Accepted != 1 {
		t.Errorf("untimed: accepted=%d duplicates=%d, want 1 and 0", u.Accepted, u.Duplicates)
	}
}

func TestAccumulator_FinalAtBoundaryKept(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)
	a.Apply([]stt.Token{timedFinal("done", "1", 0, 400)})

	u := a.Apply([]stt.Token{timedFinal("!", "1", 400, 400)})
	if u.Accepted != 1 || u.Duplicates != 0 {
		t.Fatalf("zero-length final at boundary: accepted=%d duplicates=%d", u.Accepted, u.Duplicates)
	}

	// A token timed inside the previous word is indistinguishable from a
	// re-emission.
	u = a.Apply([]stt.Token{timedFinal("?", "1", 100, 400)})
	if u.Accepted != 0 || u.Duplicates != 1 {
		t.Errorf("overlapping final: accepted=%d duplicates=%d, want 0 and 1", u.Accepted, u.Duplicates)
	}
	if want := segs("Speaker 1", "done!"); !reflect.DeepEqual(a.Final(), want) {
		t.Errorf("final=%v, want %v", a.Final(), want)
	}
}

func TestAccumulator_FreezeDropsPartials(t *testing.T) {
	t.Parallel()

	a := transcript.NewAccumulator(nil)
	a.Apply([]stt.Token{final("done", "1"), partial(" and mor", "1")})
	u := a.Freeze()

	if want := segs("Speaker 1", "done"); !reflect.DeepEqual(u.Live, want) || !reflect.DeepEqual(a.Live(), want) {
		t.Errorf("live after Freeze=%v, want %v", u.Live, want)
	}
}

func TestAccumulator_Reset(t *testing.T) {
	t.Parallel()

	r := transcript.NewResolver()
	a := transcript.NewAccumulator(r)
	a.Apply([]stt.Token{timedFinal("x", "5", 0, 100)})
	a.Reset()

	if len(a.Final()) != 0 || r.SpeakerCount() != 0 {
		t.Fatalf("state survived Reset: final=%v speakers=%d", a.Final(), r.SpeakerCount())
	}
	u := a.Apply([]stt.Token{timedFinal("y", "9", 0, 100)})
	if want := segs("Speaker 1", "y"); !reflect.DeepEqual(u.Final, want) {
		t.Errorf("final after Reset=%v, want %v", u.Final, want)
	}
}
