package transcript_test

import (
	"testing"

	"github.com/MrWong99/lessonscribe/internal/transcript"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []transcript.Segment
		want string
	}{
		{"empty", nil, ""},
		{
			"two speakers",
			segs("Speaker 1", " Good morning. ", "Speaker 2", "Morning!"),
			"Speaker 1: Good morning.\nSpeaker 2: Morning!",
		},
		{
			"blank segment skipped",
			segs("Speaker 1", "a", "Speaker 2", "  ", "Speaker 1", "b"),
			"Speaker 1: a\nSpeaker 1: b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transcript.Format(tt.in); got != tt.want {
				t.Errorf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}
