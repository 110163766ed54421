package transcript_test

import (
	"testing"

	"github.com/MrWong99/lessonscribe/internal/transcript"
)

func TestIsDisplayable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"\n\t", false},
		{"end", false},
		{"END", false},
		{" Endpoint ", false},
		{"<end>", false},
		{"<fin>", false},
		{"<>", false},
		{"hello", true},
		{" world", true},
		{"ending", true},
		{"the end", true},
		{"<a> b", true},
		{"a < b", true},
	}
	for _, tt := range tests {
		if got := transcript.IsDisplayable(tt.text); got != tt.want {
			t.Errorf("IsDisplayable(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
