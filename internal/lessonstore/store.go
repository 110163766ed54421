// Package lessonstore persists finished lesson transcripts.
//
// A [Store] receives one [Result] per successfully finished recording. Two
// implementations exist: [MemStore] for development and tests, and the
// PostgreSQL store in the postgres subpackage.
package lessonstore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/lessonscribe/internal/transcript"
)

// ErrNotFound is returned by [Store.Get] for an unknown recording ID.
var ErrNotFound = errors.New("lessonstore: lesson not found")

// Result is the outcome of one finished recording.
type Result struct {
	// RecordingID uniquely identifies the recording.
	RecordingID string `json:"recordingId"`

	// Transcript is the rendered transcript after vocabulary correction, one
	// "Speaker N: text" line per segment.
	Transcript string `json:"transcript"`

	// RawTranscript is the rendered transcript before correction. Equal to
	// Transcript when no correction applied.
	RawTranscript string `json:"rawTranscript"`

	// Segments are the corrected final segments in order.
	Segments []transcript.Segment `json:"segments"`

	// Duration is the wall time between stream establishment and stop,
	// encoded in nanoseconds.
	Duration time.Duration `json:"duration"`

	// SpeakerCount is the number of distinct speakers heard.
	SpeakerCount int `json:"speakerCount"`

	// StartedAt is when the stream was established.
	StartedAt time.Time `json:"startedAt"`
}

// ListOptions narrows [Store.List].
type ListOptions struct {
	// Limit caps the number of results. Zero means [DefaultListLimit].
	Limit int

	// Before, if non-zero, only returns lessons started strictly before it.
	// Used for pagination.
	Before time.Time
}

// DefaultListLimit applies when [ListOptions.Limit] is zero.
const DefaultListLimit = 50

// Store persists lesson results. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save stores r, replacing any earlier result with the same RecordingID.
	Save(ctx context.Context, r Result) error

	// Get returns the result for id or [ErrNotFound].
	Get(ctx context.Context, id string) (Result, error)

	// List returns results newest first.
	List(ctx context.Context, opts ListOptions) ([]Result, error)
}

// EffectiveLimit returns the limit to apply, substituting the default.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
