package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lessonscribe/internal/lessonstore"
	"github.com/MrWong99/lessonscribe/internal/lessonstore/postgres"
	"github.com/MrWong99/lessonscribe/internal/transcript"
)

// testDSN returns the test database DSN or skips the test when
// LESSONSCRIBE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LESSONSCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LESSONSCRIBE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore returns a store on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS lessons CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_SaveGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	in := lessonstore.Result{
		RecordingID:   "rec-1",
		Transcript:    "Speaker 1: Pythagoras\nSpeaker 2: yes",
		RawTranscript: "Speaker 1: pie thagoras\nSpeaker 2: yes",
		Segments: []transcript.Segment{
			{Speaker: "Speaker 1", Text: "Pythagoras"},
			{Speaker: "Speaker 2", Text: "yes"},
		},
		Duration:     42 * time.Minute,
		SpeakerCount: 2,
		StartedAt:    started,
	}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Transcript != in.Transcript || got.RawTranscript != in.RawTranscript {
		t.Errorf("transcripts = %q / %q", got.Transcript, got.RawTranscript)
	}
	if len(got.Segments) != 2 || got.Segments[1].Speaker != "Speaker 2" {
		t.Errorf("segments = %+v", got.Segments)
	}
	if got.Duration != in.Duration || got.SpeakerCount != 2 || !got.StartedAt.Equal(started) {
		t.Errorf("result = %+v", got)
	}

	in.Transcript = "Speaker 1: replaced"
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save (replace): %v", err)
	}
	got, _ = store.Get(ctx, "rec-1")
	if got.Transcript != "Speaker 1: replaced" {
		t.Errorf("after replace Transcript = %q", got.Transcript)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, lessonstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r := lessonstore.Result{RecordingID: id, Transcript: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	got, err := store.List(ctx, lessonstore.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].RecordingID != "c" || got[1].RecordingID != "b" {
		t.Errorf("List(limit 2) = %+v", got)
	}
	if got[0].Segments == nil {
		t.Error("segments should decode to an empty slice, not nil")
	}

	got, err = store.List(ctx, lessonstore.ListOptions{Before: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].RecordingID != "a" {
		t.Errorf("List(before) = %+v", got)
	}
}
