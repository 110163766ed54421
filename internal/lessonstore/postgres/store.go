package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lessonscribe/internal/lessonstore"
	"github.com/MrWong99/lessonscribe/internal/transcript"
)

var _ lessonstore.Store = (*Store)(nil)

// Store implements [lessonstore.Store] on a [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [lessonstore.Store]. An existing row with the same
// recording ID is replaced.
func (s *Store) Save(ctx context.Context, r lessonstore.Result) error {
	if r.RecordingID == "" {
		return fmt.Errorf("postgres store: save: empty recording id")
	}
	segments := r.Segments
	if segments == nil {
		segments = []transcript.Segment{}
	}
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("postgres store: marshal segments: %w", err)
	}

	const q = `
		INSERT INTO lessons
		    (recording_id, transcript, raw_transcript, segments, duration_ns, speaker_count, started_at, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (recording_id) DO UPDATE SET
		    transcript     = EXCLUDED.transcript,
		    raw_transcript = EXCLUDED.raw_transcript,
		    segments       = EXCLUDED.segments,
		    duration_ns    = EXCLUDED.duration_ns,
		    speaker_count  = EXCLUDED.speaker_count,
		    started_at     = EXCLUDED.started_at,
		    saved_at       = now()`

	_, err = s.pool.Exec(ctx, q,
		r.RecordingID,
		r.Transcript,
		r.RawTranscript,
		segJSON,
		r.Duration.Nanoseconds(),
		r.SpeakerCount,
		r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}
	return nil
}

const selectColumns = `recording_id, transcript, raw_transcript, segments, duration_ns, speaker_count, started_at`

// Get implements [lessonstore.Store].
func (s *Store) Get(ctx context.Context, id string) (lessonstore.Result, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+" FROM lessons WHERE recording_id = $1", id)
	if err != nil {
		return lessonstore.Result{}, fmt.Errorf("postgres store: get: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanResult)
	if errors.Is(err, pgx.ErrNoRows) {
		return lessonstore.Result{}, lessonstore.ErrNotFound
	}
	if err != nil {
		return lessonstore.Result{}, fmt.Errorf("postgres store: get: %w", err)
	}
	return r, nil
}

// List implements [lessonstore.Store].
func (s *Store) List(ctx context.Context, opts lessonstore.ListOptions) ([]lessonstore.Result, error) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "started_at < "+next(opts.Before))
	}

	q := "SELECT " + selectColumns + "\nFROM   lessons"
	if len(conditions) > 0 {
		q += "\nWHERE  " + strings.Join(conditions, "\n  AND  ")
	}
	q += "\nORDER  BY started_at DESC, recording_id\nLIMIT  " + next(opts.EffectiveLimit())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanResult)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	return results, nil
}

func scanResult(row pgx.CollectableRow) (lessonstore.Result, error) {
	var (
		r          lessonstore.Result
		segJSON    []byte
		durationNS int64
	)
	if err := row.Scan(
		&r.RecordingID,
		&r.Transcript,
		&r.RawTranscript,
		&segJSON,
		&durationNS,
		&r.SpeakerCount,
		&r.StartedAt,
	); err != nil {
		return lessonstore.Result{}, err
	}
	if err := json.Unmarshal(segJSON, &r.Segments); err != nil {
		return lessonstore.Result{}, fmt.Errorf("unmarshal segments: %w", err)
	}
	r.Duration = time.Duration(durationNS)
	return r, nil
}
