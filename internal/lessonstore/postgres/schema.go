// Package postgres provides a PostgreSQL-backed [lessonstore.Store].
//
// Lessons live in a single table. Segments are stored as JSONB so the table
// shape does not change when segment fields are added.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, result)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlLessons = `
CREATE TABLE IF NOT EXISTS lessons (
    recording_id   TEXT         PRIMARY KEY,
    transcript     TEXT         NOT NULL,
    raw_transcript TEXT         NOT NULL DEFAULT '',
    segments       JSONB        NOT NULL DEFAULT '[]',
    duration_ns    BIGINT       NOT NULL DEFAULT 0,
    speaker_count  INTEGER      NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ  NOT NULL,
    saved_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lessons_started_at
    ON lessons (started_at DESC);

CREATE INDEX IF NOT EXISTS idx_lessons_fts
    ON lessons USING GIN (to_tsvector('simple', transcript));
`

// Migrate creates the lessons table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlLessons); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
