// Package postgres provides a PostgreSQL-backed [archive.Store].
//
// Sessions live in live_sessions and their transcript lines in
// live_session_lines, keyed by (session_id, position). A record is written
// in a single transaction so readers never observe a session with a partial
// transcript.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS live_sessions (
    session_id  TEXT         PRIMARY KEY,
    provider    TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    end_state   TEXT         NOT NULL,
    error       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_live_sessions_started_at
    ON live_sessions (started_at DESC);
`

const ddlLines = `
CREATE TABLE IF NOT EXISTS live_session_lines (
    session_id  TEXT     NOT NULL REFERENCES live_sessions (session_id) ON DELETE CASCADE,
    position    INTEGER  NOT NULL,
    role        TEXT     NOT NULL,
    text        TEXT     NOT NULL,
    PRIMARY KEY (session_id, position)
);
`

// Migrate creates the archive tables. It is idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlLines} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
