package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/postvoz/pkg/archive"
)

var _ archive.Store = (*Store)(nil)

// Store is the PostgreSQL archive. All operations are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
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

// Ping checks that the database is reachable. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [archive.Store]. An existing record with the same id is
// replaced together with all of its lines.
func (s *Store) Save(ctx context.Context, r archive.Record) error {
	if r.SessionID == "" {
		return fmt.Errorf("archive store: save: empty session id")
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO live_sessions (session_id, provider, started_at, ended_at, end_state, error)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id) DO UPDATE SET
			    provider   = EXCLUDED.provider,
			    started_at = EXCLUDED.started_at,
			    ended_at   = EXCLUDED.ended_at,
			    end_state  = EXCLUDED.end_state,
			    error      = EXCLUDED.error`
		if _, err := tx.Exec(ctx, upsert,
			r.SessionID, r.Provider, r.StartedAt, r.EndedAt, r.EndState, r.Error,
		); err != nil {
			return fmt.Errorf("archive store: save session: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM live_session_lines WHERE session_id = $1`, r.SessionID); err != nil {
			return fmt.Errorf("archive store: clear lines: %w", err)
		}

		if len(r.Lines) == 0 {
			return nil
		}
		rows := make([][]any, len(r.Lines))
		for i, l := range r.Lines {
			rows[i] = []any{r.SessionID, i, l.Role, l.Text}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"live_session_lines"},
			[]string{"session_id", "position", "role", "text"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("archive store: save lines: %w", err)
		}
		return nil
	})
}

// Get implements [archive.Store].
func (s *Store) Get(ctx context.Context, id string) (archive.Record, error) {
	const q = `
		SELECT session_id, provider, started_at, ended_at, end_state, error
		FROM   live_sessions
		WHERE  session_id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return archive.Record{}, fmt.Errorf("archive store: get: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Record{}, fmt.Errorf("%w: %s", archive.ErrNotFound, id)
	}
	if err != nil {
		return archive.Record{}, fmt.Errorf("archive store: get: %w", err)
	}

	const lq = `
		SELECT role, text
		FROM   live_session_lines
		WHERE  session_id = $1
		ORDER  BY position`
	lrows, err := s.pool.Query(ctx, lq, id)
	if err != nil {
		return archive.Record{}, fmt.Errorf("archive store: get lines: %w", err)
	}
	rec.Lines, err = pgx.CollectRows(lrows, func(row pgx.CollectableRow) (archive.Line, error) {
		var l archive.Line
		err := row.Scan(&l.Role, &l.Text)
		return l, err
	})
	if err != nil {
		return archive.Record{}, fmt.Errorf("archive store: scan lines: %w", err)
	}
	return rec, nil
}

// List implements [archive.Store].
func (s *Store) List(ctx context.Context, limit int) ([]archive.Record, error) {
	q := `
		SELECT session_id, provider, started_at, ended_at, end_state, error
		FROM   live_sessions
		ORDER  BY started_at DESC`
	var args []any
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive store: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("archive store: list: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (archive.Record, error) {
	var r archive.Record
	err := row.Scan(&r.SessionID, &r.Provider, &r.StartedAt, &r.EndedAt, &r.EndState, &r.Error)
	return r, err
}
