// Package archive stores finished live sessions together with their
// transcript so they can be reviewed later.
//
// Two implementations are provided: [MemStore] keeps records in process
// memory, and package postgres persists them with pgx. All implementations
// must be safe for concurrent use.
package archive

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("archive: record not found")

// Line is one archived transcript line.
type Line struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Record is the archived summary of one session.
type Record struct {
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// EndState is "closed" or "failed".
	EndState string `json:"end_state"`

	// Error is the failure message for failed sessions.
	Error string `json:"error,omitempty"`

	Lines []Line `json:"lines"`
}

// Duration returns how long the session ran.
func (r Record) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists session records.
type Store interface {
	// Save inserts or replaces the record for r.SessionID.
	Save(ctx context.Context, r Record) error

	// Get returns the record for id or an error wrapping [ErrNotFound].
	Get(ctx context.Context, id string) (Record, error)

	// List returns up to limit records, most recently started first. A
	// limit of zero or less means no limit. Lines are omitted.
	List(ctx context.Context, limit int) ([]Record, error)
}
