// Package checkpoint implements CheckpointStore: a durable (timestamp,
// monitor-id) map backing the three scanner loops' read positions.
//
// Ported from original_source/src/phoenix/checkpoint.rs: same monitor id
// strings, same upsert-on-conflict statement.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ID names one of the three checkpointed monitor loops.
type ID string

const (
	Demotion  ID = "demotion_monitor"
	Inclusion ID = "inclusion_monitor"
	Promotion ID = "promotion_monitor"
)

// StorageError wraps a transport/driver failure from the underlying pool,
// distinguishing it from an absent row (which is not an error).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("checkpoint: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Store reads and upserts monitor checkpoints in the MEV database.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Get returns the last checkpoint for id, or (time.Time{}, false, nil) if no
// row exists yet.
func (s *Store) Get(ctx context.Context, id ID) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts, `
		SELECT timestamp
		FROM monitor_checkpoints
		WHERE monitor_id = $1
		LIMIT 1
	`, string(id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, &StorageError{Op: "get", Err: err}
	default:
		return ts, true, nil
	}
}

// Put upserts the checkpoint for id. Atomic with respect to concurrent Get
// calls on the same id by virtue of the single UPSERT statement.
func (s *Store) Put(ctx context.Context, id ID, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_checkpoints (monitor_id, timestamp)
		VALUES ($1, $2)
		ON CONFLICT (monitor_id) DO UPDATE SET timestamp = $2
	`, string(id), t)
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// GetOrInit returns the stored checkpoint, or initializes it to now (per
// spec.md §3: "on first run it is initialized to now() and no backfill
// occurs") and returns now.
func (s *Store) GetOrInit(ctx context.Context, id ID, now time.Time) (time.Time, error) {
	ts, ok, err := s.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return ts, nil
	}
	if err := s.Put(ctx, id, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}
