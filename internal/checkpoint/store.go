// internal/checkpoint/store.go
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github-topic-harvester/internal/errors"
	"github-topic-harvester/internal/model"
)

// DefaultJobID keys the single harvest progress row.
const DefaultJobID = "github-topic-harvest"

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes the single durable checkpoint row. Any failure to
// reach the backing store is fatal for the invocation: progress cannot be
// trusted without durable bookkeeping.
type Store struct {
	db     DB
	logger *slog.Logger
	jobID  string
}

func NewStore(db DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, jobID: DefaultJobID}
}

// Load returns the checkpoint, creating a default-initialized row first if
// none exists. The insert is conflict-ignoring so racing initializers are
// safe: exactly one insert wins and both see the same row.
func (s *Store) Load(ctx context.Context) (model.Checkpoint, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO harvest_checkpoints (job_id) VALUES ($1) ON CONFLICT (job_id) DO NOTHING`,
		s.jobID)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint init: %w", err)
	}

	cp := model.Checkpoint{JobID: s.jobID}
	err = s.db.QueryRow(ctx,
		`SELECT topic_index, shard_index, cursor, cycle_complete, updated_at
		 FROM harvest_checkpoints WHERE job_id = $1`,
		s.jobID).Scan(&cp.TopicIndex, &cp.ShardIndex, &cp.Cursor, &cp.CycleComplete, &cp.UpdatedAt)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint load: %w", err)
	}
	return cp, nil
}

// Save writes the complete next state. There is no partial-field patch: the
// caller constructs the whole checkpoint before calling. Every save stamps
// the current time.
func (s *Store) Save(ctx context.Context, cp model.Checkpoint) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE harvest_checkpoints
		 SET topic_index = $2, shard_index = $3, cursor = $4, cycle_complete = $5, updated_at = now()
		 WHERE job_id = $1`,
		s.jobID, cp.TopicIndex, cp.ShardIndex, cp.Cursor, cp.CycleComplete)
	if err != nil {
		return fmt.Errorf("checkpoint save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint save: row %q missing", s.jobID)
	}
	return nil
}

// Acquire takes the checkpoint lease for owner, succeeding only when the row
// is unlocked, the previous lease expired, or owner already holds it. Two
// overlapping invocations would otherwise interleave saves and corrupt
// progress. Acquire runs before Load, so it bootstraps the row the same
// conflict-ignoring way: on a fresh store an absent row must read as a free
// lease, not a held one.
func (s *Store) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO harvest_checkpoints (job_id) VALUES ($1) ON CONFLICT (job_id) DO NOTHING`,
		s.jobID)
	if err != nil {
		return fmt.Errorf("checkpoint lease acquire: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE harvest_checkpoints
		 SET locked_by = $2, locked_until = now() + make_interval(secs => $3)
		 WHERE job_id = $1
		   AND (locked_by IS NULL OR locked_by = $2 OR locked_until < now())`,
		s.jobID, owner, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("checkpoint lease acquire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrLeaseHeld
	}
	return nil
}

// Release drops the lease if owner still holds it. Best-effort: an expired
// lease taken over by someone else is left alone.
func (s *Store) Release(ctx context.Context, owner string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE harvest_checkpoints
		 SET locked_by = NULL, locked_until = NULL
		 WHERE job_id = $1 AND locked_by = $2`,
		s.jobID, owner)
	if err != nil {
		return fmt.Errorf("checkpoint lease release: %w", err)
	}
	return nil
}
