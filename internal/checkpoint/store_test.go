// internal/checkpoint/store_test.go
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github-topic-harvester/internal/errors"
	"github-topic-harvester/internal/model"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	execTag  pgconn.CommandTag
	execTags []pgconn.CommandTag // consumed in order when set, ahead of execTag
	execErr  error
	row      fakeRow
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if len(f.execTags) > 0 {
		tag := f.execTags[0]
		f.execTags = f.execTags[1:]
		return tag, f.execErr
	}
	return f.execTag, f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return f.row }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestStore_Load_CreatesDefaultRowBeforeReading(t *testing.T) {
	now := time.Now()
	db := &fakeDB{
		execTag: pgconn.NewCommandTag("INSERT 0 1"),
		row: fakeRow{scan: func(dest ...any) error {
			*dest[0].(*int) = 0
			*dest[1].(*int) = 0
			*dest[2].(**string) = nil
			*dest[3].(*bool) = false
			*dest[4].(*time.Time) = now
			return nil
		}},
	}
	store := NewStore(db, testLogger())

	cp, err := store.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, DefaultJobID, cp.JobID)
	assert.Equal(t, 0, cp.TopicIndex)
	assert.Equal(t, 0, cp.ShardIndex)
	assert.Nil(t, cp.Cursor)
	assert.False(t, cp.CycleComplete)

	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "ON CONFLICT (job_id) DO NOTHING",
		"default creation must be safe to race with a concurrent initializer")
}

func TestStore_Load_StorageFailureIsFatal(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	store := NewStore(db, testLogger())

	_, err := store.Load(context.Background())
	assert.Error(t, err)
}

func TestStore_Save_WritesFullRecord(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
	store := NewStore(db, testLogger())

	cursor := "page:4"
	err := store.Save(context.Background(), model.Checkpoint{
		JobID:      DefaultJobID,
		TopicIndex: 2,
		ShardIndex: 0,
		Cursor:     &cursor,
	})

	require.NoError(t, err)
	require.Len(t, db.execArgs, 1)
	assert.Equal(t, []any{DefaultJobID, 2, 0, &cursor, false}, db.execArgs[0])
	assert.True(t, strings.Contains(db.execSQL[0], "updated_at = now()"), "every save must stamp the current time")
}

func TestStore_Save_MissingRowIsAnError(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 0")}
	store := NewStore(db, testLogger())

	err := store.Save(context.Background(), model.Checkpoint{JobID: DefaultJobID})
	assert.Error(t, err)
}

func TestStore_Acquire(t *testing.T) {
	t.Run("takes a free lease", func(t *testing.T) {
		db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
		store := NewStore(db, testLogger())

		err := store.Acquire(context.Background(), "owner-a", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("reports a held lease", func(t *testing.T) {
		db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 0")}
		store := NewStore(db, testLogger())

		err := store.Acquire(context.Background(), "owner-b", time.Minute)
		assert.ErrorIs(t, err, apperrors.ErrLeaseHeld)
	})

	t.Run("bootstraps the row on a fresh store", func(t *testing.T) {
		db := &fakeDB{execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("INSERT 0 1"),
			pgconn.NewCommandTag("UPDATE 1"),
		}}
		store := NewStore(db, testLogger())

		err := store.Acquire(context.Background(), "owner-c", time.Minute)

		require.NoError(t, err, "an absent row is a free lease, not a held one")
		require.Len(t, db.execSQL, 2)
		assert.Contains(t, db.execSQL[0], "ON CONFLICT (job_id) DO NOTHING",
			"acquire runs before load, so it must create the row it locks")
		assert.Equal(t, []any{DefaultJobID}, db.execArgs[0])
		assert.Contains(t, db.execSQL[1], "locked_by")
	})
}
