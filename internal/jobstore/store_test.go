package jobstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipeline/pkg/models"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func pendingRecord(sourceID string) *models.JobRecord {
	return &models.JobRecord{
		DedupeKey: models.DedupeKeyFor(sourceID),
		SourceID:  sourceID,
		State:     models.StatePending,
	}
}

func TestOpen_CreatesDatabase(t *testing.T) {
	_, path := openTestStore(t)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	for i := 0; i < 3; i++ {
		s, err := Open(DriverSQLite, path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := openTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestCreate_InsertIfAbsent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := pendingRecord("bucket/doc1.pdf")
	stored, created, err := s.Create(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), stored.Version)
	assert.False(t, stored.CreatedAt.IsZero())

	again, created, err := s.Create(ctx, pendingRecord("bucket/doc1.pdf"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.DedupeKey, again.DedupeKey)
	assert.True(t, stored.CreatedAt.Equal(again.CreatedAt))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreate_RejectsInvalid(t *testing.T) {
	s, _ := openTestStore(t)
	_, _, err := s.Create(context.Background(), &models.JobRecord{DedupeKey: "k", State: models.StatePending})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetByJobID(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwap(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	stored, _, err := s.Create(ctx, pendingRecord("bucket/doc1.pdf"))
	require.NoError(t, err)

	started := time.Now().UTC()
	next := stored.Clone()
	next.State = models.StateStarted
	next.JobID = "J1"
	next.Attempt = 1
	next.LaunchClaimed = true
	next.StartedAt = &started
	next.UpdatedAt = started
	require.NoError(t, s.CompareAndSwap(ctx, next, stored.Version))
	assert.Equal(t, int64(2), next.Version)

	byJob, err := s.GetByJobID(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, byJob.State)
	assert.True(t, byJob.LaunchClaimed)
	assert.Equal(t, 1, byJob.Attempt)
	require.NotNil(t, byJob.StartedAt)
	assert.Equal(t, started.UnixNano(), byJob.StartedAt.UnixNano())
	assert.Nil(t, byJob.CompletedAt)

	// A writer holding the old version loses.
	stale := stored.Clone()
	stale.State = models.StateErrored
	err = s.CompareAndSwap(ctx, stale, stored.Version)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, stored.Version, stale.Version)

	current, err := s.Get(ctx, stored.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, current.State)
}

func TestCompareAndSwap_Missing(t *testing.T) {
	s, _ := openTestStore(t)
	rec := pendingRecord("bucket/none.pdf")
	err := s.CompareAndSwap(context.Background(), rec, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwap_OneWinner(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	stored, _, err := s.Create(ctx, pendingRecord("bucket/race.pdf"))
	require.NoError(t, err)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := stored.Clone()
			rec.LaunchClaimed = true
			if s.CompareAndSwap(ctx, rec, stored.Version) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestJobIDUnique(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	a, _, err := s.Create(ctx, pendingRecord("bucket/a.pdf"))
	require.NoError(t, err)
	b, _, err := s.Create(ctx, pendingRecord("bucket/b.pdf"))
	require.NoError(t, err)

	a.JobID = "J1"
	require.NoError(t, s.CompareAndSwap(ctx, a, a.Version))

	b.JobID = "J1"
	assert.Error(t, s.CompareAndSwap(ctx, b, b.Version))
}

func TestList_Filter(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	for _, src := range []string{"bucket/1.pdf", "bucket/2.pdf", "bucket/3.pdf"} {
		rec := pendingRecord(src)
		rec.CreatedAt = old
		_, _, err := s.Create(ctx, rec)
		require.NoError(t, err)
	}

	rec, err := s.Get(ctx, models.DedupeKeyFor("bucket/2.pdf"))
	require.NoError(t, err)
	rec.State = models.StateStarted
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.CompareAndSwap(ctx, rec, rec.Version))

	pending, err := s.List(ctx, Filter{States: []models.JobState{models.StatePending}})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	stale, err := s.List(ctx, Filter{UpdatedBefore: time.Now().Add(-30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestResults(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, pendingRecord("bucket/doc1.pdf"))
	require.NoError(t, err)

	ref, err := s.PutResult(ctx, rec.DedupeKey, []byte(`{"pages":1}`))
	require.NoError(t, err)
	assert.Equal(t, ResultRefPrefix+rec.DedupeKey, ref)

	// First payload wins.
	ref2, err := s.PutResult(ctx, rec.DedupeKey, []byte(`{"pages":2}`))
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	payload, err := s.GetResult(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pages":1}`, string(payload))

	_, err = s.GetResult(ctx, "s3://bucket/key")
	assert.ErrorIs(t, err, ErrInvalidRef)

	_, err = s.GetResult(ctx, ResultRefPrefix+"missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopen_PreservesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s1, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	rec, _, err := s1.Create(ctx, pendingRecord("bucket/doc1.pdf"))
	require.NoError(t, err)
	rec.State = models.StateStarted
	rec.JobID = "J1"
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, s1.CompareAndSwap(ctx, rec, rec.Version))
	require.NoError(t, s1.Close())

	s2, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetByJobID(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, got.State)
	assert.Equal(t, int64(2), got.Version)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
