// Package jobstore persists JobRecords and analysis results.
//
// Records are keyed by dedupe key and indexed by job id. Every write after
// Create is a compare-and-swap on the record's version column, so concurrent
// writers for the same record never lose updates.
//
// Two drivers are supported:
//   - sqlite3: a local file in WAL mode with a single writer connection
//   - pgx: PostgreSQL through the pgx database/sql adapter
package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"docpipeline/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	// ResultRefPrefix prefixes references to results held inline in the store.
	ResultRefPrefix = "db://results/"
)

const jobColumns = `dedupe_key, source_id, job_id, state, reason, attempt, fetch_attempt,
	launch_claimed, result_ref, created_at, started_at, completed_at, updated_at, version`

// Filter selects records for List.
type Filter struct {
	// States restricts the result to these states. Empty means all.
	States []models.JobState

	// UpdatedBefore keeps records last written before this instant. Zero means no bound.
	UpdatedBefore time.Time

	// Limit caps the number of records. Zero means no limit.
	Limit int
}

// Store is the durable JobRecord store.
type Store struct {
	db     *sql.DB
	driver string
}

// Open creates or opens a store. The schema is applied on every open and is idempotent.
func Open(driver, dsn string) (*Store, error) {
	const op = "Open"

	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, WrapStoreError(op, ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, WrapStoreError(op, err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, WrapStoreError(op, err, "failed to connect to database")
	}

	if driver == DriverSQLite {
		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, WrapStoreError(op, err, "failed to apply pragmas")
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, WrapStoreError(op, err, "failed to apply schema")
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema runs each schema statement on its own; the PostgreSQL extended
// protocol accepts only one statement per call.
func applySchema(db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Create inserts rec unless a record with the same dedupe key exists. It returns
// the stored record and whether this call created it.
func (s *Store) Create(ctx context.Context, rec *models.JobRecord) (*models.JobRecord, bool, error) {
	const op = "Create"

	if rec == nil || rec.DedupeKey == "" || rec.SourceID == "" || !rec.State.Valid() {
		return nil, false, WrapStoreError(op, ErrInvalidRecord, "dedupe key, source id and state are required")
	}

	now := time.Now().UTC()
	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	stored.Version = 1

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING
	`), recordArgs(stored)...)
	if err != nil {
		return nil, false, WrapStoreError(op, err, stored.DedupeKey)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, WrapStoreError(op, err, "rows affected")
	}
	if n == 1 {
		return stored, true, nil
	}

	existing, err := s.Get(ctx, stored.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns the record for a dedupe key.
func (s *Store) Get(ctx context.Context, dedupeKey string) (*models.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE dedupe_key = ?`), dedupeKey)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, WrapStoreError("Get", err, dedupeKey)
	}
	return rec, nil
}

// GetByJobID returns the record for an external job id.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*models.JobRecord, error) {
	if jobID == "" {
		return nil, WrapStoreError("GetByJobID", ErrNotFound, "empty job id")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), jobID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, WrapStoreError("GetByJobID", err, jobID)
	}
	return rec, nil
}

// CompareAndSwap writes rec if the stored version still equals expectedVersion.
// On success rec.Version is advanced. A lost race returns ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, rec *models.JobRecord, expectedVersion int64) error {
	const op = "CompareAndSwap"

	if rec == nil || rec.DedupeKey == "" || !rec.State.Valid() {
		return WrapStoreError(op, ErrInvalidRecord, "dedupe key and state are required")
	}

	rec.Version = expectedVersion + 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET
			job_id = ?, state = ?, reason = ?, attempt = ?, fetch_attempt = ?,
			launch_claimed = ?, result_ref = ?, started_at = ?, completed_at = ?,
			updated_at = ?, version = ?
		WHERE dedupe_key = ? AND version = ?
	`),
		nullString(rec.JobID),
		string(rec.State),
		rec.Reason,
		rec.Attempt,
		rec.FetchAttempt,
		boolInt(rec.LaunchClaimed),
		rec.ResultRef,
		nullNanos(rec.StartedAt),
		nullNanos(rec.CompletedAt),
		rec.UpdatedAt.UnixNano(),
		rec.Version,
		rec.DedupeKey,
		expectedVersion,
	)
	if err != nil {
		rec.Version = expectedVersion
		return WrapStoreError(op, err, rec.DedupeKey)
	}

	n, err := res.RowsAffected()
	if err != nil {
		rec.Version = expectedVersion
		return WrapStoreError(op, err, "rows affected")
	}
	if n == 1 {
		return nil
	}

	rec.Version = expectedVersion
	if _, err := s.Get(ctx, rec.DedupeKey); err != nil {
		return err
	}
	return WrapStoreError(op, ErrConflict, fmt.Sprintf("%s at version %d", rec.DedupeKey, expectedVersion))
}

// List returns records matching f, oldest update first.
func (s *Store) List(ctx context.Context, f Filter) ([]*models.JobRecord, error) {
	const op = "List"

	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore.UnixNano())
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at, dedupe_key"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, WrapStoreError(op, err, "query")
	}
	defer rows.Close()

	var out []*models.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, WrapStoreError(op, err, "scan")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapStoreError(op, err, "iterate")
	}
	return out, nil
}

// PutResult stores a result payload for a record and returns its reference.
// The first payload written for a dedupe key is kept.
func (s *Store) PutResult(ctx context.Context, dedupeKey string, payload []byte) (string, error) {
	const op = "PutResult"

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO results (dedupe_key, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING
	`), dedupeKey, string(payload), time.Now().UnixNano())
	if err != nil {
		return "", WrapStoreError(op, err, dedupeKey)
	}
	return ResultRefPrefix + dedupeKey, nil
}

// GetResult returns the payload for a reference returned by PutResult.
func (s *Store) GetResult(ctx context.Context, ref string) ([]byte, error) {
	const op = "GetResult"

	key, ok := strings.CutPrefix(ref, ResultRefPrefix)
	if !ok || key == "" {
		return nil, WrapStoreError(op, ErrInvalidRef, ref)
	}

	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM results WHERE dedupe_key = ?`), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, WrapStoreError(op, ErrNotFound, ref)
	}
	if err != nil {
		return nil, WrapStoreError(op, err, ref)
	}
	return []byte(payload), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.JobRecord, error) {
	var (
		rec                    models.JobRecord
		jobID                  sql.NullString
		state                  string
		claimed                int64
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&rec.DedupeKey,
		&rec.SourceID,
		&jobID,
		&state,
		&rec.Reason,
		&rec.Attempt,
		&rec.FetchAttempt,
		&claimed,
		&rec.ResultRef,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
		&rec.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.JobID = jobID.String
	rec.State = models.JobState(state)
	rec.LaunchClaimed = claimed != 0
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	rec.StartedAt = fromNanos(startedAt)
	rec.CompletedAt = fromNanos(completedAt)
	return &rec, nil
}

func recordArgs(rec *models.JobRecord) []any {
	return []any{
		rec.DedupeKey,
		rec.SourceID,
		nullString(rec.JobID),
		string(rec.State),
		rec.Reason,
		rec.Attempt,
		rec.FetchAttempt,
		boolInt(rec.LaunchClaimed),
		rec.ResultRef,
		rec.CreatedAt.UnixNano(),
		nullNanos(rec.StartedAt),
		nullNanos(rec.CompletedAt),
		rec.UpdatedAt.UnixNano(),
		rec.Version,
	}
}

// job_id is NULL until set so the unique index admits many unlaunched records.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
