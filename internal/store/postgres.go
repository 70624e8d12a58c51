package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl, now: time.Now}
}

// WithClock replaces the clock used to stamp and expire leases.
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

const acquireSQL = `
	INSERT INTO sessions (file_path, branch_name, locked_by, locked_at, updated_at, user_id)
	VALUES ($1, $2, $3, $4, $4, $3)
	ON CONFLICT (file_path, branch_name) DO UPDATE
	SET locked_by = EXCLUDED.locked_by, locked_at = EXCLUDED.locked_at
	WHERE sessions.locked_by IS NULL
		OR sessions.locked_at IS NULL
		OR sessions.locked_by = EXCLUDED.locked_by
		OR sessions.locked_at < $5
`

// Acquire sets the lease on key to holder if it is free, expired, or already
// held by holder. It reports whether holder owns the lease afterwards.
func (s *PostgresStore) Acquire(ctx context.Context, key Key, holder string) (bool, error) {
	ok, err := s.acquire(ctx, s.db, key, holder)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

func (s *PostgresStore) acquire(ctx context.Context, q queryer, key Key, holder string) (bool, error) {
	now := s.now().UTC()
	result, err := q.ExecContext(ctx, acquireSQL, key.FilePath, key.Branch, holder, now, now.Add(-s.ttl))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, key Key, holder string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET locked_by = NULL, locked_at = NULL
		WHERE file_path = $1 AND branch_name = $2 AND locked_by = $3
	`, key.FilePath, key.Branch, holder)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return affected == 1, nil
}

// ReleaseAll clears every lease held by holder and returns the released keys.
func (s *PostgresStore) ReleaseAll(ctx context.Context, holder string) ([]Key, error) {
	keys, err := releaseHeld(ctx, s.db, holder, Key{})
	if err != nil {
		return nil, fmt.Errorf("release all for %s: %w", holder, err)
	}
	return keys, nil
}

func releaseHeld(ctx context.Context, q queryer, holder string, keep Key) ([]Key, error) {
	rows, err := q.QueryContext(ctx, `
		UPDATE sessions SET locked_by = NULL, locked_at = NULL
		WHERE locked_by = $1 AND NOT (file_path = $2 AND branch_name = $3)
		RETURNING file_path, branch_name
	`, holder, keep.FilePath, keep.Branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]Key, 0)
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.FilePath, &key.Branch); err != nil {
			return nil, fmt.Errorf("scan released key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate released keys: %w", err)
	}
	return keys, nil
}

// Transfer atomically drops every other lease of holder and acquires key.
// The releases commit even when the acquire loses to a live holder.
func (s *PostgresStore) Transfer(ctx context.Context, key Key, holder string) (bool, []Key, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin transfer %s: %w", key, err)
	}
	released, err := releaseHeld(ctx, tx, holder, key)
	if err != nil {
		_ = tx.Rollback()
		return false, nil, fmt.Errorf("transfer release %s: %w", key, err)
	}
	acquired, err := s.acquire(ctx, tx, key, holder)
	if err != nil {
		_ = tx.Rollback()
		return false, nil, fmt.Errorf("transfer acquire %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit transfer %s: %w", key, err)
	}
	return acquired, released, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, key Key, holder string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET locked_at = $4
		WHERE file_path = $1 AND branch_name = $2 AND locked_by = $3
	`, key.FilePath, key.Branch, holder, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", key, err)
	}
	return affected == 1, nil
}

// UpsertContent stores content for key. Lease ownership is checked by the
// caller, not here.
func (s *PostgresStore) UpsertContent(ctx context.Context, key Key, content, userID string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (file_path, branch_name, content, updated_at, user_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_path, branch_name) DO UPDATE
		SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at, user_id = EXCLUDED.user_id
	`, key.FilePath, key.Branch, content, s.now().UTC(), userID)
	if err != nil {
		return false, fmt.Errorf("upsert content %s: %w", key, err)
	}
	return true, nil
}

const selectRow = `SELECT file_path, branch_name, content, locked_by, locked_at, updated_at, user_id FROM sessions`

func (s *PostgresStore) GetByKey(ctx context.Context, key Key) (Row, bool, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, selectRow+` WHERE file_path = $1 AND branch_name = $2`, key.FilePath, key.Branch))
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("get session %s: %w", key, err)
	}
	return row, true, nil
}

func (s *PostgresStore) ListByBranch(ctx context.Context, branch string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, selectRow+` WHERE branch_name = $1 ORDER BY file_path`, branch)
	if err != nil {
		return nil, fmt.Errorf("list sessions on %s: %w", branch, err)
	}
	defer rows.Close()

	items := make([]Row, 0)
	for rows.Next() {
		item, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(src scanner) (Row, error) {
	var (
		row      Row
		content  sql.NullString
		lockedBy sql.NullString
		lockedAt sql.NullTime
	)
	if err := src.Scan(&row.FilePath, &row.BranchName, &content, &lockedBy, &lockedAt, &row.UpdatedAt, &row.UserID); err != nil {
		return Row{}, err
	}
	if content.Valid {
		value := content.String
		row.Content = &value
	}
	row.LockedBy = lockedBy.String
	if lockedAt.Valid {
		value := lockedAt.Time
		row.LockedAt = &value
	}
	return row, nil
}
