package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

const deadLetterSelect = `
	SELECT id, source, event_type, dedupe_key, chat_id, payload, error, status, replay_count, last_replayed_at, created_at, updated_at
	FROM dead_letters`

// UpsertDeadLetter inserts a new dead letter keyed by DedupeKey, or — if one
// already exists — updates its payload/error and bumps it back to pending:
// re-processing the same failing event replaces rather than duplicates its
// row.
func (s *SQLiteStore) UpsertDeadLetter(ctx context.Context, e *domain.DeadLetterEvent) (*domain.DeadLetterEvent, error) {
	now := time.Now()
	if e.Status == "" {
		e.Status = domain.DeadLetterPending
	}

	existing, err := s.getDeadLetterByDedupeKey(ctx, e.DedupeKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (source, event_type, dedupe_key, chat_id, payload, error, status, replay_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, string(e.Source), e.EventType, e.DedupeKey, e.ChatID, e.Payload, e.Error, string(e.Status), now.Format(rfc3339), now.Format(rfc3339))
		if err != nil {
			if isUniqueViolation(err) {
				return s.getDeadLetterByDedupeKey(ctx, e.DedupeKey)
			}
			return nil, domain.NewStoreError("UpsertDeadLetter", domain.ErrKindQuery, err)
		}
		id, _ := res.LastInsertId()
		e.ID = id
		e.CreatedAt = now
		e.UpdatedAt = now
		e.ReplayCount = 0
		return e, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE dead_letters SET payload = ?, error = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, e.Payload, e.Error, string(domain.DeadLetterPending), now.Format(rfc3339), existing.ID)
	if err != nil {
		return nil, domain.NewStoreError("UpsertDeadLetter", domain.ErrKindQuery, err)
	}
	existing.Payload = e.Payload
	existing.Error = e.Error
	existing.Status = domain.DeadLetterPending
	existing.UpdatedAt = now
	return existing, nil
}

func (s *SQLiteStore) getDeadLetterByDedupeKey(ctx context.Context, dedupeKey string) (*domain.DeadLetterEvent, error) {
	row := s.db.QueryRowContext(ctx, deadLetterSelect+` WHERE dedupe_key = ?`, dedupeKey)
	e, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("getDeadLetterByDedupeKey", domain.ErrKindQuery, err)
	}
	return e, nil
}

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetterEvent, error) {
	row := s.db.QueryRowContext(ctx, deadLetterSelect+` WHERE id = ?`, id)
	e, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewStoreError("GetDeadLetter", domain.ErrKindNotFound, err)
		}
		return nil, domain.NewStoreError("GetDeadLetter", domain.ErrKindQuery, err)
	}
	return e, nil
}

// ListDeadLetters lists dead letters with the given status, or every status
// when status is empty.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, status domain.DeadLetterStatus, limit, offset int) ([]*domain.DeadLetterEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := deadLetterSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStoreError("ListDeadLetters", domain.ErrKindQuery, err)
	}
	defer rows.Close()

	var out []*domain.DeadLetterEvent
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, domain.NewStoreError("ListDeadLetters", domain.ErrKindQuery, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkReplayed(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET status = ?, replay_count = replay_count + 1, last_replayed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(domain.DeadLetterReplayed), at.Format(rfc3339), at.Format(rfc3339), id)
	if err != nil {
		return domain.NewStoreError("MarkReplayed", domain.ErrKindQuery, err)
	}
	return rowsAffectedOrNotFound(res, "MarkReplayed")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET status = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(domain.DeadLetterFailed), errMsg, time.Now().Format(rfc3339), id)
	if err != nil {
		return domain.NewStoreError("MarkFailed", domain.ErrKindQuery, err)
	}
	return rowsAffectedOrNotFound(res, "MarkFailed")
}

func (s *SQLiteStore) RequeuePending(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET status = ?, updated_at = ? WHERE id = ?
	`, string(domain.DeadLetterPending), time.Now().Format(rfc3339), id)
	if err != nil {
		return domain.NewStoreError("RequeuePending", domain.ErrKindQuery, err)
	}
	return rowsAffectedOrNotFound(res, "RequeuePending")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context, status domain.DeadLetterStatus) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, domain.NewStoreError("CountDeadLetters", domain.ErrKindQuery, err)
	}
	return n, nil
}

// DeleteDeadLetters removes dead letters matching status (any status when
// empty) and older than olderThan (unbounded when nil), up to limit rows,
// returning the ids removed. The admin cleanup command's dry-run mode calls
// ListDeadLetters with the same filter instead of this method, so dry-run
// never touches storage.
func (s *SQLiteStore) DeleteDeadLetters(ctx context.Context, status domain.DeadLetterStatus, olderThan *time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id FROM dead_letters WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if olderThan != nil {
		query += ` AND created_at < ?`
		args = append(args, olderThan.Format(rfc3339))
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStoreError("DeleteDeadLetters", domain.ErrKindQuery, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, domain.NewStoreError("DeleteDeadLetters", domain.ErrKindQuery, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("DeleteDeadLetters", domain.ErrKindQuery, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.NewStoreError("DeleteDeadLetters", domain.ErrKindQuery, err)
	}
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM dead_letters WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return nil, domain.NewStoreError("DeleteDeadLetters", domain.ErrKindQuery, err)
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			stmt.Close()
			tx.Rollback()
			return nil, domain.NewStoreError("DeleteDeadLetters", domain.ErrKindQuery, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return nil, domain.NewStoreError("DeleteDeadLetters", domain.ErrKindQuery, err)
	}
	return ids, nil
}

func rowsAffectedOrNotFound(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStoreError(op, domain.ErrKindQuery, err)
	}
	if n == 0 {
		return domain.NewStoreError(op, domain.ErrKindNotFound, domain.ErrNotFound)
	}
	return nil
}

func scanDeadLetter(row rowScanner) (*domain.DeadLetterEvent, error) {
	var e domain.DeadLetterEvent
	var source, status, createdAt, updatedAt string
	var lastReplayedAt sql.NullString
	if err := row.Scan(&e.ID, &source, &e.EventType, &e.DedupeKey, &e.ChatID, &e.Payload, &e.Error, &status,
		&e.ReplayCount, &lastReplayedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Source = domain.EventSource(source)
	e.Status = domain.DeadLetterStatus(status)
	e.CreatedAt, _ = time.Parse(rfc3339, createdAt)
	e.UpdatedAt, _ = time.Parse(rfc3339, updatedAt)
	if lastReplayedAt.Valid {
		t, err := time.Parse(rfc3339, lastReplayedAt.String)
		if err == nil {
			e.LastReplayedAt = &t
		}
	}
	return &e, nil
}
