package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

func (s *SQLiteStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, domain.NewStoreError("IsEventProcessed", domain.ErrKindQuery, err)
	}
	return true, nil
}

// MarkEventProcessed records the event id in the idempotence log. A
// duplicate insert — the expected outcome of a concurrent
// at-least-once redelivery — is reported as ErrKindDuplicate rather than
// surfaced as a hard failure, so callers can treat it as "already handled".
func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, e *domain.ProcessedEvent) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, source, processed_at)
		VALUES (?, ?, ?, ?)
	`, e.EventID, e.EventType, string(e.Source), e.ProcessedAt.Format(rfc3339))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewStoreError("MarkEventProcessed", domain.ErrKindDuplicate, err)
		}
		return domain.NewStoreError("MarkEventProcessed", domain.ErrKindQuery, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		e.ID = id
	}
	return nil
}

// CleanupProcessedBefore deletes processed-event rows older than the given
// time, bounding the idempotence log's growth.
func (s *SQLiteStore) CleanupProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, before.Format(rfc3339))
	if err != nil {
		return 0, domain.NewStoreError("CleanupProcessedBefore", domain.ErrKindQuery, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
