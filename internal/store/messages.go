package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

func (s *SQLiteStore) CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_mappings
			(matrix_event_id, feishu_message_id, thread_id, root_id, parent_id, room_id, sender_mxid, sender_feishu_id, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MatrixEventID, m.FeishuMessageID, m.ThreadID, m.RootID, m.ParentID, m.RoomID, m.SenderMXID, m.SenderFeishuID, m.ContentHash, m.CreatedAt.Format(rfc3339))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewStoreError("CreateMessageMapping", domain.ErrKindDuplicate, err)
		}
		return domain.NewStoreError("CreateMessageMapping", domain.ErrKindQuery, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		m.ID = id
	}
	return nil
}

func (s *SQLiteStore) GetMessageByMatrixID(ctx context.Context, matrixEventID string) (*domain.MessageMapping, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+` WHERE matrix_event_id = ?`, matrixEventID)
	m, err := scanMessageMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetMessageByMatrixID", domain.ErrKindQuery, err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMessageByFeishuID(ctx context.Context, feishuMessageID string) (*domain.MessageMapping, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+` WHERE feishu_message_id = ?`, feishuMessageID)
	m, err := scanMessageMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetMessageByFeishuID", domain.ErrKindQuery, err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMessageByContentHash(ctx context.Context, contentHash string) (*domain.MessageMapping, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+` WHERE content_hash = ? ORDER BY id DESC LIMIT 1`, contentHash)
	m, err := scanMessageMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetMessageByContentHash", domain.ErrKindQuery, err)
	}
	return m, nil
}

func (s *SQLiteStore) DeleteMessageByFeishuID(ctx context.Context, feishuMessageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_mappings WHERE feishu_message_id = ?`, feishuMessageID)
	if err != nil {
		return domain.NewStoreError("DeleteMessageByFeishuID", domain.ErrKindQuery, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMessageByMatrixID(ctx context.Context, matrixEventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_mappings WHERE matrix_event_id = ?`, matrixEventID)
	if err != nil {
		return domain.NewStoreError("DeleteMessageByMatrixID", domain.ErrKindQuery, err)
	}
	return nil
}

// DeleteMessagesByRoomID removes up to limit message mappings for a room,
// used when a RoomMapping is torn down so the message table doesn't grow
// unbounded with orphaned rows; returns the number of rows removed.
func (s *SQLiteStore) DeleteMessagesByRoomID(ctx context.Context, roomID string, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM message_mappings WHERE id IN (
			SELECT id FROM message_mappings WHERE room_id = ? LIMIT ?
		)
	`, roomID, limit)
	if err != nil {
		return 0, domain.NewStoreError("DeleteMessagesByRoomID", domain.ErrKindQuery, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) ListMessageMappings(ctx context.Context, limit, offset int) ([]*domain.MessageMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, messageSelect+` ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, domain.NewStoreError("ListMessageMappings", domain.ErrKindQuery, err)
	}
	defer rows.Close()

	var out []*domain.MessageMapping
	for rows.Next() {
		m, err := scanMessageMapping(rows)
		if err != nil {
			return nil, domain.NewStoreError("ListMessageMappings", domain.ErrKindQuery, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const messageSelect = `
	SELECT id, matrix_event_id, feishu_message_id, thread_id, root_id, parent_id, room_id, sender_mxid, sender_feishu_id, content_hash, created_at
	FROM message_mappings`

func scanMessageMapping(row rowScanner) (*domain.MessageMapping, error) {
	var m domain.MessageMapping
	var createdAt string
	if err := row.Scan(&m.ID, &m.MatrixEventID, &m.FeishuMessageID, &m.ThreadID, &m.RootID, &m.ParentID,
		&m.RoomID, &m.SenderMXID, &m.SenderFeishuID, &m.ContentHash, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(rfc3339, createdAt)
	return &m, nil
}
