package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

// roomCacheKey builds the LRU key for a room lookup, namespaced by which
// side ("mx" or "fs") the id belongs to.
func roomCacheKey(side, id string) string { return "room:" + side + ":" + id }

func (s *SQLiteStore) CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.FeishuChatType == "" {
		m.FeishuChatType = domain.ChatTypeGroup
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO room_mappings (matrix_room_id, feishu_chat_id, feishu_chat_name, feishu_chat_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.MatrixRoomID, m.FeishuChatID, m.FeishuChatName, string(m.FeishuChatType), m.CreatedAt.Format(rfc3339), m.UpdatedAt.Format(rfc3339))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewStoreError("CreateRoomMapping", domain.ErrKindDuplicate, err)
		}
		return domain.NewStoreError("CreateRoomMapping", domain.ErrKindQuery, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		m.ID = id
	}
	return nil
}

func (s *SQLiteStore) GetRoomByMatrixID(ctx context.Context, matrixRoomID string) (*domain.RoomMapping, error) {
	key := roomCacheKey("mx", matrixRoomID)
	if cached, ok := s.cacheGetRoom(key); ok {
		return cached, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, matrix_room_id, feishu_chat_id, feishu_chat_name, feishu_chat_type, created_at, updated_at
		FROM room_mappings WHERE matrix_room_id = ?
	`, matrixRoomID)
	m, err := scanRoomMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetRoomByMatrixID", domain.ErrKindQuery, err)
	}
	s.cachePutRoom(m)
	return m, nil
}

func (s *SQLiteStore) GetRoomByFeishuID(ctx context.Context, feishuChatID string) (*domain.RoomMapping, error) {
	key := roomCacheKey("fs", feishuChatID)
	if cached, ok := s.cacheGetRoom(key); ok {
		return cached, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, matrix_room_id, feishu_chat_id, feishu_chat_name, feishu_chat_type, created_at, updated_at
		FROM room_mappings WHERE feishu_chat_id = ?
	`, feishuChatID)
	m, err := scanRoomMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetRoomByFeishuID", domain.ErrKindQuery, err)
	}
	s.cachePutRoom(m)
	return m, nil
}

func (s *SQLiteStore) UpdateRoomChatMeta(ctx context.Context, feishuChatID, name string, chatType domain.ChatType) error {
	var matrixRoomID string
	_ = s.db.QueryRowContext(ctx, `SELECT matrix_room_id FROM room_mappings WHERE feishu_chat_id = ?`, feishuChatID).
		Scan(&matrixRoomID)

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE room_mappings SET feishu_chat_name = ?, feishu_chat_type = ?, updated_at = ?
		WHERE feishu_chat_id = ?
	`, name, string(chatType), now.Format(rfc3339), feishuChatID)
	if err != nil {
		return domain.NewStoreError("UpdateRoomChatMeta", domain.ErrKindQuery, err)
	}
	s.invalidateRoomCache(feishuChatID, matrixRoomID)
	return nil
}

func (s *SQLiteStore) DeleteRoomMapping(ctx context.Context, id int64) error {
	var matrixRoomID, feishuChatID string
	_ = s.db.QueryRowContext(ctx, `SELECT matrix_room_id, feishu_chat_id FROM room_mappings WHERE id = ?`, id).
		Scan(&matrixRoomID, &feishuChatID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM room_mappings WHERE id = ?`, id)
	if err != nil {
		return domain.NewStoreError("DeleteRoomMapping", domain.ErrKindQuery, err)
	}
	s.invalidateRoomCache(feishuChatID, matrixRoomID)
	return nil
}

func (s *SQLiteStore) DeleteRoomByMatrixID(ctx context.Context, matrixRoomID string) error {
	var feishuChatID string
	_ = s.db.QueryRowContext(ctx, `SELECT feishu_chat_id FROM room_mappings WHERE matrix_room_id = ?`, matrixRoomID).
		Scan(&feishuChatID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM room_mappings WHERE matrix_room_id = ?`, matrixRoomID)
	if err != nil {
		return domain.NewStoreError("DeleteRoomByMatrixID", domain.ErrKindQuery, err)
	}
	s.invalidateRoomCache(feishuChatID, matrixRoomID)
	return nil
}

func (s *SQLiteStore) ListRoomMappings(ctx context.Context, limit, offset int) ([]*domain.RoomMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, matrix_room_id, feishu_chat_id, feishu_chat_name, feishu_chat_type, created_at, updated_at
		FROM room_mappings ORDER BY id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, domain.NewStoreError("ListRoomMappings", domain.ErrKindQuery, err)
	}
	defer rows.Close()

	var out []*domain.RoomMapping
	for rows.Next() {
		m, err := scanRoomMapping(rows)
		if err != nil {
			return nil, domain.NewStoreError("ListRoomMappings", domain.ErrKindQuery, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountRooms(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_mappings`).Scan(&n)
	if err != nil {
		return 0, domain.NewStoreError("CountRooms", domain.ErrKindQuery, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoomMapping(row rowScanner) (*domain.RoomMapping, error) {
	var m domain.RoomMapping
	var chatType, createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.MatrixRoomID, &m.FeishuChatID, &m.FeishuChatName, &chatType, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.FeishuChatType = domain.ChatType(chatType)
	m.CreatedAt, _ = time.Parse(rfc3339, createdAt)
	m.UpdatedAt, _ = time.Parse(rfc3339, updatedAt)
	return &m, nil
}

func (s *SQLiteStore) cacheGetRoom(key string) (*domain.RoomMapping, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	v, ok := s.cache.get(key)
	if !ok {
		return nil, false
	}
	return v.(*domain.RoomMapping), true
}

func (s *SQLiteStore) cachePutRoom(m *domain.RoomMapping) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.put(roomCacheKey("mx", m.MatrixRoomID), m)
	s.cache.put(roomCacheKey("fs", m.FeishuChatID), m)
}

func (s *SQLiteStore) invalidateRoomCache(feishuChatID, matrixRoomID string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if feishuChatID != "" {
		s.cache.invalidate(roomCacheKey("fs", feishuChatID))
	}
	if matrixRoomID != "" {
		s.cache.invalidate(roomCacheKey("mx", matrixRoomID))
	}
}

// isUniqueViolation detects a SQLite UNIQUE constraint failure.
// modernc.org/sqlite (our driver) wraps libsqlite3's own message rather
// than exposing a typed constraint-code error, so matching the message
// text is the only portable way to classify it.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
