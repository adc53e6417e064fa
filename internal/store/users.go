package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

func userCacheKey(side, id string) string { return "user:" + side + ":" + id }

func (s *SQLiteStore) CreateUserMapping(ctx context.Context, m *domain.UserMapping) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_mappings (matrix_user_id, feishu_user_id, feishu_username, feishu_avatar, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.MatrixUserID, m.FeishuUserID, m.FeishuUsername, m.FeishuAvatar, m.CreatedAt.Format(rfc3339), m.UpdatedAt.Format(rfc3339))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewStoreError("CreateUserMapping", domain.ErrKindDuplicate, err)
		}
		return domain.NewStoreError("CreateUserMapping", domain.ErrKindQuery, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		m.ID = id
	}
	return nil
}

func (s *SQLiteStore) GetUserByMatrixID(ctx context.Context, matrixUserID string) (*domain.UserMapping, error) {
	key := userCacheKey("mx", matrixUserID)
	if cached, ok := s.cacheGetUser(key); ok {
		return cached, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, matrix_user_id, feishu_user_id, feishu_username, feishu_avatar, created_at, updated_at
		FROM user_mappings WHERE matrix_user_id = ?
	`, matrixUserID)
	m, err := scanUserMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetUserByMatrixID", domain.ErrKindQuery, err)
	}
	s.cachePutUser(m)
	return m, nil
}

func (s *SQLiteStore) GetUserByFeishuID(ctx context.Context, feishuUserID string) (*domain.UserMapping, error) {
	key := userCacheKey("fs", feishuUserID)
	if cached, ok := s.cacheGetUser(key); ok {
		return cached, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, matrix_user_id, feishu_user_id, feishu_username, feishu_avatar, created_at, updated_at
		FROM user_mappings WHERE feishu_user_id = ?
	`, feishuUserID)
	m, err := scanUserMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetUserByFeishuID", domain.ErrKindQuery, err)
	}
	s.cachePutUser(m)
	return m, nil
}

func (s *SQLiteStore) UpdateUserProfile(ctx context.Context, feishuUserID, username, avatar string) error {
	var matrixUserID string
	_ = s.db.QueryRowContext(ctx, `SELECT matrix_user_id FROM user_mappings WHERE feishu_user_id = ?`, feishuUserID).
		Scan(&matrixUserID)

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_mappings SET feishu_username = ?, feishu_avatar = ?, updated_at = ?
		WHERE feishu_user_id = ?
	`, username, avatar, now.Format(rfc3339), feishuUserID)
	if err != nil {
		return domain.NewStoreError("UpdateUserProfile", domain.ErrKindQuery, err)
	}
	s.invalidateUserCache(feishuUserID, matrixUserID)
	return nil
}

func (s *SQLiteStore) DeleteUserMapping(ctx context.Context, id int64) error {
	var matrixUserID, feishuUserID string
	_ = s.db.QueryRowContext(ctx, `SELECT matrix_user_id, feishu_user_id FROM user_mappings WHERE id = ?`, id).
		Scan(&matrixUserID, &feishuUserID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM user_mappings WHERE id = ?`, id)
	if err != nil {
		return domain.NewStoreError("DeleteUserMapping", domain.ErrKindQuery, err)
	}
	s.invalidateUserCache(feishuUserID, matrixUserID)
	return nil
}

func (s *SQLiteStore) ListUserMappings(ctx context.Context, limit, offset int) ([]*domain.UserMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, matrix_user_id, feishu_user_id, feishu_username, feishu_avatar, created_at, updated_at
		FROM user_mappings ORDER BY id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, domain.NewStoreError("ListUserMappings", domain.ErrKindQuery, err)
	}
	defer rows.Close()

	var out []*domain.UserMapping
	for rows.Next() {
		m, err := scanUserMapping(rows)
		if err != nil {
			return nil, domain.NewStoreError("ListUserMappings", domain.ErrKindQuery, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanUserMapping(row rowScanner) (*domain.UserMapping, error) {
	var m domain.UserMapping
	var createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.MatrixUserID, &m.FeishuUserID, &m.FeishuUsername, &m.FeishuAvatar, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(rfc3339, createdAt)
	m.UpdatedAt, _ = time.Parse(rfc3339, updatedAt)
	return &m, nil
}

func (s *SQLiteStore) cacheGetUser(key string) (*domain.UserMapping, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	v, ok := s.cache.get(key)
	if !ok {
		return nil, false
	}
	return v.(*domain.UserMapping), true
}

func (s *SQLiteStore) cachePutUser(m *domain.UserMapping) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.put(userCacheKey("mx", m.MatrixUserID), m)
	s.cache.put(userCacheKey("fs", m.FeishuUserID), m)
}

func (s *SQLiteStore) invalidateUserCache(feishuUserID, matrixUserID string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if feishuUserID != "" {
		s.cache.invalidate(userCacheKey("fs", feishuUserID))
	}
	if matrixUserID != "" {
		s.cache.invalidate(userCacheKey("mx", matrixUserID))
	}
}
