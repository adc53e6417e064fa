package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

func (s *SQLiteStore) GetMediaCache(ctx context.Context, contentHash string, kind domain.MediaKind) (*domain.MediaCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, media_kind, resource_key, created_at, updated_at
		FROM media_cache WHERE content_hash = ? AND media_kind = ?
	`, contentHash, string(kind))

	var e domain.MediaCacheEntry
	var mk, createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.ContentHash, &mk, &e.ResourceKey, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewStoreError("GetMediaCache", domain.ErrKindQuery, err)
	}
	e.MediaKind = domain.MediaKind(mk)
	e.CreatedAt, _ = time.Parse(rfc3339, createdAt)
	e.UpdatedAt, _ = time.Parse(rfc3339, updatedAt)
	return &e, nil
}

// UpsertMediaCache records the Feishu resource key produced for a
// (content_hash, media_kind) pair, replacing any prior entry — re-uploads
// overwrite rather than duplicate.
func (s *SQLiteStore) UpsertMediaCache(ctx context.Context, e *domain.MediaCacheEntry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_cache (content_hash, media_kind, resource_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, media_kind) DO UPDATE SET
			resource_key = excluded.resource_key,
			updated_at = excluded.updated_at
	`, e.ContentHash, string(e.MediaKind), e.ResourceKey, e.CreatedAt.Format(rfc3339), e.UpdatedAt.Format(rfc3339))
	if err != nil {
		return domain.NewStoreError("UpsertMediaCache", domain.ErrKindQuery, err)
	}
	return nil
}
