// Package store implements the Mapping Store: durable,
// asynchronous-style (context-aware) access to rooms, users, messages,
// the processed-event log, dead letters and the media-key cache, backed by
// SQLite via modernc.org/sqlite.
package store

import (
	"context"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

// RoomStore persists Matrix room ↔ Feishu chat mappings.
type RoomStore interface {
	CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error
	GetRoomByMatrixID(ctx context.Context, matrixRoomID string) (*domain.RoomMapping, error)
	GetRoomByFeishuID(ctx context.Context, feishuChatID string) (*domain.RoomMapping, error)
	UpdateRoomChatMeta(ctx context.Context, feishuChatID, name string, chatType domain.ChatType) error
	DeleteRoomMapping(ctx context.Context, id int64) error
	DeleteRoomByMatrixID(ctx context.Context, matrixRoomID string) error
	ListRoomMappings(ctx context.Context, limit, offset int) ([]*domain.RoomMapping, error)
	CountRooms(ctx context.Context) (int64, error)
}

// UserStore persists Matrix user ↔ Feishu user mappings.
type UserStore interface {
	CreateUserMapping(ctx context.Context, m *domain.UserMapping) error
	GetUserByMatrixID(ctx context.Context, matrixUserID string) (*domain.UserMapping, error)
	GetUserByFeishuID(ctx context.Context, feishuUserID string) (*domain.UserMapping, error)
	UpdateUserProfile(ctx context.Context, feishuUserID, username, avatar string) error
	DeleteUserMapping(ctx context.Context, id int64) error
	ListUserMappings(ctx context.Context, limit, offset int) ([]*domain.UserMapping, error)
}

// MessageStore persists Matrix event ↔ Feishu message mappings.
type MessageStore interface {
	CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error
	GetMessageByMatrixID(ctx context.Context, matrixEventID string) (*domain.MessageMapping, error)
	GetMessageByFeishuID(ctx context.Context, feishuMessageID string) (*domain.MessageMapping, error)
	GetMessageByContentHash(ctx context.Context, contentHash string) (*domain.MessageMapping, error)
	DeleteMessageByFeishuID(ctx context.Context, feishuMessageID string) error
	DeleteMessageByMatrixID(ctx context.Context, matrixEventID string) error
	DeleteMessagesByRoomID(ctx context.Context, roomID string, limit int) (int64, error)
	ListMessageMappings(ctx context.Context, limit, offset int) ([]*domain.MessageMapping, error)
}

// EventStore is the append-only idempotence log.
type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, e *domain.ProcessedEvent) error
	CleanupProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

// DeadLetterStore persists failed-event records and their replay state.
type DeadLetterStore interface {
	UpsertDeadLetter(ctx context.Context, e *domain.DeadLetterEvent) (*domain.DeadLetterEvent, error)
	GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetterEvent, error)
	ListDeadLetters(ctx context.Context, status domain.DeadLetterStatus, limit, offset int) ([]*domain.DeadLetterEvent, error)
	MarkReplayed(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	RequeuePending(ctx context.Context, id int64) error
	CountDeadLetters(ctx context.Context, status domain.DeadLetterStatus) (int64, error)
	DeleteDeadLetters(ctx context.Context, status domain.DeadLetterStatus, olderThan *time.Time, limit int) ([]int64, error)
}

// MediaStore caches the Feishu resource key uploaded for a given content
// hash + media kind, so repeat attachments skip re-uploading.
type MediaStore interface {
	GetMediaCache(ctx context.Context, contentHash string, kind domain.MediaKind) (*domain.MediaCacheEntry, error)
	UpsertMediaCache(ctx context.Context, e *domain.MediaCacheEntry) error
}

// Stores bundles every narrow interface the bridge's components depend on.
type Stores struct {
	Rooms       RoomStore
	Users       UserStore
	Messages    MessageStore
	Events      EventStore
	DeadLetters DeadLetterStore
	Media       MediaStore
}
