// Package domain holds the entities shared across the mapping store,
// dispatchers and admin API: rooms, users, messages, processed events,
// dead letters and the media cache.
package domain

import "time"

// ChatType mirrors the Feishu chat_type/chat_mode values a RoomMapping can
// carry (group chat, a Feishu "thread" chat, or a 1:1 p2p chat).
type ChatType string

const (
	ChatTypeGroup  ChatType = "group"
	ChatTypeThread ChatType = "thread"
	ChatTypeP2P    ChatType = "p2p"
)

// RoomMapping links one Matrix room to one Feishu chat.
type RoomMapping struct {
	ID             int64
	MatrixRoomID   string
	FeishuChatID   string
	FeishuChatName string
	FeishuChatType ChatType
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewRoomMapping builds a RoomMapping with the default "group" chat type.
func NewRoomMapping(matrixRoomID, feishuChatID, feishuChatName string) *RoomMapping {
	now := time.Now()
	return &RoomMapping{
		MatrixRoomID:   matrixRoomID,
		FeishuChatID:   feishuChatID,
		FeishuChatName: feishuChatName,
		FeishuChatType: ChatTypeGroup,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// UserMapping links one Matrix user to one Feishu user.
type UserMapping struct {
	ID             int64
	MatrixUserID   string
	FeishuUserID   string
	FeishuUsername string
	FeishuAvatar   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stale reports whether the mapping's profile data should be refreshed via
// the gateway's GetUser.
func (u *UserMapping) Stale(ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return time.Since(u.UpdatedAt) > ttl
}

// MessageMapping links one Matrix event to one Feishu message, with optional
// threading fields and the stable content hash used for outbound dedup.
type MessageMapping struct {
	ID              int64
	MatrixEventID   string
	FeishuMessageID string
	ThreadID        string
	RootID          string
	ParentID        string
	RoomID          string
	SenderMXID      string
	SenderFeishuID  string
	ContentHash     string
	CreatedAt       time.Time
}

// EventSource identifies which side an inbound event originated from.
type EventSource string

const (
	SourceMatrix EventSource = "matrix"
	SourceFeishu EventSource = "feishu"
)

// ProcessedEvent is the append-only idempotence log.
type ProcessedEvent struct {
	ID          int64
	EventID     string
	EventType   string
	Source      EventSource
	ProcessedAt time.Time
}

// ProcessedEventID builds the `matrix:<id>` / `feishu:<id>` unique key.
func ProcessedEventID(source EventSource, id string) string {
	return string(source) + ":" + id
}

// DeadLetterStatus is the lifecycle state of a DeadLetterEvent.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterReplayed DeadLetterStatus = "replayed"
	DeadLetterFailed   DeadLetterStatus = "failed"
)

// DeadLetterEvent is a persisted, replayable record of a failed inbound
// event.
type DeadLetterEvent struct {
	ID             int64
	Source         EventSource
	EventType      string
	DedupeKey      string
	ChatID         string
	Payload        []byte
	Error          string
	Status         DeadLetterStatus
	ReplayCount    int64
	LastReplayedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MediaKind classifies a cached Feishu resource key, mirroring the
// attachment kinds used by the Matrix→Feishu dispatcher.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "media"
	MediaFile  MediaKind = "file"
)

// MediaCacheEntry remembers the Feishu resource key produced for a given
// content hash + kind, so repeated attachments skip re-uploading.
type MediaCacheEntry struct {
	ID          int64
	ContentHash string
	MediaKind   MediaKind
	ResourceKey string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PendingBridgeRequestStatus is the lifecycle of a provisioning request.
type PendingBridgeRequestStatus string

const (
	PendingStatus  PendingBridgeRequestStatus = "Pending"
	ApprovedStatus PendingBridgeRequestStatus = "Approved"
	DeclinedStatus PendingBridgeRequestStatus = "Declined"
	ExpiredStatus  PendingBridgeRequestStatus = "Expired"
)

// PendingBridgeRequest is an in-memory provisioning request awaiting
// approval. It is never persisted to the mapping store.
type PendingBridgeRequest struct {
	FeishuChatID    string
	MatrixRoomID    string
	MatrixRequestor string
	RequestID       string
	ActorSource     string
	CreatedAt       time.Time
	Status          PendingBridgeRequestStatus
}
