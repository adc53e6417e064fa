package dispatch

import (
	"context"

	"github.com/anthropics/feishu-matrix-bridge/internal/feishugw"
)

// FeishuOut is the subset of feishugw.Gateway the dispatchers depend on,
// kept as an interface so tests can stand in a fake instead of driving the
// real Feishu Open API.
type FeishuOut interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content, deliveryUUID string) (*feishugw.SentMessage, error)
	ReplyMessage(ctx context.Context, targetMessageID, msgType, content string, replyInThread bool, deliveryUUID string) (*feishugw.SentMessage, error)
	UpdateMessage(ctx context.Context, messageID, msgType, content string) error
	UploadImage(ctx context.Context, data []byte, usage string) (string, error)
	UploadFile(ctx context.Context, name string, data []byte, kind string) (string, error)
	GetMessageResource(ctx context.Context, messageID, fileKey, kind string) ([]byte, error)
	GetUser(ctx context.Context, userID string) (*feishugw.UserInfo, error)
	GetChat(ctx context.Context, chatID string) (*feishugw.ChatInfo, error)
}
