package feishugw

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"go.uber.org/zap"
)

const (
	maxResourceBytes = 100 * 1024 * 1024
	maxImageBytes    = 10 * 1024 * 1024
	maxFileBytes     = 30 * 1024 * 1024
)

// SentMessage is the uniform result of send_message/reply_message/update_message.
type SentMessage struct {
	MessageID string
	RootID    string
	ParentID  string
	ThreadID  string
}

// ChatInfo is the subset of chat metadata the dispatchers/admin API need.
type ChatInfo struct {
	ChatID      string
	Name        string
	ChatType    string
	OwnerID     string
	MemberCount int
}

// UserInfo is the subset of user profile data used for on-demand backfill.
type UserInfo struct {
	UserID string
	Name   string
	Avatar string
}

// Gateway is the stateful Feishu Open API client: tenant-token
// caching plus a uniform retry/classify layer over github.com/larksuite/oapi-sdk-go/v3.
type Gateway struct {
	appID, appSecret string
	larkCli          *lark.Client
	tokens           *tokenCache
	retry            RetryConfig
	log              *zap.Logger
}

// NewGateway builds a Gateway for the given app credentials.
func NewGateway(appID, appSecret string, retry RetryConfig, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		appID:     appID,
		appSecret: appSecret,
		larkCli:   lark.NewClient(appID, appSecret),
		tokens:    newTokenCache(appID, appSecret, http.DefaultClient),
		retry:     retry,
		log:       log,
	}
}

// EnsureToken returns a currently-valid tenant_access_token, refreshing when
// within 5 minutes of expiry. The larksuite SDK itself caches and attaches
// tokens to Im/Contact calls transparently; this reads the gateway's own
// tokenCache, the same cache withRetry force-refreshes on auth_failed.
func (g *Gateway) EnsureToken(ctx context.Context) (string, error) {
	return g.tokens.ensureToken(ctx)
}

// SendMessage sends a new message to a chat; delivery_uuid gives the send
// server-side idempotence under retries.
func (g *Gateway) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content, deliveryUUID string) (*SentMessage, error) {
	return withRetry(ctx, g.retry, g.tokens, func() (*SentMessage, error) {
		bodyBuilder := larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content)
		if deliveryUUID != "" {
			bodyBuilder = bodyBuilder.Uuid(deliveryUUID)
		}

		req := larkim.NewCreateMessageReqBuilder().
			ReceiveIdType(receiveIDType).
			Body(bodyBuilder.Build()).
			Build()

		resp, err := g.larkCli.Im.Message.Create(ctx, req)
		if err != nil {
			return nil, classifyTransportErr(err)
		}
		if !resp.Success() {
			return nil, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		return sentMessageFromData(resp.Data), nil
	})
}

// ReplyMessage replies to targetMessageID, routed to thread mode when the
// owning chat is a Feishu "thread" chat.
func (g *Gateway) ReplyMessage(ctx context.Context, targetMessageID, msgType, content string, replyInThread bool, deliveryUUID string) (*SentMessage, error) {
	return withRetry(ctx, g.retry, g.tokens, func() (*SentMessage, error) {
		bodyBuilder := larkim.NewReplyMessageReqBodyBuilder().
			Content(content).
			MsgType(msgType).
			ReplyInThread(replyInThread)
		if deliveryUUID != "" {
			bodyBuilder = bodyBuilder.Uuid(deliveryUUID)
		}

		req := larkim.NewReplyMessageReqBuilder().
			MessageId(targetMessageID).
			Body(bodyBuilder.Build()).
			Build()

		resp, err := g.larkCli.Im.Message.Reply(ctx, req)
		if err != nil {
			return nil, classifyTransportErr(err)
		}
		if !resp.Success() {
			return nil, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		return sentMessageFromReply(resp.Data), nil
	})
}

// UpdateMessage edits a previously-sent message's content; callers coerce
// msgType to text|post before calling through.
func (g *Gateway) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	_, err := withRetry(ctx, g.retry, g.tokens, func() (struct{}, error) {
		req := larkim.NewUpdateMessageReqBuilder().
			MessageId(messageID).
			Body(larkim.NewUpdateMessageReqBodyBuilder().
				MsgType(msgType).
				Content(content).
				Build()).
			Build()

		resp, err := g.larkCli.Im.Message.Update(ctx, req)
		if err != nil {
			return struct{}{}, classifyTransportErr(err)
		}
		if !resp.Success() {
			return struct{}{}, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		return struct{}{}, nil
	})
	return err
}

// RecallMessage withdraws a sent message.
func (g *Gateway) RecallMessage(ctx context.Context, messageID string) error {
	_, err := withRetry(ctx, g.retry, g.tokens, func() (struct{}, error) {
		req := larkim.NewDeleteMessageReqBuilder().MessageId(messageID).Build()
		resp, err := g.larkCli.Im.Message.Delete(ctx, req)
		if err != nil {
			return struct{}{}, classifyTransportErr(err)
		}
		if !resp.Success() {
			return struct{}{}, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		return struct{}{}, nil
	})
	return err
}

// GetMessage fetches a message's current content from Feishu.
func (g *Gateway) GetMessage(ctx context.Context, messageID string) (*larkim.GetMessageRespData, error) {
	return withRetry(ctx, g.retry, g.tokens, func() (*larkim.GetMessageRespData, error) {
		req := larkim.NewGetMessageReqBuilder().MessageId(messageID).Build()
		resp, err := g.larkCli.Im.Message.Get(ctx, req)
		if err != nil {
			return nil, classifyTransportErr(err)
		}
		if !resp.Success() {
			return nil, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		return resp.Data, nil
	})
}

// GetMessageResource downloads an attachment (image/audio/media/file) by
// key, rejecting anything over the 100 MB hard ceiling.
func (g *Gateway) GetMessageResource(ctx context.Context, messageID, fileKey, kind string) ([]byte, error) {
	return withRetry(ctx, g.retry, g.tokens, func() ([]byte, error) {
		req := larkim.NewGetMessageResourceReqBuilder().
			MessageId(messageID).
			FileKey(fileKey).
			Type(kind).
			Build()

		resp, err := g.larkCli.Im.MessageResource.Get(ctx, req)
		if err != nil {
			return nil, classifyTransportErr(err)
		}
		if !resp.Success() {
			return nil, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		return readCapped(resp.File, maxResourceBytes)
	})
}

// UploadImage uploads image bytes for later reference in a message
// (10 MB cap) and returns the image_key.
func (g *Gateway) UploadImage(ctx context.Context, data []byte, usage string) (string, error) {
	if len(data) > maxImageBytes {
		return "", newAPIError(0, 0, "image exceeds 10MB upload cap")
	}
	return withRetry(ctx, g.retry, g.tokens, func() (string, error) {
		req := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(usage).
				Image(bytes.NewReader(data)).
				Build()).
			Build()

		resp, err := g.larkCli.Im.Image.Create(ctx, req)
		if err != nil {
			return "", classifyTransportErr(err)
		}
		if !resp.Success() {
			return "", newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		if resp.Data.ImageKey == nil {
			return "", nil
		}
		return *resp.Data.ImageKey, nil
	})
}

// UploadFile uploads arbitrary file bytes (30 MB cap) and returns the
// file_key; kind selects the Feishu file_type (e.g. "stream", "opus",
// "mp4", "pdf", ...).
func (g *Gateway) UploadFile(ctx context.Context, name string, data []byte, kind string) (string, error) {
	if len(data) > maxFileBytes {
		return "", newAPIError(0, 0, "file exceeds 30MB upload cap")
	}
	return withRetry(ctx, g.retry, g.tokens, func() (string, error) {
		req := larkim.NewCreateFileReqBuilder().
			Body(larkim.NewCreateFileReqBodyBuilder().
				FileType(kind).
				FileName(name).
				File(bytes.NewReader(data)).
				Build()).
			Build()

		resp, err := g.larkCli.Im.File.Create(ctx, req)
		if err != nil {
			return "", classifyTransportErr(err)
		}
		if !resp.Success() {
			return "", newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		if resp.Data.FileKey == nil {
			return "", nil
		}
		return *resp.Data.FileKey, nil
	})
}

// GetUser backfills a user's profile by open_id.
func (g *Gateway) GetUser(ctx context.Context, userID string) (*UserInfo, error) {
	return withRetry(ctx, g.retry, g.tokens, func() (*UserInfo, error) {
		req := larkcontact.NewGetUserReqBuilder().
			UserId(userID).
			UserIdType("open_id").
			Build()

		resp, err := g.larkCli.Contact.User.Get(ctx, req)
		if err != nil {
			return nil, classifyTransportErr(err)
		}
		if !resp.Success() {
			return nil, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}
		info := &UserInfo{UserID: userID}
		if resp.Data.User != nil {
			if resp.Data.User.Name != nil {
				info.Name = *resp.Data.User.Name
			}
			if resp.Data.User.Avatar != nil && resp.Data.User.Avatar.AvatarOrigin != nil {
				info.Avatar = *resp.Data.User.Avatar.AvatarOrigin
			}
		}
		return info, nil
	})
}

// GetChat backfills a chat's name/type/owner/member count.
func (g *Gateway) GetChat(ctx context.Context, chatID string) (*ChatInfo, error) {
	return withRetry(ctx, g.retry, g.tokens, func() (*ChatInfo, error) {
		req := larkim.NewGetChatReqBuilder().ChatId(chatID).Build()
		resp, err := g.larkCli.Im.Chat.Get(ctx, req)
		if err != nil {
			return nil, classifyTransportErr(err)
		}
		if !resp.Success() {
			return nil, newAPIError(resp.StatusCode, resp.Code, resp.Msg)
		}

		info := &ChatInfo{ChatID: chatID}
		if resp.Data.Name != nil {
			info.Name = *resp.Data.Name
		}
		if resp.Data.ChatMode != nil {
			info.ChatType = *resp.Data.ChatMode
		}
		if resp.Data.OwnerId != nil {
			info.OwnerID = *resp.Data.OwnerId
		}
		if resp.Data.UserCount != nil {
			fmt.Sscanf(*resp.Data.UserCount, "%d", &info.MemberCount)
		}
		return info, nil
	})
}

func sentMessageFromData(data *larkim.CreateMessageRespData) *SentMessage {
	out := &SentMessage{}
	if data == nil {
		return out
	}
	if data.MessageId != nil {
		out.MessageID = *data.MessageId
	}
	if data.RootId != nil {
		out.RootID = *data.RootId
	}
	if data.ParentId != nil {
		out.ParentID = *data.ParentId
	}
	if data.ThreadId != nil {
		out.ThreadID = *data.ThreadId
	}
	return out
}

// sentMessageFromReply mirrors sentMessageFromData for the reply endpoint's
// own response type; the SDK models the two payloads as distinct structs
// even though they carry the same fields.
func sentMessageFromReply(data *larkim.ReplyMessageRespData) *SentMessage {
	out := &SentMessage{}
	if data == nil {
		return out
	}
	if data.MessageId != nil {
		out.MessageID = *data.MessageId
	}
	if data.RootId != nil {
		out.RootID = *data.RootId
	}
	if data.ParentId != nil {
		out.ParentID = *data.ParentId
	}
	if data.ThreadId != nil {
		out.ThreadID = *data.ThreadId
	}
	return out
}

// classifyTransportErr wraps a non-API (network/serialization) error from
// the SDK's client-side HTTP transport so it still carries a classification
// the dispatchers can branch on.
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	return newAPIError(0, 0, err.Error())
}

func readCapped(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, newAPIError(0, 0, "resource exceeds 100MB hard ceiling")
	}
	return data, nil
}

