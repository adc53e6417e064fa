package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/feishugw"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/matrixas"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

// MatrixDispatcher owns the outbound Matrix→Feishu path.
type MatrixDispatcher struct {
	stores     *store.Stores
	feishu     FeishuOut
	matrixOut  matrixas.MatrixOut
	translator flow.Translator
	policy     Policy
	limiter    *RoomLimiter
	metrics    Metrics
	log        *zap.Logger
}

// NewMatrixDispatcher wires the outbound path against the mapping store,
// the Feishu gateway and the Matrix outbound capability interface.
func NewMatrixDispatcher(stores *store.Stores, feishu FeishuOut, matrixOut matrixas.MatrixOut, translator flow.Translator, policy Policy, log *zap.Logger) *MatrixDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &MatrixDispatcher{
		stores:     stores,
		feishu:     feishu,
		matrixOut:  matrixOut,
		translator: translator,
		policy:     policy,
		limiter:    NewRoomLimiter(policy.RateLimitPerRoom, policy.RateLimitWindow),
		metrics:    metricsOrNoop(nil),
		log:        log,
	}
}

// SetMetrics attaches the process-wide metrics recorder.
func (d *MatrixDispatcher) SetMetrics(m Metrics) { d.metrics = metricsOrNoop(m) }

// Limiter exposes the dispatcher's per-room rate limiter so the runtime's
// periodic sweep evicts the window map that is actually in use.
func (d *MatrixDispatcher) Limiter() *RoomLimiter { return d.limiter }

// Dispatch runs the full outbound path for one parsed Matrix event. A nil
// return means the event was handled (including policy blocks and
// idempotent no-ops); the appservice transaction handler only sees an
// error when enable_failure_degrade is off.
func (d *MatrixDispatcher) Dispatch(ctx context.Context, msg flow.MatrixInboundMessage) error {
	// 1. Policy gate.
	if d.policy.msgTypeBlocked(msg.MsgType) {
		d.metrics.PolicyBlock("msgtype_blocked")
		return nil
	}
	if !d.limiter.Allow(msg.RoomID, time.Now()) {
		d.metrics.PolicyBlock("rate_limited")
		return nil
	}
	body, degraded := truncateText(msg.Body, d.policy.MaxTextLength)
	if degraded {
		d.metrics.DegradedEvent("text_truncated")
	}
	msg.Body = body

	err := d.dispatchInner(ctx, msg)
	if err == nil {
		return nil
	}
	if d.policy.EnableFailureDegrade {
		d.log.Warn("matrix->feishu dispatch failed, degrading",
			zap.String("event_id", msg.EventID), zap.Error(err))
		if mapping, lookupErr := d.stores.Rooms.GetRoomByMatrixID(ctx, msg.RoomID); lookupErr == nil && mapping != nil {
			notice := fmt.Sprintf("Failed to deliver a message from Matrix: %s", err.Error())
			_, _ = d.feishu.SendMessage(ctx, "chat_id", mapping.FeishuChatID, "text", mustJSON(map[string]string{"text": notice}), uuid.NewString())
		}
		return nil
	}
	return err
}

func (d *MatrixDispatcher) dispatchInner(ctx context.Context, msg flow.MatrixInboundMessage) error {
	// 2. Room lookup.
	mapping, err := d.stores.Rooms.GetRoomByMatrixID(ctx, msg.RoomID)
	if err != nil {
		return fmt.Errorf("room lookup: %w", err)
	}
	if mapping == nil {
		return nil
	}

	replyTo, editOf := relationTargets(msg)

	// 3. Content hash / idempotence.
	hash := ContentHash(msg.EventID, msg.RoomID, msg.Sender, msg.MsgType, msg.Body, replyTo, editOf, msg.Attachments)
	if existing, err := d.stores.Messages.GetMessageByContentHash(ctx, hash); err != nil {
		return fmt.Errorf("content hash lookup: %w", err)
	} else if existing != nil {
		return nil
	}

	// 4. Edit branch.
	if editOf != "" && d.policy.BridgeMatrixEdit {
		return d.handleEdit(ctx, editOf, msg)
	}

	out := d.translator.MatrixToFeishu(msg)
	content, _ := truncateText(out.Content, d.policy.MaxTextLength)
	out.Content = content

	// 5. Delivery UUID.
	delivery := DeliveryUUID(msg.EventID, hash)

	// 6. Primary send.
	sent, err := d.sendPrimary(ctx, mapping, &out, delivery)
	if err != nil {
		return fmt.Errorf("primary send: %w", err)
	}

	// 7. Attachments.
	attachmentIDs := d.forwardAttachments(ctx, mapping, msg.Attachments)

	// 8. Primary selection.
	var primaryID, threadID, rootID, parentID string
	if sent != nil {
		primaryID, threadID, rootID, parentID = sent.MessageID, sent.ThreadID, sent.RootID, sent.ParentID
	} else if len(attachmentIDs) > 0 {
		primaryID = attachmentIDs[0]
	}
	if primaryID == "" {
		return nil
	}

	// 9. Mapping persist.
	return d.stores.Messages.CreateMessageMapping(ctx, &domain.MessageMapping{
		MatrixEventID:   msg.EventID,
		FeishuMessageID: primaryID,
		ThreadID:        threadID,
		RootID:          rootID,
		ParentID:        parentID,
		RoomID:          msg.RoomID,
		SenderMXID:      msg.Sender,
		ContentHash:     hash,
	})
}

func (d *MatrixDispatcher) handleEdit(ctx context.Context, matrixTargetEventID string, msg flow.MatrixInboundMessage) error {
	target, err := d.stores.Messages.GetMessageByMatrixID(ctx, matrixTargetEventID)
	if err != nil {
		return fmt.Errorf("edit target lookup: %w", err)
	}
	if target == nil {
		d.log.Warn("matrix edit target has no feishu mapping", zap.String("matrix_event_id", matrixTargetEventID))
		return nil
	}

	out := d.translator.MatrixToFeishu(msg)
	msgType, content, err := buildFeishuContentPayload(out.MsgType, out.Content)
	if err != nil {
		return fmt.Errorf("build edit payload: %w", err)
	}
	if msgType != "text" && msgType != "post" {
		msgType = "text"
	}
	return d.feishu.UpdateMessage(ctx, target.FeishuMessageID, msgType, content)
}

func (d *MatrixDispatcher) sendPrimary(ctx context.Context, mapping *domain.RoomMapping, out *flow.OutboundFeishuMessage, delivery string) (*feishugw.SentMessage, error) {
	if strings.TrimSpace(out.Content) == "" {
		return nil, nil
	}
	msgType, content, err := buildFeishuContentPayload(out.MsgType, out.Content)
	if err != nil {
		return nil, fmt.Errorf("build content payload: %w", err)
	}
	replyInThread := mapping.FeishuChatType == domain.ChatTypeThread

	if d.policy.BridgeMatrixReply && out.ReplyTo != "" {
		if replyMapping, err := d.stores.Messages.GetMessageByMatrixID(ctx, out.ReplyTo); err != nil {
			return nil, fmt.Errorf("reply target lookup: %w", err)
		} else if replyMapping != nil {
			return d.feishu.ReplyMessage(ctx, replyMapping.FeishuMessageID, msgType, content, replyInThread, delivery)
		}
	}
	return d.feishu.SendMessage(ctx, "chat_id", mapping.FeishuChatID, msgType, content, delivery)
}

func (d *MatrixDispatcher) forwardAttachments(ctx context.Context, mapping *domain.RoomMapping, attachments []flow.Attachment) []string {
	var ids []string
	for _, att := range attachments {
		id, err := d.forwardSingleAttachment(ctx, mapping, att)
		if err != nil {
			d.log.Warn("failed to forward matrix attachment to feishu",
				zap.String("url", att.URL), zap.String("feishu_chat_id", mapping.FeishuChatID), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (d *MatrixDispatcher) forwardSingleAttachment(ctx context.Context, mapping *domain.RoomMapping, att flow.Attachment) (string, error) {
	if !d.policy.attachmentKindAllowed(att.Kind) {
		return "", fmt.Errorf("%s bridging disabled", att.Kind)
	}

	data, _, err := d.matrixOut.DownloadMedia(ctx, att.URL)
	if err != nil {
		return "", fmt.Errorf("download matrix media: %w", err)
	}
	if d.policy.MaxMediaSize > 0 && int64(len(data)) > d.policy.MaxMediaSize {
		return "", fmt.Errorf("matrix media exceeds configured max_media_size: %d > %d", len(data), d.policy.MaxMediaSize)
	}

	plan := planForMatrixKind(att.Kind)
	mediaHash := sha256Hex(data)

	if cached, err := d.stores.Media.GetMediaCache(ctx, mediaHash, plan.cacheKind); err != nil {
		return "", fmt.Errorf("media cache lookup: %w", err)
	} else if cached != nil {
		return d.sendCachedResource(ctx, mapping.FeishuChatID, plan.feishuMsg, plan.keyField, cached.ResourceKey)
	}

	var resourceKey string
	if plan.cacheKind == domain.MediaImage {
		resourceKey, err = d.feishu.UploadImage(ctx, data, "message")
	} else {
		fileType := guessFeishuFileType(att.Name, att.Kind)
		resourceKey, err = d.feishu.UploadFile(ctx, att.Name, data, fileType)
	}
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}

	if err := d.stores.Media.UpsertMediaCache(ctx, &domain.MediaCacheEntry{
		ContentHash: mediaHash,
		MediaKind:   plan.cacheKind,
		ResourceKey: resourceKey,
	}); err != nil {
		return "", fmt.Errorf("upsert media cache: %w", err)
	}

	return d.sendCachedResource(ctx, mapping.FeishuChatID, plan.feishuMsg, plan.keyField, resourceKey)
}

func (d *MatrixDispatcher) sendCachedResource(ctx context.Context, feishuChatID, msgType, keyField, resourceKey string) (string, error) {
	payload := mustJSON(map[string]string{keyField: resourceKey})
	sent, err := d.feishu.SendMessage(ctx, "chat_id", feishuChatID, msgType, payload, uuid.NewString())
	if err != nil {
		return "", err
	}
	return sent.MessageID, nil
}

// buildFeishuContentPayload renders the wire content for a text/post send.
// Rich-text rendering is the formatter's job; "post" falls back to a single-paragraph structure carrying the
// plain text, same as the upstream bridge does when the real converter
// isn't wired in.
func buildFeishuContentPayload(msgType, body string) (string, string, error) {
	if msgType == "post" {
		payload := map[string]any{
			"zh_cn": map[string]any{
				"title": "",
				"content": [][]map[string]string{
					{{"tag": "text", "text": body}},
				},
			},
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return "", "", err
		}
		return "post", string(data), nil
	}
	data, err := json.Marshal(map[string]string{"text": body})
	if err != nil {
		return "", "", err
	}
	return "text", string(data), nil
}

func relationTargets(msg flow.MatrixInboundMessage) (replyTo, editOf string) {
	if msg.Relation == nil {
		return "", ""
	}
	switch msg.Relation.Kind {
	case flow.RelationReply:
		return msg.Relation.EventID, ""
	case flow.RelationReplace:
		return "", msg.Relation.EventID
	default:
		return "", ""
	}
}

// truncateText enforces max_text_length, counted in characters rather than
// bytes; a length of 0 disables truncation.
func truncateText(body string, maxLen int) (string, bool) {
	if maxLen <= 0 {
		return body, false
	}
	runes := []rune(body)
	if len(runes) <= maxLen {
		return body, false
	}
	return string(runes[:maxLen]) + "…", true
}

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
