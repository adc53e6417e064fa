package dispatch

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/feishugw"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/matrixas"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

const disbandDeleteBatch = 200

// FeishuDispatcher owns the outbound Feishu→Matrix path plus the
// membership/chat-lifecycle handlers.
type FeishuDispatcher struct {
	stores     *store.Stores
	feishu     FeishuOut
	matrixOut  matrixas.MatrixOut
	translator flow.Translator
	policy     Policy
	log        *zap.Logger
}

// NewFeishuDispatcher wires the outbound path against the mapping store,
// the Feishu gateway and the Matrix outbound capability interface.
func NewFeishuDispatcher(stores *store.Stores, feishu FeishuOut, matrixOut matrixas.MatrixOut, translator flow.Translator, policy Policy, log *zap.Logger) *FeishuDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &FeishuDispatcher{
		stores:     stores,
		feishu:     feishu,
		matrixOut:  matrixOut,
		translator: translator,
		policy:     policy,
		log:        log,
	}
}

// DispatchMessage runs the full inbound path for one parsed
// Feishu message (im.message.receive_v1).
func (d *FeishuDispatcher) DispatchMessage(ctx context.Context, bm flow.BridgeMessage) error {
	// 1. Idempotence.
	if existing, err := d.stores.Messages.GetMessageByFeishuID(ctx, bm.ID); err != nil {
		return fmt.Errorf("idempotence lookup: %w", err)
	} else if existing != nil {
		return nil
	}

	// 2. Portal resolution.
	mapping, err := d.stores.Rooms.GetRoomByFeishuID(ctx, bm.RoomID)
	if err != nil {
		return fmt.Errorf("portal lookup: %w", err)
	}
	if mapping == nil {
		return nil
	}
	if mapping.FeishuChatName == "" {
		if info, err := d.feishu.GetChat(ctx, bm.RoomID); err == nil && info.Name != "" {
			if err := d.stores.Rooms.UpdateRoomChatMeta(ctx, bm.RoomID, info.Name, mapping.FeishuChatType); err == nil {
				mapping.FeishuChatName = info.Name
			}
		}
	}

	// 3. Reply linkage.
	replyTo := ""
	if bm.ParentID != "" {
		if target, err := d.stores.Messages.GetMessageByFeishuID(ctx, bm.ParentID); err == nil && target != nil {
			replyTo = target.MatrixEventID
		}
	}

	out := d.translator.FeishuToMatrix(bm, replyTo, "")

	var primaryEventID string

	// 4. Text send.
	if strings.TrimSpace(out.Body) != "" {
		eventID, err := d.matrixOut.SendEvent(ctx, mapping.MatrixRoomID, "m.room.message", matrixTextContent(out))
		if err != nil {
			return fmt.Errorf("send matrix text: %w", err)
		}
		primaryEventID = eventID
	}

	// 5. Attachments.
	for _, ref := range bm.Attachments {
		eventID, err := d.forwardAttachment(ctx, mapping.MatrixRoomID, bm.ID, ref, replyTo)
		if err != nil {
			d.log.Warn("failed to forward feishu attachment to matrix",
				zap.String("ref", ref), zap.String("matrix_room_id", mapping.MatrixRoomID), zap.Error(err))
			continue
		}
		if primaryEventID == "" {
			primaryEventID = eventID
		}
	}

	if primaryEventID == "" {
		return nil
	}

	// 6. Mapping persist.
	return d.stores.Messages.CreateMessageMapping(ctx, &domain.MessageMapping{
		MatrixEventID:   primaryEventID,
		FeishuMessageID: bm.ID,
		ThreadID:        bm.ThreadID,
		RootID:          bm.RootID,
		ParentID:        bm.ParentID,
		RoomID:          mapping.MatrixRoomID,
		SenderFeishuID:  bm.Sender,
	})
}

func (d *FeishuDispatcher) forwardAttachment(ctx context.Context, matrixRoomID, feishuMessageID, ref, replyTo string) (string, error) {
	kind, key, err := parseFeishuAttachmentURL(ref)
	if err != nil {
		return "", err
	}
	data, err := d.feishu.GetMessageResource(ctx, feishuMessageID, key, resourceTypeForFeishuKind(kind))
	if err != nil {
		return "", fmt.Errorf("download feishu resource: %w", err)
	}
	if d.policy.MaxMediaSize > 0 && int64(len(data)) > d.policy.MaxMediaSize {
		return "", fmt.Errorf("feishu media exceeds configured max_media_size: %d > %d", len(data), d.policy.MaxMediaSize)
	}

	mime := guessMimeForFeishuKind(kind)
	mxcURL, err := d.matrixOut.UploadMedia(ctx, data, mime, key)
	if err != nil {
		return "", fmt.Errorf("upload matrix media: %w", err)
	}

	content := map[string]any{
		"msgtype": matrixMsgTypeForFeishuKind(kind),
		"body":    key,
		"url":     mxcURL,
		"info": map[string]any{
			"mimetype": mime,
			"size":     len(data),
		},
	}
	if replyTo != "" {
		content["m.relates_to"] = map[string]any{
			"m.in_reply_to": map[string]string{"event_id": replyTo},
		}
	}

	return d.matrixOut.SendEvent(ctx, matrixRoomID, "m.room.message", content)
}

func matrixTextContent(out flow.OutboundMatrixMessage) map[string]any {
	content := map[string]any{
		"msgtype": out.MsgType,
		"body":    out.RenderBody(),
	}
	if out.FormattedBody != "" {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = out.FormattedBody
	}
	if out.ReplyTo != "" {
		content["m.relates_to"] = map[string]any{
			"m.in_reply_to": map[string]string{"event_id": out.ReplyTo},
		}
	}
	return content
}

// HandleRecalled handles a recalled message: redact the bridged
// Matrix event and drop the mapping row.
func (d *FeishuDispatcher) HandleRecalled(ctx context.Context, feishuMessageID string) error {
	target, err := d.stores.Messages.GetMessageByFeishuID(ctx, feishuMessageID)
	if err != nil {
		return fmt.Errorf("recall lookup: %w", err)
	}
	if target == nil {
		return nil
	}
	if err := d.matrixOut.RedactEvent(ctx, target.RoomID, target.MatrixEventID, "recalled on Feishu"); err != nil {
		return fmt.Errorf("redact event: %w", err)
	}
	return d.stores.Messages.DeleteMessageByFeishuID(ctx, feishuMessageID)
}

// HandleMemberAdded handles chat-member additions: best-effort
// resolve display names, then send a notice into the portal.
func (d *FeishuDispatcher) HandleMemberAdded(ctx context.Context, chatID string, userIDs []string) error {
	return d.notifyMembership(ctx, chatID, userIDs, "joined the Feishu chat")
}

// HandleMemberDeleted handles chat-member removals.
func (d *FeishuDispatcher) HandleMemberDeleted(ctx context.Context, chatID string, userIDs []string) error {
	return d.notifyMembership(ctx, chatID, userIDs, "left the Feishu chat")
}

func (d *FeishuDispatcher) notifyMembership(ctx context.Context, chatID string, userIDs []string, verb string) error {
	mapping, err := d.stores.Rooms.GetRoomByFeishuID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("membership portal lookup: %w", err)
	}
	if mapping == nil {
		return nil
	}
	names := make([]string, 0, len(userIDs))
	for _, uid := range userIDs {
		if info, err := d.feishu.GetUser(ctx, uid); err == nil && info.Name != "" {
			names = append(names, info.Name)
			d.refreshUserProfile(ctx, uid, info)
		} else {
			names = append(names, uid)
		}
	}
	notice := fmt.Sprintf("%s %s", strings.Join(names, ", "), verb)
	_, err = d.matrixOut.SendNotice(ctx, mapping.MatrixRoomID, notice)
	return err
}

// refreshUserProfile re-syncs a stale UserMapping's display data after a
// successful profile lookup. Only mappings that already exist are touched;
// creating new ones is the profile-sync flow's job, not membership
// notification's.
func (d *FeishuDispatcher) refreshUserProfile(ctx context.Context, feishuUserID string, info *feishugw.UserInfo) {
	if d.stores.Users == nil || d.policy.UserProfileTTL <= 0 {
		return
	}
	existing, err := d.stores.Users.GetUserByFeishuID(ctx, feishuUserID)
	if err != nil || existing == nil || !existing.Stale(d.policy.UserProfileTTL) {
		return
	}
	if err := d.stores.Users.UpdateUserProfile(ctx, feishuUserID, info.Name, info.Avatar); err != nil {
		d.log.Warn("failed to refresh user profile", zap.String("feishu_user_id", feishuUserID), zap.Error(err))
	}
}

// HandleChatUpdated merges the changed
// name/mode into the RoomMapping and emit a notice.
func (d *FeishuDispatcher) HandleChatUpdated(ctx context.Context, chatID, name string, chatType domain.ChatType) error {
	if err := d.stores.Rooms.UpdateRoomChatMeta(ctx, chatID, name, chatType); err != nil {
		return fmt.Errorf("update chat meta: %w", err)
	}
	mapping, err := d.stores.Rooms.GetRoomByFeishuID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("chat update portal lookup: %w", err)
	}
	if mapping == nil {
		return nil
	}
	notice := fmt.Sprintf("Feishu chat updated: name=%q type=%s", name, chatType)
	_, err = d.matrixOut.SendNotice(ctx, mapping.MatrixRoomID, notice)
	return err
}

// HandleChatDisbanded tears the portal down: batch-delete
// message mappings for the room, delete the room mapping, and notify.
func (d *FeishuDispatcher) HandleChatDisbanded(ctx context.Context, chatID string) error {
	mapping, err := d.stores.Rooms.GetRoomByFeishuID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("disband portal lookup: %w", err)
	}
	if mapping == nil {
		return nil
	}

	for {
		n, err := d.stores.Messages.DeleteMessagesByRoomID(ctx, mapping.MatrixRoomID, disbandDeleteBatch)
		if err != nil {
			return fmt.Errorf("delete message mappings: %w", err)
		}
		if n == 0 {
			break
		}
	}

	if _, err := d.matrixOut.SendNotice(ctx, mapping.MatrixRoomID, "Feishu chat disbanded; bridge removed"); err != nil {
		d.log.Warn("failed to send disband notice", zap.String("matrix_room_id", mapping.MatrixRoomID), zap.Error(err))
	}

	return d.stores.Rooms.DeleteRoomByMatrixID(ctx, mapping.MatrixRoomID)
}
