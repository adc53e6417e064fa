package webhook

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/matrixas"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

const commandPrefix = "!feishu"

// TxnHandler implements matrixas.HandlerSink: the appservice transaction
// handler front end; events are handled synchronously within the
// transaction. It owns idempotence,
// in-room self-service commands, and handing message events to the
// Matrix→Feishu dispatcher.
type TxnHandler struct {
	stores             *store.Stores
	dispatcher         *dispatch.MatrixDispatcher
	matrixOut          matrixas.MatrixOut
	policy             dispatch.Policy
	selfServiceEnabled bool
	log                *zap.Logger
}

// NewTxnHandler wires the appservice transaction front end.
func NewTxnHandler(stores *store.Stores, d *dispatch.MatrixDispatcher, matrixOut matrixas.MatrixOut, policy dispatch.Policy, selfServiceEnabled bool, log *zap.Logger) *TxnHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TxnHandler{stores: stores, dispatcher: d, matrixOut: matrixOut, policy: policy, selfServiceEnabled: selfServiceEnabled, log: log}
}

// HandleMatrixEvent implements matrixas.HandlerSink.
func (t *TxnHandler) HandleMatrixEvent(roomID string, ev matrixas.Event) error {
	ctx := context.Background()

	logKey := domain.ProcessedEventID(domain.SourceMatrix, ev.EventID)
	if ev.EventID != "" && t.stores.Events != nil {
		processed, err := t.stores.Events.IsEventProcessed(ctx, logKey)
		if err != nil {
			return fmt.Errorf("idempotence check: %w", err)
		}
		if processed {
			return nil
		}
	}

	var err error
	switch ev.Type {
	case "m.room.message", "m.sticker":
		err = t.handleMessage(ctx, roomID, ev)
	case "m.room.member":
		// Membership changes carry no bridged behavior beyond logging;
		// puppet/ghost provisioning is out of scope.
	case "m.room.redaction":
		// Neither bridge direction actually propagates redactions today;
		// the flag only gates whether we acknowledge having seen one.
		if t.policy.BridgeMatrixRedactions {
			t.log.Debug("matrix redaction event", zap.String("room_id", roomID), zap.String("event_id", ev.EventID))
		}
	case "m.reaction":
		if t.policy.BridgeMatrixReactions {
			t.log.Debug("matrix reaction event", zap.String("room_id", roomID), zap.String("event_id", ev.EventID))
		}
	default:
		t.log.Debug("ignoring unrecognized matrix event type", zap.String("type", ev.Type))
	}
	if err != nil {
		return err
	}

	if ev.EventID != "" && t.stores.Events != nil {
		if markErr := t.stores.Events.MarkEventProcessed(ctx, &domain.ProcessedEvent{
			EventID:   logKey,
			EventType: ev.Type,
			Source:    domain.SourceMatrix,
		}); markErr != nil {
			t.log.Warn("failed to mark matrix event processed", zap.String("event_id", ev.EventID), zap.Error(markErr))
		}
	}
	return nil
}

func (t *TxnHandler) handleMessage(ctx context.Context, roomID string, ev matrixas.Event) error {
	body := gjsonParse(ev.Content).Get("body").String()

	if isCommand(body) {
		return t.handleCommand(ctx, roomID, ev.Sender, body)
	}

	msg, ok := flow.ParseMatrixEvent(ev.Type, ev.Content)
	if !ok {
		return nil
	}
	msg.EventID, msg.RoomID, msg.Sender = ev.EventID, roomID, ev.Sender

	return t.dispatcher.Dispatch(ctx, msg)
}

func isCommand(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), commandPrefix)
}

// handleCommand implements the self-service !feishu bridge/unbridge/help/ping
// surface.
func (t *TxnHandler) handleCommand(ctx context.Context, roomID, sender, body string) error {
	parts := strings.Fields(strings.TrimSpace(body))
	if len(parts) < 2 {
		return t.reply(ctx, roomID, t.helpText())
	}

	mapping, err := t.stores.Rooms.GetRoomByMatrixID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("command room lookup: %w", err)
	}
	isBridged := mapping != nil

	switch parts[1] {
	case "bridge":
		if !t.selfServiceEnabled {
			return t.reply(ctx, roomID, "Self-service bridging is not enabled on this bridge.")
		}
		if isBridged {
			return t.reply(ctx, roomID, "This room is already bridged to a Feishu chat.")
		}
		if len(parts) < 3 {
			return t.reply(ctx, roomID, "Usage: !feishu bridge <feishu_chat_id>")
		}
		return t.handleBridgeRequest(ctx, roomID, sender, parts[2])

	case "unbridge":
		if !isBridged {
			return t.reply(ctx, roomID, "This room is not bridged to any Feishu chat.")
		}
		if err := t.stores.Rooms.DeleteRoomMapping(ctx, mapping.ID); err != nil {
			return fmt.Errorf("unbridge: %w", err)
		}
		return t.reply(ctx, roomID, "Removed the bridge from this room.")

	case "ping":
		return t.reply(ctx, roomID, "Pong!")

	case "help":
		return t.reply(ctx, roomID, t.helpText())

	default:
		return t.reply(ctx, roomID, fmt.Sprintf("Unknown command. Use `%s help` for available commands.", commandPrefix))
	}
}

func (t *TxnHandler) handleBridgeRequest(ctx context.Context, roomID, sender, feishuChatID string) error {
	existing, err := t.stores.Rooms.GetRoomByFeishuID(ctx, feishuChatID)
	if err != nil {
		return fmt.Errorf("bridge request lookup: %w", err)
	}
	if existing != nil {
		return t.reply(ctx, roomID, fmt.Sprintf("Feishu chat %s is already bridged to another room.", feishuChatID))
	}

	if err := t.stores.Rooms.CreateRoomMapping(ctx, &domain.RoomMapping{
		MatrixRoomID:   roomID,
		FeishuChatID:   feishuChatID,
		FeishuChatType: domain.ChatTypeGroup,
	}); err != nil {
		return fmt.Errorf("create room mapping: %w", err)
	}
	t.log.Info("bridge request approved via self-service command",
		zap.String("room_id", roomID), zap.String("sender", sender), zap.String("feishu_chat_id", feishuChatID))
	return t.reply(ctx, roomID, fmt.Sprintf("Bridged this room to Feishu chat %s.", feishuChatID))
}

func (t *TxnHandler) helpText() string {
	lines := []string{
		commandPrefix + " help - Show this help message",
		commandPrefix + " ping - Check if the bridge is responsive",
	}
	if t.selfServiceEnabled {
		lines = append(lines,
			commandPrefix+" bridge <chat_id> - Bridge this room to a Feishu chat",
			commandPrefix+" unbridge - Remove the bridge from this room",
		)
	}
	return strings.Join(lines, "\n")
}

func (t *TxnHandler) reply(ctx context.Context, roomID, body string) error {
	_, err := t.matrixOut.SendNotice(ctx, roomID, body)
	return err
}
