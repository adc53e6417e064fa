package webhook

import (
	"context"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/deadletter"
	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

// processor runs one parsed Feishu event through the matching
// FeishuDispatcher method, dead-lettering terminal failures.
type processor struct {
	dispatcher *dispatch.FeishuDispatcher
	replayer   *deadletter.Replayer
	events     store.EventStore
	log        *zap.Logger
}

func newProcessor(d *dispatch.FeishuDispatcher, replayer *deadletter.Replayer, events store.EventStore, log *zap.Logger) *processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &processor{dispatcher: d, replayer: replayer, events: events, log: log}
}

func (p *processor) process(ctx context.Context, ev envelope) {
	// Idempotence: the processed-event log absorbs duplicate webhook
	// deliveries before any handler work.
	logKey := ""
	if ev.eventID != "" && p.events != nil {
		logKey = domain.ProcessedEventID(domain.SourceFeishu, ev.eventID)
		processed, checkErr := p.events.IsEventProcessed(ctx, logKey)
		if checkErr != nil {
			p.log.Warn("processed-event check failed", zap.String("event_id", ev.eventID), zap.Error(checkErr))
		} else if processed {
			return
		}
	}

	var err error
	var dedupeKey string

	switch ev.eventType {
	case eventMessageReceive:
		msgID := ev.raw.Get("message.message_id").String()
		dedupeKey = msgID
		bm := flow.ParseFeishuMessage(
			msgID,
			ev.raw.Get("sender.sender_id.open_id").String(),
			ev.raw.Get("message.chat_id").String(),
			ev.raw.Get("message.message_type").String(),
			ev.raw.Get("message.content").String(),
			mentionNames(ev.raw.Get("message.mentions")),
		)
		bm.ThreadID = ev.raw.Get("message.thread_id").String()
		bm.RootID = ev.raw.Get("message.root_id").String()
		bm.ParentID = ev.raw.Get("message.parent_id").String()
		err = p.dispatcher.DispatchMessage(ctx, bm)

	case eventMessageRecall:
		msgID := ev.raw.Get("message_id").String()
		dedupeKey = msgID
		err = p.dispatcher.HandleRecalled(ctx, msgID)

	case eventMemberAdded:
		dedupeKey = deadletter.MembershipDedupeKey(string(ev.eventType), ev.chatID, ev.raw)
		err = p.dispatcher.HandleMemberAdded(ctx, ev.chatID, memberIDs(ev.raw))

	case eventMemberDeleted:
		dedupeKey = deadletter.MembershipDedupeKey(string(ev.eventType), ev.chatID, ev.raw)
		err = p.dispatcher.HandleMemberDeleted(ctx, ev.chatID, memberIDs(ev.raw))

	case eventChatUpdated:
		dedupeKey = deadletter.MembershipDedupeKey(string(ev.eventType), ev.chatID, ev.raw)
		name := firstNonEmpty(ev.raw.Get("after_change.name").String(), ev.raw.Get("name").String())
		chatType := domain.ChatType(firstNonEmpty(ev.raw.Get("after_change.chat_mode").String(), "group"))
		err = p.dispatcher.HandleChatUpdated(ctx, ev.chatID, name, chatType)

	case eventChatDisbanded:
		dedupeKey = deadletter.MembershipDedupeKey(string(ev.eventType), ev.chatID, ev.raw)
		err = p.dispatcher.HandleChatDisbanded(ctx, ev.chatID)

	default:
		return
	}

	if err == nil {
		if logKey != "" {
			if markErr := p.events.MarkEventProcessed(ctx, &domain.ProcessedEvent{
				EventID:   logKey,
				EventType: string(ev.eventType),
				Source:    domain.SourceFeishu,
			}); markErr != nil {
				p.log.Warn("failed to mark feishu event processed", zap.String("event_id", ev.eventID), zap.Error(markErr))
			}
		}
		return
	}

	p.log.Warn("feishu event dispatch failed", zap.String("event_type", string(ev.eventType)), zap.String("event_id", ev.eventID), zap.Error(err))

	if dedupeKey == "" || p.replayer == nil {
		return
	}
	if dlErr := p.replayer.RecordFailure(ctx, string(ev.eventType), dedupeKey, ev.chatID, []byte(ev.raw.Raw), err); dlErr != nil {
		p.log.Error("failed to record dead letter", zap.String("event_id", ev.eventID), zap.Error(dlErr))
	}
}

func mentionNames(mentions gjson.Result) map[string]string {
	if !mentions.IsArray() {
		return nil
	}
	out := make(map[string]string)
	for _, m := range mentions.Array() {
		key := m.Get("key").String()
		name := m.Get("name").String()
		if key != "" {
			out[key] = name
		}
	}
	return out
}

func memberIDs(event gjson.Result) []string {
	var ids []string
	for _, u := range event.Get("users").Array() {
		id := firstNonEmpty(u.Get("user_id.open_id").String(), u.Get("user_id.user_id").String())
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
