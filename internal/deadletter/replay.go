// Package deadletter implements the dead-letter/replay subsystem:
// typed replay dispatch for event payloads that failed terminal delivery on
// first attempt, plus the batch replay and retention-cleanup operations the
// admin API and bridgectl expose.
package deadletter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

// Replayer loads dead-lettered events, re-parses their stored payload into
// the same typed variant the live webhook path would have produced, and
// re-invokes the Feishu→Matrix dispatcher — the same path the event would
// have taken on first delivery.
type Replayer struct {
	stores     *store.Stores
	dispatcher *dispatch.FeishuDispatcher
	log        *zap.Logger
}

func NewReplayer(stores *store.Stores, d *dispatch.FeishuDispatcher, log *zap.Logger) *Replayer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replayer{stores: stores, dispatcher: d, log: log}
}

// RecordFailure upserts a dead letter for a terminally-failed dispatch;
// re-ingestion resets the row's status to pending.
func (r *Replayer) RecordFailure(ctx context.Context, eventType, dedupeKey, chatID string, payload []byte, cause error) error {
	_, err := r.stores.DeadLetters.UpsertDeadLetter(ctx, &domain.DeadLetterEvent{
		Source:    domain.SourceFeishu,
		EventType: eventType,
		DedupeKey: dedupeKey,
		ChatID:    chatID,
		Payload:   payload,
		Error:     cause.Error(),
		Status:    domain.DeadLetterPending,
	})
	return err
}

// ReplayOne loads dead letter id, dispatches its payload, and transitions
// its status: success → replayed, failure → failed with the new error.
func (r *Replayer) ReplayOne(ctx context.Context, id int64) error {
	dl, err := r.stores.DeadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("load dead letter %d: %w", id, err)
	}
	if dl == nil {
		return fmt.Errorf("dead letter %d not found", id)
	}

	if dispatchErr := r.dispatchPayload(ctx, dl); dispatchErr != nil {
		if markErr := r.stores.DeadLetters.MarkFailed(ctx, id, dispatchErr.Error()); markErr != nil {
			return fmt.Errorf("replay %d failed (%v) and mark_failed also failed: %w", id, dispatchErr, markErr)
		}
		return fmt.Errorf("replay %d: %w", id, dispatchErr)
	}

	return r.stores.DeadLetters.MarkReplayed(ctx, id, timeNow())
}

// BatchResult is the per-id outcome of a batch replay.
type BatchResult struct {
	ID  int64
	Err error
}

// ReplayBatch replays an explicit set of ids, collecting per-id failures
// without aborting the batch.
func (r *Replayer) ReplayBatch(ctx context.Context, ids []int64) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, BatchResult{ID: id, Err: r.ReplayOne(ctx, id)})
	}
	return results
}

// ReplayByStatus selects up to limit dead letters in status and replays
// each.
func (r *Replayer) ReplayByStatus(ctx context.Context, status domain.DeadLetterStatus, limit int) ([]BatchResult, error) {
	rows, err := r.stores.DeadLetters.ListDeadLetters(ctx, status, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return r.ReplayBatch(ctx, ids), nil
}

// Cleanup deletes dead letters matching status (optional) and older than
// olderThan (optional), up to limit rows; dryRun reports what would be
// deleted without deleting.
func (r *Replayer) Cleanup(ctx context.Context, status *domain.DeadLetterStatus, olderThan *time.Time, limit int, dryRun bool) ([]int64, error) {
	if dryRun {
		var st domain.DeadLetterStatus
		if status != nil {
			st = *status
		}
		rows, err := r.stores.DeadLetters.ListDeadLetters(ctx, st, limit, 0)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			if olderThan != nil && row.CreatedAt.After(*olderThan) {
				continue
			}
			ids = append(ids, row.ID)
		}
		return ids, nil
	}

	var st domain.DeadLetterStatus
	if status != nil {
		st = *status
	}
	return r.stores.DeadLetters.DeleteDeadLetters(ctx, st, olderThan, limit)
}

// dispatchPayload re-parses a dead letter's opaque payload into the typed
// variant its event_type implies and re-runs the Feishu→Matrix dispatcher.
func (r *Replayer) dispatchPayload(ctx context.Context, dl *domain.DeadLetterEvent) error {
	if !gjson.ValidBytes(dl.Payload) {
		return fmt.Errorf("dead letter %d: payload is not valid JSON", dl.ID)
	}
	event := gjson.ParseBytes(dl.Payload)

	switch dl.EventType {
	case "im.message.receive_v1":
		msgID := event.Get("message.message_id").String()
		bm := flow.ParseFeishuMessage(
			msgID,
			event.Get("sender.sender_id.open_id").String(),
			event.Get("message.chat_id").String(),
			event.Get("message.message_type").String(),
			event.Get("message.content").String(),
			mentionNames(event.Get("message.mentions")),
		)
		bm.ThreadID = event.Get("message.thread_id").String()
		bm.RootID = event.Get("message.root_id").String()
		bm.ParentID = event.Get("message.parent_id").String()
		return r.dispatcher.DispatchMessage(ctx, bm)

	case "im.message.recalled_v1":
		return r.dispatcher.HandleRecalled(ctx, event.Get("message_id").String())

	case "im.chat.member.user.added_v1":
		return r.dispatcher.HandleMemberAdded(ctx, dl.ChatID, memberIDs(event))

	case "im.chat.member.user.deleted_v1":
		return r.dispatcher.HandleMemberDeleted(ctx, dl.ChatID, memberIDs(event))

	case "im.chat.updated_v1":
		name := firstNonEmpty(event.Get("after_change.name").String(), event.Get("name").String())
		chatType := domain.ChatType(firstNonEmpty(event.Get("after_change.chat_mode").String(), "group"))
		return r.dispatcher.HandleChatUpdated(ctx, dl.ChatID, name, chatType)

	case "im.chat.disbanded_v1":
		return r.dispatcher.HandleChatDisbanded(ctx, dl.ChatID)

	default:
		return fmt.Errorf("dead letter %d: unsupported event_type %q", dl.ID, dl.EventType)
	}
}

func mentionNames(mentions gjson.Result) map[string]string {
	if !mentions.IsArray() {
		return nil
	}
	out := make(map[string]string)
	for _, m := range mentions.Array() {
		if key := m.Get("key").String(); key != "" {
			out[key] = m.Get("name").String()
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// MembershipDedupeKey mirrors the webhook front end's derivation so callers
// recording a membership-event failure from outside the webhook package
// compute the same key.
func MembershipDedupeKey(eventType, chatID string, event gjson.Result) string {
	ids := memberIDs(event)
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0x1f})
	h.Write([]byte(chatID))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.Join(ids, ",")))
	h.Write([]byte{0x1f})
	h.Write([]byte(event.Get("create_time").String()))
	return hex.EncodeToString(h.Sum(nil))
}

// timeNow is a seam so tests can stamp a deterministic replay time without
// the package reaching for time.Now directly at the call site.
var timeNow = func() time.Time { return time.Now() }
