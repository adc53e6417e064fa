package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/feishugw"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/matrixas"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

// --- minimal in-memory fakes for the txn handler's own tests ---

type txnFakeRoomStore struct {
	mu     sync.Mutex
	byID   map[int64]*domain.RoomMapping
	nextID int64
}

func newTxnFakeRoomStore() *txnFakeRoomStore {
	return &txnFakeRoomStore{byID: map[int64]*domain.RoomMapping{}}
}

func (f *txnFakeRoomStore) CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = f.nextID
	cp := *m
	f.byID[m.ID] = &cp
	return nil
}
func (f *txnFakeRoomStore) GetRoomByMatrixID(ctx context.Context, matrixRoomID string) (*domain.RoomMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.MatrixRoomID == matrixRoomID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}
func (f *txnFakeRoomStore) GetRoomByFeishuID(ctx context.Context, feishuChatID string) (*domain.RoomMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.FeishuChatID == feishuChatID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}
func (f *txnFakeRoomStore) UpdateRoomChatMeta(ctx context.Context, feishuChatID, name string, chatType domain.ChatType) error {
	return nil
}
func (f *txnFakeRoomStore) DeleteRoomMapping(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}
func (f *txnFakeRoomStore) DeleteRoomByMatrixID(ctx context.Context, matrixRoomID string) error { return nil }
func (f *txnFakeRoomStore) ListRoomMappings(ctx context.Context, limit, offset int) ([]*domain.RoomMapping, error) {
	return nil, nil
}
func (f *txnFakeRoomStore) CountRooms(ctx context.Context) (int64, error) { return 0, nil }

type txnFakeEventStore struct {
	mu        sync.Mutex
	processed map[string]bool
}

func newTxnFakeEventStore() *txnFakeEventStore {
	return &txnFakeEventStore{processed: map[string]bool{}}
}
func (f *txnFakeEventStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}
func (f *txnFakeEventStore) MarkEventProcessed(ctx context.Context, e *domain.ProcessedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[e.EventID] = true
	return nil
}
func (f *txnFakeEventStore) CleanupProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type txnFakeMessageStore struct {
	mu   sync.Mutex
	byID map[int64]*domain.MessageMapping
	next int64
}

func newTxnFakeMessageStore() *txnFakeMessageStore {
	return &txnFakeMessageStore{byID: map[int64]*domain.MessageMapping{}}
}
func (f *txnFakeMessageStore) CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	m.ID = f.next
	cp := *m
	f.byID[m.ID] = &cp
	return nil
}
func (f *txnFakeMessageStore) GetMessageByMatrixID(ctx context.Context, matrixEventID string) (*domain.MessageMapping, error) {
	return f.find(func(m *domain.MessageMapping) bool { return m.MatrixEventID == matrixEventID })
}
func (f *txnFakeMessageStore) GetMessageByFeishuID(ctx context.Context, feishuMessageID string) (*domain.MessageMapping, error) {
	return f.find(func(m *domain.MessageMapping) bool { return m.FeishuMessageID == feishuMessageID })
}
func (f *txnFakeMessageStore) GetMessageByContentHash(ctx context.Context, contentHash string) (*domain.MessageMapping, error) {
	return f.find(func(m *domain.MessageMapping) bool { return m.ContentHash == contentHash })
}
func (f *txnFakeMessageStore) find(pred func(*domain.MessageMapping) bool) (*domain.MessageMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if pred(m) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}
func (f *txnFakeMessageStore) DeleteMessageByFeishuID(ctx context.Context, feishuMessageID string) error {
	return nil
}
func (f *txnFakeMessageStore) DeleteMessageByMatrixID(ctx context.Context, matrixEventID string) error {
	return nil
}
func (f *txnFakeMessageStore) DeleteMessagesByRoomID(ctx context.Context, roomID string, limit int) (int64, error) {
	return 0, nil
}
func (f *txnFakeMessageStore) ListMessageMappings(ctx context.Context, limit, offset int) ([]*domain.MessageMapping, error) {
	return nil, nil
}

type txnFakeDeadLetterStore struct {
	mu     sync.Mutex
	byID   map[int64]*domain.DeadLetterEvent
	nextID int64
}

func newTxnFakeDeadLetterStore() *txnFakeDeadLetterStore {
	return &txnFakeDeadLetterStore{byID: map[int64]*domain.DeadLetterEvent{}}
}

func (f *txnFakeDeadLetterStore) UpsertDeadLetter(ctx context.Context, e *domain.DeadLetterEvent) (*domain.DeadLetterEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.DedupeKey == e.DedupeKey {
			existing.Payload = e.Payload
			existing.Error = e.Error
			existing.Status = domain.DeadLetterPending
			cp := *existing
			return &cp, nil
		}
	}
	f.nextID++
	e.ID = f.nextID
	cp := *e
	f.byID[e.ID] = &cp
	out := *e
	return &out, nil
}

func (f *txnFakeDeadLetterStore) GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetterEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *txnFakeDeadLetterStore) ListDeadLetters(ctx context.Context, status domain.DeadLetterStatus, limit, offset int) ([]*domain.DeadLetterEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DeadLetterEvent
	for _, e := range f.byID {
		if status == "" || e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *txnFakeDeadLetterStore) MarkReplayed(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil
	}
	e.Status = domain.DeadLetterReplayed
	e.ReplayCount++
	e.LastReplayedAt = &at
	return nil
}

func (f *txnFakeDeadLetterStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil
	}
	e.Status = domain.DeadLetterFailed
	e.Error = errMsg
	return nil
}

func (f *txnFakeDeadLetterStore) RequeuePending(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil
	}
	e.Status = domain.DeadLetterPending
	return nil
}

func (f *txnFakeDeadLetterStore) CountDeadLetters(ctx context.Context, status domain.DeadLetterStatus) (int64, error) {
	rows, _ := f.ListDeadLetters(ctx, status, 0, 0)
	return int64(len(rows)), nil
}

func (f *txnFakeDeadLetterStore) DeleteDeadLetters(ctx context.Context, status domain.DeadLetterStatus, olderThan *time.Time, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, e := range f.byID {
		if status != "" && e.Status != status {
			continue
		}
		if olderThan != nil && e.CreatedAt.After(*olderThan) {
			continue
		}
		ids = append(ids, id)
		delete(f.byID, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

type txnFakeFeishu struct{ sentCount int }

func (f *txnFakeFeishu) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content, deliveryUUID string) (*feishugw.SentMessage, error) {
	f.sentCount++
	return &feishugw.SentMessage{MessageID: "om_sent"}, nil
}
func (f *txnFakeFeishu) ReplyMessage(ctx context.Context, targetMessageID, msgType, content string, replyInThread bool, deliveryUUID string) (*feishugw.SentMessage, error) {
	return &feishugw.SentMessage{MessageID: "om_reply"}, nil
}
func (f *txnFakeFeishu) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	return nil
}
func (f *txnFakeFeishu) UploadImage(ctx context.Context, data []byte, usage string) (string, error) {
	return "img_key", nil
}
func (f *txnFakeFeishu) UploadFile(ctx context.Context, name string, data []byte, kind string) (string, error) {
	return "file_key", nil
}
func (f *txnFakeFeishu) GetMessageResource(ctx context.Context, messageID, fileKey, kind string) ([]byte, error) {
	return nil, nil
}
func (f *txnFakeFeishu) GetUser(ctx context.Context, userID string) (*feishugw.UserInfo, error) {
	return &feishugw.UserInfo{UserID: userID}, nil
}
func (f *txnFakeFeishu) GetChat(ctx context.Context, chatID string) (*feishugw.ChatInfo, error) {
	return &feishugw.ChatInfo{ChatID: chatID}, nil
}

type txnFakeMatrixOut struct {
	mu      sync.Mutex
	notices []string
}

func (f *txnFakeMatrixOut) EnsureRegistered(ctx context.Context, userID string) error { return nil }
func (f *txnFakeMatrixOut) SendText(ctx context.Context, roomID, body string) (string, error) {
	return "$evt", nil
}
func (f *txnFakeMatrixOut) SendNotice(ctx context.Context, roomID, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, body)
	return "$evt", nil
}
func (f *txnFakeMatrixOut) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	return "$evt", nil
}
func (f *txnFakeMatrixOut) RedactEvent(ctx context.Context, roomID, eventID, reason string) error {
	return nil
}
func (f *txnFakeMatrixOut) UploadMedia(ctx context.Context, data []byte, mime, filename string) (string, error) {
	return "mxc://x/1", nil
}
func (f *txnFakeMatrixOut) DownloadMedia(ctx context.Context, mxcURL string) ([]byte, string, error) {
	return []byte("bytes"), "application/octet-stream", nil
}

var _ matrixas.MatrixOut = (*txnFakeMatrixOut)(nil)
var _ dispatch.FeishuOut = (*txnFakeFeishu)(nil)
var _ store.DeadLetterStore = (*txnFakeDeadLetterStore)(nil)

func newTestTxnHandler(t *testing.T, selfService bool) (*TxnHandler, *txnFakeRoomStore, *txnFakeMatrixOut) {
	t.Helper()
	rooms := newTxnFakeRoomStore()
	events := newTxnFakeEventStore()
	messages := newTxnFakeMessageStore()
	matrixOut := &txnFakeMatrixOut{}
	stores := &store.Stores{Rooms: rooms, Messages: messages}
	d := dispatch.NewMatrixDispatcher(stores, &txnFakeFeishu{}, matrixOut, flow.Translator{}, dispatch.DefaultPolicy(), nil)
	th := NewTxnHandler(stores, d, matrixOut, dispatch.DefaultPolicy(), selfService, nil)
	th.stores.Events = events
	return th, rooms, matrixOut
}

func TestTxnHandlerBridgeCommand(t *testing.T) {
	th, rooms, matrixOut := newTestTxnHandler(t, true)

	content, _ := json.Marshal(map[string]string{"body": "!feishu bridge oc_1", "msgtype": "m.text"})
	err := th.HandleMatrixEvent("!r:matrix.org", matrixas.Event{
		EventID: "$a", Type: "m.room.message", RoomID: "!r:matrix.org", Sender: "@alice:matrix.org", Content: content,
	})
	require.NoError(t, err)

	mapping, err := rooms.GetRoomByMatrixID(context.Background(), "!r:matrix.org")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "oc_1", mapping.FeishuChatID)
	assert.Len(t, matrixOut.notices, 1)
}

func TestTxnHandlerBridgeCommandDisabled(t *testing.T) {
	th, rooms, matrixOut := newTestTxnHandler(t, false)

	content, _ := json.Marshal(map[string]string{"body": "!feishu bridge oc_1", "msgtype": "m.text"})
	err := th.HandleMatrixEvent("!r:matrix.org", matrixas.Event{
		EventID: "$a", Type: "m.room.message", RoomID: "!r:matrix.org", Sender: "@alice:matrix.org", Content: content,
	})
	require.NoError(t, err)

	mapping, _ := rooms.GetRoomByMatrixID(context.Background(), "!r:matrix.org")
	assert.Nil(t, mapping)
	require.Len(t, matrixOut.notices, 1)
	assert.Contains(t, matrixOut.notices[0], "not enabled")
}

func TestTxnHandlerUnbridgeCommand(t *testing.T) {
	th, rooms, _ := newTestTxnHandler(t, true)
	require.NoError(t, rooms.CreateRoomMapping(context.Background(), &domain.RoomMapping{
		MatrixRoomID: "!r:matrix.org", FeishuChatID: "oc_1",
	}))

	content, _ := json.Marshal(map[string]string{"body": "!feishu unbridge", "msgtype": "m.text"})
	err := th.HandleMatrixEvent("!r:matrix.org", matrixas.Event{
		EventID: "$a", Type: "m.room.message", RoomID: "!r:matrix.org", Sender: "@alice:matrix.org", Content: content,
	})
	require.NoError(t, err)

	mapping, _ := rooms.GetRoomByMatrixID(context.Background(), "!r:matrix.org")
	assert.Nil(t, mapping)
}

func TestTxnHandlerDispatchesMessageAndDedupesByEventID(t *testing.T) {
	th, rooms, _ := newTestTxnHandler(t, true)
	require.NoError(t, rooms.CreateRoomMapping(context.Background(), &domain.RoomMapping{
		MatrixRoomID: "!r:matrix.org", FeishuChatID: "oc_1",
	}))

	content, _ := json.Marshal(map[string]string{"body": "hello", "msgtype": "m.text"})
	ev := matrixas.Event{EventID: "$a", Type: "m.room.message", RoomID: "!r:matrix.org", Sender: "@alice:matrix.org", Content: content}

	require.NoError(t, th.HandleMatrixEvent("!r:matrix.org", ev))
	// Redelivery of the same appservice event id is a pure no-op (idempotence).
	require.NoError(t, th.HandleMatrixEvent("!r:matrix.org", ev))
}

func TestTxnHandlerIgnoresRedactionsAndReactionsByDefault(t *testing.T) {
	th, _, _ := newTestTxnHandler(t, true)

	err := th.HandleMatrixEvent("!r:matrix.org", matrixas.Event{
		EventID: "$red", Type: "m.room.redaction", RoomID: "!r:matrix.org", Sender: "@alice:matrix.org",
	})
	require.NoError(t, err)

	err = th.HandleMatrixEvent("!r:matrix.org", matrixas.Event{
		EventID: "$react", Type: "m.reaction", RoomID: "!r:matrix.org", Sender: "@alice:matrix.org",
	})
	require.NoError(t, err)
}

func TestIsCommand(t *testing.T) {
	assert.True(t, isCommand("!feishu bridge oc_1"))
	assert.True(t, isCommand("  !feishu help"))
	assert.False(t, isCommand("hello world"))
}
