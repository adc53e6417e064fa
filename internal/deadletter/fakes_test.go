package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/feishugw"
)

type fakeRoomStore struct {
	mu   sync.Mutex
	byID map[int64]*domain.RoomMapping
}

func newFakeRoomStore() *fakeRoomStore { return &fakeRoomStore{byID: map[int64]*domain.RoomMapping{}} }

func (f *fakeRoomStore) CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = int64(len(f.byID) + 1)
	cp := *m
	f.byID[m.ID] = &cp
	return nil
}
func (f *fakeRoomStore) GetRoomByMatrixID(ctx context.Context, matrixRoomID string) (*domain.RoomMapping, error) {
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
func (f *fakeRoomStore) GetRoomByFeishuID(ctx context.Context, feishuChatID string) (*domain.RoomMapping, error) {
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
func (f *fakeRoomStore) UpdateRoomChatMeta(ctx context.Context, feishuChatID, name string, chatType domain.ChatType) error {
	return nil
}
func (f *fakeRoomStore) DeleteRoomMapping(ctx context.Context, id int64) error         { return nil }
func (f *fakeRoomStore) DeleteRoomByMatrixID(ctx context.Context, roomID string) error { return nil }
func (f *fakeRoomStore) ListRoomMappings(ctx context.Context, limit, offset int) ([]*domain.RoomMapping, error) {
	return nil, nil
}
func (f *fakeRoomStore) CountRooms(ctx context.Context) (int64, error) { return 0, nil }

type fakeMessageStore struct {
	mu      sync.Mutex
	byMxID  map[string]*domain.MessageMapping
	byFsID  map[string]*domain.MessageMapping
	created []*domain.MessageMapping
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byMxID: map[string]*domain.MessageMapping{}, byFsID: map[string]*domain.MessageMapping{}}
}

func (f *fakeMessageStore) CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.byMxID[m.MatrixEventID] = &cp
	f.byFsID[m.FeishuMessageID] = &cp
	f.created = append(f.created, &cp)
	return nil
}
func (f *fakeMessageStore) GetMessageByMatrixID(ctx context.Context, matrixEventID string) (*domain.MessageMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byMxID[matrixEventID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}
func (f *fakeMessageStore) GetMessageByFeishuID(ctx context.Context, feishuMessageID string) (*domain.MessageMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byFsID[feishuMessageID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}
func (f *fakeMessageStore) GetMessageByContentHash(ctx context.Context, contentHash string) (*domain.MessageMapping, error) {
	return nil, nil
}
func (f *fakeMessageStore) DeleteMessageByFeishuID(ctx context.Context, feishuMessageID string) error {
	return nil
}
func (f *fakeMessageStore) DeleteMessageByMatrixID(ctx context.Context, matrixEventID string) error {
	return nil
}
func (f *fakeMessageStore) DeleteMessagesByRoomID(ctx context.Context, roomID string, limit int) (int64, error) {
	return 0, nil
}
func (f *fakeMessageStore) ListMessageMappings(ctx context.Context, limit, offset int) ([]*domain.MessageMapping, error) {
	return nil, nil
}

type fakeDeadLetterStore struct {
	mu     sync.Mutex
	byID   map[int64]*domain.DeadLetterEvent
	nextID int64
}

func newFakeDeadLetterStore() *fakeDeadLetterStore {
	return &fakeDeadLetterStore{byID: map[int64]*domain.DeadLetterEvent{}}
}

func (f *fakeDeadLetterStore) UpsertDeadLetter(ctx context.Context, e *domain.DeadLetterEvent) (*domain.DeadLetterEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.DedupeKey == e.DedupeKey {
			existing.Payload, existing.Error, existing.Status = e.Payload, e.Error, domain.DeadLetterPending
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
func (f *fakeDeadLetterStore) GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetterEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}
func (f *fakeDeadLetterStore) ListDeadLetters(ctx context.Context, status domain.DeadLetterStatus, limit, offset int) ([]*domain.DeadLetterEvent, error) {
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
func (f *fakeDeadLetterStore) MarkReplayed(ctx context.Context, id int64, at time.Time) error {
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
func (f *fakeDeadLetterStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
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
func (f *fakeDeadLetterStore) RequeuePending(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.byID[id]; ok {
		e.Status = domain.DeadLetterPending
	}
	return nil
}
func (f *fakeDeadLetterStore) CountDeadLetters(ctx context.Context, status domain.DeadLetterStatus) (int64, error) {
	rows, _ := f.ListDeadLetters(ctx, status, 0, 0)
	return int64(len(rows)), nil
}
func (f *fakeDeadLetterStore) DeleteDeadLetters(ctx context.Context, status domain.DeadLetterStatus, olderThan *time.Time, limit int) ([]int64, error) {
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

type fakeFeishu struct{}

func (f *fakeFeishu) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content, deliveryUUID string) (*feishugw.SentMessage, error) {
	return &feishugw.SentMessage{MessageID: "om_sent"}, nil
}
func (f *fakeFeishu) ReplyMessage(ctx context.Context, targetMessageID, msgType, content string, replyInThread bool, deliveryUUID string) (*feishugw.SentMessage, error) {
	return &feishugw.SentMessage{MessageID: "om_reply"}, nil
}
func (f *fakeFeishu) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	return nil
}
func (f *fakeFeishu) UploadImage(ctx context.Context, data []byte, usage string) (string, error) {
	return "img_key", nil
}
func (f *fakeFeishu) UploadFile(ctx context.Context, name string, data []byte, kind string) (string, error) {
	return "file_key", nil
}
func (f *fakeFeishu) GetMessageResource(ctx context.Context, messageID, fileKey, kind string) ([]byte, error) {
	return []byte("bytes"), nil
}
func (f *fakeFeishu) GetUser(ctx context.Context, userID string) (*feishugw.UserInfo, error) {
	return &feishugw.UserInfo{}, nil
}
func (f *fakeFeishu) GetChat(ctx context.Context, chatID string) (*feishugw.ChatInfo, error) {
	return &feishugw.ChatInfo{}, nil
}

type fakeMatrixOut struct {
	mu    sync.Mutex
	sent  []string
	nextID int
}

func (f *fakeMatrixOut) EnsureRegistered(ctx context.Context, userID string) error { return nil }
func (f *fakeMatrixOut) SendText(ctx context.Context, roomID, body string) (string, error) {
	return f.nextEventID(), nil
}
func (f *fakeMatrixOut) SendNotice(ctx context.Context, roomID, body string) (string, error) {
	return f.nextEventID(), nil
}
func (f *fakeMatrixOut) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, eventType)
	return f.nextEventIDLocked(), nil
}
func (f *fakeMatrixOut) RedactEvent(ctx context.Context, roomID, eventID, reason string) error {
	return nil
}
func (f *fakeMatrixOut) UploadMedia(ctx context.Context, data []byte, mime, filename string) (string, error) {
	return "mxc://test/media", nil
}
func (f *fakeMatrixOut) DownloadMedia(ctx context.Context, mxcURL string) ([]byte, string, error) {
	return []byte("bytes"), "application/octet-stream", nil
}

func (f *fakeMatrixOut) nextEventID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextEventIDLocked()
}
func (f *fakeMatrixOut) nextEventIDLocked() string {
	f.nextID++
	return "$evt" + string(rune('0'+f.nextID))
}
