package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/feishugw"
)

// fakeRoomStore is an in-memory stand-in for store.RoomStore.
type fakeRoomStore struct {
	mu      sync.Mutex
	byID    map[int64]*domain.RoomMapping
	nextID  int64
}

func newFakeRoomStore() *fakeRoomStore { return &fakeRoomStore{byID: map[int64]*domain.RoomMapping{}} }

func (f *fakeRoomStore) CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.MatrixRoomID == m.MatrixRoomID || existing.FeishuChatID == m.FeishuChatID {
			return domain.NewStoreError("CreateRoomMapping", domain.ErrKindDuplicate, nil)
		}
	}
	f.nextID++
	m.ID = f.nextID
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
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.FeishuChatID == feishuChatID {
			m.FeishuChatName = name
			m.FeishuChatType = chatType
			return nil
		}
	}
	return nil
}

func (f *fakeRoomStore) DeleteRoomMapping(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeRoomStore) DeleteRoomByMatrixID(ctx context.Context, matrixRoomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.byID {
		if m.MatrixRoomID == matrixRoomID {
			delete(f.byID, id)
		}
	}
	return nil
}

func (f *fakeRoomStore) ListRoomMappings(ctx context.Context, limit, offset int) ([]*domain.RoomMapping, error) {
	return nil, nil
}

func (f *fakeRoomStore) CountRooms(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.byID)), nil
}

// fakeMessageStore is an in-memory stand-in for store.MessageStore.
type fakeMessageStore struct {
	mu     sync.Mutex
	byID   map[int64]*domain.MessageMapping
	nextID int64
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byID: map[int64]*domain.MessageMapping{}}
}

func (f *fakeMessageStore) CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = f.nextID
	cp := *m
	f.byID[m.ID] = &cp
	return nil
}

func (f *fakeMessageStore) GetMessageByMatrixID(ctx context.Context, matrixEventID string) (*domain.MessageMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.MatrixEventID == matrixEventID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMessageStore) GetMessageByFeishuID(ctx context.Context, feishuMessageID string) (*domain.MessageMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.FeishuMessageID == feishuMessageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMessageStore) GetMessageByContentHash(ctx context.Context, contentHash string) (*domain.MessageMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.ContentHash == contentHash {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMessageStore) DeleteMessageByFeishuID(ctx context.Context, feishuMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.byID {
		if m.FeishuMessageID == feishuMessageID {
			delete(f.byID, id)
		}
	}
	return nil
}

func (f *fakeMessageStore) DeleteMessageByMatrixID(ctx context.Context, matrixEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.byID {
		if m.MatrixEventID == matrixEventID {
			delete(f.byID, id)
		}
	}
	return nil
}

func (f *fakeMessageStore) DeleteMessagesByRoomID(ctx context.Context, roomID string, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, m := range f.byID {
		if m.RoomID == roomID {
			delete(f.byID, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageStore) ListMessageMappings(ctx context.Context, limit, offset int) ([]*domain.MessageMapping, error) {
	return nil, nil
}

// fakeUserStore is an in-memory stand-in for store.UserStore.
type fakeUserStore struct {
	mu       sync.Mutex
	byFsID   map[string]*domain.UserMapping
	profiles int // UpdateUserProfile call count
}

func newFakeUserStore() *fakeUserStore { return &fakeUserStore{byFsID: map[string]*domain.UserMapping{}} }

func (f *fakeUserStore) CreateUserMapping(ctx context.Context, m *domain.UserMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.byFsID[m.FeishuUserID] = &cp
	return nil
}

func (f *fakeUserStore) GetUserByMatrixID(ctx context.Context, matrixUserID string) (*domain.UserMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byFsID {
		if m.MatrixUserID == matrixUserID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeUserStore) GetUserByFeishuID(ctx context.Context, feishuUserID string) (*domain.UserMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byFsID[feishuUserID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeUserStore) UpdateUserProfile(ctx context.Context, feishuUserID, username, avatar string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles++
	if m, ok := f.byFsID[feishuUserID]; ok {
		m.FeishuUsername = username
		m.FeishuAvatar = avatar
	}
	return nil
}

func (f *fakeUserStore) DeleteUserMapping(ctx context.Context, id int64) error { return nil }
func (f *fakeUserStore) ListUserMappings(ctx context.Context, limit, offset int) ([]*domain.UserMapping, error) {
	return nil, nil
}

// fakeMediaStore is an in-memory stand-in for store.MediaStore.
type fakeMediaStore struct {
	mu      sync.Mutex
	entries map[string]*domain.MediaCacheEntry
	uploads int
}

func newFakeMediaStore() *fakeMediaStore {
	return &fakeMediaStore{entries: map[string]*domain.MediaCacheEntry{}}
}

func mediaKey(hash string, kind domain.MediaKind) string { return string(kind) + ":" + hash }

func (f *fakeMediaStore) GetMediaCache(ctx context.Context, contentHash string, kind domain.MediaKind) (*domain.MediaCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[mediaKey(contentHash, kind)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeMediaStore) UpsertMediaCache(ctx context.Context, e *domain.MediaCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[mediaKey(e.ContentHash, e.MediaKind)] = &cp
	return nil
}

// fakeFeishu is an in-memory stand-in for FeishuOut.
type fakeFeishu struct {
	mu             sync.Mutex
	sent           []string // msgType per send_message call
	replies        []string // target message ids
	updates        []string
	uploadImageCnt int
	uploadFileCnt  int
	nextMsgID      int
	getUserName    map[string]string
	chatName       string
}

func newFakeFeishu() *fakeFeishu {
	return &fakeFeishu{getUserName: map[string]string{}}
}

func (f *fakeFeishu) nextID(prefix string) string {
	f.nextMsgID++
	return fmt.Sprintf("%s_%d", prefix, f.nextMsgID)
}

func (f *fakeFeishu) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content, deliveryUUID string) (*feishugw.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msgType)
	return &feishugw.SentMessage{MessageID: f.nextID("om")}, nil
}

func (f *fakeFeishu) ReplyMessage(ctx context.Context, targetMessageID, msgType, content string, replyInThread bool, deliveryUUID string) (*feishugw.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, targetMessageID)
	return &feishugw.SentMessage{MessageID: f.nextID("om")}, nil
}

func (f *fakeFeishu) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, messageID)
	return nil
}

func (f *fakeFeishu) UploadImage(ctx context.Context, data []byte, usage string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadImageCnt++
	return f.nextID("img_key"), nil
}

func (f *fakeFeishu) UploadFile(ctx context.Context, name string, data []byte, kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadFileCnt++
	return f.nextID("file_key"), nil
}

func (f *fakeFeishu) GetMessageResource(ctx context.Context, messageID, fileKey, kind string) ([]byte, error) {
	return []byte("resource-bytes"), nil
}

func (f *fakeFeishu) GetUser(ctx context.Context, userID string) (*feishugw.UserInfo, error) {
	if name, ok := f.getUserName[userID]; ok {
		return &feishugw.UserInfo{UserID: userID, Name: name}, nil
	}
	return &feishugw.UserInfo{UserID: userID}, nil
}

func (f *fakeFeishu) GetChat(ctx context.Context, chatID string) (*feishugw.ChatInfo, error) {
	return &feishugw.ChatInfo{ChatID: chatID, Name: f.chatName}, nil
}

// fakeMatrixOut is an in-memory stand-in for matrixas.MatrixOut.
type fakeMatrixOut struct {
	mu           sync.Mutex
	nextEventID  int
	sentEvents   []string
	redacted     []string
	notices      []string
	media        map[string][]byte
	nextMediaID  int
}

func newFakeMatrixOut() *fakeMatrixOut {
	return &fakeMatrixOut{media: map[string][]byte{}}
}

func (f *fakeMatrixOut) EnsureRegistered(ctx context.Context, userID string) error { return nil }

func (f *fakeMatrixOut) SendText(ctx context.Context, roomID, body string) (string, error) {
	return f.SendEvent(ctx, roomID, "m.room.message", map[string]any{"msgtype": "m.text", "body": body})
}

func (f *fakeMatrixOut) SendNotice(ctx context.Context, roomID, body string) (string, error) {
	f.mu.Lock()
	f.notices = append(f.notices, body)
	f.mu.Unlock()
	return f.SendEvent(ctx, roomID, "m.room.message", map[string]any{"msgtype": "m.notice", "body": body})
}

func (f *fakeMatrixOut) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventID++
	id := fmt.Sprintf("$evt%d", f.nextEventID)
	f.sentEvents = append(f.sentEvents, id)
	return id, nil
}

func (f *fakeMatrixOut) RedactEvent(ctx context.Context, roomID, eventID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return nil
}

func (f *fakeMatrixOut) UploadMedia(ctx context.Context, data []byte, mime, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMediaID++
	mxc := fmt.Sprintf("mxc://bridge.local/%d", f.nextMediaID)
	f.media[mxc] = data
	return mxc, nil
}

func (f *fakeMatrixOut) DownloadMedia(ctx context.Context, mxcURL string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.media[mxcURL]; ok {
		return data, "application/octet-stream", nil
	}
	return []byte("matrix-media-bytes:" + mxcURL), "application/octet-stream", nil
}
