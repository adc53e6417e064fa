package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/feishu-matrix-bridge/internal/deadletter"
	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

func newTestHandler(t *testing.T, cfg Config) (*Handler, *txnFakeRoomStore) {
	t.Helper()
	rooms := newTxnFakeRoomStore()
	messages := newTxnFakeMessageStore()
	deadLetters := newTxnFakeDeadLetterStore()
	events := newTxnFakeEventStore()
	stores := &store.Stores{Rooms: rooms, Messages: messages, DeadLetters: deadLetters, Events: events}
	matrixOut := &txnFakeMatrixOut{}
	feishuFake := &txnFakeFeishu{}
	d := dispatch.NewFeishuDispatcher(stores, feishuFake, matrixOut, flow.Translator{}, dispatch.DefaultPolicy(), nil)
	replayer := deadletter.NewReplayer(stores, d, nil)
	return NewHandler(cfg, d, replayer, events, nil, nil), rooms
}

func TestHandlerURLVerification(t *testing.T) {
	h, _ := newTestHandler(t, Config{VerificationToken: "tok"})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{"type":"url_verification","challenge":"c1","token":"tok"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c1")
}

func TestHandlerURLVerificationWrongToken(t *testing.T) {
	h, _ := newTestHandler(t, Config{VerificationToken: "tok"})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{"type":"url_verification","challenge":"c1","token":"wrong"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandler(t, Config{ListenSecret: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{"header":{"event_type":"im.message.receive_v1"}}`)))
	req.Header.Set("X-Lark-Request-Timestamp", "1700000000")
	req.Header.Set("X-Lark-Request-Nonce", "n1")
	req.Header.Set("X-Lark-Signature", "bogus")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerAcceptsValidSignatureAndBridgesMessage(t *testing.T) {
	h, rooms := newTestHandler(t, Config{ListenSecret: "secret"})
	require.NoError(t, rooms.CreateRoomMapping(nil, &domain.RoomMapping{
		MatrixRoomID: "!r:matrix.org", FeishuChatID: "oc_1",
	}))

	body := []byte(`{
		"header": {"event_id": "evt_1", "event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_1"}},
			"message": {"message_id": "om_1", "chat_id": "oc_1", "message_type": "text", "content": "{\"text\":\"hi\"}"}
		}
	}`)
	sig := mustSigSum(t, "1700000000", "n1", "secret", body)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Lark-Request-Timestamp", "1700000000")
	req.Header.Set("X-Lark-Request-Nonce", "n1")
	req.Header.Set("X-Lark-Signature", sig)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	// The handler queues the event and ACKs before the handler completes;
	// drain the per-chat queue before asserting on its effect.
	done := h.queue.Run("oc_1", func() {})
	<-done

	processed, err := h.proc.events.IsEventProcessed(nil, domain.ProcessedEventID(domain.SourceFeishu, "evt_1"))
	require.NoError(t, err)
	assert.True(t, processed, "a successful dispatch marks the webhook event processed")
}

func TestHandlerIgnoresUnknownEventType(t *testing.T) {
	h, _ := newTestHandler(t, Config{})

	body := []byte(`{"header":{"event_id":"evt_1","event_type":"im.chat.access_event.bot_p2p_chat_entered_v1"},"event":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`not json`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
