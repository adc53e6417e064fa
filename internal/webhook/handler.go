package webhook

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/deadletter"
	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

// Config carries the per-deployment webhook verification secrets.
type Config struct {
	ListenSecret      string // signing key used in verify_signature
	EncryptKey        string // empty disables envelope decryption
	VerificationToken string // empty disables the url_verification token check
}

// Handler is the HTTP front end for Feishu's webhook callback.
type Handler struct {
	cfg   Config
	queue *chatQueue
	proc  *processor
	log   *zap.Logger
}

// NewHandler wires the webhook front end against the Feishu→Matrix
// dispatcher, the dead-letter replayer and the processed-event log. events
// may be nil, in which case duplicate deliveries rely solely on the
// dispatcher's own message-id idempotence.
func NewHandler(cfg Config, d *dispatch.FeishuDispatcher, replayer *deadletter.Replayer, events store.EventStore, metrics Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		cfg:   cfg,
		queue: newChatQueue(metrics),
		proc:  newProcessor(d, replayer, events, log),
		log:   log,
	}
}

// ServeHTTP implements the HTTP POST /webhook contract end to end: signature
// verification, optional AES-256-CBC decryption, the url_verification
// handshake, then handing the parsed event to its chat's FIFO queue and
// ACKing immediately — the response is returned before the queued handler
// completes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	timestamp := r.Header.Get("X-Lark-Request-Timestamp")
	nonce := r.Header.Get("X-Lark-Request-Nonce")
	signature := r.Header.Get("X-Lark-Signature")
	if timestamp != "" || nonce != "" || signature != "" {
		if !verifySignature(timestamp, nonce, h.cfg.ListenSecret, body, signature) {
			h.queue.metrics.SignatureRejected()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	if h.cfg.EncryptKey != "" {
		if ciphertext, ok := extractEncryptedPayload(body); ok {
			plain, err := decryptEnvelope(h.cfg.EncryptKey, ciphertext)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body = plain
		}
	}

	ev, err := parseEnvelope(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if ev.isHandshake {
		if h.cfg.VerificationToken != "" && ev.token != h.cfg.VerificationToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"challenge": ev.challenge})
		return
	}

	switch ev.eventType {
	case eventMessageReceive, eventMessageRecall, eventMemberAdded, eventMemberDeleted, eventChatUpdated, eventChatDisbanded:
		h.queue.Run(ev.chatID, func() {
			h.proc.process(context.Background(), ev)
		})
	default:
		h.queue.metrics.EventIgnored(string(ev.eventType))
	}

	w.WriteHeader(http.StatusOK)
}

func extractEncryptedPayload(body []byte) (string, bool) {
	root := gjsonParse(body)
	enc := root.Get("encrypt")
	if !enc.Exists() {
		return "", false
	}
	return enc.String(), true
}
