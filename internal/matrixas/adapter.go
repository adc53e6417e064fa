package matrixas

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Adapter exposes the homeserver-facing HTTP router implementing the
// application-service protocol. It owns no business logic: it
// validates the hs_token, unmarshals each transaction, and forwards every
// event to a HandlerSink.
type Adapter struct {
	hsToken string
	sink    HandlerSink
	log     *zap.Logger

	// ThirdPartyPlaceholder / QueryUserPlaceholder / QueryAliasPlaceholder
	// back the configured-placeholder query responses.
	QueryUserPlaceholder  json.RawMessage
	QueryAliasPlaceholder json.RawMessage
	ThirdPartyPlaceholder json.RawMessage
}

// NewAdapter builds an Adapter that authenticates transactions with hsToken
// and forwards events to sink.
func NewAdapter(hsToken string, sink HandlerSink, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{hsToken: hsToken, sink: sink, log: log}
}

// Mux builds the *http.ServeMux serving the appservice routes.
func (a *Adapter) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/_matrix/app/v1/transactions/", a.withAuth(a.handleTransaction))
	mux.HandleFunc("/_matrix/app/transactions/", a.withAuth(a.handleTransaction))
	mux.HandleFunc("/_matrix/app/v1/users/", a.withAuth(a.handleQueryUser))
	mux.HandleFunc("/_matrix/app/v1/rooms/", a.withAuth(a.handleQueryRoomAlias))
	mux.HandleFunc("/_matrix/app/v1/thirdparty/", a.withAuth(a.handleThirdParty))
	return mux
}

func (a *Adapter) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			writeJSONError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid hs_token")
			return
		}
		next(w, r)
	}
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.hsToken == "" {
		return true
	}
	if token := bearerToken(r); token == a.hsToken {
		return true
	}
	return r.URL.Query().Get("access_token") == a.hsToken
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// handleTransaction implements PUT /_matrix/app/v1/transactions/{txnId}:
// extract events, forward each to the sink, respond with {}.
func (a *Adapter) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeJSONError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "method not allowed")
		return
	}

	var txn Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeJSONError(w, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction body")
		return
	}

	for _, ev := range txn.Events {
		if err := a.sink.HandleMatrixEvent(ev.RoomID, ev); err != nil {
			a.log.Warn("matrix event handler failed",
				zap.String("event_id", ev.EventID), zap.String("room_id", ev.RoomID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *Adapter) handleQueryUser(w http.ResponseWriter, r *http.Request) {
	a.respondPlaceholder(w, a.QueryUserPlaceholder)
}

func (a *Adapter) handleQueryRoomAlias(w http.ResponseWriter, r *http.Request) {
	a.respondPlaceholder(w, a.QueryAliasPlaceholder)
}

func (a *Adapter) handleThirdParty(w http.ResponseWriter, r *http.Request) {
	a.respondPlaceholder(w, a.ThirdPartyPlaceholder)
}

func (a *Adapter) respondPlaceholder(w http.ResponseWriter, placeholder json.RawMessage) {
	if placeholder == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(placeholder)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, errcode, msg string) {
	writeJSON(w, status, map[string]string{"errcode": errcode, "error": msg})
}
