// Package admin implements the provisioning & admin API:
// scoped bearer auth, a structured audit log, an in-memory pending-bridge
// coordinator, and the JSON HTTP surface for status/mappings/bridges/
// dead-letters, served off a plain net/http.ServeMux with method-switch
// handlers.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-matrix-bridge/internal/deadletter"
	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
)

// Version is stamped at build time via -ldflags; defaults to "dev".
var Version = "dev"

// Server is the admin/provisioning HTTP surface, mounted under both /admin
// and /_matrix/app/v1.
type Server struct {
	stores   *store.Stores
	replayer *deadletter.Replayer
	pending  *PendingCoordinator
	tokens   Tokens
	log      *zap.Logger

	startedAt time.Time
	server    *http.Server
}

// Config carries the admin server's listen address and scoped tokens.
type Config struct {
	ListenAddress string
	Tokens        Tokens
}

func NewServer(cfg Config, stores *store.Stores, replayer *deadletter.Replayer, pending *PendingCoordinator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		stores:    stores,
		replayer:  replayer,
		pending:   pending,
		tokens:    cfg.Tokens,
		log:       log,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	for _, prefix := range []string{"/admin", "/_matrix/app/v1"} {
		mux.HandleFunc(prefix+"/status", s.withScope(ScopeRead, "status.get", s.handleStatus))
		mux.HandleFunc(prefix+"/mappings", s.withScope(ScopeRead, "mappings.list", s.handleMappings))
		mux.HandleFunc(prefix+"/bridges", s.withMethodScope(map[string]Scope{
			http.MethodGet:  ScopeRead,
			http.MethodPost: ScopeWrite,
		}, "bridges.list_or_create", s.handleBridges))
		mux.HandleFunc(prefix+"/bridges/", s.withScope(ScopeDelete, "bridges.delete", s.handleBridgeItem))
		mux.HandleFunc(prefix+"/pending", s.withScope(ScopeRead, "pending.list", s.handlePending))
		mux.HandleFunc(prefix+"/dead-letters", s.withScope(ScopeRead, "dead_letters.list", s.handleDeadLetters))
		mux.HandleFunc(prefix+"/dead-letters/replay", s.withScope(ScopeWrite, "dead_letters.replay_batch", s.handleDeadLettersReplay))
		mux.HandleFunc(prefix+"/dead-letters/cleanup", s.withScope(ScopeDelete, "dead_letters.cleanup", s.handleDeadLettersCleanup))
		mux.HandleFunc(prefix+"/dead-letters/", s.withScope(ScopeWrite, "dead_letters.replay_one", s.handleDeadLetterItem))
	}

	s.server = &http.Server{Addr: cfg.ListenAddress, Handler: mux}
	return s
}

func (s *Server) Start() error {
	if s.server.Addr == "" {
		return fmt.Errorf("admin: listen address not configured")
	}
	s.log.Info("admin api listening", zap.String("address", s.server.Addr))
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux directly for tests / for embedding under a
// shared top-level listener alongside the webhook and matrix handlers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// withScope wraps a handler with bearer-scope authorization and the
// per-call structured audit log.
func (s *Server) withScope(required Scope, action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, granted, ok := s.authorize(r, required)
		reqID := requestID(r)
		actor, actorSource := actorFor(r, token)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"message": "missing or insufficient scope",
				"error":   "unauthorized",
			})
			return
		}
		auditLog(s.log, action, actor, actorSource, reqID, granted)
		w.Header().Set("X-Request-Id", reqID)
		next(w, r)
	}
}

// withMethodScope is withScope for a route whose required scope depends on
// the HTTP method (`GET /bridges` is read, `POST /bridges` is write). A
// method absent from the map is rejected at ScopeDelete, the most
// restrictive scope, rather than silently allowed through.
func (s *Server) withMethodScope(byMethod map[string]Scope, action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		required, ok := byMethod[r.Method]
		if !ok {
			required = ScopeDelete
		}
		s.withScope(required, action, next)(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"success": false, "message": err.Error()})
}

// handleStatus implements `GET /status`.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	bridged, err := s.stores.Rooms.CountRooms(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	counts := map[string]int64{}
	for _, st := range []domain.DeadLetterStatus{domain.DeadLetterPending, domain.DeadLetterFailed, domain.DeadLetterReplayed} {
		n, err := s.stores.DeadLetters.CountDeadLetters(ctx, st)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		counts[string(st)] = n
	}
	total := counts[string(domain.DeadLetterPending)] + counts[string(domain.DeadLetterFailed)] + counts[string(domain.DeadLetterReplayed)]

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          Version,
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"bridged_rooms":    bridged,
		"pending_requests": len(s.pending.List()),
		"dead_letters": map[string]int64{
			"pending":  counts[string(domain.DeadLetterPending)],
			"failed":   counts[string(domain.DeadLetterFailed)],
			"replayed": counts[string(domain.DeadLetterReplayed)],
			"total":    total,
		},
	})
}

// handleMappings implements `GET /mappings`.
func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := paginationParams(r)
	rows, err := s.stores.Rooms.ListRoomMappings(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"mappings": rows, "count": len(rows)})
}

// handleBridges implements `GET /bridges` (list, alias of mappings) and
// `POST /bridges` (create, the provisioning flow).
func (s *Server) handleBridges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, offset := paginationParams(r)
		rows, err := s.stores.Rooms.ListRoomMappings(r.Context(), limit, offset)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"bridges": rows, "count": len(rows)})

	case http.MethodPost:
		s.handleCreateBridge(w, r)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createBridgeRequest struct {
	FeishuChatID    string `json:"feishu_chat_id"`
	MatrixRoomID    string `json:"matrix_room_id"`
	MatrixRequestor string `json:"matrix_requestor"`
	WaitForApproval bool   `json:"wait_for_approval"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var req createBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.FeishuChatID == "" || req.MatrixRoomID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("feishu_chat_id and matrix_room_id are required"))
		return
	}

	actor, actorSource := actorFor(r, extractBearer(r))
	pending, err := s.pending.Create(req.FeishuChatID, req.MatrixRoomID, actor, actorSource)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}

	if !req.WaitForApproval {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "bridge request pending approval", "pending": pending})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	approved, err := s.pending.WaitForApproval(r.Context(), req.FeishuChatID, timeout, 500*time.Millisecond)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error(), "pending": approved})
		return
	}

	mapping := domain.NewRoomMapping(approved.MatrixRoomID, approved.FeishuChatID, "")
	if err := s.stores.Rooms.CreateRoomMapping(r.Context(), mapping); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "bridge created", "mapping": mapping})
}

// handleBridgeItem implements `DELETE /bridges/{room_id}`.
func (s *Server) handleBridgeItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roomID := pathSuffix(r.URL.Path, "/bridges/")
	if roomID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("room_id is required"))
		return
	}
	if err := s.stores.Rooms.DeleteRoomByMatrixID(r.Context(), roomID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "bridge deleted"})
}

// handlePending implements `GET /pending`.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows := s.pending.List()
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": rows, "count": len(rows)})
}

// handleDeadLetters implements `GET /dead-letters`.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := paginationParams(r)
	status := domain.DeadLetterStatus(r.URL.Query().Get("status"))
	rows, err := s.stores.DeadLetters.ListDeadLetters(r.Context(), status, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": rows, "count": len(rows)})
}

// handleDeadLetterItem implements `POST /dead-letters/{id}/replay`.
func (s *Server) handleDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idStr := pathSuffix(r.URL.Path, "/dead-letters/")
	idStr = trimSuffixSegment(idStr, "/replay")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid dead letter id %q", idStr))
		return
	}
	if err := s.replayer.ReplayOne(r.Context(), id); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "replayed"})
}

type replayBatchRequest struct {
	IDs    []int64                 `json:"ids"`
	Status domain.DeadLetterStatus `json:"status"`
	Limit  int                     `json:"limit"`
}

// handleDeadLettersReplay implements `POST /dead-letters/replay`: an
// explicit id list, or a {status, limit} selection.
func (s *Server) handleDeadLettersReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req replayBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var results []deadletter.BatchResult
	if len(req.IDs) > 0 {
		results = s.replayer.ReplayBatch(r.Context(), req.IDs)
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = 50
		}
		var err error
		results, err = s.replayer.ReplayByStatus(r.Context(), req.Status, limit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	success := true
	out := make([]map[string]any, len(results))
	for i, res := range results {
		entry := map[string]any{"id": res.ID}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
			success = false
		}
		out[i] = entry
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": success, "results": out, "count": len(out)})
}

type cleanupRequest struct {
	Status    domain.DeadLetterStatus `json:"status"`
	OlderThan *time.Time              `json:"older_than"`
	Limit     int                     `json:"limit"`
	DryRun    bool                    `json:"dry_run"`
}

// handleDeadLettersCleanup implements `POST /dead-letters/cleanup`.
func (s *Server) handleDeadLettersCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var status *domain.DeadLetterStatus
	if req.Status != "" {
		status = &req.Status
	}

	ids, err := s.replayer.Cleanup(r.Context(), status, req.OlderThan, limit, req.DryRun)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "ids": ids, "count": len(ids), "dry_run": req.DryRun})
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}
