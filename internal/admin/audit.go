package admin

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// requestID returns the caller-supplied X-Request-Id, or a freshly
// generated one when absent.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// actorFor derives the audit actor: X-Actor when present, else
// "token:<suffix>" built from the last 6 characters of the bearer token so
// the log never carries the full credential.
func actorFor(r *http.Request, token string) (actor, actorSource string) {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a, "header"
	}
	suffix := token
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "token:" + suffix, "token"
}

// auditLog emits the structured audit line required for every admin API
// call: {action, actor, actor_source, request_id, scope}.
func auditLog(log *zap.Logger, action, actor, actorSource, reqID string, scope Scope) {
	log.Info("admin api call",
		zap.String("action", action),
		zap.String("actor", actor),
		zap.String("actor_source", actorSource),
		zap.String("request_id", reqID),
		zap.String("scope", strings.ToLower(scope.String())),
	)
}
