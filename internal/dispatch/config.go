// Package dispatch implements the two directional dispatchers: the
// Matrix→Feishu outbound path and the Feishu→Matrix outbound path, wired
// against the mapping store, the Feishu gateway, and the Matrix outbound
// capability interface.
package dispatch

import "time"

// Policy carries every per-deployment knob referenced by the dispatch
// algorithms: blocked msgtypes, the per-room rate limiter, attachment size
// ceilings, and the feature toggles (reply/edit bridging, attachment kinds,
// failure-degrade notices).
type Policy struct {
	BlockedMatrixMsgTypes []string

	MaxTextLength int
	MaxMediaSize  int64

	BridgeMatrixReply bool
	BridgeMatrixEdit  bool

	AllowImages bool
	AllowAudio  bool
	AllowVideos bool
	AllowFiles  bool

	EnableFailureDegrade bool

	BridgeMatrixRedactions bool
	BridgeMatrixReactions  bool

	RateLimitPerRoom int
	RateLimitWindow  time.Duration

	// UserProfileTTL bounds how long a synced Feishu profile is trusted
	// before a membership event triggers a refresh; 0 disables refreshing.
	UserProfileTTL time.Duration
}

// DefaultPolicy returns a permissive policy: nothing blocked, replies and
// edits bridged, every attachment kind allowed, failure-degrade on.
func DefaultPolicy() Policy {
	return Policy{
		BridgeMatrixReply:    true,
		BridgeMatrixEdit:     true,
		AllowImages:          true,
		AllowAudio:           true,
		AllowVideos:          true,
		AllowFiles:           true,
		EnableFailureDegrade: true,
		RateLimitPerRoom:     30,
		RateLimitWindow:      10 * time.Second,
		UserProfileTTL:       24 * time.Hour,
	}
}

func (p Policy) msgTypeBlocked(msgType string) bool {
	for _, blocked := range p.BlockedMatrixMsgTypes {
		if blocked == msgType {
			return true
		}
	}
	return false
}
