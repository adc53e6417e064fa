package dispatch

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
)

// unitSep/recordSep separate fields/attachment-tuples in the hash input so
// that, e.g., a body of "a\x1fb" can never collide with two separately
// hashed fields "a" and "b".
const (
	unitSep   = "\x1f"
	recordSep = "\x1e"
)

// ContentHash computes the deterministic hash the Matrix→Feishu dispatcher
// dedupes outbound sends on: a send is suppressed whenever a MessageMapping
// already carries this hash. Attachment order matters — permuting two
// attachments changes the hash — and a timestamp is never an input, so
// redelivery with the same event content always re-derives the same hash.
func ContentHash(eventID, roomID, sender, msgType, content, replyTo, editOf string, attachments []flow.Attachment) string {
	h := sha256.New()
	h.Write([]byte(eventID))
	h.Write([]byte(unitSep))
	h.Write([]byte(roomID))
	h.Write([]byte(unitSep))
	h.Write([]byte(sender))
	h.Write([]byte(unitSep))
	h.Write([]byte(msgType))
	h.Write([]byte(unitSep))
	h.Write([]byte(content))
	h.Write([]byte(unitSep))
	h.Write([]byte(replyTo))
	h.Write([]byte(unitSep))
	h.Write([]byte(editOf))
	for _, att := range attachments {
		h.Write([]byte(unitSep))
		h.Write([]byte(att.Kind))
		h.Write([]byte(recordSep))
		h.Write([]byte(att.URL))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Hex hashes raw attachment bytes for media-cache lookups.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
