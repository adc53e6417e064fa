package webhook

import (
	"errors"

	"github.com/tidwall/gjson"
)

// eventKind enumerates the Feishu event types the bridge understands
//. Anything else is acknowledged and ignored.
type eventKind string

const (
	eventMessageReceive eventKind = "im.message.receive_v1"
	eventMessageRecall  eventKind = "im.message.recalled_v1"
	eventMemberAdded    eventKind = "im.chat.member.user.added_v1"
	eventMemberDeleted  eventKind = "im.chat.member.user.deleted_v1"
	eventChatUpdated    eventKind = "im.chat.updated_v1"
	eventChatDisbanded  eventKind = "im.chat.disbanded_v1"
)

// envelope is the parsed outer shape of one webhook delivery: either a URL
// verification handshake or a header/event callback.
type envelope struct {
	isHandshake bool
	challenge   string
	token       string

	eventID   string
	eventType eventKind
	chatID    string
	raw       gjson.Result // the "event" object
}

var errMalformedEnvelope = errors.New("webhook: malformed event envelope")

// parseEnvelope recognizes both the url_verification handshake and the
// header/event callback shape.
func parseEnvelope(body []byte) (envelope, error) {
	if !gjson.ValidBytes(body) {
		return envelope{}, errMalformedEnvelope
	}
	root := gjson.ParseBytes(body)

	if root.Get("type").String() == "url_verification" {
		return envelope{
			isHandshake: true,
			challenge:   root.Get("challenge").String(),
			token:       root.Get("token").String(),
		}, nil
	}

	header := root.Get("header")
	if !header.Exists() {
		return envelope{}, errMalformedEnvelope
	}

	ev := envelope{
		eventID:   header.Get("event_id").String(),
		eventType: eventKind(header.Get("event_type").String()),
		token:     header.Get("token").String(),
		raw:       root.Get("event"),
	}
	ev.chatID = firstNonEmpty(
		ev.raw.Get("message.chat_id").String(),
		ev.raw.Get("chat_id").String(),
	)
	return ev, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
