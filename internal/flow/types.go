// Package flow is the Message Flow translator: a pure function
// set with no I/O, converting between Matrix event content, the bridge's
// internal message shapes, and Feishu message payloads.
package flow

// RelationKind distinguishes a Matrix m.relates_to edit from a reply.
type RelationKind string

const (
	RelationNone    RelationKind = ""
	RelationReply   RelationKind = "reply"
	RelationReplace RelationKind = "replace"
)

// MessageRelation mirrors Matrix's reply/edit relation, collapsed to the one
// that matters for bridging (a message carries at most one of these).
type MessageRelation struct {
	Kind    RelationKind
	EventID string
}

// Attachment is one translated media reference, carried as an opaque URL
// until the dispatcher resolves and transfers the bytes.
type Attachment struct {
	Name string
	URL  string
	Kind string // m.image | m.audio | m.video | m.file | m.sticker
}

// MatrixInboundMessage is the parsed form of one m.room.message/m.sticker
// event, before translation to the Feishu wire shape.
type MatrixInboundMessage struct {
	EventID     string
	RoomID      string
	Sender      string
	Body        string
	MsgType     string
	Relation    *MessageRelation
	Attachments []Attachment
}

// OutboundFeishuMessage is what the Matrix→Feishu dispatcher sends.
type OutboundFeishuMessage struct {
	Content     string
	MsgType     string // text | post
	ReplyTo     string
	EditOf      string
	Attachments []string
}

// RenderContent assembles a plain-text rendering of the outbound message:
// reply and edit markers, the content, then one attachment reference per line.
func (m *OutboundFeishuMessage) RenderContent() string {
	var out string
	if m.ReplyTo != "" {
		out += "> reply to " + m.ReplyTo + "\n"
	}
	if m.EditOf != "" {
		out += "* (edit of " + m.EditOf + ")\n"
	}
	out += m.Content
	for _, a := range m.Attachments {
		if out != "" {
			out += "\n"
		}
		out += a
	}
	return out
}

// BridgeMessage is the parsed form of an inbound Feishu message event,
// independent of its original msg_type (text/post/card/...).
type BridgeMessage struct {
	ID          string
	Sender      string
	RoomID      string // Feishu chat_id
	Content     string
	MsgType     string
	Attachments []string
	ThreadID    string
	RootID      string
	ParentID    string
}

// OutboundMatrixMessage is what the Feishu→Matrix dispatcher sends.
type OutboundMatrixMessage struct {
	Body          string
	FormattedBody string
	MsgType       string // m.text | m.image | m.audio | m.video | m.file
	ReplyTo       string
	EditOf        string
	Attachments   []string
}

// RenderBody assembles the plain-text body of the outbound event; it is sent
// as "body" whether or not a formatted_body is also produced.
func (m *OutboundMatrixMessage) RenderBody() string {
	body := m.Body
	if m.ReplyTo != "" {
		body = "> reply to " + m.ReplyTo + "\n" + body
	}
	if m.EditOf != "" {
		body = "* " + body + "\n(edit:" + m.EditOf + ")"
	}
	for _, a := range m.Attachments {
		if body != "" {
			body += "\n"
		}
		body += a
	}
	return body
}
