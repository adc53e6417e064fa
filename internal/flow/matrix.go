package flow

import "github.com/tidwall/gjson"

var attachmentTypes = map[string]bool{
	"m.image":   true,
	"m.audio":   true,
	"m.video":   true,
	"m.file":    true,
	"m.sticker": true,
}

// ParseMatrixEvent parses an m.room.message/m.sticker event's content into a
// MatrixInboundMessage, or returns ok=false when the event type is
// unsupported or the result would be empty. content is the raw
// JSON event content; its shape is heterogeneous across msgtypes, so this
// walks it with gjson rather than a fixed struct.
func ParseMatrixEvent(eventType string, content []byte) (MatrixInboundMessage, bool) {
	if eventType != "m.room.message" && eventType != "m.sticker" {
		return MatrixInboundMessage{}, false
	}

	root := gjson.ParseBytes(content)
	contentForBody := root
	if nc := root.Get(`m\.new_content`); nc.IsObject() {
		contentForBody = nc
	}

	body := contentForBody.Get("body").String()

	msgtype := contentForBody.Get("msgtype").String()
	if msgtype == "" {
		if eventType == "m.sticker" {
			msgtype = "m.sticker"
		} else {
			msgtype = "m.text"
		}
	}

	relation := parseRelation(root)
	attachments := parseAttachments(contentForBody, msgtype)

	if body == "" && len(attachments) == 0 {
		return MatrixInboundMessage{}, false
	}

	return MatrixInboundMessage{
		Body:        body,
		MsgType:     msgtype,
		Relation:    relation,
		Attachments: attachments,
	}, true
}

func parseRelation(root gjson.Result) *MessageRelation {
	relatesTo := root.Get(`m\.relates_to`)
	if !relatesTo.Exists() {
		return nil
	}
	if replyEventID := relatesTo.Get(`m\.in_reply_to.event_id`); replyEventID.Exists() {
		return &MessageRelation{Kind: RelationReply, EventID: replyEventID.String()}
	}
	if relatesTo.Get("rel_type").String() == "m.replace" {
		if editEventID := relatesTo.Get("event_id"); editEventID.Exists() {
			return &MessageRelation{Kind: RelationReplace, EventID: editEventID.String()}
		}
	}
	return nil
}

func parseAttachments(content gjson.Result, msgtype string) []Attachment {
	if !attachmentTypes[msgtype] {
		return nil
	}
	url := content.Get("url")
	if !url.Exists() || url.String() == "" {
		return nil
	}
	name := content.Get("body").String()
	if name == "" {
		name = "matrix-media"
	}
	return []Attachment{{Name: name, URL: url.String(), Kind: msgtype}}
}

// Translator holds the formatting toggles that shape matrix_to_feishu and
// feishu_to_matrix output (rich text, HTML passthrough, markdown, card
// conversion) — the bridge-config-driven knobs.
type Translator struct {
	EnableRichText bool
	AllowHTML      bool
	AllowMarkdown  bool
	ConvertCards   bool
}

// MatrixToFeishu converts a parsed Matrix message into its Feishu wire form.
func (t Translator) MatrixToFeishu(msg MatrixInboundMessage) OutboundFeishuMessage {
	out := OutboundFeishuMessage{
		Content: t.formatForFeishu(msg.Body),
		MsgType: "text",
	}
	if t.EnableRichText {
		out.MsgType = "post"
	}
	if msg.Relation != nil {
		switch msg.Relation.Kind {
		case RelationReply:
			out.ReplyTo = msg.Relation.EventID
		case RelationReplace:
			out.EditOf = msg.Relation.EventID
		}
	}
	for _, a := range msg.Attachments {
		out.Attachments = append(out.Attachments, a.URL)
	}
	return out
}

func (t Translator) formatForFeishu(content string) string {
	result := content
	if t.AllowHTML {
		result = convertMatrixHTMLToFeishu(result)
	}
	if t.AllowMarkdown {
		result = convertMatrixMarkdownToFeishu(result)
	} else {
		result = convertMatrixTextToFeishu(result)
	}
	return result
}

// The formatting converters themselves (HTML↔Feishu post, markdown,
// emoji tables) are out of scope here; these are minimal identity-shaped
// stand-ins that keep the translator's call shape faithful without
// inventing a converter implementation.
func convertMatrixHTMLToFeishu(s string) string     { return s }
func convertMatrixMarkdownToFeishu(s string) string { return s }
func convertMatrixTextToFeishu(s string) string     { return s }
