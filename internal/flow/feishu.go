package flow

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ParseFeishuMessage extracts a BridgeMessage from a raw Feishu message
// event payload. Text extraction walks `post` rows (tags text/a/at/img);
// `card` payloads are flattened to header + body; any other msg_type falls
// back to the literal content with the type name tagged on.
func ParseFeishuMessage(msgID, sender, chatID, msgType, rawContent string, mentionNames map[string]string) BridgeMessage {
	out := BridgeMessage{ID: msgID, Sender: sender, RoomID: chatID, MsgType: msgType}

	switch msgType {
	case "text":
		out.Content = extractTextContent(rawContent, mentionNames)
	case "post":
		content, attachments := extractPostContent(rawContent, mentionNames)
		out.Content = content
		out.Attachments = attachments
	case "image":
		key := gjson.Get(rawContent, "image_key").String()
		if key != "" {
			out.Attachments = append(out.Attachments, "feishu://image/"+key)
		}
	case "audio":
		key := gjson.Get(rawContent, "file_key").String()
		if key != "" {
			out.Attachments = append(out.Attachments, "feishu://audio/"+key)
		}
	case "media":
		key := gjson.Get(rawContent, "file_key").String()
		if key != "" {
			out.Attachments = append(out.Attachments, "feishu://video/"+key)
		}
	case "file":
		key := gjson.Get(rawContent, "file_key").String()
		if key != "" {
			out.Attachments = append(out.Attachments, "feishu://file/"+key)
		}
	case "interactive":
		out.Content = extractTextFromCard(rawContent)
	default:
		out.Content = "[" + msgType + "] " + rawContent
	}

	return out
}

// extractTextFromPost is the pure post→text extractor: it returns the text
// half of extractPostContent and drops the attachment references.
func extractTextFromPost(rawContent string, mentionNames map[string]string) string {
	content, _ := extractPostContent(rawContent, mentionNames)
	return content
}

// extractTextFromCard implements "extract_text_from_card": flattens a
// Feishu interactive-card payload to header title + element text.
func extractTextFromCard(rawContent string) string {
	var parts []string
	if title := gjson.Get(rawContent, "header.title.content").String(); title != "" {
		parts = append(parts, title)
	}
	gjson.Get(rawContent, "elements").ForEach(func(_, el gjson.Result) bool {
		if text := el.Get("text.content").String(); text != "" {
			parts = append(parts, text)
		}
		el.Get("fields").ForEach(func(_, field gjson.Result) bool {
			if text := field.Get("text.content").String(); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		return true
	})
	return strings.Join(parts, "\n")
}

func extractTextContent(rawContent string, mentionNames map[string]string) string {
	return replaceMentionPlaceholders(gjson.Get(rawContent, "text").String(), mentionNames)
}

func extractPostContent(rawContent string, mentionNames map[string]string) (string, []string) {
	var textParts []string
	var attachments []string

	if title := gjson.Get(rawContent, "title").String(); title != "" {
		textParts = append(textParts, title)
	}

	gjson.Get(rawContent, "content").ForEach(func(_, line gjson.Result) bool {
		var lineParts []string
		line.ForEach(func(_, elem gjson.Result) bool {
			switch elem.Get("tag").String() {
			case "text":
				if text := elem.Get("text").String(); text != "" {
					lineParts = append(lineParts, text)
				}
			case "a":
				if text := elem.Get("text").String(); text != "" {
					lineParts = append(lineParts, text)
				}
			case "at":
				userID := elem.Get("user_id").String()
				if name, ok := mentionNames[userID]; ok {
					lineParts = append(lineParts, "@"+name)
				} else if userID != "" {
					lineParts = append(lineParts, "@"+userID)
				}
			case "img":
				if key := elem.Get("image_key").String(); key != "" {
					attachments = append(attachments, "feishu://image/"+key)
				}
			}
			return true
		})
		if len(lineParts) > 0 {
			textParts = append(textParts, strings.Join(lineParts, ""))
		}
		return true
	})

	result := strings.Join(textParts, "\n")
	result = replaceMentionPlaceholders(result, mentionNames)
	return result, attachments
}

func replaceMentionPlaceholders(text string, mentionNames map[string]string) string {
	if len(mentionNames) == 0 {
		return text
	}
	result := text
	for key, name := range mentionNames {
		result = strings.ReplaceAll(result, key, "@"+name)
	}
	return result
}

// FeishuToMatrix converts a parsed inbound Feishu message into the outbound
// Matrix message shape.
func (t Translator) FeishuToMatrix(msg BridgeMessage, replyTo, editOf string) OutboundMatrixMessage {
	body := msg.Content
	if t.ConvertCards {
		body = convertFeishuEmoticons(body)
	}

	out := OutboundMatrixMessage{
		Body:        body,
		MsgType:     "m.text",
		ReplyTo:     replyTo,
		EditOf:      editOf,
		Attachments: msg.Attachments,
	}
	if t.AllowHTML {
		out.FormattedBody = convertFeishuContentToMatrixHTML(msg.Content)
	}
	return out
}

func convertFeishuEmoticons(s string) string          { return s }
func convertFeishuContentToMatrixHTML(s string) string { return s }
