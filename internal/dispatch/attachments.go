package dispatch

import (
	"fmt"
	"strings"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

// attachmentPlan describes how one Matrix attachment kind maps onto the
// Feishu upload/send shape.
type attachmentPlan struct {
	cacheKind domain.MediaKind
	feishuMsg string // image | audio | media | file
	keyField  string // image_key | file_key
}

func planForMatrixKind(kind string) attachmentPlan {
	switch kind {
	case "m.image", "m.sticker":
		return attachmentPlan{cacheKind: domain.MediaImage, feishuMsg: "image", keyField: "image_key"}
	case "m.audio":
		return attachmentPlan{cacheKind: domain.MediaAudio, feishuMsg: "audio", keyField: "file_key"}
	case "m.video":
		return attachmentPlan{cacheKind: domain.MediaVideo, feishuMsg: "media", keyField: "file_key"}
	default:
		return attachmentPlan{cacheKind: domain.MediaFile, feishuMsg: "file", keyField: "file_key"}
	}
}

func (p Policy) attachmentKindAllowed(kind string) bool {
	switch kind {
	case "m.image", "m.sticker":
		return p.AllowImages
	case "m.audio":
		return p.AllowAudio
	case "m.video":
		return p.AllowVideos
	default:
		return p.AllowFiles
	}
}

// guessImageMime infers an image MIME type from its filename extension,
// defaulting to PNG when the extension is unknown.
func guessImageMime(name string) string {
	switch strings.ToLower(extOf(name)) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// guessFeishuFileType infers the Feishu file_type upload parameter for a
// non-image attachment.
func guessFeishuFileType(name, matrixKind string) string {
	if matrixKind == "m.audio" {
		return "opus"
	}
	if matrixKind == "m.video" {
		return "mp4"
	}
	switch strings.ToLower(extOf(name)) {
	case "pdf":
		return "pdf"
	case "doc", "docx":
		return "doc"
	case "xls", "xlsx":
		return "xls"
	case "ppt", "pptx":
		return "ppt"
	case "mp4":
		return "mp4"
	default:
		return "stream"
	}
}

func extOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx+1:]
}

// resourceTypeForFeishuKind maps the cached attachment kind onto the "type"
// parameter get_message_resource expects (the Feishu API only distinguishes
// image vs. everything else).
func resourceTypeForFeishuKind(kind string) string {
	if kind == "image" {
		return "image"
	}
	return "file"
}

// matrixMsgTypeForFeishuKind maps a feishu://<kind>/<key> attachment
// reference onto the Matrix msgtype used to re-send it.
func matrixMsgTypeForFeishuKind(kind string) string {
	switch kind {
	case "image", "sticker":
		return "m.image"
	case "audio":
		return "m.audio"
	case "video":
		return "m.video"
	default:
		return "m.file"
	}
}

func guessMimeForFeishuKind(kind string) string {
	switch kind {
	case "image", "sticker":
		return "image/png"
	case "audio":
		return "audio/amr"
	case "video":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// parseFeishuAttachmentURL splits the internal "feishu://<kind>/<key>"
// reference back into its parts.
func parseFeishuAttachmentURL(ref string) (kind, key string, err error) {
	const prefix = "feishu://"
	if !strings.HasPrefix(ref, prefix) {
		return "", "", fmt.Errorf("parse feishu attachment url %q: missing feishu:// scheme", ref)
	}
	rest := strings.TrimPrefix(ref, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("parse feishu attachment url %q: malformed", ref)
	}
	return parts[0], parts[1], nil
}
