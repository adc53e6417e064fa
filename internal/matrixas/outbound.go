package matrixas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MatrixOut is the outbound capability interface the dispatchers depend
// on; it is deliberately narrow so a test double can stand in without
// pulling in a full Matrix client SDK.
type MatrixOut interface {
	EnsureRegistered(ctx context.Context, userID string) error
	SendText(ctx context.Context, roomID, body string) (eventID string, err error)
	SendNotice(ctx context.Context, roomID, body string) (eventID string, err error)
	SendEvent(ctx context.Context, roomID, eventType string, content any) (eventID string, err error)
	RedactEvent(ctx context.Context, roomID, eventID, reason string) error
	UploadMedia(ctx context.Context, data []byte, mime, filename string) (mxcURL string, err error)
	DownloadMedia(ctx context.Context, mxcURL string) (data []byte, mimeType string, err error)
}

// HomeserverClient implements MatrixOut against a homeserver's Client-Server
// and media APIs, authenticating every call with the application service's
// as_token.
type HomeserverClient struct {
	baseURL   string
	asToken   string
	botUserID string
	httpCli   *http.Client
	log       *zap.Logger
	maxBytes  int64
}

// NewHomeserverClient builds a MatrixOut bound to one homeserver.
func NewHomeserverClient(baseURL, asToken, botUserID string, maxMediaBytes int64, log *zap.Logger) *HomeserverClient {
	if log == nil {
		log = zap.NewNop()
	}
	if maxMediaBytes <= 0 {
		maxMediaBytes = 50 * 1024 * 1024
	}
	return &HomeserverClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		asToken:   asToken,
		botUserID: botUserID,
		httpCli:   &http.Client{Timeout: 30 * time.Second},
		log:       log,
		maxBytes:  maxMediaBytes,
	}
}

func (c *HomeserverClient) EnsureRegistered(ctx context.Context, userID string) error {
	path := "/_matrix/client/v3/register"
	body, _ := json.Marshal(map[string]any{
		"type":     "m.login.application_service",
		"username": localpart(userID),
	})
	resp, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// M_USER_IN_USE means the user already exists, which is success for our
	// purposes; any other non-2xx is a real failure.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errBody struct {
		Errcode string `json:"errcode"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &errBody)
	if errBody.Errcode == "M_USER_IN_USE" {
		return nil
	}
	return fmt.Errorf("ensure_registered %s: status %d: %s", userID, resp.StatusCode, string(data))
}

func (c *HomeserverClient) SendText(ctx context.Context, roomID, body string) (string, error) {
	return c.sendMessage(ctx, roomID, map[string]any{"msgtype": "m.text", "body": body})
}

func (c *HomeserverClient) SendNotice(ctx context.Context, roomID, body string) (string, error) {
	return c.sendMessage(ctx, roomID, map[string]any{"msgtype": "m.notice", "body": body})
}

func (c *HomeserverClient) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	return c.sendAny(ctx, roomID, eventType, content)
}

func (c *HomeserverClient) sendMessage(ctx context.Context, roomID string, content any) (string, error) {
	return c.sendAny(ctx, roomID, "m.room.message", content)
}

func (c *HomeserverClient) sendAny(ctx context.Context, roomID, eventType string, content any) (string, error) {
	txnID := fmt.Sprintf("%d", time.Now().UnixNano())
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s", url.PathEscape(roomID), url.PathEscape(eventType), url.PathEscape(txnID))
	body, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal event content: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, path, nil, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("send_event %s/%s: status %d: %s", roomID, eventType, resp.StatusCode, string(data))
	}

	var result struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode send_event response: %w", err)
	}
	return result.EventID, nil
}

func (c *HomeserverClient) RedactEvent(ctx context.Context, roomID, eventID, reason string) error {
	txnID := fmt.Sprintf("%d", time.Now().UnixNano())
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s", url.PathEscape(roomID), url.PathEscape(eventID), url.PathEscape(txnID))
	body, _ := json.Marshal(map[string]string{"reason": reason})

	resp, err := c.do(ctx, http.MethodPut, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("redact_event %s/%s: status %d: %s", roomID, eventID, resp.StatusCode, string(data))
	}
	return nil
}

func (c *HomeserverClient) UploadMedia(ctx context.Context, data []byte, mime, filename string) (string, error) {
	path := "/_matrix/media/v3/upload"
	query := url.Values{"filename": {filename}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+query.Encode(), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload_media: status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload_media response: %w", err)
	}
	return result.ContentURI, nil
}

// DownloadMedia fetches bytes referenced by an mxc:// URL, enforcing
// maxBytes.
func (c *HomeserverClient) DownloadMedia(ctx context.Context, mxcURL string) ([]byte, string, error) {
	server, mediaID, err := parseMXC(mxcURL)
	if err != nil {
		return nil, "", err
	}
	path := fmt.Sprintf("/_matrix/media/v3/download/%s/%s", url.PathEscape(server), url.PathEscape(mediaID))

	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("download_media %s: status %d: %s", mxcURL, resp.StatusCode, string(body))
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, "", fmt.Errorf("download_media %s: exceeds max_media_size", mxcURL)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *HomeserverClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpCli.Do(req)
}

func parseMXC(mxcURL string) (server, mediaID string, err error) {
	const prefix = "mxc://"
	if !strings.HasPrefix(mxcURL, prefix) {
		return "", "", fmt.Errorf("parse mxc url %q: missing mxc:// scheme", mxcURL)
	}
	rest := strings.TrimPrefix(mxcURL, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("parse mxc url %q: malformed", mxcURL)
	}
	return parts[0], parts[1], nil
}

func localpart(userID string) string {
	trimmed := strings.TrimPrefix(userID, "@")
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}
