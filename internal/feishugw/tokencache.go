package feishugw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const tenantTokenURL = "https://open.feishu.cn/open-apis/auth/v3/tenant_access_token/internal"

// tokenCache holds the cached tenant_access_token and its expiry,
// refreshing it whenever the remaining validity drops under refreshMargin.
// It never hands out an expired token.
type tokenCache struct {
	appID, appSecret string
	httpClient       *http.Client
	refreshMargin    time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenCache(appID, appSecret string, httpClient *http.Client) *tokenCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &tokenCache{appID: appID, appSecret: appSecret, httpClient: httpClient, refreshMargin: 5 * time.Minute}
}

// ensureToken returns a valid tenant_access_token, fetching a fresh one if
// none is cached or the cached one is within refreshMargin of expiry.
func (c *tokenCache) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.expiresAt) > c.refreshMargin {
		return c.token, nil
	}
	return c.refreshLocked(ctx)
}

// forceRefresh discards any cached token and fetches a new one, used by the
// auth_failed-after-refresh-race recovery path.
func (c *tokenCache) forceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *tokenCache) refreshLocked(ctx context.Context) (string, error) {
	body := fmt.Sprintf(`{"app_id":%q,"app_secret":%q}`, c.appID, c.appSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenantTokenURL, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build tenant token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newAPIError(0, 0, err.Error())
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode tenant token response: %w", err)
	}
	if result.Code != 0 {
		return "", newAPIError(resp.StatusCode, result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.expiresAt = time.Now().Add(time.Duration(result.Expire) * time.Second)
	return c.token, nil
}
