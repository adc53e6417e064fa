package conf

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validYAML() []byte {
	return []byte(`
homeserver:
  address: https://matrix.example.org
  domain: example.org
appservice:
  database:
    type: sqlite
    uri: file:bridge.db
  as_token: as_real_token_abc123
  hs_token: hs_real_token_xyz456
  bot_user_id: "@feishubot:example.org"
bridge:
  listen_address: 0.0.0.0:8080
  listen_secret: real_listen_secret
  app_id: cli_real_app_id
  app_secret: real_app_secret_value
feishu_api:
  base_url: https://open.feishu.cn
`)
}

func TestLoadFromBytesRoundTrips(t *testing.T) {
	cfg, err := LoadFromBytes(validYAML())
	require.NoError(t, err)

	assert.Equal(t, "https://matrix.example.org", cfg.Homeserver.Address)
	assert.Equal(t, "sqlite", cfg.Appservice.Database.Type)
	assert.Equal(t, "cli_real_app_id", cfg.Bridge.AppID)
	// defaults survive when the YAML doesn't override them
	assert.True(t, cfg.Bridge.BridgeMatrixReply)
	assert.Equal(t, 30, cfg.Bridge.RateLimitPerRoom)
	assert.Equal(t, 10*time.Second, cfg.Bridge.RateLimitWindow)
}

func TestLoadFromBytesRejectsPlaceholderAppSecret(t *testing.T) {
	bad := []byte(`
appservice:
  database: {type: sqlite}
  as_token: as_real_token_abc123
  hs_token: hs_real_token_xyz456
bridge:
  listen_secret: real_listen_secret
  app_id: cli_real_app_id
  app_secret: changeme
`)
	_, err := LoadFromBytes(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.app_secret")
}

func TestLoadFromBytesRejectsNonSqliteDatabase(t *testing.T) {
	bad := []byte(`
appservice:
  database: {type: postgres}
  as_token: as_real_token_abc123
  hs_token: hs_real_token_xyz456
bridge:
  listen_secret: real_listen_secret
  app_id: cli_real_app_id
  app_secret: real_app_secret_value
`)
	_, err := LoadFromBytes(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestLoadFromBytesRequiresAWebhookVerificationOption(t *testing.T) {
	bad := []byte(`
appservice:
  database: {type: sqlite}
  as_token: as_real_token_abc123
  hs_token: hs_real_token_xyz456
bridge:
  app_id: cli_real_app_id
  app_secret: real_app_secret_value
`)
	_, err := LoadFromBytes(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook verification option")
}

func TestLoadFromBytesRequiresTokenWhenEncryptKeySet(t *testing.T) {
	bad := []byte(`
appservice:
  database: {type: sqlite}
  as_token: as_real_token_abc123
  hs_token: hs_real_token_xyz456
bridge:
  encrypt_key: some_real_key_32_bytes_long_abcd
  app_id: cli_real_app_id
  app_secret: real_app_secret_value
`)
	_, err := LoadFromBytes(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification_token is required")
}

func TestApplyEnvOverridesTakesPrecedenceOverYAML(t *testing.T) {
	t.Setenv("BRIDGE_APP_ID", "cli_env_override")
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("FEISHU_API_MAX_RETRIES", "7")

	cfg, err := LoadFromBytes(validYAML())
	require.NoError(t, err)
	assert.Equal(t, "cli_env_override", cfg.Bridge.AppID)
	assert.Equal(t, 7, cfg.Feishu.MaxRetries)
}

func TestLoadReadsFileFromConfigPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bridge.yaml"
	require.NoError(t, os.WriteFile(path, validYAML(), 0o600))

	t.Setenv("CONFIG_PATH", path)
	cfg, err := Load("ignored-default-path.yaml")
	require.NoError(t, err)
	assert.Equal(t, "example.org", cfg.Homeserver.Domain)
}

func TestValidateNotPlaceholderRejectsCommonPlaceholders(t *testing.T) {
	for _, v := range []string{"", "your_app_secret", "CHANGEME", "replace_me", "example-value", "token_here"} {
		assert.Error(t, validateNotPlaceholder("field", v), "expected %q to be rejected", v)
	}
	assert.NoError(t, validateNotPlaceholder("field", "a_real_looking_value_123"))
}
