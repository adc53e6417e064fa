// Package conf loads the bridge's YAML configuration file and applies the
// environment-variable overrides: struct-per-concern config, env fallback,
// and one explicit Validate call at startup.
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Provision  ProvisionConfig  `yaml:"provisioning"`
	Feishu     FeishuAPIConfig  `yaml:"feishu_api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

type AppserviceConfig struct {
	Database DatabaseConfig `yaml:"database"`
	ASToken  string         `yaml:"as_token"`
	HSToken  string         `yaml:"hs_token"`
	BotUser  string         `yaml:"bot_user_id"`
}

// BridgeConfig carries the Feishu app credentials, webhook verification
// secrets, and the per-deployment bridging feature toggles.
type BridgeConfig struct {
	ListenAddress      string `yaml:"listen_address"`
	ListenSecret       string `yaml:"listen_secret"`
	AppID              string `yaml:"app_id"`
	AppSecret          string `yaml:"app_secret"`
	EncryptKey         string `yaml:"encrypt_key"`
	VerificationToken  string `yaml:"verification_token"`
	SelfServiceEnabled bool   `yaml:"self_service_enabled"`

	BridgeMatrixReply      bool `yaml:"bridge_matrix_reply"`
	BridgeMatrixEdit       bool `yaml:"bridge_matrix_edit"`
	BridgeMatrixReactions  bool `yaml:"bridge_matrix_reactions"`
	BridgeMatrixRedactions bool `yaml:"bridge_matrix_redactions"`

	AllowImages bool `yaml:"allow_images"`
	AllowAudio  bool `yaml:"allow_audio"`
	AllowVideos bool `yaml:"allow_videos"`
	AllowFiles  bool `yaml:"allow_files"`

	BlockedMatrixMsgTypes []string `yaml:"blocked_matrix_msgtypes"`
	MaxTextLength         int      `yaml:"max_text_length"`
	MaxMediaSize          int64    `yaml:"max_media_size"`

	EnableFailureDegrade bool `yaml:"enable_failure_degrade"`

	RateLimitPerRoom int           `yaml:"rate_limit_per_room"`
	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
	UserProfileTTL   time.Duration `yaml:"user_profile_ttl"`
}

// ProvisionConfig carries the admin API's per-scope bearer tokens and the
// pending-bridge-request approval timeout.
type ProvisionConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadToken     string        `yaml:"read_token"`
	WriteToken    string        `yaml:"write_token"`
	DeleteToken   string        `yaml:"delete_token"`
	AdminToken    string        `yaml:"admin_token"`
	ApprovalTTL   time.Duration `yaml:"approval_ttl"`
	ApprovalPoll  time.Duration `yaml:"approval_poll_interval"`
}

type FeishuAPIConfig struct {
	BaseURL     string `yaml:"base_url"`
	MaxRetries  int    `yaml:"max_retries"`
	RetryBaseMS int    `yaml:"retry_base_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	if resolved := os.Getenv("CONFIG_PATH"); resolved != "" {
		path = resolved
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses raw YAML bytes layered over Default(); Load calls it
// after reading the file, and tests call it directly.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config seeded with the bridge's non-secret defaults.
func Default() *Config {
	return &Config{
		Appservice: AppserviceConfig{Database: DatabaseConfig{Type: "sqlite"}},
		Bridge: BridgeConfig{
			BridgeMatrixReply:    true,
			BridgeMatrixEdit:     true,
			AllowImages:          true,
			AllowAudio:           true,
			AllowVideos:          true,
			AllowFiles:           true,
			MaxMediaSize:         30 * 1024 * 1024,
			EnableFailureDegrade: true,
			RateLimitPerRoom:     30,
			RateLimitWindow:      10 * time.Second,
			UserProfileTTL:       24 * time.Hour,
		},
		Provision: ProvisionConfig{
			ApprovalTTL:  5 * time.Minute,
			ApprovalPoll: 500 * time.Millisecond,
		},
		Feishu: FeishuAPIConfig{
			BaseURL:     "https://open.feishu.cn",
			MaxRetries:  3,
			RetryBaseMS: 200,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

const envPrefix = "BRIDGE_"

// applyEnvOverrides layers the deployment's environment variables over the
// file-based values.
func (c *Config) applyEnvOverrides() {
	overrideString(&c.Appservice.Database.Type, "DB_TYPE")
	overrideString(&c.Appservice.Database.URI, "DB_URI")
	overrideString(&c.Appservice.ASToken, "AS_TOKEN")
	overrideString(&c.Appservice.HSToken, "HS_TOKEN")
	overrideString(&c.Bridge.AppID, envPrefix+"APP_ID")
	overrideString(&c.Bridge.AppSecret, envPrefix+"APP_SECRET")
	overrideString(&c.Bridge.ListenAddress, envPrefix+"LISTEN_ADDRESS")
	overrideString(&c.Bridge.ListenSecret, envPrefix+"LISTEN_SECRET")
	overrideString(&c.Bridge.EncryptKey, envPrefix+"ENCRYPT_KEY")
	overrideString(&c.Bridge.VerificationToken, envPrefix+"VERIFICATION_TOKEN")
	overrideString(&c.Feishu.BaseURL, "FEISHU_API_BASE_URL")
	overrideInt(&c.Feishu.MaxRetries, "FEISHU_API_MAX_RETRIES")
	overrideInt(&c.Feishu.RetryBaseMS, "FEISHU_API_RETRY_BASE_MS")
}

func overrideString(target *string, envName string) {
	if v := os.Getenv(envName); strings.TrimSpace(v) != "" {
		*target = v
	}
}

func overrideInt(target *int, envName string) {
	if v := os.Getenv(envName); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

// Validate runs the required-field and placeholder checks once before a
// deployment starts.
func (c *Config) Validate() error {
	dbType := strings.ToLower(strings.TrimSpace(c.Appservice.Database.Type))
	if dbType != "sqlite" {
		return fmt.Errorf("appservice.database.type=%q is not supported; use sqlite", c.Appservice.Database.Type)
	}

	for _, check := range []struct {
		field string
		value string
	}{
		{"appservice.as_token", c.Appservice.ASToken},
		{"appservice.hs_token", c.Appservice.HSToken},
		{"bridge.app_id", c.Bridge.AppID},
		{"bridge.app_secret", c.Bridge.AppSecret},
	} {
		if err := validateNotPlaceholder(check.field, check.value); err != nil {
			return err
		}
	}

	hasSignature := strings.TrimSpace(c.Bridge.ListenSecret) != ""
	hasToken := strings.TrimSpace(c.Bridge.VerificationToken) != ""
	hasEncryptKey := strings.TrimSpace(c.Bridge.EncryptKey) != ""
	if !hasSignature && !hasToken && !hasEncryptKey {
		return fmt.Errorf("at least one webhook verification option must be configured: listen_secret/encrypt_key/verification_token")
	}
	if hasEncryptKey && !hasToken {
		return fmt.Errorf("bridge.verification_token is required when bridge.encrypt_key is configured")
	}

	return nil
}

func validateNotPlaceholder(field, value string) error {
	lowered := strings.ToLower(strings.TrimSpace(value))
	isPlaceholder := lowered == "" ||
		strings.Contains(lowered, "your_") ||
		strings.Contains(lowered, "changeme") ||
		strings.Contains(lowered, "replace_me") ||
		strings.Contains(lowered, "example") ||
		strings.HasSuffix(lowered, "_here")
	if isPlaceholder {
		return fmt.Errorf("configuration field %q still uses placeholder value %q", field, value)
	}
	return nil
}
