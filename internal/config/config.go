// Package config loads and resolves the gateway's layered configuration:
// a JSON5-like file on disk, merged with process env overrides and
// per-account overrides under channels.<id>.accounts.<accountId>.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the top-level gateway configuration.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Log      LogConfig      `json:"log"`
	Channels ChannelsConfig `json:"channels"`
}

// GatewayConfig configures the internal HTTP server that serves webhooks
// and status/reload endpoints.
type GatewayConfig struct {
	Port int    `json:"port"`
	Bind string `json:"bind"` // "loopback" or "all"
	Mode string `json:"mode"` // "local" or "production"
}

// LogConfig configures the rotating file logger behind the gatewayd
// "logs" command family. Dir and Level fall back to
// internal/system/logger's own defaults when left empty.
type LogConfig struct {
	Dir           string `json:"dir,omitempty"`
	Level         string `json:"level,omitempty"`
	MaxAgeDays    int    `json:"maxAgeDays,omitempty"`
	MaxSizeMB     int    `json:"maxSizeMB,omitempty"`
	StderrEnabled *bool  `json:"stderrEnabled,omitempty"`
}

// ChannelsConfig holds one block per supported platform.
type ChannelsConfig struct {
	DingTalk DingTalkChannelConfig `json:"dingtalk"`
	Feishu   FeishuChannelConfig   `json:"feishu"`
	WeCom    WeComChannelConfig    `json:"wecom"`
	WeComApp WeComAppChannelConfig `json:"wecom-app"`
	QQBot    QQBotChannelConfig    `json:"qqbot"`
}

// CommonAccountConfig holds the channel-neutral fields every account may
// set, either at the channel's top level (the default account) or under
// accounts.<id> as an override of the top level.
type CommonAccountConfig struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	DMPolicy       string   `json:"dmPolicy,omitempty"`
	GroupPolicy    string   `json:"groupPolicy,omitempty"`
	RequireMention *bool    `json:"requireMention,omitempty"`
	AllowFrom      []string `json:"allowFrom,omitempty"`
	GroupAllowFrom []string `json:"groupAllowFrom,omitempty"`
	MaxFileSizeMB  int      `json:"maxFileSizeMB,omitempty"`
	TextChunkLimit int      `json:"textChunkLimit,omitempty"`
	ReplyFinalOnly *bool    `json:"replyFinalOnly,omitempty"`
	Session        SessionConfig `json:"session,omitempty"`
}

// SessionConfig configures how DM sessions are scoped.
type SessionConfig struct {
	DMScope string `json:"dmScope,omitempty"` // "main", "per-peer", "per-channel-peer"
}

// DingTalkAccountConfig is one DingTalk account's configuration.
type DingTalkAccountConfig struct {
	CommonAccountConfig
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RobotCode    string `json:"robotCode"`
	EnableAICard bool   `json:"enableAICard"`
}

// DingTalkChannelConfig is the dingtalk channel block.
type DingTalkChannelConfig struct {
	DingTalkAccountConfig
	DefaultAccount string                            `json:"defaultAccount,omitempty"`
	Accounts       map[string]DingTalkAccountConfig `json:"accounts,omitempty"`
}

// FeishuAccountConfig is one Feishu/Lark account's configuration.
type FeishuAccountConfig struct {
	CommonAccountConfig
	AppID              string `json:"appId"`
	AppSecret          string `json:"appSecret"`
	SendMarkdownAsCard bool   `json:"sendMarkdownAsCard"`
}

// FeishuChannelConfig is the feishu channel block.
type FeishuChannelConfig struct {
	FeishuAccountConfig
	DefaultAccount string                          `json:"defaultAccount,omitempty"`
	Accounts       map[string]FeishuAccountConfig `json:"accounts,omitempty"`
}

// WeComAccountConfig is one WeCom AI Robot account's configuration.
type WeComAccountConfig struct {
	CommonAccountConfig
	WebhookPath    string `json:"webhookPath"`
	Token          string `json:"token"`
	EncodingAESKey string `json:"encodingAESKey"`
}

// WeComChannelConfig is the wecom (AI Robot) channel block.
type WeComChannelConfig struct {
	WeComAccountConfig
	DefaultAccount string                         `json:"defaultAccount,omitempty"`
	Accounts       map[string]WeComAccountConfig `json:"accounts,omitempty"`
}

// InboundMediaConfig controls inbound media archival for an account.
type InboundMediaConfig struct {
	Enabled  bool   `json:"enabled"`
	Dir      string `json:"dir,omitempty"`
	MaxBytes int64  `json:"maxBytes,omitempty"`
	KeepDays int    `json:"keepDays,omitempty"`
}

// VoiceTranscodeConfig controls voice transcoding for outbound media.
type VoiceTranscodeConfig struct {
	Enabled bool   `json:"enabled"`
	Prefer  string `json:"prefer,omitempty"`
}

// WeComAppAccountConfig is one WeCom self-built application's configuration.
type WeComAppAccountConfig struct {
	CommonAccountConfig
	WebhookPath     string                `json:"webhookPath"`
	Token           string                `json:"token"`
	EncodingAESKey  string                `json:"encodingAESKey"`
	CorpID          string                `json:"corpId"`
	CorpSecret      string                `json:"corpSecret"`
	AgentID         int                   `json:"agentId"`
	InboundMedia    InboundMediaConfig    `json:"inboundMedia,omitempty"`
	VoiceTranscode  VoiceTranscodeConfig  `json:"voiceTranscode,omitempty"`
}

// WeComAppChannelConfig is the wecom-app channel block.
type WeComAppChannelConfig struct {
	WeComAppAccountConfig
	DefaultAccount string                            `json:"defaultAccount,omitempty"`
	Accounts       map[string]WeComAppAccountConfig `json:"accounts,omitempty"`
}

// ASRConfig configures the Tencent Flash transcription port for QQ voice.
type ASRConfig struct {
	Enabled   bool   `json:"enabled"`
	AppID     string `json:"appId,omitempty"`
	SecretID  string `json:"secretId,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

// QQBotAccountConfig is one QQ Open Platform bot's configuration.
type QQBotAccountConfig struct {
	CommonAccountConfig
	AppID           string    `json:"appId"`
	ClientSecret    string    `json:"clientSecret"`
	MarkdownSupport bool      `json:"markdownSupport"`
	ASR             ASRConfig `json:"asr,omitempty"`
}

// QQBotChannelConfig is the qqbot channel block.
type QQBotChannelConfig struct {
	QQBotAccountConfig
	DefaultAccount string                         `json:"defaultAccount,omitempty"`
	Accounts       map[string]QQBotAccountConfig `json:"accounts,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: 18791,
			Bind: "loopback",
			Mode: "local",
		},
	}
}

// ConfigDir returns the gateway config directory (~/.openclaw-china).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw-china"
	}
	return filepath.Join(home, ".openclaw-china")
}

// ConfigPath returns the path to the main config file, honoring the
// OPENCLAW_CHINA_CONFIG override used by both Load and Save.
func ConfigPath() string {
	if envPath := os.Getenv("OPENCLAW_CHINA_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(ConfigDir(), "gateway.json")
}

// Load reads and parses the config from disk. If the file doesn't exist,
// defaults are returned.
func Load() (*Config, error) {
	cfg := Default()

	configPath := ConfigPath()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	clean := preprocessJSONLike(string(data))
	if err := json.Unmarshal([]byte(clean), cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides merges bootstrap credential env vars into configuration,
// mirroring each channel's default-account credential fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DINGTALK_CLIENT_SECRET"); v != "" {
		cfg.Channels.DingTalk.ClientSecret = v
	}
	if v := os.Getenv("FEISHU_APP_SECRET"); v != "" {
		cfg.Channels.Feishu.AppSecret = v
	}
	if v := os.Getenv("WECOM_TOKEN"); v != "" {
		cfg.Channels.WeCom.Token = v
	}
	if v := os.Getenv("WECOM_ENCODING_AES_KEY"); v != "" {
		cfg.Channels.WeCom.EncodingAESKey = v
	}
	if v := os.Getenv("WECOM_APP_CORP_SECRET"); v != "" {
		cfg.Channels.WeComApp.CorpSecret = v
	}
	if v := os.Getenv("QQBOT_CLIENT_SECRET"); v != "" {
		cfg.Channels.QQBot.ClientSecret = v
	}
}

// preprocessJSONLike strips // and /* */ comments (outside string
// literals) and trailing commas so operators can hand-edit config files.
func preprocessJSONLike(input string) string {
	s := input
	for {
		start := strings.Index(s, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(s[start+2:], "*/")
		if end < 0 {
			s = s[:start]
			break
		}
		end += start + 2
		s = s[:start] + s[end+2:]
	}

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		inString := false
		escape := false
		for j := 0; j < len(line)-1; j++ {
			ch := line[j]
			if ch == '\\' && inString {
				escape = !escape
				continue
			}
			if ch == '"' && !escape {
				inString = !inString
			}
			escape = false
			if !inString && ch == '/' && line[j+1] == '/' {
				line = line[:j]
				break
			}
		}
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, ",]", "]")
	return s
}
