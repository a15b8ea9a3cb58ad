package config

import (
	"encoding/base64"
	"fmt"

	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
)

// Policy is the merged, immutable-per-message admission policy for one
// resolved account.
type Policy struct {
	DMPolicy       string
	GroupPolicy    string
	RequireMention bool
	AllowFrom      []string
	GroupAllowFrom []string
}

// ResolvedAccount carries the channel-neutral view every transport needs
// after merging the top-level channel block with one account's override.
type ResolvedAccount struct {
	Channel        string
	AccountID      string
	Enabled        bool
	Configured     bool // credentials sufficient for ingress
	CanSendActive  bool // credentials sufficient for Host-initiated sending
	Policy         Policy
	MaxFileSizeMB  int
	TextChunkLimit int
	ReplyFinalOnly bool
	DMScope        string
}

// MergeCommon merges a per-account override onto the channel's top-level
// default-account block. Pointer fields in override win when set; slices
// and non-zero scalars in override win when non-empty/non-zero.
func MergeCommon(base, override CommonAccountConfig) CommonAccountConfig {
	merged := base
	if override.Enabled != nil {
		merged.Enabled = override.Enabled
	}
	if override.DMPolicy != "" {
		merged.DMPolicy = override.DMPolicy
	}
	if override.GroupPolicy != "" {
		merged.GroupPolicy = override.GroupPolicy
	}
	if override.RequireMention != nil {
		merged.RequireMention = override.RequireMention
	}
	if len(override.AllowFrom) > 0 {
		merged.AllowFrom = override.AllowFrom
	}
	if len(override.GroupAllowFrom) > 0 {
		merged.GroupAllowFrom = override.GroupAllowFrom
	}
	if override.MaxFileSizeMB != 0 {
		merged.MaxFileSizeMB = override.MaxFileSizeMB
	}
	if override.TextChunkLimit != 0 {
		merged.TextChunkLimit = override.TextChunkLimit
	}
	if override.ReplyFinalOnly != nil {
		merged.ReplyFinalOnly = override.ReplyFinalOnly
	}
	if override.Session.DMScope != "" {
		merged.Session.DMScope = override.Session.DMScope
	}
	return merged
}

// ResolvePolicy turns a merged CommonAccountConfig into the Policy view,
// applying defaults: requireMention defaults true, dmPolicy defaults
// "pairing", groupPolicy defaults "allowlist".
func ResolvePolicy(c CommonAccountConfig) Policy {
	requireMention := true
	if c.RequireMention != nil {
		requireMention = *c.RequireMention
	}
	dmPolicy := c.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}
	groupPolicy := c.GroupPolicy
	if groupPolicy == "" {
		groupPolicy = "allowlist"
	}
	return Policy{
		DMPolicy:       dmPolicy,
		GroupPolicy:    groupPolicy,
		RequireMention: requireMention,
		AllowFrom:      c.AllowFrom,
		GroupAllowFrom: c.GroupAllowFrom,
	}
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func maxFileSizeOrDefault(v int) int {
	if v == 0 {
		return 100
	}
	return v
}

// DecodeEncodingAESKey validates and decodes a WeCom-family encodingAESKey.
// The platform publishes 43-character keys without padding; this accepts
// 42-44 character inputs and pads with "=" before decoding, requiring the
// result to be exactly 32 bytes, per the AccountConfig validation rule.
func DecodeEncodingAESKey(key string) ([]byte, error) {
	switch len(key) {
	case 42, 43, 44:
	default:
		return nil, gatewayerr.New(gatewayerr.ConfigInvalid,
			fmt.Sprintf("encodingAESKey must be 42-44 chars, got %d", len(key)))
	}
	padded := key
	for len(padded)%4 != 0 {
		padded += "="
	}
	decoded, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigInvalid, "encodingAESKey is not valid base64", err)
	}
	if len(decoded) != 32 {
		return nil, gatewayerr.New(gatewayerr.ConfigInvalid,
			fmt.Sprintf("encodingAESKey must decode to 32 bytes, got %d", len(decoded)))
	}
	return decoded, nil
}

// ValidateAgentID enforces the "agentId must be a positive integer" rule.
func ValidateAgentID(agentID int) error {
	if agentID <= 0 {
		return gatewayerr.New(gatewayerr.ConfigInvalid, "agentId must be a positive integer")
	}
	return nil
}

// resolveCommon merges a channel's default-account block with one
// account's override and fills in the channel-neutral half of
// ResolvedAccount. Callers fill in Configured/CanSendActive once
// they've checked the channel-specific credential fields.
func resolveCommon(channel, accountID string, base, override CommonAccountConfig) ResolvedAccount {
	merged := MergeCommon(base, override)
	return ResolvedAccount{
		Channel:        channel,
		AccountID:      accountID,
		Enabled:        boolOrDefault(merged.Enabled, true),
		Policy:         ResolvePolicy(merged),
		MaxFileSizeMB:  maxFileSizeOrDefault(merged.MaxFileSizeMB),
		TextChunkLimit: merged.TextChunkLimit,
		ReplyFinalOnly: boolOrDefault(merged.ReplyFinalOnly, false),
		DMScope:        dmScopeOrDefault(merged.Session.DMScope),
	}
}

func dmScopeOrDefault(v string) string {
	if v == "" {
		return "main"
	}
	return v
}

// resolveAccountID applies the "explicit accountId, else
// defaultAccount, else the literal default account" fallback every
// channel's Resolve*Account function shares.
func resolveAccountID(accountID, defaultAccount string) string {
	if accountID != "" {
		return accountID
	}
	if defaultAccount != "" {
		return defaultAccount
	}
	return "default"
}

// ResolveDingTalkAccount merges ch's default block with accountID's
// override (if any) into a ResolvedAccount plus the channel-specific
// DingTalkAccountConfig a transport needs to connect.
func ResolveDingTalkAccount(ch DingTalkChannelConfig, accountID string) (ResolvedAccount, DingTalkAccountConfig, error) {
	id := resolveAccountID(accountID, ch.DefaultAccount)
	override := ch.Accounts[id]

	specific := ch.DingTalkAccountConfig
	if override.ClientID != "" {
		specific.ClientID = override.ClientID
	}
	if override.ClientSecret != "" {
		specific.ClientSecret = override.ClientSecret
	}
	if override.RobotCode != "" {
		specific.RobotCode = override.RobotCode
	}
	if override.EnableAICard {
		specific.EnableAICard = override.EnableAICard
	}

	resolved := resolveCommon("dingtalk", id, ch.DingTalkAccountConfig.CommonAccountConfig, override.CommonAccountConfig)
	resolved.Configured = specific.ClientID != "" && specific.ClientSecret != ""
	resolved.CanSendActive = resolved.Configured
	if resolved.Configured {
		specific.CommonAccountConfig = MergeCommon(ch.DingTalkAccountConfig.CommonAccountConfig, override.CommonAccountConfig)
		return resolved, specific, nil
	}
	return resolved, specific, gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("dingtalk account %s missing clientId/clientSecret", id))
}

// ResolveFeishuAccount is ResolveDingTalkAccount's Feishu/Lark
// counterpart.
func ResolveFeishuAccount(ch FeishuChannelConfig, accountID string) (ResolvedAccount, FeishuAccountConfig, error) {
	id := resolveAccountID(accountID, ch.DefaultAccount)
	override := ch.Accounts[id]

	specific := ch.FeishuAccountConfig
	if override.AppID != "" {
		specific.AppID = override.AppID
	}
	if override.AppSecret != "" {
		specific.AppSecret = override.AppSecret
	}
	if override.SendMarkdownAsCard {
		specific.SendMarkdownAsCard = override.SendMarkdownAsCard
	}
	specific.CommonAccountConfig = MergeCommon(ch.FeishuAccountConfig.CommonAccountConfig, override.CommonAccountConfig)

	resolved := resolveCommon("feishu", id, ch.FeishuAccountConfig.CommonAccountConfig, override.CommonAccountConfig)
	resolved.Configured = specific.AppID != "" && specific.AppSecret != ""
	resolved.CanSendActive = resolved.Configured
	if resolved.Configured {
		return resolved, specific, nil
	}
	return resolved, specific, gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("feishu account %s missing appId/appSecret", id))
}

// ResolveWeComAccount resolves one WeCom AI Robot account, validating
// the encodingAESKey shape but not decoding it (transports decode
// once at startup via DecodeEncodingAESKey).
func ResolveWeComAccount(ch WeComChannelConfig, accountID string) (ResolvedAccount, WeComAccountConfig, error) {
	id := resolveAccountID(accountID, ch.DefaultAccount)
	override := ch.Accounts[id]

	specific := ch.WeComAccountConfig
	if override.WebhookPath != "" {
		specific.WebhookPath = override.WebhookPath
	}
	if override.Token != "" {
		specific.Token = override.Token
	}
	if override.EncodingAESKey != "" {
		specific.EncodingAESKey = override.EncodingAESKey
	}
	specific.CommonAccountConfig = MergeCommon(ch.WeComAccountConfig.CommonAccountConfig, override.CommonAccountConfig)

	resolved := resolveCommon("wecom", id, ch.WeComAccountConfig.CommonAccountConfig, override.CommonAccountConfig)
	resolved.Configured = specific.Token != "" && specific.EncodingAESKey != ""
	resolved.CanSendActive = false // WeCom AI Robot has no active-send API, only synchronous replies
	if resolved.Configured {
		return resolved, specific, nil
	}
	return resolved, specific, gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("wecom account %s missing token/encodingAESKey", id))
}

// ResolveWeComAppAccount resolves one WeCom Self-built Application
// account.
func ResolveWeComAppAccount(ch WeComAppChannelConfig, accountID string) (ResolvedAccount, WeComAppAccountConfig, error) {
	id := resolveAccountID(accountID, ch.DefaultAccount)
	override := ch.Accounts[id]

	specific := ch.WeComAppAccountConfig
	if override.WebhookPath != "" {
		specific.WebhookPath = override.WebhookPath
	}
	if override.Token != "" {
		specific.Token = override.Token
	}
	if override.EncodingAESKey != "" {
		specific.EncodingAESKey = override.EncodingAESKey
	}
	if override.CorpID != "" {
		specific.CorpID = override.CorpID
	}
	if override.CorpSecret != "" {
		specific.CorpSecret = override.CorpSecret
	}
	if override.AgentID != 0 {
		specific.AgentID = override.AgentID
	}
	if override.InboundMedia.Enabled {
		specific.InboundMedia = override.InboundMedia
	}
	if override.VoiceTranscode.Enabled {
		specific.VoiceTranscode = override.VoiceTranscode
	}
	specific.CommonAccountConfig = MergeCommon(ch.WeComAppAccountConfig.CommonAccountConfig, override.CommonAccountConfig)

	resolved := resolveCommon("wecomapp", id, ch.WeComAppAccountConfig.CommonAccountConfig, override.CommonAccountConfig)
	resolved.Configured = specific.Token != "" && specific.EncodingAESKey != "" && specific.CorpID != "" && specific.CorpSecret != ""
	resolved.CanSendActive = resolved.Configured && specific.AgentID > 0
	if resolved.Configured {
		return resolved, specific, nil
	}
	return resolved, specific, gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("wecom-app account %s missing required credentials", id))
}

// ResolveQQBotAccount resolves one QQ Open Platform bot account.
func ResolveQQBotAccount(ch QQBotChannelConfig, accountID string) (ResolvedAccount, QQBotAccountConfig, error) {
	id := resolveAccountID(accountID, ch.DefaultAccount)
	override := ch.Accounts[id]

	specific := ch.QQBotAccountConfig
	if override.AppID != "" {
		specific.AppID = override.AppID
	}
	if override.ClientSecret != "" {
		specific.ClientSecret = override.ClientSecret
	}
	if override.MarkdownSupport {
		specific.MarkdownSupport = override.MarkdownSupport
	}
	if override.ASR.Enabled {
		specific.ASR = override.ASR
	}
	specific.CommonAccountConfig = MergeCommon(ch.QQBotAccountConfig.CommonAccountConfig, override.CommonAccountConfig)

	resolved := resolveCommon("qqbot", id, ch.QQBotAccountConfig.CommonAccountConfig, override.CommonAccountConfig)
	resolved.Configured = specific.AppID != "" && specific.ClientSecret != ""
	resolved.CanSendActive = resolved.Configured
	if resolved.Configured {
		return resolved, specific, nil
	}
	return resolved, specific, gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("qqbot account %s missing appId/clientSecret", id))
}
