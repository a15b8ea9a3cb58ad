package config

import "testing"

func TestResolveDingTalkAccountUsesDefaultAccount(t *testing.T) {
	ch := DingTalkChannelConfig{
		DingTalkAccountConfig: DingTalkAccountConfig{
			ClientID:     "top-client",
			ClientSecret: "top-secret",
		},
		DefaultAccount: "primary",
		Accounts: map[string]DingTalkAccountConfig{
			"primary": {ClientSecret: "override-secret"},
		},
	}

	resolved, specific, err := ResolveDingTalkAccount(ch, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.AccountID != "primary" {
		t.Fatalf("expected accountId primary, got %q", resolved.AccountID)
	}
	if specific.ClientID != "top-client" {
		t.Fatalf("expected inherited clientId, got %q", specific.ClientID)
	}
	if specific.ClientSecret != "override-secret" {
		t.Fatalf("expected override clientSecret, got %q", specific.ClientSecret)
	}
	if !resolved.Configured || !resolved.CanSendActive {
		t.Fatalf("expected a fully configured account, got %+v", resolved)
	}
}

func TestResolveDingTalkAccountMissingCredentialsErrors(t *testing.T) {
	ch := DingTalkChannelConfig{}
	resolved, _, err := ResolveDingTalkAccount(ch, "")
	if err == nil {
		t.Fatalf("expected an error for missing credentials")
	}
	if resolved.Configured {
		t.Fatalf("expected Configured=false")
	}
}

func TestResolveWeComAccountHasNoActiveSend(t *testing.T) {
	ch := WeComChannelConfig{
		WeComAccountConfig: WeComAccountConfig{
			Token:          "tok",
			EncodingAESKey: "0123456789012345678901234567890123456789012",
		},
	}
	resolved, _, err := ResolveWeComAccount(ch, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Configured {
		t.Fatalf("expected configured account")
	}
	if resolved.CanSendActive {
		t.Fatalf("WeCom AI Robot has no active-send API, expected CanSendActive=false")
	}
}

func TestResolveWeComAppAccountRequiresAgentIDForActiveSend(t *testing.T) {
	ch := WeComAppChannelConfig{
		WeComAppAccountConfig: WeComAppAccountConfig{
			Token:          "tok",
			EncodingAESKey: "0123456789012345678901234567890123456789012",
			CorpID:         "corp1",
			CorpSecret:     "secret1",
		},
	}
	resolved, specific, err := ResolveWeComAppAccount(ch, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Configured {
		t.Fatalf("expected configured account")
	}
	if resolved.CanSendActive {
		t.Fatalf("expected CanSendActive=false without an agentId, got specific=%+v", specific)
	}

	ch.WeComAppAccountConfig.AgentID = 1000001
	resolved, _, err = ResolveWeComAppAccount(ch, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.CanSendActive {
		t.Fatalf("expected CanSendActive=true once agentId is set")
	}
}

func TestResolveQQBotAccountOverridesPerAccount(t *testing.T) {
	ch := QQBotChannelConfig{
		QQBotAccountConfig: QQBotAccountConfig{
			AppID:        "app1",
			ClientSecret: "secret1",
		},
		Accounts: map[string]QQBotAccountConfig{
			"acct2": {AppID: "app2", ClientSecret: "secret2"},
		},
	}

	resolved, specific, err := ResolveQQBotAccount(ch, "acct2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.AccountID != "acct2" || specific.AppID != "app2" {
		t.Fatalf("expected acct2 override to apply, got %+v %+v", resolved, specific)
	}
}

func TestResolveFeishuAccountDefaultsPolicy(t *testing.T) {
	ch := FeishuChannelConfig{
		FeishuAccountConfig: FeishuAccountConfig{
			AppID:     "app",
			AppSecret: "secret",
		},
	}
	resolved, _, err := ResolveFeishuAccount(ch, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Policy.DMPolicy != "pairing" || resolved.Policy.GroupPolicy != "allowlist" {
		t.Fatalf("expected default policy, got %+v", resolved.Policy)
	}
	if !resolved.Policy.RequireMention {
		t.Fatalf("expected requireMention to default true")
	}
}
