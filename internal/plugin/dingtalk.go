package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/hostport"
	"github.com/wendell1224/openclaw-china/internal/lifecycle"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/transport/dingtalk"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

var dingtalkConfigSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"clientId": {"type": "string"},
		"clientSecret": {"type": "string"},
		"robotCode": {"type": "string"},
		"enableAICard": {"type": "boolean"}
	},
	"required": ["clientId", "clientSecret"]
}`)

// newDingTalk builds the DingTalk channel plug-in from every account
// configured under channels.dingtalk, including ones with missing
// credentials (reported as Configured=false rather than omitted, so a
// Host's account list can show the broken entry instead of silently
// dropping it).
func newDingTalk(cfg *config.Config, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, mgr *lifecycle.Manager) pluginsdk.Channel {
	ch := &cfg.Channels.DingTalk
	accounts := make(map[string]*account)
	for _, id := range ch.AccountIDs() {
		resolved, specific, _ := config.ResolveDingTalkAccount(*ch, id)
		acct := dingtalk.New(resolved, specific, host, mediaSvc, logger)
		accounts[id] = &account{
			resolved: resolved,
			runtime:  acct,
			sendText: func(ctx context.Context, to string, _ bool, text string) error {
				return acct.SendChunked(ctx, host.TextTools, to, text)
			},
			sendMedia: func(ctx context.Context, to string, _ bool, req pluginsdk.MediaRequest) error {
				return acct.SendMedia(ctx, to, toOutboundMedia(req))
			},
		}
	}

	return &channelPlugin{
		channel: "dingtalk",
		meta: pluginsdk.Meta{
			Name:        "dingtalk",
			DisplayName: "DingTalk",
			Description: "DingTalk custom chatbot over the stream SDK",
		},
		caps: pluginsdk.Capabilities{
			ChatTypes:  []string{"direct", "group"},
			Media:      false,
			Reply:      true,
			ActiveSend: false,
		},
		schema:   dingtalkConfigSchema,
		mgr:      mgr,
		accounts: accounts,
		persistEnabled: func(accountID string, enabled bool) error {
			if ch.Accounts == nil {
				ch.Accounts = map[string]config.DingTalkAccountConfig{}
			}
			override := ch.Accounts[accountID]
			e := enabled
			override.Enabled = &e
			ch.Accounts[accountID] = override
			return config.Save(cfg)
		},
		removeAccount: func(accountID string) error {
			if _, ok := ch.Accounts[accountID]; !ok {
				return fmt.Errorf("dingtalk: account %q has no stored override to delete", accountID)
			}
			delete(ch.Accounts, accountID)
			return config.Save(cfg)
		},
	}
}
