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
	"github.com/wendell1224/openclaw-china/internal/transport/feishu"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

var feishuConfigSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"appId": {"type": "string"},
		"appSecret": {"type": "string"},
		"sendMarkdownAsCard": {"type": "boolean"}
	},
	"required": ["appId", "appSecret"]
}`)

// newFeishu builds the Feishu/Lark channel plug-in from every account
// configured under channels.feishu.
func newFeishu(cfg *config.Config, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, mgr *lifecycle.Manager) pluginsdk.Channel {
	ch := &cfg.Channels.Feishu
	accounts := make(map[string]*account)
	for _, id := range ch.AccountIDs() {
		resolved, specific, _ := config.ResolveFeishuAccount(*ch, id)
		acct := feishu.New(resolved, specific, host, mediaSvc, logger)
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
		channel: "feishu",
		meta: pluginsdk.Meta{
			Name:        "feishu",
			DisplayName: "Feishu/Lark",
			Description: "Feishu/Lark bot over the long-connection event SDK",
		},
		caps: pluginsdk.Capabilities{
			ChatTypes:  []string{"direct", "group"},
			Media:      false,
			Reply:      true,
			ActiveSend: true,
		},
		schema:   feishuConfigSchema,
		mgr:      mgr,
		accounts: accounts,
		persistEnabled: func(accountID string, enabled bool) error {
			if ch.Accounts == nil {
				ch.Accounts = map[string]config.FeishuAccountConfig{}
			}
			override := ch.Accounts[accountID]
			e := enabled
			override.Enabled = &e
			ch.Accounts[accountID] = override
			return config.Save(cfg)
		},
		removeAccount: func(accountID string) error {
			if _, ok := ch.Accounts[accountID]; !ok {
				return fmt.Errorf("feishu: account %q has no stored override to delete", accountID)
			}
			delete(ch.Accounts, accountID)
			return config.Save(cfg)
		},
	}
}
