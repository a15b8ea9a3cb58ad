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
	"github.com/wendell1224/openclaw-china/internal/transport/wecomapp"
	"github.com/wendell1224/openclaw-china/internal/webhook"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

var wecomAppConfigSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"webhookPath": {"type": "string"},
		"token": {"type": "string"},
		"encodingAESKey": {"type": "string"},
		"corpId": {"type": "string"},
		"corpSecret": {"type": "string"},
		"agentId": {"type": "integer"}
	},
	"required": ["token", "encodingAESKey", "corpId", "corpSecret", "agentId"]
}`)

// newWeComApp builds the WeCom Self-built Application channel plug-in
// from every account configured under channels.wecom-app.
func newWeComApp(cfg *config.Config, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, mgr *lifecycle.Manager, webhookServer *webhook.Server) pluginsdk.Channel {
	ch := &cfg.Channels.WeComApp
	accounts := make(map[string]*account)
	for _, id := range ch.AccountIDs() {
		resolved, specific, _ := config.ResolveWeComAppAccount(*ch, id)
		acct := wecomapp.New(resolved, specific, host, mediaSvc, logger, webhookServer)
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
		channel: "wecomapp",
		meta: pluginsdk.Meta{
			Name:        "wecomapp",
			DisplayName: "WeCom Self-built Application",
			Description: "WeCom corp application, active-send over the REST message API",
		},
		caps: pluginsdk.Capabilities{
			ChatTypes:  []string{"direct", "group"},
			Media:      true,
			Reply:      true,
			ActiveSend: true,
		},
		schema:   wecomAppConfigSchema,
		mgr:      mgr,
		accounts: accounts,
		persistEnabled: func(accountID string, enabled bool) error {
			if ch.Accounts == nil {
				ch.Accounts = map[string]config.WeComAppAccountConfig{}
			}
			override := ch.Accounts[accountID]
			e := enabled
			override.Enabled = &e
			ch.Accounts[accountID] = override
			return config.Save(cfg)
		},
		removeAccount: func(accountID string) error {
			if _, ok := ch.Accounts[accountID]; !ok {
				return fmt.Errorf("wecomapp: account %q has no stored override to delete", accountID)
			}
			delete(ch.Accounts, accountID)
			return config.Save(cfg)
		},
	}
}
