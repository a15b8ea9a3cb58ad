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
	"github.com/wendell1224/openclaw-china/internal/transport/wecom"
	"github.com/wendell1224/openclaw-china/internal/webhook"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

var wecomConfigSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"webhookPath": {"type": "string"},
		"token": {"type": "string"},
		"encodingAESKey": {"type": "string"}
	},
	"required": ["token", "encodingAESKey"]
}`)

// newWeCom builds the WeCom AI Robot channel plug-in from every
// account configured under channels.wecom, registering each account's
// webhook route on webhookServer as it is constructed.
func newWeCom(cfg *config.Config, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, mgr *lifecycle.Manager, webhookServer *webhook.Server) pluginsdk.Channel {
	ch := &cfg.Channels.WeCom
	accounts := make(map[string]*account)
	for _, id := range ch.AccountIDs() {
		resolved, specific, _ := config.ResolveWeComAccount(*ch, id)
		acct := wecom.New(resolved, specific, host, mediaSvc, logger, webhookServer)
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
		channel: "wecom",
		meta: pluginsdk.Meta{
			Name:        "wecom",
			DisplayName: "WeCom AI Robot",
			Description: "WeCom group AI robot webhook, reply-in-response only",
		},
		caps: pluginsdk.Capabilities{
			ChatTypes:  []string{"direct", "group"},
			Media:      false,
			Reply:      true,
			ActiveSend: false,
		},
		schema:   wecomConfigSchema,
		mgr:      mgr,
		accounts: accounts,
		persistEnabled: func(accountID string, enabled bool) error {
			if ch.Accounts == nil {
				ch.Accounts = map[string]config.WeComAccountConfig{}
			}
			override := ch.Accounts[accountID]
			e := enabled
			override.Enabled = &e
			ch.Accounts[accountID] = override
			return config.Save(cfg)
		},
		removeAccount: func(accountID string) error {
			if _, ok := ch.Accounts[accountID]; !ok {
				return fmt.Errorf("wecom: account %q has no stored override to delete", accountID)
			}
			delete(ch.Accounts, accountID)
			return config.Save(cfg)
		},
	}
}
