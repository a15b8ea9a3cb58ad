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
	"github.com/wendell1224/openclaw-china/internal/transport/qqbot"
	"github.com/wendell1224/openclaw-china/internal/webhook"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

var qqbotConfigSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"appId": {"type": "string"},
		"clientSecret": {"type": "string"},
		"markdownSupport": {"type": "boolean"},
		"asr": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"appId": {"type": "string"},
				"secretId": {"type": "string"},
				"secretKey": {"type": "string"}
			}
		}
	},
	"required": ["appId", "clientSecret"]
}`)

// newQQBot builds the QQ Open Platform channel plug-in from every
// account configured under channels.qqbot. Unlike the other four
// transports, QQ's send API needs to know whether a target is a C2C
// peer or a group at call time, so sendText/sendMedia thread isGroup
// through instead of discarding it.
func newQQBot(cfg *config.Config, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, mgr *lifecycle.Manager, webhookServer *webhook.Server) pluginsdk.Channel {
	ch := &cfg.Channels.QQBot
	accounts := make(map[string]*account)
	for _, id := range ch.AccountIDs() {
		resolved, specific, _ := config.ResolveQQBotAccount(*ch, id)
		acct := qqbot.New(resolved, specific, host, mediaSvc, logger, webhookServer)
		accounts[id] = &account{
			resolved: resolved,
			runtime:  acct,
			sendText: func(ctx context.Context, to string, isGroup bool, text string) error {
				return acct.SendChunked(ctx, host.TextTools, to, isGroup, text)
			},
			sendMedia: func(ctx context.Context, to string, isGroup bool, req pluginsdk.MediaRequest) error {
				return acct.SendMedia(ctx, to, isGroup, toOutboundMedia(req))
			},
		}
	}

	return &channelPlugin{
		channel: "qqbot",
		meta: pluginsdk.Meta{
			Name:        "qqbot",
			DisplayName: "QQ Open Platform",
			Description: "QQ bot over the platform's webhook push and REST send API",
		},
		caps: pluginsdk.Capabilities{
			ChatTypes:  []string{"direct", "group"},
			Media:      true,
			Reply:      true,
			ActiveSend: true,
		},
		schema:   qqbotConfigSchema,
		mgr:      mgr,
		accounts: accounts,
		persistEnabled: func(accountID string, enabled bool) error {
			if ch.Accounts == nil {
				ch.Accounts = map[string]config.QQBotAccountConfig{}
			}
			override := ch.Accounts[accountID]
			e := enabled
			override.Enabled = &e
			ch.Accounts[accountID] = override
			return config.Save(cfg)
		},
		removeAccount: func(accountID string) error {
			if _, ok := ch.Accounts[accountID]; !ok {
				return fmt.Errorf("qqbot: account %q has no stored override to delete", accountID)
			}
			delete(ch.Accounts, accountID)
			return config.Save(cfg)
		},
	}
}
