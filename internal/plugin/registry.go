package plugin

import (
	"context"
	"log/slog"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/hostport"
	"github.com/wendell1224/openclaw-china/internal/lifecycle"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/webhook"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

// BuildAll resolves every account under cfg.Channels into one
// pluginsdk.Channel per platform (SPEC_FULL.md §2/§6), registering
// each webhook-based transport's inbound route on webhookServer as it
// constructs that account.
func BuildAll(cfg *config.Config, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, mgr *lifecycle.Manager, webhookServer *webhook.Server) []pluginsdk.Channel {
	return []pluginsdk.Channel{
		newDingTalk(cfg, host, mediaSvc, logger, mgr),
		newFeishu(cfg, host, mediaSvc, logger, mgr),
		newWeCom(cfg, host, mediaSvc, logger, mgr, webhookServer),
		newWeComApp(cfg, host, mediaSvc, logger, mgr, webhookServer),
		newQQBot(cfg, host, mediaSvc, logger, mgr, webhookServer),
	}
}

// StartEnabled starts the ingress task for every account across every
// channel in channels whose resolved config marks it enabled and
// configured, logging and continuing past any single account's start
// failure instead of aborting the rest.
func StartEnabled(channels []pluginsdk.Channel, logger *slog.Logger) {
	for _, ch := range channels {
		gw := ch.Gateway()
		for _, summary := range ch.Config().ListAccounts() {
			if !summary.Enabled || !summary.Configured {
				continue
			}
			if err := gw.StartAccount(context.Background(), summary.AccountID); err != nil {
				logger.Error("start account failed", "channel", ch.ID(), "account", summary.AccountID, "error", err)
			}
		}
	}
}

// StopAll stops every running account across every channel in
// channels, used on process shutdown.
func StopAll(channels []pluginsdk.Channel) {
	for _, ch := range channels {
		gw := ch.Gateway()
		for _, summary := range ch.Config().ListAccounts() {
			_ = gw.StopAccount(summary.AccountID)
		}
	}
}
