package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wendell1224/openclaw-china/internal/audit"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/hostport/refhost"
	"github.com/wendell1224/openclaw-china/internal/infra"
	"github.com/wendell1224/openclaw-china/internal/lifecycle"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/plugin"
	"github.com/wendell1224/openclaw-china/internal/webhook"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every configured channel account against the in-memory reference Host",
	Long: `Starts the shared webhook server and every configured account's
ingress task, routed through internal/hostport/refhost rather than a
real Host. Use this to exercise the DingTalk, Feishu, WeCom, and QQ
transports end-to-end during local development; a production Host
embeds internal/plugin's channels directly instead of running this
binary.`,
	RunE: runServe,
}

var (
	servePort    int
	serveBind    string
	serveVerbose bool
)

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 18791, "Webhook server listen port")
	serveCmd.Flags().StringVar(&serveBind, "bind", "loopback", "Bind mode: loopback or all")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Enable verbose logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	infra.PrintBanner(version)

	cfg, err := config.Load()
	if err != nil {
		logger.Warn("config load warning, using defaults", "error", err)
		cfg = config.Default()
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = servePort
	}
	if cmd.Flags().Changed("bind") {
		cfg.Gateway.Bind = serveBind
	}

	stateDir := config.ConfigDir()
	mediaSvc, err := media.New(filepath.Join(stateDir, "media", "tmp"), filepath.Join(stateDir, "media", "archive"))
	if err != nil {
		return fmt.Errorf("init media service: %w", err)
	}

	auditStore, err := audit.NewStore(audit.DefaultConfig(stateDir))
	if err != nil {
		return fmt.Errorf("init audit store: %w", err)
	}
	defer auditStore.Close()

	webhookServer := webhook.NewServer(webhook.Options{Bind: cfg.Gateway.Bind, Port: cfg.Gateway.Port}, logger)
	mgr := lifecycle.New(webhookServer.StatusSink())

	host := refhost.New().AsHost()
	channels := plugin.BuildAll(cfg, host, mediaSvc, logger, mgr, webhookServer)
	webhookServer.SetStatusProvider(statusProviderFor(channels))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := webhookServer.Start(ctx); err != nil {
			logger.Error("webhook server error", "error", err)
		}
	}()

	plugin.StartEnabled(channels, logger)
	logger.Info("gateway ready", "port", cfg.Gateway.Port, "bind", cfg.Gateway.Bind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	plugin.StopAll(channels)
	mgr.StopAll()
	cancel()

	return nil
}

func statusProviderFor(channels []pluginsdk.Channel) webhook.StatusProvider {
	return func() []webhook.AccountStatus {
		var out []webhook.AccountStatus
		for _, ch := range channels {
			for _, summary := range ch.Config().ListAccounts() {
				out = append(out, webhook.AccountStatus{
					Channel:   ch.ID(),
					AccountID: summary.AccountID,
					Running:   summary.Running,
					LastError: summary.LastError,
				})
			}
		}
		return out
	}
}
