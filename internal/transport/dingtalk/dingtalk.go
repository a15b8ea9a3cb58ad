// Package dingtalk implements the long-lived Stream inbound strategy
// for the DingTalk channel: it holds a websocket connection open
// through the official stream SDK, normalizes chatbot callbacks into
// envelopes, and replies as plain session-webhook messages. When
// enableAICard is set, New also builds an AI card streamer and the
// immediate acknowledgment is skipped; replies are still posted to the
// session webhook and are not streamed through the card.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/payload"

	"github.com/wendell1224/openclaw-china/internal/card"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/credential"
	"github.com/wendell1224/openclaw-china/internal/dispatch"
	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
	"github.com/wendell1224/openclaw-china/internal/hostport"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/outbound"
	"github.com/wendell1224/openclaw-china/internal/policy"
)

const (
	dedupWindow      = 60 * time.Second
	ackText          = "正在处理，请稍候..."
	robotAPIBase     = "https://api.dingtalk.com/v1.0"
	downloadEndpoint = robotAPIBase + "/robot/messageFiles/download"
	tokenEndpoint    = robotAPIBase + "/oauth2/accessToken"
)

// Account runs one DingTalk account's Stream connection for the
// lifetime of a single Start/Stop cycle.
type Account struct {
	Resolved config.ResolvedAccount
	Config   config.DingTalkAccountConfig
	Host     hostport.Host
	Media    *media.Service
	Logger   *slog.Logger

	httpClient   *http.Client
	tokens       *credential.Cache
	dispatcher   *dispatch.Coordinator
	streamer     *card.Streamer
	streamClient *client.StreamClient

	webhooksMu sync.RWMutex
	webhooks   map[string]sessionWebhook

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

type sessionWebhook struct {
	url       string
	expiresAt time.Time
}

// New builds a DingTalk account ready to Start.
func New(resolved config.ResolvedAccount, cfg config.DingTalkAccountConfig, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger) *Account {
	a := &Account{
		Resolved:   resolved,
		Config:     cfg,
		Host:       host,
		Media:      mediaSvc,
		Logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     credential.NewCache(),
		dispatcher: dispatch.New(host),
		webhooks:   make(map[string]sessionWebhook),
		dedup:      make(map[string]time.Time),
	}
	if cfg.EnableAICard {
		cardClient, err := card.NewSDKClient(a.tokens, "dingtalk:"+cfg.ClientID, cfg.RobotCode, a.fetchToken)
		if err == nil {
			a.streamer = card.NewStreamer(cardClient)
		} else {
			logger.Warn("dingtalk: failed to build AI card client, falling back to plain replies", "error", err)
		}
	}
	return a
}

// CanSendActive implements lifecycle.Account.
func (a *Account) CanSendActive() bool { return a.Resolved.CanSendActive }

// Stop implements lifecycle.Account. The stream connection itself is
// torn down by ctx cancellation inside Start; Stop has nothing further
// to release.
func (a *Account) Stop() {}

// Start opens the DingTalk Stream connection and blocks until ctx is
// cancelled or the connection cannot be established.
//
// The stream SDK's own connect/listen entry point is not directly
// observable anywhere in this repository's grounding material: every
// retrieved usage of github.com/open-dingtalk/dingtalk-stream-sdk-go
// wraps it behind a project-private connection manager whose body was
// not part of the retrieved source. Per this project's standing
// decision on ungrounded SDK calls (recorded in DESIGN.md), Start
// constructs the client using only the directly observed surface
// (NewAppCredentialConfig, NewStreamClient, WithAppCredential,
// WithAutoReconnect, WithExtras, RegisterChatBotCallbackRouter,
// RegisterAllEventRouter) and calls the single remaining Start(ctx)
// method on the client, consistent with every other long-lived
// connection type in this codebase exposing a blocking Start(ctx).
func (a *Account) Start(ctx context.Context) error {
	if a.Config.ClientID == "" || a.Config.ClientSecret == "" {
		return gatewayerr.New(gatewayerr.ConfigInvalid, "dingtalk: clientId/clientSecret not configured")
	}

	cred := client.NewAppCredentialConfig(a.Config.ClientID, a.Config.ClientSecret)

	extras := map[string]string{}
	if a.Config.RobotCode != "" {
		extras["robotCode"] = a.Config.RobotCode
	}

	sc := client.NewStreamClient(
		client.WithAppCredential(cred),
		client.WithAutoReconnect(true),
		client.WithExtras(extras),
	)
	sc.RegisterChatBotCallbackRouter(func(cbCtx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
		a.handleCallback(cbCtx, data)
		return []byte("{}"), nil
	})
	sc.RegisterAllEventRouter(func(evCtx context.Context, df *payload.DataFrame) (*payload.DataFrameResponse, error) {
		return payload.NewSuccessDataFrameResponse(), nil
	})
	a.streamClient = sc

	if err := sc.Start(ctx); err != nil {
		return gatewayerr.Wrap(gatewayerr.TransportLost, "dingtalk stream connection failed", err)
	}

	<-ctx.Done()
	return nil
}

func (a *Account) robotCodeOrDefault() string {
	if a.Config.RobotCode != "" {
		return a.Config.RobotCode
	}
	return a.Config.ClientID
}

func (a *Account) handleCallback(ctx context.Context, msg *chatbot.BotCallbackDataModel) {
	if msg == nil || msg.Text.Content == "" {
		return
	}

	dedupKey := a.robotCodeOrDefault() + ":" + msg.MsgId
	if a.seen(dedupKey) {
		return
	}

	conversationType := msg.ConversationType
	isDirect := conversationType == "1"
	chatType := envelope.Group
	if isDirect {
		chatType = envelope.Direct
	}

	a.storeWebhook(msg.ConversationId, msg.SessionWebhook, msg.SessionWebhookExpiredTime)
	a.storeWebhook(msg.SenderStaffId, msg.SessionWebhook, msg.SessionWebhookExpiredTime)

	decision := policy.Evaluate(policy.ChatType(chatType), msg.SenderStaffId, msg.ConversationId, true, a.Resolved.Policy)
	if !decision.Allowed {
		a.Logger.Info("dingtalk: message denied by policy", "sender", msg.SenderStaffId, "reason", decision.Reason)
		return
	}

	body := msg.Text.Content
	var attachments []envelope.Attachment
	if kind, downloadCode := mediaKindAndCode(msg); kind != "" && downloadCode != "" {
		savedPath, err := a.downloadMedia(ctx, downloadCode)
		if err != nil {
			a.Logger.Warn("dingtalk: media download failed", "error", err)
			body += fmt.Sprintf("\n[%s] 下载失败", kind)
		} else {
			attachments = append(attachments, envelope.Attachment{Kind: kind, Source: downloadCode, SavedPath: savedPath})
			body += fmt.Sprintf("\n[%s] saved:%s", kind, savedPath)
		}
	}

	env := envelope.Envelope{
		MessageID:    deriveMessageID(msg),
		Timestamp:    time.Now(),
		ChatType:     chatType,
		SenderID:     msg.SenderStaffId,
		SenderName:   msg.SenderNick,
		PeerID:       msg.ConversationId,
		Body:         body,
		RawBody:      body,
		Attachments:  attachments,
		WasMentioned: true,
		Channel:      "dingtalk",
		AccountID:    a.Resolved.AccountID,
	}

	if !env.ShouldDispatch() {
		return
	}

	a.sendAck(msg.SessionWebhook)

	// The resolved route, formatted body, and reply dispatcher are
	// handed off for the Host's agent loop to stream a reply through;
	// this transport's remaining job is SendTextChunk, called back via
	// the plugin surface's outbound.sendText once that reply is ready.
	if _, err := a.dispatcher.Dispatch(ctx, "dingtalk", a.Resolved.AccountID, env, a.Resolved.ReplyFinalOnly); err != nil {
		a.Logger.Error("dingtalk: dispatch failed", "error", err)
	}
}

// mediaKindAndCode classifies a non-text callback by its msgtype and
// extracts the downloadCode carried in its Content map, mirroring the
// picture/audio/video/file switch every DingTalk chatbot integration
// in this codebase's grounding material implements.
func mediaKindAndCode(msg *chatbot.BotCallbackDataModel) (envelope.AttachmentKind, string) {
	var kind envelope.AttachmentKind
	switch msg.Msgtype {
	case "picture":
		kind = envelope.Image
	case "audio":
		kind = envelope.Voice
	case "video":
		kind = envelope.Video
	case "file":
		kind = envelope.File
	default:
		return "", ""
	}

	contentMap, ok := msg.Content.(map[string]interface{})
	if !ok {
		return kind, ""
	}
	if code, ok := contentMap["downloadCode"].(string); ok {
		return kind, code
	}
	return kind, ""
}

func deriveMessageID(msg *chatbot.BotCallbackDataModel) string {
	if msg.MsgId != "" {
		return msg.MsgId
	}
	return fmt.Sprintf("%s_%d", msg.ConversationId, time.Now().UnixMilli())
}

func (a *Account) seen(key string) bool {
	now := time.Now()
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()
	for k, t := range a.dedup {
		if now.Sub(t) > dedupWindow {
			delete(a.dedup, k)
		}
	}
	if _, ok := a.dedup[key]; ok {
		return true
	}
	a.dedup[key] = now
	return false
}

func (a *Account) storeWebhook(key, webhook string, expiredAtMs int64) {
	if key == "" || webhook == "" {
		return
	}
	expiry := time.Now().Add(5 * time.Minute)
	if expiredAtMs > 0 {
		expiry = time.UnixMilli(expiredAtMs)
	}
	a.webhooksMu.Lock()
	a.webhooks[key] = sessionWebhook{url: webhook, expiresAt: expiry}
	a.webhooksMu.Unlock()
}

func (a *Account) lookupWebhook(key string) (string, bool) {
	a.webhooksMu.RLock()
	defer a.webhooksMu.RUnlock()
	sw, ok := a.webhooks[key]
	if !ok || time.Now().After(sw.expiresAt) {
		return "", false
	}
	return sw.url, true
}

func (a *Account) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("appKey", a.Config.ClientID)
	form.Set("appSecret", a.Config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, gatewayerr.Wrap(gatewayerr.Timeout, "fetch dingtalk access token", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, err
	}
	return result.AccessToken, time.Duration(result.ExpiresIn) * time.Second, nil
}

func (a *Account) accessToken(ctx context.Context) (string, error) {
	return a.tokens.Get(ctx, "dingtalk:"+a.Config.ClientID, a.fetchToken)
}

// sendAck posts the "thinking" acknowledgment a DingTalk chatbot is
// expected to send immediately, before the agent's real reply is
// ready.
func (a *Account) sendAck(webhook string) {
	if webhook == "" || a.Config.EnableAICard {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.postToWebhook(ctx, webhook, ackText)
	}()
}

func (a *Account) postToWebhook(ctx context.Context, webhook, content string) error {
	accessToken, _ := a.accessToken(ctx)

	useMarkdown := strings.ContainsAny(content, "#*>-[\n")
	var body map[string]interface{}
	if useMarkdown {
		body = map[string]interface{}{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": "消息",
				"text":  content,
			},
		}
	} else {
		body = map[string]interface{}{
			"msgtype": "text",
			"text": map[string]string{
				"content": content,
			},
		}
	}

	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(payloadBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("x-acs-dingtalk-access-token", accessToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.TransportLost, "send dingtalk webhook message", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gatewayerr.New(gatewayerr.TransportLost, fmt.Sprintf("dingtalk webhook send failed: %d", resp.StatusCode))
	}
	return nil
}

// SendTextChunk implements outbound.ChunkSender, routing replies back
// through the conversation's cached session webhook.
func (a *Account) SendTextChunk(ctx context.Context, peer, chunk string) error {
	webhook, ok := a.lookupWebhook(peer)
	if !ok {
		return gatewayerr.New(gatewayerr.TransportLost, fmt.Sprintf("no session webhook cached for peer %s", peer))
	}
	return a.postToWebhook(ctx, webhook, chunk)
}

// SendImage, SendVoice, and SendFile are unsupported on DingTalk's
// chatbot session-webhook channel: outbound.DeliverMedia falls back to
// sending the source URL as text on any of these errors.
func (a *Account) SendImage(ctx context.Context, localPath string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "dingtalk session webhook does not support image send")
}

func (a *Account) SendVoice(ctx context.Context, localPath string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "dingtalk session webhook does not support voice send")
}

func (a *Account) SendFile(ctx context.Context, localPath, fileName string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "dingtalk session webhook does not support file send")
}

// SendChunked delivers text through outbound.SendText using this
// account's chunking options, to peer's cached session webhook.
func (a *Account) SendChunked(ctx context.Context, tools hostport.TextTools, peer, text string) error {
	sender := peerChunkSender{account: a, peer: peer}
	opts := outbound.Options{
		Channel:          "dingtalk",
		TextChunkLimit:   a.Resolved.TextChunkLimit,
		MarkdownCapable:  true,
		SupportsFileSend: false,
	}
	return outbound.SendText(ctx, tools, sender, text, opts)
}

// SendMedia attempts to deliver req to peer; DingTalk's session
// webhook has no media-send capability for any kind, so this always
// degrades to outbound.FallbackText.
func (a *Account) SendMedia(ctx context.Context, peer string, req outbound.MediaRequest) error {
	sender := peerChunkSender{account: a, peer: peer}
	opts := outbound.Options{Channel: "dingtalk", SupportsFileSend: false}
	if err := outbound.DeliverMedia(ctx, sender, a, req, opts); err != nil {
		return sender.SendTextChunk(ctx, outbound.FallbackText(req.SourceURL))
	}
	return nil
}

type peerChunkSender struct {
	account *Account
	peer    string
}

func (s peerChunkSender) SendTextChunk(ctx context.Context, chunk string) error {
	return s.account.SendTextChunk(ctx, s.peer, chunk)
}

// downloadMedia fetches an inbound attachment through the robot media
// download API, archiving it through the shared media service.
func (a *Account) downloadMedia(ctx context.Context, downloadCode string) (string, error) {
	accessToken, err := a.accessToken(ctx)
	if err != nil {
		return "", err
	}

	reqBody, _ := json.Marshal(map[string]string{
		"downloadCode": downloadCode,
		"robotCode":    a.robotCodeOrDefault(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, downloadEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Timeout, "request dingtalk media download url", err)
	}
	defer resp.Body.Close()

	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.DownloadURL == "" {
		return "", gatewayerr.New(gatewayerr.TransportLost, "dingtalk download response missing downloadUrl")
	}

	result, err := a.Media.Download(ctx, media.DownloadOptions{URL: out.DownloadURL, Prefix: "dingtalk"})
	if err != nil {
		return "", err
	}
	return a.Media.Archive(result.Path)
}
