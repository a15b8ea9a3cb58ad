// Package feishu implements the Feishu/Lark channel's WebSocket
// long-connection inbound strategy: the vendor SDK owns the
// connection and reconnection, event callbacks are normalized into
// envelopes, and replies go out through the same SDK client either as
// plain text/post messages or, when sendMarkdownAsCard is set, as an
// interactive card.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/dispatch"
	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
	"github.com/wendell1224/openclaw-china/internal/hostport"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/outbound"
	"github.com/wendell1224/openclaw-china/internal/policy"
)

// Account runs one Feishu account's WebSocket long-connection for the
// lifetime of a single Start/Stop cycle.
type Account struct {
	Resolved config.ResolvedAccount
	Config   config.FeishuAccountConfig
	Host     hostport.Host
	Media    *media.Service
	Logger   *slog.Logger

	dispatcher *dispatch.Coordinator

	mu        sync.RWMutex
	apiClient *lark.Client
	wsClient  *larkws.Client
	connected bool

	// peers caches, per peer id, the receive type and latest message
	// id seen from it, so SendTextChunk called back from the plug-in
	// surface with only a peer id can pick the right receive type.
	peersMu sync.RWMutex
	peers   map[string]peerRef
}

type peerRef struct {
	receiveID   string
	receiveType string
	messageID   string
}

// New builds a Feishu account ready to Start.
func New(resolved config.ResolvedAccount, cfg config.FeishuAccountConfig, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger) *Account {
	return &Account{
		Resolved:   resolved,
		Config:     cfg,
		Host:       host,
		Media:      mediaSvc,
		Logger:     logger,
		dispatcher: dispatch.New(host),
		peers:      make(map[string]peerRef),
	}
}

// CanSendActive implements lifecycle.Account.
func (a *Account) CanSendActive() bool { return a.Resolved.CanSendActive }

// Stop implements lifecycle.Account; the websocket itself is torn
// down by ctx cancellation inside Start.
func (a *Account) Stop() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
}

// Start opens the Feishu long connection and blocks until ctx is
// cancelled or the initial connection attempt fails.
func (a *Account) Start(ctx context.Context) error {
	if a.Config.AppID == "" || a.Config.AppSecret == "" {
		return gatewayerr.New(gatewayerr.ConfigInvalid, "feishu: appId/appSecret not configured")
	}

	apiClient := lark.NewClient(a.Config.AppID, a.Config.AppSecret)

	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(a.handleMessageEvent)

	wsClient := larkws.NewClient(a.Config.AppID, a.Config.AppSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)

	a.mu.Lock()
	a.apiClient = apiClient
	a.wsClient = wsClient
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- wsClient.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return gatewayerr.Wrap(gatewayerr.TransportLost, "feishu connection failed", err)
	case <-time.After(3 * time.Second):
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	<-ctx.Done()
	return nil
}

// handleMessageEvent is the SDK's event callback entrypoint: parse the
// inbound message, gate it by policy, and hand it to the dispatch
// coordinator.
func (a *Account) handleMessageEvent(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	msg := event.Event.Message
	sender := event.Event.Sender

	if msg.MessageType == nil {
		return nil
	}

	var contentMap map[string]interface{}
	if msg.Content != nil {
		_ = json.Unmarshal([]byte(*msg.Content), &contentMap)
	}

	senderID := ""
	if sender != nil && sender.SenderId != nil && sender.SenderId.OpenId != nil {
		senderID = *sender.SenderId.OpenId
	}
	chatID := ptrStr(msg.ChatId)
	chatTypeStr := ptrStr(msg.ChatType)
	messageID := ptrStr(msg.MessageId)

	wasMentioned := isBotMentioned(contentMap, msg.Mentions)

	body, attachments := a.extractBody(ctx, *msg.MessageType, contentMap, messageID)

	chatType := envelope.Group
	if chatTypeStr == "p2p" {
		chatType = envelope.Direct
	}

	decision := policy.Evaluate(policy.ChatType(chatType), senderID, chatID, wasMentioned, a.Resolved.Policy)
	if !decision.Allowed {
		a.Logger.Info("feishu: message denied by policy", "sender", senderID, "reason", decision.Reason)
		return nil
	}

	env := envelope.Envelope{
		MessageID:    messageID,
		Timestamp:    time.Now(),
		ChatType:     chatType,
		SenderID:     senderID,
		PeerID:       chatID,
		Body:         body,
		RawBody:      body,
		Attachments:  attachments,
		WasMentioned: wasMentioned,
		Channel:      "feishu",
		AccountID:    a.Resolved.AccountID,
	}
	if env.MessageID == "" {
		env.MessageID = fmt.Sprintf("%s_%d", chatID, time.Now().UnixMilli())
	}

	if !env.ShouldDispatch() {
		return nil
	}

	a.cachePeer(chatID, messageID, chatType)

	if _, err := a.dispatcher.Dispatch(ctx, "feishu", a.Resolved.AccountID, env, a.Resolved.ReplyFinalOnly); err != nil {
		a.Logger.Error("feishu: dispatch failed", "error", err)
	}
	return nil
}

func (a *Account) cachePeer(chatID, messageID string, chatType envelope.ChatType) {
	if chatID == "" {
		return
	}
	receiveType := larkim.ReceiveIdTypeChatId
	if chatType == envelope.Direct {
		receiveType = larkim.ReceiveIdTypeOpenId
	}
	a.peersMu.Lock()
	a.peers[chatID] = peerRef{receiveID: chatID, receiveType: receiveType, messageID: messageID}
	a.peersMu.Unlock()
}

func (a *Account) lookupPeer(peer string) (peerRef, bool) {
	a.peersMu.RLock()
	defer a.peersMu.RUnlock()
	ref, ok := a.peers[peer]
	return ref, ok
}

// extractBody pulls the canonical text body and any attachments out of
// a parsed message, splicing a stable `[kind] saved:<path>` reference
// for each downloaded attachment into the body.
func (a *Account) extractBody(ctx context.Context, msgType string, contentMap map[string]interface{}, messageID string) (string, []envelope.Attachment) {
	var body string
	var attachments []envelope.Attachment

	switch msgType {
	case larkim.MsgTypeText:
		if txt, ok := contentMap["text"].(string); ok {
			body = txt
		}
	case larkim.MsgTypePost:
		body = extractPostText(contentMap)
	case larkim.MsgTypeImage:
		if key, ok := contentMap["image_key"].(string); ok && key != "" {
			att, spliced := a.downloadAndSplice(ctx, envelope.Image, key, messageID, "image")
			attachments = append(attachments, att)
			body += spliced
		}
	case larkim.MsgTypeFile:
		if key, ok := contentMap["file_key"].(string); ok && key != "" {
			att, spliced := a.downloadAndSplice(ctx, envelope.File, key, messageID, "file")
			attachments = append(attachments, att)
			body += spliced
		}
	case larkim.MsgTypeAudio:
		if key, ok := contentMap["file_key"].(string); ok && key != "" {
			att, spliced := a.downloadAndSplice(ctx, envelope.Voice, key, messageID, "audio")
			attachments = append(attachments, att)
			body += spliced
		}
	case larkim.MsgTypeMedia:
		if key, ok := contentMap["file_key"].(string); ok && key != "" {
			att, spliced := a.downloadAndSplice(ctx, envelope.Video, key, messageID, "file")
			attachments = append(attachments, att)
			body += spliced
		}
	}

	return strings.TrimSpace(body), attachments
}

// downloadAndSplice fetches one message resource through the
// message-resource API and archives it, returning the attachment
// record and the body-splice text to append (§4.G step 3).
func (a *Account) downloadAndSplice(ctx context.Context, kind envelope.AttachmentKind, fileKey, messageID, resourceType string) (envelope.Attachment, string) {
	a.mu.RLock()
	client := a.apiClient
	a.mu.RUnlock()
	if client == nil {
		return envelope.Attachment{Kind: kind, Source: fileKey}, fmt.Sprintf("\n[%s] 下载失败", kind)
	}

	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()
	resp, err := client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil || resp == nil || !resp.Success() || resp.File == nil {
		a.Logger.Warn("feishu: media download failed", "error", err)
		return envelope.Attachment{Kind: kind, Source: fileKey}, fmt.Sprintf("\n[%s] 下载失败", kind)
	}
	if closer, ok := resp.File.(io.Closer); ok {
		defer closer.Close()
	}

	result, err := a.Media.SaveStream(resp.File, media.DownloadOptions{Prefix: "feishu", Filename: resp.FileName})
	if err != nil {
		a.Logger.Warn("feishu: save media failed", "error", err)
		return envelope.Attachment{Kind: kind, Source: fileKey}, fmt.Sprintf("\n[%s] 下载失败", kind)
	}

	return envelope.Attachment{Kind: kind, Source: fileKey, SavedPath: result.Path}, fmt.Sprintf("\n[%s] saved:%s", kind, result.Path)
}

// isBotMentioned reports whether the message mentions anyone at all;
// without the bot's own open_id on hand this is the fallback check
// every grounded integration in this codebase's corpus falls back to.
func isBotMentioned(contentMap map[string]interface{}, mentions []*larkim.MentionEvent) bool {
	if len(mentions) > 0 {
		return true
	}
	if text, ok := contentMap["text"].(string); ok {
		normalized := strings.ToLower(strings.TrimSpace(text))
		if strings.Contains(normalized, "@_user_") {
			return true
		}
	}
	return hasAtTag(contentMap)
}

func hasAtTag(raw interface{}) bool {
	switch value := raw.(type) {
	case map[string]interface{}:
		if tag, ok := value["tag"].(string); ok && strings.EqualFold(strings.TrimSpace(tag), "at") {
			return true
		}
		for _, child := range value {
			if hasAtTag(child) {
				return true
			}
		}
	case []interface{}:
		for _, child := range value {
			if hasAtTag(child) {
				return true
			}
		}
	}
	return false
}

func extractPostText(contentMap map[string]interface{}) string {
	linesRaw, ok := contentMap["content"].([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, rawLine := range linesRaw {
		line, ok := rawLine.([]interface{})
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && strings.TrimSpace(text) != "" {
				parts = append(parts, strings.TrimSpace(text))
			}
		}
	}
	return strings.Join(parts, " ")
}

func ptrStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// SendTextChunk implements outbound.ChunkSender, replying through the
// cached message id when one is available (keeping the reply threaded),
// falling back to a direct send to the chat otherwise. When
// sendMarkdownAsCard is set, the chunk is sent as an interactive card
// instead of a plain text/post message.
func (a *Account) SendTextChunk(ctx context.Context, peer, chunk string) error {
	a.mu.RLock()
	client := a.apiClient
	a.mu.RUnlock()
	if client == nil {
		return gatewayerr.New(gatewayerr.TransportLost, "feishu client not started")
	}

	ref, ok := a.lookupPeer(peer)
	if !ok {
		ref = peerRef{receiveID: peer, receiveType: larkim.ReceiveIdTypeChatId}
	}

	if a.Config.SendMarkdownAsCard {
		return a.sendCard(ctx, client, ref, chunk)
	}
	return a.sendText(ctx, client, ref, chunk)
}

func (a *Account) sendText(ctx context.Context, client *lark.Client, ref peerRef, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	if ref.messageID != "" {
		resp, err := client.Im.V1.Message.Reply(ctx, larkim.NewReplyMessageReqBuilder().
			MessageId(ref.messageID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType(larkim.MsgTypeText).
				Content(string(payload)).
				Build()).
			Build())
		return feishuRespErr(err, resp)
	}

	resp, err := client.Im.V1.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(ref.receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(ref.receiveID).
			MsgType(larkim.MsgTypeText).
			Content(string(payload)).
			Build()).
		Build())
	return feishuRespErr(err, resp)
}

func (a *Account) sendCard(ctx context.Context, client *lark.Client, ref peerRef, text string) error {
	content, err := buildCardContent(text)
	if err != nil {
		return err
	}

	if ref.messageID != "" {
		resp, err := client.Im.V1.Message.Reply(ctx, larkim.NewReplyMessageReqBuilder().
			MessageId(ref.messageID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType(larkim.MsgTypeInteractive).
				Content(content).
				Build()).
			Build())
		return feishuRespErr(err, resp)
	}

	resp, err := client.Im.V1.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(ref.receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(ref.receiveID).
			MsgType(larkim.MsgTypeInteractive).
			Content(content).
			Build()).
		Build())
	return feishuRespErr(err, resp)
}

var cardHeadingPrefix = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

func buildCardContent(text string) (string, error) {
	body := cardHeadingPrefix.ReplaceAllString(text, "**$1**")
	card := map[string]interface{}{
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"elements": []map[string]interface{}{
			{
				"tag": "div",
				"text": map[string]interface{}{
					"tag":     "lark_md",
					"content": body,
				},
			},
		},
	}
	data, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// respOK is the common shape of every larkim response's Success/Code/Msg
// surface; response types differ but all expose this trio.
type respOK interface {
	Success() bool
}

func feishuRespErr(err error, resp respOK) error {
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.TransportLost, "feishu send failed", err)
	}
	if resp == nil || !resp.Success() {
		return gatewayerr.New(gatewayerr.TransportLost, "feishu send failed")
	}
	return nil
}

// SendImage and SendVoice return a PlatformFormatUnsupported error:
// Feishu's image/file messages require a pre-uploaded
// image_key/file_key rather than a raw path, so direct media sends are
// not supported from this entrypoint and callers fall back to a text
// link per outbound.DeliverMedia.
func (a *Account) SendImage(ctx context.Context, localPath string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "feishu image send requires an uploaded image_key")
}

func (a *Account) SendVoice(ctx context.Context, localPath string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "feishu voice send is not supported")
}

func (a *Account) SendFile(ctx context.Context, localPath, fileName string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "feishu file send requires an uploaded file_key")
}

// SendChunked delivers text through outbound.SendText using this
// account's chunking options, to peer's cached receive id.
func (a *Account) SendChunked(ctx context.Context, tools hostport.TextTools, peer, text string) error {
	sender := peerChunkSender{account: a, peer: peer}
	opts := outbound.Options{
		Channel:          "feishu",
		TextChunkLimit:   a.Resolved.TextChunkLimit,
		MarkdownCapable:  true,
		SupportsFileSend: false,
	}
	return outbound.SendText(ctx, tools, sender, text, opts)
}

// SendMedia attempts to deliver req to peer; Feishu's card reply has
// no raw-path media-send capability, so this always degrades to
// outbound.FallbackText.
func (a *Account) SendMedia(ctx context.Context, peer string, req outbound.MediaRequest) error {
	sender := peerChunkSender{account: a, peer: peer}
	opts := outbound.Options{Channel: "feishu", SupportsFileSend: false}
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
