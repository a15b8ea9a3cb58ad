// Package wecomapp implements the WeCom Self-built Application
// inbound/outbound transport: an HTTPS webhook carrying AES-encrypted
// XML (§4.F), answered within the platform's 5s window with a bare
// "success" acknowledgement, plus an active-send pipeline over the
// corp's access-token-gated message API for the agent's actual reply.
package wecomapp

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/credential"
	"github.com/wendell1224/openclaw-china/internal/cryptox"
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
	tokenEndpoint       = "https://qyapi.weixin.qq.com/cgi-bin/gettoken"
	sendEndpoint        = "https://qyapi.weixin.qq.com/cgi-bin/message/send"
	mediaGetEndpoint    = "https://qyapi.weixin.qq.com/cgi-bin/media/get"
	mediaUploadEndpoint = "https://qyapi.weixin.qq.com/cgi-bin/media/upload"

	errCodeAccessTokenExpired = 42001
	errCodeInvalidAccessToken = 40014

	pruneInterval = 24 * time.Hour
)

func isTokenExpiredErrCode(code int) bool {
	return code == errCodeAccessTokenExpired || code == errCodeInvalidAccessToken
}

// Account runs one WeCom Self-built Application account: a stateless
// webhook handler registered once at construction time, plus an
// access-token-backed active-send path the Host's agent loop reaches
// back into through SendTextChunk/SendChunked/SendMedia.
type Account struct {
	Resolved config.ResolvedAccount
	Config   config.WeComAppAccountConfig
	Host     hostport.Host
	Media    *media.Service
	Logger   *slog.Logger

	httpClient *http.Client
	tokens     *credential.Cache
	dispatcher *dispatch.Coordinator

	aesKey    []byte
	aesKeyErr error

	// Endpoint overrides for tests; production accounts always use the
	// package-level qyapi.weixin.qq.com constants set in New.
	tokenEndpoint       string
	sendEndpoint        string
	mediaGetEndpoint    string
	mediaUploadEndpoint string
}

// New builds a WeCom Self-built Application account and, if
// webhookServer is non-nil, registers its inbound route immediately.
func New(resolved config.ResolvedAccount, cfg config.WeComAppAccountConfig, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, webhookServer *webhook.Server) *Account {
	a := &Account{
		Resolved:            resolved,
		Config:              cfg,
		Host:                host,
		Media:               mediaSvc,
		Logger:              logger,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		tokens:              credential.NewCache(),
		dispatcher:          dispatch.New(host),
		tokenEndpoint:       tokenEndpoint,
		sendEndpoint:        sendEndpoint,
		mediaGetEndpoint:    mediaGetEndpoint,
		mediaUploadEndpoint: mediaUploadEndpoint,
	}
	if key, err := config.DecodeEncodingAESKey(cfg.EncodingAESKey); err != nil {
		a.aesKeyErr = err
	} else {
		a.aesKey = key
	}
	if webhookServer != nil {
		webhookServer.RegisterWebhook(a.webhookPath(), a.handleWebhook)
	}
	return a
}

func (a *Account) webhookPath() string {
	if a.Config.WebhookPath != "" {
		return a.Config.WebhookPath
	}
	return "/wecomapp/" + a.Resolved.AccountID
}

// CanSendActive implements lifecycle.Account.
func (a *Account) CanSendActive() bool { return a.Resolved.CanSendActive }

// Stop implements lifecycle.Account. The webhook route outlives any
// one account's Start/Stop cycle, so there is nothing to release.
func (a *Account) Stop() {}

// Start runs the inbound media retention sweep (when configured) until
// ctx is cancelled. There is no connection to open: inbound traffic
// arrives through the route registered in New.
func (a *Account) Start(ctx context.Context) error {
	if a.aesKeyErr != nil {
		return a.aesKeyErr
	}
	if !a.Config.InboundMedia.Enabled {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Media.Prune(a.Config.InboundMedia.KeepDays); err != nil {
				a.Logger.Warn("wecomapp: media prune failed", "error", err)
			}
		}
	}
}

func (a *Account) handleWebhook(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		a.handleVerification(c)
		return
	}
	a.handleCallback(c)
}

// handleVerification answers the one-time URL ownership handshake,
// decrypting echostr with the corp id as the expected receiveId --
// unlike WeCom AI Robot, whose callbacks carry no corp scope at all.
func (a *Account) handleVerification(c *gin.Context) {
	if a.aesKeyErr != nil {
		c.String(http.StatusInternalServerError, "")
		return
	}
	sig := c.Query("msg_signature")
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")
	echostr := c.Query("echostr")

	if !cryptox.VerifySignature(a.Config.Token, sig, timestamp, nonce, echostr) {
		c.String(http.StatusForbidden, "signature mismatch")
		return
	}
	plain, err := cryptox.Decrypt(echostr, a.Config.CorpID, a.aesKey)
	if err != nil {
		a.Logger.Warn("wecomapp: verification decrypt failed", "error", err)
		c.String(http.StatusBadRequest, "")
		return
	}
	c.String(http.StatusOK, plain)
}

// outerEnvelope is the unencrypted XML wrapper every WeCom callback
// POST arrives in; Encrypt carries the real payload.
type outerEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	Encrypt    string   `xml:"Encrypt"`
	AgentID    string   `xml:"AgentID"`
}

// inboundMessage is the decrypted callback payload.
type inboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgId        string   `xml:"MsgId"`
	AgentID      string   `xml:"AgentID"`
	MediaId      string   `xml:"MediaId"`
	PicUrl       string   `xml:"PicUrl"`
	Format       string   `xml:"Format"`
	ThumbMediaId string   `xml:"ThumbMediaId"`
	ChatId       string   `xml:"ChatId"`
	Event        string   `xml:"Event"`
}

func (a *Account) handleCallback(c *gin.Context) {
	if a.aesKeyErr != nil {
		c.String(http.StatusInternalServerError, "")
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "")
		return
	}

	var outer outerEnvelope
	if err := xml.Unmarshal(raw, &outer); err != nil || outer.Encrypt == "" {
		c.String(http.StatusBadRequest, "")
		return
	}

	sig := c.Query("msg_signature")
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")
	if !cryptox.VerifySignature(a.Config.Token, sig, timestamp, nonce, outer.Encrypt) {
		c.String(http.StatusForbidden, "")
		return
	}

	plain, err := cryptox.Decrypt(outer.Encrypt, a.Config.CorpID, a.aesKey)
	if err != nil {
		a.Logger.Warn("wecomapp: decrypt failed", "error", err)
		c.String(http.StatusBadRequest, "")
		return
	}

	var msg inboundMessage
	if err := xml.Unmarshal([]byte(plain), &msg); err != nil {
		a.Logger.Warn("wecomapp: malformed payload", "error", err)
		c.String(http.StatusBadRequest, "")
		return
	}

	a.processMessage(c.Request.Context(), &msg)

	// The platform requires a bare "success" within its 5s window; the
	// agent's actual reply, once ready, goes out later through the
	// active-send path below.
	c.String(http.StatusOK, "success")
}

func (a *Account) processMessage(ctx context.Context, msg *inboundMessage) {
	if msg.MsgType == "event" {
		a.Logger.Info("wecomapp: event received", "event", msg.Event)
		return
	}

	body, attachments := a.extractBody(ctx, msg)

	chatType := envelope.Direct
	peer := msg.FromUserName
	wasMentioned := true
	if msg.ChatId != "" {
		chatType = envelope.Group
		peer = msg.ChatId
		wasMentioned = false
	}

	decision := policy.Evaluate(policy.ChatType(chatType), msg.FromUserName, peer, wasMentioned, a.Resolved.Policy)
	if !decision.Allowed {
		a.Logger.Info("wecomapp: message denied by policy", "sender", msg.FromUserName, "reason", decision.Reason)
		return
	}

	env := envelope.Envelope{
		MessageID:    deriveMessageID(msg),
		Timestamp:    time.Unix(msg.CreateTime, 0),
		ChatType:     chatType,
		SenderID:     msg.FromUserName,
		PeerID:       peer,
		Body:         body,
		RawBody:      body,
		Attachments:  attachments,
		WasMentioned: wasMentioned,
		Channel:      "wecomapp",
		AccountID:    a.Resolved.AccountID,
	}
	if !env.ShouldDispatch() {
		return
	}

	if _, err := a.dispatcher.Dispatch(ctx, "wecomapp", a.Resolved.AccountID, env, a.Resolved.ReplyFinalOnly); err != nil {
		a.Logger.Error("wecomapp: dispatch failed", "error", err)
	}
}

func deriveMessageID(msg *inboundMessage) string {
	if msg.MsgId != "" {
		return msg.MsgId
	}
	return fmt.Sprintf("%s_%d", msg.FromUserName, msg.CreateTime)
}

func (a *Account) extractBody(ctx context.Context, msg *inboundMessage) (string, []envelope.Attachment) {
	switch msg.MsgType {
	case "text":
		return msg.Content, nil
	case "image":
		return a.downloadAttachment(ctx, envelope.Image, msg.MediaId, msg.PicUrl)
	case "voice":
		return a.downloadAttachment(ctx, envelope.Voice, msg.MediaId, "")
	case "video":
		return a.downloadAttachment(ctx, envelope.Video, msg.MediaId, "")
	case "file":
		return a.downloadAttachment(ctx, envelope.File, msg.MediaId, "")
	default:
		return "", nil
	}
}

// downloadAttachment fetches a WeCom media_id (or, for images, falls
// back to the inline PicUrl) and splices a stable reference into the
// body, per §4.G. When inboundMedia is disabled for this account, the
// attachment is recorded without a saved path rather than downloaded.
func (a *Account) downloadAttachment(ctx context.Context, kind envelope.AttachmentKind, mediaID, fallbackURL string) (string, []envelope.Attachment) {
	if mediaID == "" && fallbackURL == "" {
		return "", nil
	}
	if !a.Config.InboundMedia.Enabled {
		return fmt.Sprintf("[%s] %s", kind, mediaID), []envelope.Attachment{{Kind: kind, Source: mediaID}}
	}

	downloadURL := fallbackURL
	if mediaID != "" {
		token, err := a.accessToken(ctx)
		if err != nil {
			a.Logger.Warn("wecomapp: access token unavailable for media download", "error", err)
			return fmt.Sprintf("[%s] 下载失败", kind), []envelope.Attachment{{Kind: kind, Source: mediaID}}
		}
		downloadURL = fmt.Sprintf("%s?access_token=%s&media_id=%s", a.mediaGetEndpoint, token, mediaID)
	}

	result, err := a.Media.Download(ctx, media.DownloadOptions{URL: downloadURL, Prefix: "wecomapp", MaxBytes: a.Config.InboundMedia.MaxBytes})
	if err != nil {
		a.Logger.Warn("wecomapp: media download failed", "error", err)
		return fmt.Sprintf("[%s] 下载失败", kind), []envelope.Attachment{{Kind: kind, Source: mediaID}}
	}
	archived, err := a.Media.Archive(result.Path)
	if err != nil {
		a.Logger.Warn("wecomapp: archive failed", "error", err)
		archived = result.Path
	}
	return fmt.Sprintf("[%s] saved:%s", kind, archived), []envelope.Attachment{{Kind: kind, Source: mediaID, SavedPath: archived}}
}

func (a *Account) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.tokenEndpoint, nil)
	if err != nil {
		return "", 0, err
	}
	q := req.URL.Query()
	q.Set("corpid", a.Config.CorpID)
	q.Set("corpsecret", a.Config.CorpSecret)
	req.URL.RawQuery = q.Encode()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, gatewayerr.Wrap(gatewayerr.Timeout, "fetch wecomapp access token", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, err
	}
	if result.ErrCode != 0 {
		return "", 0, gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("wecomapp gettoken failed: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg))
	}
	return result.AccessToken, time.Duration(result.ExpiresIn) * time.Second, nil
}

func (a *Account) tokenKey() string {
	return "wecomapp:" + a.Resolved.AccountID
}

func (a *Account) accessToken(ctx context.Context) (string, error) {
	return a.tokens.Get(ctx, a.tokenKey(), a.fetchToken)
}

// sendMessage posts payload to the active-send endpoint, retrying
// once inline with a fresh token on the platform's token-expired
// error codes, per §7's TokenExpired handling policy.
func (a *Account) sendMessage(ctx context.Context, payload map[string]interface{}) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	sendErr := a.postMessage(ctx, token, payload)
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
	return a.postMessage(ctx, token, payload)
}

func (a *Account) postMessage(ctx context.Context, token string, payload map[string]interface{}) error {
	payload["agentid"] = a.Config.AgentID
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sendEndpoint+"?access_token="+token, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.TransportLost, "send wecomapp message", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.ErrCode == 0 {
		return nil
	}
	if isTokenExpiredErrCode(result.ErrCode) {
		return gatewayerr.New(gatewayerr.TokenExpired, fmt.Sprintf("wecomapp send rejected: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg))
	}
	return gatewayerr.New(gatewayerr.TransportLost, fmt.Sprintf("wecomapp send rejected: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg))
}

func (a *Account) sendMediaFile(ctx context.Context, peer, wecomType, localPath, fileName string) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}
	mediaID, err := a.Media.Upload(ctx, media.UploadOptions{
		Endpoint: fmt.Sprintf("%s?access_token=%s&type=%s", a.mediaUploadEndpoint, token, wecomType),
		FilePath: localPath,
		FileName: fileName,
	})
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.TransportLost, "upload wecomapp media", err)
	}
	return a.sendMessage(ctx, map[string]interface{}{
		"touser":  peer,
		"msgtype": wecomType,
		wecomType: map[string]string{"media_id": mediaID},
	})
}

// SendTextChunk implements outbound.ChunkSender, sending directly to
// peer (the corp userid, or chat id for a multi-person chat) through
// the active-send API -- WeCom Self-built Application has no
// reply-in-place webhook response, unlike WeCom AI Robot.
func (a *Account) SendTextChunk(ctx context.Context, peer, chunk string) error {
	return a.sendMessage(ctx, map[string]interface{}{
		"touser":  peer,
		"msgtype": "text",
		"text":    map[string]string{"content": chunk},
	})
}

// SendChunked delivers text through outbound.SendText using this
// account's chunking options.
func (a *Account) SendChunked(ctx context.Context, tools hostport.TextTools, peer, text string) error {
	sender := peerChunkSender{account: a, peer: peer}
	opts := outbound.Options{
		Channel:          "wecomapp",
		TextChunkLimit:   a.Resolved.TextChunkLimit,
		MarkdownCapable:  false,
		SupportsFileSend: true,
	}
	return outbound.SendText(ctx, tools, sender, text, opts)
}

// SendMedia delivers one attachment to peer, using outbound.DeliverMedia's
// fallback rules for voice transcoding and caption-before-file ordering.
func (a *Account) SendMedia(ctx context.Context, peer string, req outbound.MediaRequest) error {
	textSender := peerChunkSender{account: a, peer: peer}
	mediaSender := peerMediaSender{account: a, peer: peer}
	opts := outbound.Options{
		Channel:               "wecomapp",
		TextChunkLimit:        a.Resolved.TextChunkLimit,
		MarkdownCapable:       false,
		VoiceTranscodeEnabled: a.Config.VoiceTranscode.Enabled,
		SupportsFileSend:      true,
	}
	return outbound.DeliverMedia(ctx, textSender, mediaSender, req, opts)
}

type peerChunkSender struct {
	account *Account
	peer    string
}

func (s peerChunkSender) SendTextChunk(ctx context.Context, chunk string) error {
	return s.account.SendTextChunk(ctx, s.peer, chunk)
}

type peerMediaSender struct {
	account *Account
	peer    string
}

func (s peerMediaSender) SendImage(ctx context.Context, localPath string) error {
	return s.account.sendMediaFile(ctx, s.peer, "image", localPath, filepath.Base(localPath))
}

func (s peerMediaSender) SendVoice(ctx context.Context, localPath string) error {
	return s.account.sendMediaFile(ctx, s.peer, "voice", localPath, filepath.Base(localPath))
}

func (s peerMediaSender) SendFile(ctx context.Context, localPath, fileName string) error {
	return s.account.sendMediaFile(ctx, s.peer, "file", localPath, fileName)
}
