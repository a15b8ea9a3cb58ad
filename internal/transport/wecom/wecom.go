// Package wecom implements the WeCom AI Robot (智能机器人) inbound
// strategy: an HTTPS webhook carrying AES-encrypted JSON, answered
// within the platform's own request/response cycle rather than
// through any active-send API. A reply that is not ready yet is
// acknowledged with an open stream id; the platform polls that id
// until the gateway has an answer or gives up and falls back to the
// account's one-time response_url.
package wecom

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wendell1224/openclaw-china/internal/config"
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
	taskPollDeadline        = 30 * time.Second
	taskMaxLifetime         = time.Hour
	streamClosedGracePeriod = 10 * time.Minute
	cleanupInterval         = 5 * time.Minute
	streamWaitNotice        = "仍在处理中，请稍候查看回复"
)

// Account runs one WeCom AI Robot account: it holds no persistent
// connection, registering instead on the shared webhook server at
// construction time and tracking one streamTask per inbound message
// for the lifetime of that message's poll cycle.
type Account struct {
	Resolved config.ResolvedAccount
	Config   config.WeComAccountConfig
	Host     hostport.Host
	Media    *media.Service
	Logger   *slog.Logger

	httpClient *http.Client
	dispatcher *dispatch.Coordinator

	aesKey    []byte
	aesKeyErr error

	taskMu      sync.Mutex
	streamTasks map[string]*streamTask
	chatTasks   map[string][]*streamTask
}

// streamTask tracks one inbound message's single round of reply
// delivery: at most one answer flows through answerCh while the
// platform is still polling; once the stream closes, any further
// reply can only go out through the one-time responseURL.
type streamTask struct {
	ID           string
	ChatID       string
	MsgID        string
	ResponseURL  string
	AnswerCh     chan string
	Deadline     time.Time
	StreamClosed bool
	CreatedAt    time.Time
}

// New builds a WeCom AI Robot account and, if webhookServer is
// non-nil, registers its inbound route immediately -- routes must
// exist before the shared server starts listening, which happens
// independently of any one account's Start/Stop cycle.
func New(resolved config.ResolvedAccount, cfg config.WeComAccountConfig, host hostport.Host, mediaSvc *media.Service, logger *slog.Logger, webhookServer *webhook.Server) *Account {
	a := &Account{
		Resolved:    resolved,
		Config:      cfg,
		Host:        host,
		Media:       mediaSvc,
		Logger:      logger,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		dispatcher:  dispatch.New(host),
		streamTasks: make(map[string]*streamTask),
		chatTasks:   make(map[string][]*streamTask),
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
	return "/wecom/" + a.Resolved.AccountID
}

// CanSendActive implements lifecycle.Account. WeCom AI Robot has no
// active-send API, only synchronous replies within a poll cycle.
func (a *Account) CanSendActive() bool { return a.Resolved.CanSendActive }

// Stop implements lifecycle.Account. The webhook route outlives any
// one account's Start/Stop cycle, so there is nothing to release here.
func (a *Account) Stop() {}

// Start runs the task garbage-collection loop until ctx is cancelled.
// There is no connection to open: inbound traffic arrives through the
// route registered in New.
func (a *Account) Start(ctx context.Context) error {
	if a.aesKeyErr != nil {
		return a.aesKeyErr
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.cleanupOldTasks()
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

// handleVerification answers the one-time URL ownership handshake:
// decrypt echostr and return it verbatim.
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
	plain, err := cryptox.Decrypt(echostr, "", a.aesKey)
	if err != nil {
		a.Logger.Warn("wecom: verification decrypt failed", "error", err)
		c.String(http.StatusBadRequest, "")
		return
	}
	c.String(http.StatusOK, plain)
}

type encryptedBody struct {
	Encrypt string `json:"encrypt"`
}

func (a *Account) handleCallback(c *gin.Context) {
	if a.aesKeyErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account not configured"})
		return
	}

	var body encryptedBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Encrypt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing encrypt payload"})
		return
	}

	sig := c.Query("msg_signature")
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")
	if !cryptox.VerifySignature(a.Config.Token, sig, timestamp, nonce, body.Encrypt) {
		c.JSON(http.StatusForbidden, gin.H{"error": "signature mismatch"})
		return
	}

	// For WeCom AI Bot, receiveid is the empty string: the platform
	// does not scope this payload to a corp id the way WeCom Self-built
	// Application does.
	plain, err := cryptox.Decrypt(body.Encrypt, "", a.aesKey)
	if err != nil {
		a.Logger.Warn("wecom: decrypt failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "decrypt failed"})
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal([]byte(plain), &msg); err != nil {
		a.Logger.Warn("wecom: malformed payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	resp := a.processMessage(c.Request.Context(), &msg)
	a.writeEncryptedResponse(c, resp)
}

func (a *Account) writeEncryptedResponse(c *gin.Context, resp *streamResponse) {
	plain, err := json.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "marshal response"})
		return
	}
	encrypted, err := a.encryptReply(string(plain))
	if err != nil {
		a.Logger.Error("wecom: encrypt reply failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encrypt failed"})
		return
	}
	c.JSON(http.StatusOK, encrypted)
}

func (a *Account) encryptReply(plain string) (encryptedResponse, error) {
	nonce, err := randomNonce()
	if err != nil {
		return encryptedResponse{}, err
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	encrypted, err := cryptox.Encrypt(plain, "", a.aesKey)
	if err != nil {
		return encryptedResponse{}, err
	}
	signature := cryptox.Sign(a.Config.Token, timestamp, nonce, encrypted)
	return encryptedResponse{
		Encrypt:      encrypted,
		MsgSignature: signature,
		Timestamp:    timestamp,
		Nonce:        nonce,
	}, nil
}

// inboundMessage is the decrypted JSON payload carried by a WeCom AI
// Robot callback, covering the msgtype variants the gateway handles:
// text, image, mixed, stream polls, and platform events.
type inboundMessage struct {
	MsgID       string     `json:"msgid"`
	AIBotID     string     `json:"aibotid"`
	ChatID      string     `json:"chatid"`
	ChatType    string     `json:"chattype"` // "single" or "group"
	From        fromRef    `json:"from"`
	ResponseURL string     `json:"response_url"`
	MsgType     string     `json:"msgtype"`
	Text        *textRef   `json:"text,omitempty"`
	Stream      *streamRef `json:"stream,omitempty"`
	Image       *imageRef  `json:"image,omitempty"`
	Mixed       *mixedRef  `json:"mixed,omitempty"`
	Event       *eventRef  `json:"event,omitempty"`
}

type fromRef struct {
	UserID string `json:"userid"`
}

type textRef struct {
	Content string `json:"content"`
}

type streamRef struct {
	ID string `json:"id"`
}

type imageRef struct {
	URL string `json:"url"`
}

type mixedRef struct {
	MsgItem []mixedItem `json:"msg_item"`
}

type mixedItem struct {
	MsgType string    `json:"msgtype"`
	Text    *textRef  `json:"text,omitempty"`
	Image   *imageRef `json:"image,omitempty"`
}

type eventRef struct {
	EventType string `json:"eventtype"`
}

// streamInfo is the reply half of the protocol: finish=false keeps
// the platform polling streamResponse{id}; finish=true carries the
// one answer this task will ever deliver through this channel.
type streamInfo struct {
	ID      string `json:"id,omitempty"`
	Finish  bool   `json:"finish"`
	Content string `json:"content,omitempty"`
}

type streamResponse struct {
	MsgType string     `json:"msgtype"`
	Stream  streamInfo `json:"stream"`
}

type encryptedResponse struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

func finishedResponse(id, content string) *streamResponse {
	return &streamResponse{MsgType: "stream", Stream: streamInfo{ID: id, Finish: true, Content: content}}
}

func openResponse(id string) *streamResponse {
	return &streamResponse{MsgType: "stream", Stream: streamInfo{ID: id, Finish: false}}
}

func (a *Account) processMessage(ctx context.Context, msg *inboundMessage) *streamResponse {
	switch msg.MsgType {
	case "text":
		if msg.Text == nil {
			return finishedResponse("", "")
		}
		return a.dispatchAndQueue(ctx, msg, msg.Text.Content, nil)
	case "image":
		if msg.Image == nil {
			return finishedResponse("", "")
		}
		body, attachments := a.downloadImageAttachment(ctx, msg.Image.URL)
		return a.dispatchAndQueue(ctx, msg, body, attachments)
	case "mixed":
		return a.handleMixedMessage(ctx, msg)
	case "stream":
		if msg.Stream == nil {
			return finishedResponse("", "")
		}
		return a.getStreamResponse(msg.Stream.ID)
	case "event":
		if msg.Event != nil {
			a.Logger.Info("wecom: event received", "type", msg.Event.EventType)
		}
		return finishedResponse("", "")
	default:
		a.Logger.Info("wecom: unhandled msgtype", "msgtype", msg.MsgType)
		return finishedResponse("", "")
	}
}

func (a *Account) handleMixedMessage(ctx context.Context, msg *inboundMessage) *streamResponse {
	if msg.Mixed == nil {
		return finishedResponse("", "")
	}
	var textParts []string
	var attachments []envelope.Attachment
	for _, item := range msg.Mixed.MsgItem {
		switch item.MsgType {
		case "text":
			if item.Text != nil && item.Text.Content != "" {
				textParts = append(textParts, item.Text.Content)
			}
		case "image":
			if item.Image != nil {
				text, atts := a.downloadImageAttachment(ctx, item.Image.URL)
				if text != "" {
					textParts = append(textParts, text)
				}
				attachments = append(attachments, atts...)
			}
		}
	}
	return a.dispatchAndQueue(ctx, msg, strings.Join(textParts, "\n"), attachments)
}

func (a *Account) downloadImageAttachment(ctx context.Context, url string) (string, []envelope.Attachment) {
	if url == "" {
		return "", nil
	}
	result, err := a.Media.Download(ctx, media.DownloadOptions{URL: url, Prefix: "wecom"})
	if err != nil {
		a.Logger.Warn("wecom: image download failed", "error", err)
		return "[image] 下载失败", []envelope.Attachment{{Kind: envelope.Image, Source: url}}
	}
	archived, err := a.Media.Archive(result.Path)
	if err != nil {
		a.Logger.Warn("wecom: archive failed", "error", err)
		archived = result.Path
	}
	return fmt.Sprintf("[image] saved:%s", archived), []envelope.Attachment{{Kind: envelope.Image, Source: url, SavedPath: archived}}
}

// dispatchAndQueue runs the admission check, opens a streamTask for
// this message, and hands the envelope off to the dispatch
// coordinator for bookkeeping. The agent's eventual reply arrives
// later, out of band, through SendTextChunk -- this call only decides
// whether the platform should keep polling streamID.
func (a *Account) dispatchAndQueue(ctx context.Context, msg *inboundMessage, body string, attachments []envelope.Attachment) *streamResponse {
	chatType := envelope.Direct
	wasMentioned := true
	if msg.ChatType == "group" {
		chatType = envelope.Group
		// A group message's payload carries no explicit mention marker
		// in this callback shape; admission for group chats therefore
		// rests on groupPolicy/groupAllowFrom rather than @mention.
		wasMentioned = false
	}

	decision := policy.Evaluate(policy.ChatType(chatType), msg.From.UserID, msg.ChatID, wasMentioned, a.Resolved.Policy)
	if !decision.Allowed {
		a.Logger.Info("wecom: message denied by policy", "sender", msg.From.UserID, "reason", decision.Reason)
		return finishedResponse("", "")
	}

	env := envelope.Envelope{
		MessageID:    msg.MsgID,
		Timestamp:    time.Now(),
		ChatType:     chatType,
		SenderID:     msg.From.UserID,
		PeerID:       msg.ChatID,
		Body:         body,
		RawBody:      body,
		Attachments:  attachments,
		WasMentioned: wasMentioned,
		Channel:      "wecom",
		AccountID:    a.Resolved.AccountID,
	}
	if !env.ShouldDispatch() {
		return finishedResponse("", "")
	}

	streamID := newStreamID()
	task := &streamTask{
		ID:          streamID,
		ChatID:      msg.ChatID,
		MsgID:       msg.MsgID,
		ResponseURL: msg.ResponseURL,
		AnswerCh:    make(chan string, 1),
		Deadline:    time.Now().Add(taskPollDeadline),
		CreatedAt:   time.Now(),
	}
	a.taskMu.Lock()
	a.streamTasks[streamID] = task
	a.chatTasks[msg.ChatID] = append(a.chatTasks[msg.ChatID], task)
	a.taskMu.Unlock()

	if _, err := a.dispatcher.Dispatch(ctx, "wecom", a.Resolved.AccountID, env, a.Resolved.ReplyFinalOnly); err != nil {
		a.Logger.Error("wecom: dispatch failed", "error", err)
		a.removeTask(streamID)
		return finishedResponse("", "")
	}

	return openResponse(streamID)
}

// getStreamResponse answers one poll against streamID: deliver the
// buffered answer if one has arrived, declare the stream closed past
// its deadline (keeping the task around for a late response_url
// delivery), or ask the platform to keep polling.
func (a *Account) getStreamResponse(streamID string) *streamResponse {
	a.taskMu.Lock()
	task, ok := a.streamTasks[streamID]
	a.taskMu.Unlock()
	if !ok {
		return finishedResponse(streamID, "")
	}

	select {
	case answer := <-task.AnswerCh:
		a.taskMu.Lock()
		delete(a.streamTasks, streamID)
		task.StreamClosed = true
		a.taskMu.Unlock()
		return finishedResponse(streamID, answer)
	default:
	}

	if time.Now().After(task.Deadline) {
		a.taskMu.Lock()
		delete(a.streamTasks, streamID)
		task.StreamClosed = true
		a.taskMu.Unlock()
		return finishedResponse(streamID, streamWaitNotice)
	}

	return openResponse(streamID)
}

func (a *Account) removeTask(streamID string) {
	a.taskMu.Lock()
	defer a.taskMu.Unlock()
	task, ok := a.streamTasks[streamID]
	delete(a.streamTasks, streamID)
	if !ok {
		return
	}
	a.removeFromChatQueueLocked(task)
}

func (a *Account) removeFromChatQueueLocked(task *streamTask) {
	queue := a.chatTasks[task.ChatID]
	for i, t := range queue {
		if t.ID == task.ID {
			a.chatTasks[task.ChatID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(a.chatTasks[task.ChatID]) == 0 {
		delete(a.chatTasks, task.ChatID)
	}
}

func (a *Account) cleanupOldTasks() {
	now := time.Now()
	a.taskMu.Lock()
	defer a.taskMu.Unlock()
	for chatID, queue := range a.chatTasks {
		var kept []*streamTask
		for _, task := range queue {
			expired := now.Sub(task.CreatedAt) > taskMaxLifetime
			staleClosed := task.StreamClosed && now.After(task.Deadline.Add(streamClosedGracePeriod))
			if expired || staleClosed {
				delete(a.streamTasks, task.ID)
				continue
			}
			kept = append(kept, task)
		}
		if len(kept) == 0 {
			delete(a.chatTasks, chatID)
		} else {
			a.chatTasks[chatID] = kept
		}
	}
}

// SendTextChunk implements outbound.ChunkSender. The first chunk for
// a still-open task is pushed into its buffered answerCh, satisfying
// the one answer the poll protocol can deliver. Any chunk arriving
// after the stream has closed -- including a second chunk for the
// same message, since the answer slot is already spent -- falls back
// to the task's one-time response_url, after which the task is
// discarded.
func (a *Account) SendTextChunk(ctx context.Context, peer, chunk string) error {
	a.taskMu.Lock()
	queue := a.chatTasks[peer]
	var task *streamTask
	if len(queue) > 0 {
		task = queue[0]
	}
	a.taskMu.Unlock()

	if task == nil {
		return gatewayerr.New(gatewayerr.TransportLost, fmt.Sprintf("no pending wecom task for peer %s", peer))
	}

	if !task.StreamClosed {
		select {
		case task.AnswerCh <- chunk:
			return nil
		default:
		}
	}

	if err := a.sendViaResponseURL(ctx, task.ResponseURL, chunk); err != nil {
		return err
	}
	a.taskMu.Lock()
	delete(a.streamTasks, task.ID)
	a.removeFromChatQueueLocked(task)
	a.taskMu.Unlock()
	return nil
}

func (a *Account) sendViaResponseURL(ctx context.Context, url, content string) error {
	if url == "" {
		return gatewayerr.New(gatewayerr.TransportLost, "wecom response_url not available for this task")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.TransportLost, "post wecom response_url", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gatewayerr.New(gatewayerr.TransportLost, fmt.Sprintf("wecom response_url send failed: %d", resp.StatusCode))
	}
	return nil
}

// SendImage, SendVoice, and SendFile are unsupported: the grounding
// protocol's only outbound primitive is a text content field, so
// outbound.DeliverMedia falls back to sending the source URL as text.
func (a *Account) SendImage(ctx context.Context, localPath string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "wecom ai robot does not support image send")
}

func (a *Account) SendVoice(ctx context.Context, localPath string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "wecom ai robot does not support voice send")
}

func (a *Account) SendFile(ctx context.Context, localPath, fileName string) error {
	return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, "wecom ai robot does not support file send")
}

// SendChunked delivers text through outbound.SendText using this
// account's chunking options, to peer's pending streamTask.
func (a *Account) SendChunked(ctx context.Context, tools hostport.TextTools, peer, text string) error {
	sender := peerChunkSender{account: a, peer: peer}
	opts := outbound.Options{
		Channel:          "wecom",
		TextChunkLimit:   a.Resolved.TextChunkLimit,
		MarkdownCapable:  false,
		SupportsFileSend: false,
	}
	return outbound.SendText(ctx, tools, sender, text, opts)
}

// SendMedia attempts to deliver req to peer; the AI Robot's only
// outbound primitive is a text content field, so this always degrades
// to outbound.FallbackText.
func (a *Account) SendMedia(ctx context.Context, peer string, req outbound.MediaRequest) error {
	sender := peerChunkSender{account: a, peer: peer}
	opts := outbound.Options{Channel: "wecom", SupportsFileSend: false}
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

func newStreamID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("stream-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func randomNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
