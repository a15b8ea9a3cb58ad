package wecom

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/hostport/refhost"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testAESKey = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOP1"

func newTestAccount(t *testing.T) *Account {
	t.Helper()
	dir := t.TempDir()
	mediaSvc, err := media.New(filepath.Join(dir, "tmp"), filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("new media service: %v", err)
	}
	host := refhost.New().AsHost()
	return New(
		config.ResolvedAccount{
			Channel:        "wecom",
			AccountID:      "acct1",
			Enabled:        true,
			Configured:     true,
			CanSendActive:  false,
			TextChunkLimit: 2048,
			Policy:         config.ResolvePolicy(config.CommonAccountConfig{}),
		},
		config.WeComAccountConfig{Token: "tok1", EncodingAESKey: testAESKey},
		host,
		mediaSvc,
		testLogger(),
		nil,
	)
}

func TestCanSendActiveIsAlwaysFalse(t *testing.T) {
	a := newTestAccount(t)
	if a.CanSendActive() {
		t.Fatalf("expected wecom ai robot accounts to never support active send")
	}
}

func TestStopWithoutStartDoesNotPanic(t *testing.T) {
	a := newTestAccount(t)
	a.Stop()
}

func TestWebhookPathDefaultsToAccountID(t *testing.T) {
	a := newTestAccount(t)
	if got := a.webhookPath(); got != "/wecom/acct1" {
		t.Fatalf("expected default webhook path keyed by account id, got %q", got)
	}
}

func TestWebhookPathHonorsConfiguredOverride(t *testing.T) {
	a := newTestAccount(t)
	a.Config.WebhookPath = "/custom/path"
	if got := a.webhookPath(); got != "/custom/path" {
		t.Fatalf("expected configured webhook path to win, got %q", got)
	}
}

func TestDispatchAndQueueOpensAPollableStream(t *testing.T) {
	a := newTestAccount(t)
	msg := &inboundMessage{
		MsgID:    "msg1",
		ChatID:   "chat1",
		ChatType: "single",
		From:     fromRef{UserID: "user1"},
	}
	resp := a.dispatchAndQueue(context.Background(), msg, "hello", nil)
	if resp.Stream.Finish {
		t.Fatalf("expected an open stream for a freshly dispatched message")
	}
	if resp.Stream.ID == "" {
		t.Fatalf("expected a non-empty stream id")
	}

	a.taskMu.Lock()
	_, tracked := a.streamTasks[resp.Stream.ID]
	queueLen := len(a.chatTasks["chat1"])
	a.taskMu.Unlock()
	if !tracked {
		t.Fatalf("expected the new task to be tracked by stream id")
	}
	if queueLen != 1 {
		t.Fatalf("expected one queued task for chat1, got %d", queueLen)
	}
}

func TestDispatchAndQueueDeniedByPolicyReturnsNoStream(t *testing.T) {
	a := newTestAccount(t)
	a.Resolved.Policy.GroupPolicy = "disabled"
	msg := &inboundMessage{
		MsgID:    "msg2",
		ChatID:   "group1",
		ChatType: "group",
		From:     fromRef{UserID: "user1"},
	}
	resp := a.dispatchAndQueue(context.Background(), msg, "hello", nil)
	if !resp.Stream.Finish || resp.Stream.ID != "" {
		t.Fatalf("expected a policy-denied message to finish immediately with no stream id, got %+v", resp)
	}
	a.taskMu.Lock()
	n := len(a.streamTasks)
	a.taskMu.Unlock()
	if n != 0 {
		t.Fatalf("expected no task to be created for a denied message")
	}
}

func TestGetStreamResponseUnknownIDFinishesEmpty(t *testing.T) {
	a := newTestAccount(t)
	resp := a.getStreamResponse("missing")
	if !resp.Stream.Finish {
		t.Fatalf("expected an unknown stream id to finish immediately")
	}
}

func TestGetStreamResponseDrainsBufferedAnswer(t *testing.T) {
	a := newTestAccount(t)
	msg := &inboundMessage{MsgID: "msg3", ChatID: "chat3", ChatType: "single", From: fromRef{UserID: "u"}}
	open := a.dispatchAndQueue(context.Background(), msg, "hi", nil)

	if err := a.SendTextChunk(context.Background(), "chat3", "the answer"); err != nil {
		t.Fatalf("send text chunk: %v", err)
	}

	resp := a.getStreamResponse(open.Stream.ID)
	if !resp.Stream.Finish || resp.Stream.Content != "the answer" {
		t.Fatalf("expected the buffered answer to be delivered, got %+v", resp)
	}

	a.taskMu.Lock()
	_, stillTracked := a.streamTasks[open.Stream.ID]
	a.taskMu.Unlock()
	if stillTracked {
		t.Fatalf("expected the task to be dropped from streamTasks once its answer was drained")
	}
}

func TestGetStreamResponseKeepsPollingBeforeDeadline(t *testing.T) {
	a := newTestAccount(t)
	msg := &inboundMessage{MsgID: "msg4", ChatID: "chat4", ChatType: "single", From: fromRef{UserID: "u"}}
	open := a.dispatchAndQueue(context.Background(), msg, "hi", nil)

	resp := a.getStreamResponse(open.Stream.ID)
	if resp.Stream.Finish {
		t.Fatalf("expected the stream to stay open before the deadline and before any answer arrives")
	}
}

func TestGetStreamResponsePastDeadlineClosesWithWaitNotice(t *testing.T) {
	a := newTestAccount(t)
	msg := &inboundMessage{MsgID: "msg5", ChatID: "chat5", ChatType: "single", From: fromRef{UserID: "u"}}
	open := a.dispatchAndQueue(context.Background(), msg, "hi", nil)

	a.taskMu.Lock()
	a.streamTasks[open.Stream.ID].Deadline = time.Now().Add(-time.Second)
	a.taskMu.Unlock()

	resp := a.getStreamResponse(open.Stream.ID)
	if !resp.Stream.Finish || resp.Stream.Content != streamWaitNotice {
		t.Fatalf("expected a past-deadline poll to close with the wait notice, got %+v", resp)
	}

	a.taskMu.Lock()
	_, inStreamTasks := a.streamTasks[open.Stream.ID]
	_, inChatTasks := a.chatTasks["chat5"]
	a.taskMu.Unlock()
	if inStreamTasks {
		t.Fatalf("expected the task to leave streamTasks once its stream is closed")
	}
	if !inChatTasks {
		t.Fatalf("expected the task to remain in chatTasks for a late response_url delivery")
	}
}

func TestSendTextChunkWithNoPendingTaskErrors(t *testing.T) {
	a := newTestAccount(t)
	if err := a.SendTextChunk(context.Background(), "nobody", "hi"); err == nil {
		t.Fatalf("expected an error when no task is queued for the peer")
	}
}

func TestSendTextChunkFallsBackToResponseURLAfterStreamCloses(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := newTestAccount(t)
	msg := &inboundMessage{MsgID: "msg6", ChatID: "chat6", ChatType: "single", From: fromRef{UserID: "u"}, ResponseURL: server.URL}
	open := a.dispatchAndQueue(context.Background(), msg, "hi", nil)

	a.taskMu.Lock()
	a.streamTasks[open.Stream.ID].Deadline = time.Now().Add(-time.Second)
	a.taskMu.Unlock()
	a.getStreamResponse(open.Stream.ID) // forces the stream closed

	if err := a.SendTextChunk(context.Background(), "chat6", "late answer"); err != nil {
		t.Fatalf("send text chunk: %v", err)
	}
	if received == "" {
		t.Fatalf("expected the late answer to be posted to response_url")
	}

	a.taskMu.Lock()
	_, stillQueued := a.chatTasks["chat6"]
	a.taskMu.Unlock()
	if stillQueued {
		t.Fatalf("expected the task to be discarded after its one-time response_url send")
	}
}

func TestCleanupOldTasksRemovesExpiredEntries(t *testing.T) {
	a := newTestAccount(t)
	msg := &inboundMessage{MsgID: "msg7", ChatID: "chat7", ChatType: "single", From: fromRef{UserID: "u"}}
	open := a.dispatchAndQueue(context.Background(), msg, "hi", nil)

	a.taskMu.Lock()
	a.streamTasks[open.Stream.ID].CreatedAt = time.Now().Add(-2 * taskMaxLifetime)
	a.taskMu.Unlock()

	a.cleanupOldTasks()

	a.taskMu.Lock()
	_, inStreamTasks := a.streamTasks[open.Stream.ID]
	_, inChatTasks := a.chatTasks["chat7"]
	a.taskMu.Unlock()
	if inStreamTasks || inChatTasks {
		t.Fatalf("expected an expired task to be fully removed")
	}
}

func TestSendImageVoiceFileAreUnsupported(t *testing.T) {
	a := newTestAccount(t)
	if err := a.SendImage(context.Background(), "/tmp/x.png"); err == nil {
		t.Fatalf("expected SendImage to be unsupported")
	}
	if err := a.SendVoice(context.Background(), "/tmp/x.amr"); err == nil {
		t.Fatalf("expected SendVoice to be unsupported")
	}
	if err := a.SendFile(context.Background(), "/tmp/x.pdf", "x.pdf"); err == nil {
		t.Fatalf("expected SendFile to be unsupported")
	}
}

func TestSendMediaFallsBackToFallbackText(t *testing.T) {
	a := newTestAccount(t)
	msg := &inboundMessage{MsgID: "msg8", ChatID: "chat8", ChatType: "single", From: fromRef{UserID: "u"}}
	open := a.dispatchAndQueue(context.Background(), msg, "hi", nil)

	req := outbound.MediaRequest{Kind: "image", LocalPath: "/tmp/x.png", SourceURL: "http://x/x.png"}
	if err := a.SendMedia(context.Background(), "chat8", req); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}

	resp := a.getStreamResponse(open.Stream.ID)
	if !resp.Stream.Finish || resp.Stream.Content != outbound.FallbackText("http://x/x.png") {
		t.Fatalf("expected the fallback text to be delivered, got %+v", resp)
	}
}

func TestVerificationHandshakeRoundTrip(t *testing.T) {
	a := newTestAccount(t)
	encrypted, err := a.encryptReply(`{"hello":"world"}`)
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	if encrypted.Encrypt == "" || encrypted.MsgSignature == "" {
		t.Fatalf("expected a populated encrypted response, got %+v", encrypted)
	}
}
