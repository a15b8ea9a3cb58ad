package dingtalk

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/hostport/refhost"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccount(t *testing.T, pol config.Policy) *Account {
	t.Helper()
	dir := t.TempDir()
	mediaSvc, err := media.New(filepath.Join(dir, "tmp"), filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("new media service: %v", err)
	}
	host := refhost.New().AsHost()
	a := New(
		config.ResolvedAccount{
			Channel:        "dingtalk",
			AccountID:      "acct1",
			Enabled:        true,
			Configured:     true,
			CanSendActive:  false,
			Policy:         pol,
			TextChunkLimit: 2000,
		},
		config.DingTalkAccountConfig{ClientID: "cid", ClientSecret: "secret", RobotCode: "robot1"},
		host,
		mediaSvc,
		testLogger(),
	)
	return a
}

// unmarshalCallback builds a *chatbot.BotCallbackDataModel the same way
// the SDK does, from the wire JSON DingTalk actually sends, rather than
// constructing its Go fields by hand.
func unmarshalCallback(t *testing.T, body string) *chatbot.BotCallbackDataModel {
	t.Helper()
	var msg chatbot.BotCallbackDataModel
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("unmarshal callback fixture: %v", err)
	}
	return &msg
}

func directTextCallback(content string) string {
	return `{
		"conversationId": "conv1",
		"conversationType": "1",
		"senderStaffId": "user1",
		"senderNick": "Alice",
		"msgId": "msg1",
		"msgtype": "text",
		"sessionWebhook": "https://oapi.dingtalk.com/robot/sendBySession?session=abc123",
		"text": {"content": "` + content + `"}
	}`
}

func TestSeenDeduplicatesWithinWindow(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	if a.seen("k1") {
		t.Fatalf("first occurrence should not be seen")
	}
	if !a.seen("k1") {
		t.Fatalf("second occurrence within window should be deduped")
	}
}

func TestStoreAndLookupWebhookBothKeys(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	a.storeWebhook("conv1", "https://example.com/hook", 0)
	a.storeWebhook("user1", "https://example.com/hook", 0)

	for _, key := range []string{"conv1", "user1"} {
		url, ok := a.lookupWebhook(key)
		if !ok || url != "https://example.com/hook" {
			t.Fatalf("expected webhook cached under %q, got %q ok=%v", key, url, ok)
		}
	}
	if _, ok := a.lookupWebhook("unknown"); ok {
		t.Fatalf("expected no webhook cached for an unrelated key")
	}
}

func TestLookupWebhookExpires(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	a.storeWebhook("conv1", "https://example.com/hook", time.Now().Add(-time.Minute).UnixMilli())
	if _, ok := a.lookupWebhook("conv1"); ok {
		t.Fatalf("expected an already-expired webhook to be dropped")
	}
}

func TestHandleCallbackDedupesSameMsgID(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	msg := unmarshalCallback(t, directTextCallback("hello"))

	a.handleCallback(context.Background(), msg)
	a.handleCallback(context.Background(), msg)

	if len(a.dedup) != 1 {
		t.Fatalf("expected exactly one dedup entry, got %d", len(a.dedup))
	}
}

func TestHandleCallbackCachesSessionWebhookUnderBothKeys(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	msg := unmarshalCallback(t, directTextCallback("hello"))
	a.handleCallback(context.Background(), msg)

	if _, ok := a.lookupWebhook("conv1"); !ok {
		t.Fatalf("expected webhook cached under conversationId")
	}
	if _, ok := a.lookupWebhook("user1"); !ok {
		t.Fatalf("expected webhook cached under senderStaffId")
	}
}

func TestHandleCallbackPolicyDeniedNeverDispatches(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "disabled"})
	msg := unmarshalCallback(t, directTextCallback("hello"))

	a.handleCallback(context.Background(), msg)

	if len(a.dedup) != 1 {
		t.Fatalf("expected the message to still be marked seen even when policy denies it")
	}
}

func TestMediaKindAndCodePicture(t *testing.T) {
	msg := unmarshalCallback(t, `{
		"msgtype": "picture",
		"content": {"downloadCode": "code123"}
	}`)
	kind, code := mediaKindAndCode(msg)
	if kind != "image" || code != "code123" {
		t.Fatalf("expected image/code123, got %s/%s", kind, code)
	}
}

func TestMediaKindAndCodeTextReturnsEmpty(t *testing.T) {
	msg := unmarshalCallback(t, directTextCallback("hi"))
	kind, code := mediaKindAndCode(msg)
	if kind != "" || code != "" {
		t.Fatalf("expected no media kind for a plain text message, got %s/%s", kind, code)
	}
}

func TestDeriveMessageIDFallsBackWhenMissing(t *testing.T) {
	msg := unmarshalCallback(t, `{"conversationId": "conv9"}`)
	id := deriveMessageID(msg)
	if !strings.HasPrefix(id, "conv9_") {
		t.Fatalf("expected a conversation-derived fallback id, got %q", id)
	}
}

func TestPostToWebhookSendsMarkdownForMarkdownishBody(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	if err := a.postToWebhook(context.Background(), server.URL, "# heading\nbody"); err != nil {
		t.Fatalf("postToWebhook: %v", err)
	}
	if received["msgtype"] != "markdown" {
		t.Fatalf("expected markdown msgtype, got %v", received["msgtype"])
	}
}

func TestPostToWebhookSendsPlainTextOtherwise(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	if err := a.postToWebhook(context.Background(), server.URL, "just plain text"); err != nil {
		t.Fatalf("postToWebhook: %v", err)
	}
	if received["msgtype"] != "text" {
		t.Fatalf("expected text msgtype, got %v", received["msgtype"])
	}
}

func TestSendTextChunkRoutesThroughCachedWebhook(t *testing.T) {
	var mu sync.Mutex
	var gotContent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		if text, ok := body["text"].(map[string]interface{}); ok {
			gotContent, _ = text["content"].(string)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	a.storeWebhook("peer1", server.URL, 0)

	if err := a.SendTextChunk(context.Background(), "peer1", "plain reply"); err != nil {
		t.Fatalf("SendTextChunk: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotContent != "plain reply" {
		t.Fatalf("expected reply content to reach the cached webhook, got %q", gotContent)
	}
}

func TestSendTextChunkWithoutCachedWebhookErrors(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	if err := a.SendTextChunk(context.Background(), "unknown-peer", "hi"); err == nil {
		t.Fatalf("expected an error when no session webhook is cached")
	}
}

func TestSendImageVoiceFileAreUnsupported(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
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
	var mu sync.Mutex
	var gotContent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		if text, ok := body["text"].(map[string]interface{}); ok {
			gotContent, _ = text["content"].(string)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	a.storeWebhook("peer1", server.URL, 0)

	err := a.SendMedia(context.Background(), "peer1", outbound.MediaRequest{Kind: "image", LocalPath: "/tmp/x.png", SourceURL: "http://x/x.png"})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotContent != outbound.FallbackText("http://x/x.png") {
		t.Fatalf("expected fallback text, got %q", gotContent)
	}
}

func TestRobotCodeOrDefaultFallsBackToClientID(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	if got := a.robotCodeOrDefault(); got != "robot1" {
		t.Fatalf("expected configured robotCode, got %s", got)
	}
	a.Config.RobotCode = ""
	if got := a.robotCodeOrDefault(); got != "cid" {
		t.Fatalf("expected fallback to clientId, got %s", got)
	}
}

func TestCanSendActiveReflectsResolvedAccount(t *testing.T) {
	a := newTestAccount(t, config.Policy{DMPolicy: "open"})
	if a.CanSendActive() {
		t.Fatalf("DingTalk chatbot accounts have no active-send API, expected CanSendActive=false")
	}
}
