package feishu

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/hostport/refhost"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccount(t *testing.T, cfg config.FeishuAccountConfig) *Account {
	t.Helper()
	dir := t.TempDir()
	mediaSvc, err := media.New(filepath.Join(dir, "tmp"), filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("new media service: %v", err)
	}
	host := refhost.New().AsHost()
	return New(
		config.ResolvedAccount{
			Channel:        "feishu",
			AccountID:      "acct1",
			Enabled:        true,
			Configured:     true,
			CanSendActive:  true,
			TextChunkLimit: 2000,
		},
		cfg,
		host,
		mediaSvc,
		testLogger(),
	)
}

func TestCanSendActiveReflectsResolvedAccount(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	if !a.CanSendActive() {
		t.Fatalf("expected CanSendActive to mirror the resolved account")
	}
}

func TestStopWithoutStartDoesNotPanic(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	a.Stop()
}

func TestCachePeerSelectsChatIdForGroup(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	a.cachePeer("oc_chat1", "om_msg1", envelope.Group)

	ref, ok := a.lookupPeer("oc_chat1")
	if !ok {
		t.Fatalf("expected peer to be cached")
	}
	if ref.receiveType != larkim.ReceiveIdTypeChatId {
		t.Fatalf("expected chat_id receive type for a group chat, got %s", ref.receiveType)
	}
	if ref.messageID != "om_msg1" {
		t.Fatalf("expected cached message id om_msg1, got %s", ref.messageID)
	}
}

func TestCachePeerSelectsOpenIdForDirect(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	a.cachePeer("ou_user1", "om_msg2", envelope.Direct)

	ref, ok := a.lookupPeer("ou_user1")
	if !ok {
		t.Fatalf("expected peer to be cached")
	}
	if ref.receiveType != larkim.ReceiveIdTypeOpenId {
		t.Fatalf("expected open_id receive type for a direct chat, got %s", ref.receiveType)
	}
}

func TestCachePeerIgnoresEmptyChatID(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	a.cachePeer("", "om_msg3", envelope.Direct)
	if len(a.peers) != 0 {
		t.Fatalf("expected no peer cached for an empty chat id")
	}
}

func TestLookupPeerMissingReturnsFalse(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	if _, ok := a.lookupPeer("unknown"); ok {
		t.Fatalf("expected no cached peer for an unrelated key")
	}
}

func TestExtractBodyText(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	body, attachments := a.extractBody(context.Background(), larkim.MsgTypeText, map[string]interface{}{"text": "hello there"}, "om_msg1")
	if body != "hello there" {
		t.Fatalf("expected plain text body, got %q", body)
	}
	if len(attachments) != 0 {
		t.Fatalf("expected no attachments for a text message")
	}
}

func TestExtractBodyPost(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	contentMap := map[string]interface{}{
		"content": []interface{}{
			[]interface{}{
				map[string]interface{}{"tag": "text", "text": "line one"},
			},
			[]interface{}{
				map[string]interface{}{"tag": "text", "text": "line two"},
			},
		},
	}
	body, _ := a.extractBody(context.Background(), larkim.MsgTypePost, contentMap, "om_msg1")
	if body != "line one line two" {
		t.Fatalf("expected joined post text, got %q", body)
	}
}

func TestExtractBodyImageWithoutClientFallsBackGracefully(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	body, attachments := a.extractBody(context.Background(), larkim.MsgTypeImage, map[string]interface{}{"image_key": "img_key_1"}, "om_msg1")
	if len(attachments) != 1 {
		t.Fatalf("expected one attachment record even on download failure, got %d", len(attachments))
	}
	if attachments[0].Kind != envelope.Image || attachments[0].Source != "img_key_1" {
		t.Fatalf("unexpected attachment record: %+v", attachments[0])
	}
	if attachments[0].SavedPath != "" {
		t.Fatalf("expected no saved path when the client was never started")
	}
	if body == "" {
		t.Fatalf("expected a failure splice to be appended to the body")
	}
}

func TestExtractBodyUnknownMsgTypeReturnsEmpty(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	body, attachments := a.extractBody(context.Background(), "sticker", map[string]interface{}{}, "om_msg1")
	if body != "" || len(attachments) != 0 {
		t.Fatalf("expected an unhandled msgtype to produce nothing, got body=%q attachments=%d", body, len(attachments))
	}
}

func TestIsBotMentionedViaMentionsArray(t *testing.T) {
	mentions := []*larkim.MentionEvent{{}}
	if !isBotMentioned(map[string]interface{}{}, mentions) {
		t.Fatalf("expected a non-empty mentions array to count as mentioned")
	}
}

func TestIsBotMentionedViaAtTagInContent(t *testing.T) {
	contentMap := map[string]interface{}{
		"content": []interface{}{
			[]interface{}{
				map[string]interface{}{"tag": "at", "user_id": "ou_bot"},
			},
		},
	}
	if !isBotMentioned(contentMap, nil) {
		t.Fatalf("expected an at-tag inside rich content to count as mentioned")
	}
}

func TestIsBotMentionedFalseWhenNoneFound(t *testing.T) {
	if isBotMentioned(map[string]interface{}{"text": "plain message"}, nil) {
		t.Fatalf("expected a plain message with no mentions to not count as mentioned")
	}
}

func TestExtractPostTextJoinsLines(t *testing.T) {
	contentMap := map[string]interface{}{
		"content": []interface{}{
			[]interface{}{
				map[string]interface{}{"tag": "text", "text": "  first  "},
				map[string]interface{}{"tag": "at", "user_id": "ou_bot"},
			},
			[]interface{}{
				map[string]interface{}{"tag": "text", "text": "second"},
			},
		},
	}
	got := extractPostText(contentMap)
	if got != "first second" {
		t.Fatalf("expected trimmed, joined text, got %q", got)
	}
}

func TestPtrStrNilAndValue(t *testing.T) {
	if got := ptrStr(nil); got != "" {
		t.Fatalf("expected empty string for a nil pointer, got %q", got)
	}
	v := "hello"
	if got := ptrStr(&v); got != "hello" {
		t.Fatalf("expected dereferenced value, got %q", got)
	}
}

func TestBuildCardContentConvertsHeadingToBold(t *testing.T) {
	content, err := buildCardContent("# Title\nbody text")
	if err != nil {
		t.Fatalf("buildCardContent: %v", err)
	}
	for _, want := range []string{"**Title**", "lark_md", "body text"} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected card content to contain %q, got %s", want, content)
		}
	}
}

func TestSendTextChunkErrorsWithoutClient(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	if err := a.SendTextChunk(context.Background(), "oc_chat1", "hi"); err == nil {
		t.Fatalf("expected an error when the websocket client was never started")
	}
}

func TestSendChunkedErrorsWithoutClient(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	host := refhost.New().AsHost()
	if err := a.SendChunked(context.Background(), host.TextTools, "oc_chat1", "hello world"); err == nil {
		t.Fatalf("expected an error when the websocket client was never started")
	}
}

func TestSendImageVoiceFileAreUnsupported(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
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

func TestSendMediaWithoutClientErrors(t *testing.T) {
	a := newTestAccount(t, config.FeishuAccountConfig{AppID: "app1", AppSecret: "secret1"})
	req := outbound.MediaRequest{Kind: "image", LocalPath: "/tmp/x.png", SourceURL: "http://x/x.png"}
	if err := a.SendMedia(context.Background(), "oc_chat1", req); err == nil {
		t.Fatalf("expected SendMedia to error when its fallback text also has no client to send through")
	}
}
