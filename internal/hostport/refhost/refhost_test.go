package refhost

import (
	"context"
	"strings"
	"testing"

	"github.com/wendell1224/openclaw-china/internal/hostport"
)

func TestResolveAgentRouteStableAcrossCalls(t *testing.T) {
	h := New()
	ctx := context.Background()

	first, err := h.ResolveAgentRoute(ctx, hostport.RouteRequest{Channel: "dingtalk", Peer: "u1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := h.ResolveAgentRoute(ctx, hostport.RouteRequest{Channel: "dingtalk", Peer: "u1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.SessionKey != second.SessionKey {
		t.Fatalf("expected stable session key, got %q then %q", first.SessionKey, second.SessionKey)
	}
}

func TestResolveAgentRouteFallsBackToMainSession(t *testing.T) {
	h := New()
	route, err := h.ResolveAgentRoute(context.Background(), hostport.RouteRequest{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if route.SessionKey != defaultSessionKey {
		t.Fatalf("expected default session key for empty request, got %q", route.SessionKey)
	}
}

func TestCreateReplyDispatcherRecordsDelivered(t *testing.T) {
	h := New()
	dispatcher, markIdle, err := h.CreateReplyDispatcher(context.Background(), hostport.DispatcherOptions{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("create dispatcher: %v", err)
	}
	if err := dispatcher.Deliver(context.Background(), hostport.DeliverFinal, "hello"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	markIdle()

	if len(h.Delivered) != 1 || h.Delivered[0].Content != "hello" {
		t.Fatalf("expected one recorded delivery, got %+v", h.Delivered)
	}
}

func TestChunkMarkdownTextRespectsLimit(t *testing.T) {
	h := New()
	text := strings.Repeat("word ", 50) + "\n\n" + strings.Repeat("more ", 50)
	chunks := h.ChunkMarkdownText(text, 100, hostport.TableModeMarkdown)
	for _, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk exceeds limit: %d bytes", len(c))
		}
	}
	if len(chunks) < 2 {
		t.Fatalf("expected text longer than limit to split into multiple chunks, got %d", len(chunks))
	}
}

func TestConvertMarkdownTablesToBullets(t *testing.T) {
	h := New()
	table := "| name | age |\n| --- | --- |\n| a | 1 |\n| b | 2 |"
	got := h.ConvertMarkdownTables(table, hostport.TableModeBullets)
	if strings.Contains(got, "|") {
		t.Fatalf("expected no pipe characters left after bullet conversion, got %q", got)
	}
	if !strings.Contains(got, "name: a") || !strings.Contains(got, "age: 2") {
		t.Fatalf("expected header labels carried into bullets, got %q", got)
	}
}

func TestResolveTextChunkLimitDefaultsPerChannel(t *testing.T) {
	h := New()
	if got := h.ResolveTextChunkLimit("dingtalk", 0); got != 4000 {
		t.Errorf("dingtalk default = %d, want 4000", got)
	}
	if got := h.ResolveTextChunkLimit("qqbot", 0); got != 1500 {
		t.Errorf("qqbot default = %d, want 1500", got)
	}
	if got := h.ResolveTextChunkLimit("wecom", 999); got != 999 {
		t.Errorf("configured override = %d, want 999", got)
	}
}
