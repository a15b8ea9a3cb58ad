package dispatch

import (
	"context"
	"testing"

	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/hostport"
	"github.com/wendell1224/openclaw-china/internal/hostport/refhost"
)

func TestDispatchResolvesRouteAndFormatsBody(t *testing.T) {
	ref := refhost.New()
	c := New(ref.AsHost())

	env := envelope.Envelope{
		MessageID: "m1",
		SenderID:  "u1",
		PeerID:    "u1",
		RawBody:   "hello there",
		ChatType:  envelope.Direct,
	}

	result, err := c.Dispatch(context.Background(), "dingtalk", "acct1", env, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Route.SessionKey == "" {
		t.Fatalf("expected a resolved session key")
	}
	if result.FormattedBody == "" {
		t.Fatalf("expected a formatted body")
	}
	if result.Dispatcher == nil {
		t.Fatalf("expected a reply dispatcher")
	}
}

func TestDispatchRecordsInboundSessionBeforeDispatcherCreated(t *testing.T) {
	ref := refhost.New()
	c := New(ref.AsHost())

	env := envelope.Envelope{MessageID: "m1", SenderID: "u1", PeerID: "u1", RawBody: "hi"}
	result, err := c.Dispatch(context.Background(), "feishu", "acct1", env, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, ok := ref.ReadSessionUpdatedAt(context.Background(), result.Route.SessionKey); !ok {
		t.Fatalf("expected inbound session to be recorded")
	}
}

func TestDispatchDeliverRoundTrip(t *testing.T) {
	ref := refhost.New()
	c := New(ref.AsHost())

	env := envelope.Envelope{MessageID: "m1", SenderID: "u1", PeerID: "u1", RawBody: "hi"}
	result, err := c.Dispatch(context.Background(), "wecomapp", "acct1", env, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := result.Dispatcher.Deliver(context.Background(), hostport.DeliverFinal, "reply text"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	result.MarkIdle()

	if len(ref.Delivered) != 1 || ref.Delivered[0].Content != "reply text" {
		t.Fatalf("expected delivered reply recorded, got %+v", ref.Delivered)
	}
}
