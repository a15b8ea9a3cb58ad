// Package dispatch implements the §4.H coordinator: the fixed
// sequence every inbound envelope goes through between a transport
// handing it off and the Host's agent loop taking over reply
// streaming.
package dispatch

import (
	"context"
	"fmt"

	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/hostport"
)

// Result is everything a transport needs after a successful dispatch:
// the resolved route, the agent-facing formatted body, and a reply
// dispatcher to stream the agent's response back through.
type Result struct {
	Route         hostport.Route
	FormattedBody string
	Dispatcher    hostport.BlockDispatcher
	MarkIdle      func()
}

// ChannelLabel maps an internal channel id to the human label the
// Host's envelope formatter prefixes replies with.
var ChannelLabel = map[string]string{
	"dingtalk": "DingTalk",
	"feishu":   "Feishu",
	"wecom":    "WeCom",
	"wecomapp": "WeCom",
	"qqbot":    "QQ",
}

// Coordinator runs the dispatch sequence against an injected Host.
type Coordinator struct {
	Host hostport.Host
}

// New builds a Coordinator bound to host.
func New(host hostport.Host) *Coordinator {
	return &Coordinator{Host: host}
}

// Dispatch executes, in order: resolve route, read the session's
// last-updated timestamp, record the inbound entry, format the
// agent-facing envelope, and obtain a reply dispatcher (§4.H steps
// 1-5). Step 6 (marking the dispatcher idle on completion) is the
// caller's responsibility once reply streaming finishes, via
// Result.MarkIdle.
func (c *Coordinator) Dispatch(ctx context.Context, channel, accountID string, env envelope.Envelope, replyFinalOnly bool) (*Result, error) {
	route, err := c.Host.ResolveAgentRoute(ctx, hostport.RouteRequest{
		Channel:   channel,
		AccountID: accountID,
		Peer:      env.PeerID,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve agent route: %w", err)
	}

	previous, _ := c.Host.ReadSessionUpdatedAt(ctx, route.SessionKey)

	if err := c.Host.RecordInboundSession(ctx, route.SessionKey, env); err != nil {
		return nil, fmt.Errorf("record inbound session: %w", err)
	}

	label := ChannelLabel[channel]
	if label == "" {
		label = channel
	}
	from := env.SenderName
	if from == "" {
		from = env.SenderID
	}
	formatted := c.Host.FormatAgentEnvelope(label, from, env.RawBody, previous)

	dispatcher, markIdle, err := c.Host.CreateReplyDispatcher(ctx, hostport.DispatcherOptions{
		SessionKey:     route.SessionKey,
		Channel:        channel,
		AccountID:      accountID,
		Peer:           env.PeerID,
		ReplyFinalOnly: replyFinalOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("create reply dispatcher: %w", err)
	}

	return &Result{
		Route:         route,
		FormattedBody: formatted,
		Dispatcher:    dispatcher,
		MarkIdle:      markIdle,
	}, nil
}
