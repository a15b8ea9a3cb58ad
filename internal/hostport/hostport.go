// Package hostport declares the narrow set of capabilities the gateway
// core requires from the surrounding Host runtime (§6 "Host runtime
// port"). The core never implements a Host; it only depends on these
// interfaces, which a real Host satisfies in production and which
// internal/hostport/refhost satisfies for package tests.
package hostport

import (
	"context"
	"time"

	"github.com/wendell1224/openclaw-china/internal/envelope"
)

// RouteRequest is the input to Router.ResolveAgentRoute.
type RouteRequest struct {
	Channel   string
	AccountID string
	Peer      string
}

// Route is the resolved agent-routing decision for one conversation.
type Route struct {
	SessionKey     string
	AccountID      string
	AgentID        string
	MainSessionKey string
}

// Router resolves which agent session a given (channel, account, peer)
// tuple routes to.
type Router interface {
	ResolveAgentRoute(ctx context.Context, req RouteRequest) (Route, error)
}

// SessionStore is the Host's session bookkeeping surface, used to
// timestamp dispatch rounds and record inbound activity.
type SessionStore interface {
	ResolveStorePath(sessionKey string) string
	ReadSessionUpdatedAt(ctx context.Context, sessionKey string) (time.Time, bool)
	RecordInboundSession(ctx context.Context, sessionKey string, env envelope.Envelope) error
}

// DeliverKind distinguishes the three reply-stream phases a block
// dispatcher's deliver callback is invoked with.
type DeliverKind string

const (
	DeliverTyping DeliverKind = "typing"
	DeliverInterim DeliverKind = "interim"
	DeliverFinal   DeliverKind = "final"
)

// DispatcherOptions configures one reply dispatcher for one inbound
// message.
type DispatcherOptions struct {
	SessionKey    string
	Channel       string
	AccountID     string
	Peer          string
	ReplyFinalOnly bool
}

// BlockDispatcher receives streamed reply blocks from the agent loop
// and is responsible for chunking and sending each one.
type BlockDispatcher interface {
	Deliver(ctx context.Context, kind DeliverKind, content string) error
}

// ReplyDispatcher is the Host's reply-plumbing surface.
type ReplyDispatcher interface {
	CreateReplyDispatcher(ctx context.Context, opts DispatcherOptions) (dispatcher BlockDispatcher, markIdle func(), err error)
	FormatAgentEnvelope(channelLabel, from, rawBody string, previous time.Time) string
}

// TableMode controls how the text tools degrade Markdown tables.
type TableMode string

const (
	TableModeMarkdown TableMode = "markdown"
	TableModeBullets  TableMode = "bullets"
)

// TextTools is the Host's markdown-chunking and table-conversion
// surface (§4.I), shared across every channel's outbound sender.
type TextTools interface {
	ChunkMarkdownText(text string, limit int, mode TableMode) []string
	ChunkTextWithMode(text string, limit int, mode TableMode) []string
	ResolveTextChunkLimit(channel string, configured int) int
	ConvertMarkdownTables(text string, mode TableMode) string
	ResolveMarkdownTableMode(channel string) TableMode
}

// Host composes every capability the core consumes from its runtime.
// Production wiring constructs one Host from the real application;
// tests construct one from internal/hostport/refhost.
type Host struct {
	Router
	SessionStore
	ReplyDispatcher
	TextTools
}
