// Package refhost is a minimal, in-memory implementation of
// internal/hostport's interfaces. It exists only so that package tests
// elsewhere in the repo can exercise dispatch, card, and outbound logic
// without a real Host attached. It is not, and must not become, a
// production Host.
package refhost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/hostport"
)

const defaultSessionKey = "agent:main:main"

// Host is the in-memory reference Host. Zero value is usable.
type Host struct {
	mu           sync.Mutex
	bindings     map[string]string // "channel|peer" -> sessionKey
	updatedAt    map[string]time.Time
	Delivered    []DeliveredBlock // records every Deliver call, in order, for assertions
}

// DeliveredBlock records one call to a dispatcher's Deliver method.
type DeliveredBlock struct {
	SessionKey string
	Kind       hostport.DeliverKind
	Content    string
}

// New creates an empty reference host.
func New() *Host {
	return &Host{
		bindings:  make(map[string]string),
		updatedAt: make(map[string]time.Time),
	}
}

// AsHost adapts h to hostport.Host.
func (h *Host) AsHost() hostport.Host {
	return hostport.Host{
		Router:          h,
		SessionStore:    h,
		ReplyDispatcher: h,
		TextTools:       h,
	}
}

func bindingKey(channel, peer string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "|" + strings.TrimSpace(peer)
}

// ResolveAgentRoute returns a stable per-(channel,peer) session key,
// falling back to the default main session when either input is
// empty, mirroring the teacher's own binding-resolution fallback.
func (h *Host) ResolveAgentRoute(ctx context.Context, req hostport.RouteRequest) (hostport.Route, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if req.Channel == "" || req.Peer == "" {
		return hostport.Route{SessionKey: defaultSessionKey, AccountID: req.AccountID}, nil
	}
	key := bindingKey(req.Channel, req.Peer)
	sessionKey, ok := h.bindings[key]
	if !ok {
		sessionKey = fmt.Sprintf("agent:%s:%s", req.Channel, req.Peer)
		h.bindings[key] = sessionKey
	}
	return hostport.Route{SessionKey: sessionKey, AccountID: req.AccountID, MainSessionKey: defaultSessionKey}, nil
}

// ResolveStorePath returns a deterministic path for a session; no file
// is ever actually created by this reference implementation.
func (h *Host) ResolveStorePath(sessionKey string) string {
	return "refhost://sessions/" + sessionKey
}

// ReadSessionUpdatedAt returns the last time RecordInboundSession was
// called for sessionKey.
func (h *Host) ReadSessionUpdatedAt(ctx context.Context, sessionKey string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.updatedAt[sessionKey]
	return t, ok
}

// RecordInboundSession stamps sessionKey's last-activity time.
func (h *Host) RecordInboundSession(ctx context.Context, sessionKey string, env envelope.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updatedAt[sessionKey] = time.Now()
	return nil
}

// CreateReplyDispatcher returns a dispatcher that records every
// delivered block onto h.Delivered, and a markIdle func that is a no-op
// beyond being callable exactly once per dispatch round.
func (h *Host) CreateReplyDispatcher(ctx context.Context, opts hostport.DispatcherOptions) (hostport.BlockDispatcher, func(), error) {
	return &recordingDispatcher{host: h, sessionKey: opts.SessionKey}, func() {}, nil
}

type recordingDispatcher struct {
	host       *Host
	sessionKey string
}

func (d *recordingDispatcher) Deliver(ctx context.Context, kind hostport.DeliverKind, content string) error {
	d.host.mu.Lock()
	defer d.host.mu.Unlock()
	d.host.Delivered = append(d.host.Delivered, DeliveredBlock{SessionKey: d.sessionKey, Kind: kind, Content: content})
	return nil
}

// FormatAgentEnvelope wraps rawBody with a channel/from/previous-ts
// header line, the same shape the teacher's dispatch-facing formatter
// produces for the agent loop.
func (h *Host) FormatAgentEnvelope(channelLabel, from, rawBody string, previous time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", channelLabel, from)
	if !previous.IsZero() {
		fmt.Fprintf(&b, " (since %s)", previous.Format(time.RFC3339))
	}
	b.WriteString(":\n")
	b.WriteString(rawBody)
	return b.String()
}

const (
	defaultChunkMaxTokens  = 512
	estimatedCharsPerToken = 4
)

// ChunkMarkdownText splits text on paragraph boundaries, greedily
// merging adjacent paragraphs so each chunk stays at or under limit
// bytes, applying the requested table-degradation mode first.
func (h *Host) ChunkMarkdownText(text string, limit int, mode hostport.TableMode) []string {
	converted := h.ConvertMarkdownTables(text, mode)
	return chunkByParagraph(converted, limit)
}

// ChunkTextWithMode behaves like ChunkMarkdownText but without the
// table-conversion pass, for callers that have already degraded
// Markdown to plain text.
func (h *Host) ChunkTextWithMode(text string, limit int, mode hostport.TableMode) []string {
	return chunkByParagraph(text, limit)
}

// ResolveTextChunkLimit returns configured if positive, else a
// per-channel default chosen the way §4.I enumerates them.
func (h *Host) ResolveTextChunkLimit(channel string, configured int) int {
	if configured > 0 {
		return configured
	}
	switch channel {
	case "dingtalk":
		return 4000
	case "qqbot":
		return 1500
	default:
		return 2048
	}
}

// ConvertMarkdownTables rewrites "| a | b |" style tables into a
// bulleted list when mode is bullets; otherwise returns text unchanged.
func (h *Host) ConvertMarkdownTables(text string, mode hostport.TableMode) string {
	if mode != hostport.TableModeBullets {
		return text
	}
	lines := strings.Split(text, "\n")
	var out []string
	var header []string
	inTable := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|") {
			cells := splitTableRow(trimmed)
			if !inTable {
				header = cells
				inTable = true
				continue
			}
			if isSeparatorRow(cells) {
				continue
			}
			var parts []string
			for i, cell := range cells {
				label := fmt.Sprintf("col%d", i+1)
				if i < len(header) {
					label = header[i]
				}
				parts = append(parts, fmt.Sprintf("%s: %s", label, cell))
			}
			out = append(out, "- "+strings.Join(parts, ", "))
			continue
		}
		inTable = false
		header = nil
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// ResolveMarkdownTableMode returns the bullet degradation for
// WeCom-family channels and leaves others as native Markdown tables.
func (h *Host) ResolveMarkdownTableMode(channel string) hostport.TableMode {
	switch channel {
	case "wecom", "wecomapp":
		return hostport.TableModeBullets
	default:
		return hostport.TableModeMarkdown
	}
}

func splitTableRow(row string) []string {
	row = strings.TrimPrefix(row, "|")
	row = strings.TrimSuffix(row, "|")
	parts := strings.Split(row, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

// chunkByParagraph is the greedy paragraph-merge chunker, carried over
// verbatim in algorithm (not code) from the reference chunker's
// mergeParts logic: merge adjacent paragraphs until adding the next
// one would exceed limit, then start a new chunk.
func chunkByParagraph(text string, limit int) []string {
	if limit <= 0 {
		limit = defaultChunkMaxTokens * estimatedCharsPerToken
	}
	if len(text) <= limit {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	paragraphs := strings.Split(text, "\n\n")
	return mergeParts(paragraphs, limit, "\n\n")
}

func mergeParts(parts []string, maxChars int, sep string) []string {
	var result []string
	var buf []string
	bufLen := 0

	flush := func() {
		joined := strings.TrimSpace(strings.Join(buf, sep))
		if joined != "" {
			result = append(result, joined)
		}
		buf = buf[:0]
		bufLen = 0
	}

	for _, p := range parts {
		if len(p) > maxChars {
			flush()
			for _, sub := range splitLines(p, maxChars) {
				result = append(result, sub)
			}
			continue
		}
		if bufLen > 0 && bufLen+len(sep)+len(p) > maxChars {
			flush()
		}
		buf = append(buf, p)
		if bufLen > 0 {
			bufLen += len(sep)
		}
		bufLen += len(p)
	}
	flush()
	return result
}

func splitLines(text string, maxChars int) []string {
	if !strings.Contains(text, "\n") {
		var out []string
		for len(text) > maxChars {
			cut := maxChars
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxChars
			}
			out = append(out, text[:cut])
			text = text[cut:]
		}
		return append(out, text)
	}
	lines := strings.Split(text, "\n")
	return mergeParts(lines, maxChars, "\n")
}
