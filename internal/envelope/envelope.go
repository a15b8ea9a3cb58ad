// Package envelope defines the channel-neutral inbound message shape
// every transport normalizes platform payloads into before handing them
// to the dispatch coordinator.
package envelope

import "time"

// ChatType distinguishes a direct conversation from a group one.
type ChatType string

const (
	Direct ChatType = "direct"
	Group  ChatType = "group"
)

// AttachmentKind classifies a media attachment for delivery purposes.
type AttachmentKind string

const (
	Image AttachmentKind = "image"
	Voice AttachmentKind = "voice"
	Video AttachmentKind = "video"
	File  AttachmentKind = "file"
)

// Attachment is one inbound media reference, already downloaded and
// archived by the media service by the time it is attached here.
type Attachment struct {
	Kind       AttachmentKind
	Source     string // platform media id or URL this was fetched from
	SavedPath  string // absolute path under the archive, "" if not archived
	Transcript string // ASR transcript, voice attachments only
}

// Envelope is the channel-neutral inbound message (§3 InboundEnvelope).
//
// Invariant: MessageID is non-empty and unique within an account's
// retention window; Body is always valid UTF-8.
type Envelope struct {
	MessageID   string
	Timestamp   time.Time
	ChatType    ChatType
	SenderID    string
	SenderName  string
	PeerID      string
	Body        string
	RawBody     string
	Attachments []Attachment
	WasMentioned bool
	Channel     string
	AccountID   string
	MessageSid  string
}

// ShouldDispatch implements the §8 boundary rule: an envelope with an
// empty body and no attachments is still dispatched iff it was mentioned
// or the conversation is a direct message.
func (e Envelope) ShouldDispatch() bool {
	if e.Body != "" || len(e.Attachments) > 0 {
		return true
	}
	return e.WasMentioned || e.ChatType == Direct
}
