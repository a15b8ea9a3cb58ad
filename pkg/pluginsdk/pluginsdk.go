// Package pluginsdk defines the surface a channel plug-in exposes to
// the Host: identity and capability metadata a Host can introspect
// without type-switching, plus the config, directory, outbound, and
// gateway operations the Host drives the plug-in through.
package pluginsdk

import (
	"context"
	"encoding/json"
)

// Meta describes a plug-in for display in a Host's account/onboarding
// UI.
type Meta struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// Capabilities declares what a plug-in's channel can and cannot do,
// so a Host can gray out unsupported actions instead of discovering
// the limitation from a runtime error.
type Capabilities struct {
	ChatTypes  []string `json:"chatTypes"` // any of "direct", "group"
	Media      bool     `json:"media"`
	Reply      bool     `json:"reply"`
	ActiveSend bool     `json:"activeSend"`
}

// AccountSummary is one configured account's status, for a Host's
// account list view.
type AccountSummary struct {
	AccountID     string `json:"accountId"`
	Enabled       bool   `json:"enabled"`
	Configured    bool   `json:"configured"`
	CanSendActive bool   `json:"canSendActive"`
	Running       bool   `json:"running"`
	LastError     string `json:"error,omitempty"`
}

// Target is the structured shape a raw directory string resolves to.
type Target struct {
	AccountID string `json:"accountId"`
	To        string `json:"to"`
	IsGroup   bool   `json:"isGroup"`
}

// MediaRequest describes one outbound attachment.
type MediaRequest struct {
	Kind      string `json:"kind"` // "image", "voice", "video", "file"
	LocalPath string `json:"localPath"`
	FileName  string `json:"fileName,omitempty"`
	Caption   string `json:"caption,omitempty"`
	SourceURL string `json:"sourceUrl,omitempty"`
}

// ConfigPort lists and mutates a plug-in's configured accounts.
type ConfigPort interface {
	ListAccounts() []AccountSummary
	ResolveAccount(accountID string) (AccountSummary, error)
	SetEnabled(accountID string, enabled bool) error
	DeleteAccount(accountID string) error
}

// DirectoryPort resolves free-form target strings into account-scoped
// send destinations.
type DirectoryPort interface {
	CanResolve(raw string) bool
	ResolveTarget(raw string) (Target, error)
	ResolveTargets(raws []string) ([]Target, error)
	GetTargetFormats() []string
}

// OutboundPort sends a reply or an attachment to an already-resolved
// target.
type OutboundPort interface {
	SendText(ctx context.Context, accountID, to string, isGroup bool, text string) error
	SendMedia(ctx context.Context, accountID, to string, isGroup bool, req MediaRequest) error
}

// GatewayPort starts and stops one account's ingress task.
type GatewayPort interface {
	StartAccount(ctx context.Context, accountID string) error
	StopAccount(accountID string) error
}

// Channel is the full surface a channel plug-in exposes to the Host.
type Channel interface {
	ID() string
	Meta() Meta
	Capabilities() Capabilities
	ConfigSchema() json.RawMessage
	Config() ConfigPort
	Directory() DirectoryPort
	Outbound() OutboundPort
	Gateway() GatewayPort
}
