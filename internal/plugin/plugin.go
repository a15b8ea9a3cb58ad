// Package plugin assembles each transport's Account type into the
// pluginsdk.Channel surface a Host drives (SPEC_FULL.md §6): one
// channelPlugin per platform, holding every configured account behind
// a shared ConfigPort/DirectoryPort/OutboundPort/GatewayPort
// implementation so the five transports don't each reimplement the
// same account bookkeeping.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/directory"
	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/lifecycle"
	"github.com/wendell1224/openclaw-china/internal/outbound"
	"github.com/wendell1224/openclaw-china/pkg/pluginsdk"
)

// account is one configured (channel, accountId)'s wiring: the
// concrete transport Account behind lifecycle.Manager's narrow
// interface, plus the two send operations the outbound port dispatches
// through once a target has been resolved.
type account struct {
	resolved  config.ResolvedAccount
	runtime   lifecycle.Account
	sendText  func(ctx context.Context, to string, isGroup bool, text string) error
	sendMedia func(ctx context.Context, to string, isGroup bool, req pluginsdk.MediaRequest) error
}

// channelPlugin implements pluginsdk.Channel and every sub-port over a
// fixed set of accounts resolved once at startup. persistEnabled and
// removeAccount, when non-nil, write the mutation back to the
// on-disk config so it survives a restart. persistEnabled creates the
// account's override entry when none is stored yet; removeAccount
// returns an error for an account with no stored override to remove
// (the channel's implicit default account, which has no entry in its
// Accounts map).
type channelPlugin struct {
	channel string
	meta    pluginsdk.Meta
	caps    pluginsdk.Capabilities
	schema  json.RawMessage
	mgr     *lifecycle.Manager

	mu       sync.Mutex
	accounts map[string]*account

	persistEnabled func(accountID string, enabled bool) error
	removeAccount  func(accountID string) error
}

func (c *channelPlugin) ID() string                            { return c.channel }
func (c *channelPlugin) Meta() pluginsdk.Meta                   { return c.meta }
func (c *channelPlugin) Capabilities() pluginsdk.Capabilities   { return c.caps }
func (c *channelPlugin) ConfigSchema() json.RawMessage          { return c.schema }
func (c *channelPlugin) Config() pluginsdk.ConfigPort           { return c }
func (c *channelPlugin) Directory() pluginsdk.DirectoryPort     { return c }
func (c *channelPlugin) Outbound() pluginsdk.OutboundPort       { return c }
func (c *channelPlugin) Gateway() pluginsdk.GatewayPort         { return c }

// ListAccounts implements pluginsdk.ConfigPort.
func (c *channelPlugin) ListAccounts() []pluginsdk.AccountSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pluginsdk.AccountSummary, 0, len(c.accounts))
	for id, a := range c.accounts {
		out = append(out, c.summaryLocked(id, a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (c *channelPlugin) summaryLocked(id string, a *account) pluginsdk.AccountSummary {
	return pluginsdk.AccountSummary{
		AccountID:     id,
		Enabled:       a.resolved.Enabled,
		Configured:    a.resolved.Configured,
		CanSendActive: a.resolved.CanSendActive,
		Running:       c.mgr.IsRunning(c.channel, id),
	}
}

// ResolveAccount implements pluginsdk.ConfigPort.
func (c *channelPlugin) ResolveAccount(accountID string) (pluginsdk.AccountSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[accountID]
	if !ok {
		return pluginsdk.AccountSummary{}, fmt.Errorf("%s: unknown account %q", c.channel, accountID)
	}
	return c.summaryLocked(accountID, a), nil
}

// SetEnabled implements pluginsdk.ConfigPort: it flips the in-memory
// flag, starts or stops the account's lifecycle task to match, and
// persists the change if this plug-in was built with a persist
// closure.
func (c *channelPlugin) SetEnabled(accountID string, enabled bool) error {
	c.mu.Lock()
	a, ok := c.accounts[accountID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: unknown account %q", c.channel, accountID)
	}
	a.resolved.Enabled = enabled
	c.mu.Unlock()

	if !enabled {
		if err := c.mgr.StopAccount(c.channel, accountID); err != nil {
			return err
		}
	} else if !c.mgr.IsRunning(c.channel, accountID) {
		if err := c.mgr.StartAccount(c.channel, accountID, a.runtime); err != nil {
			return err
		}
	}
	if c.persistEnabled != nil {
		return c.persistEnabled(accountID, enabled)
	}
	return nil
}

// DeleteAccount implements pluginsdk.ConfigPort.
func (c *channelPlugin) DeleteAccount(accountID string) error {
	c.mu.Lock()
	_, ok := c.accounts[accountID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: unknown account %q", c.channel, accountID)
	}
	_ = c.mgr.StopAccount(c.channel, accountID)

	if c.removeAccount != nil {
		if err := c.removeAccount(accountID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	delete(c.accounts, accountID)
	c.mu.Unlock()
	return nil
}

// CanResolve implements pluginsdk.DirectoryPort.
func (c *channelPlugin) CanResolve(raw string) bool {
	return directory.CanResolve(raw, c.channel)
}

// ResolveTarget implements pluginsdk.DirectoryPort.
func (c *channelPlugin) ResolveTarget(raw string) (pluginsdk.Target, error) {
	t := directory.Resolve(raw)
	if t.To == "" {
		return pluginsdk.Target{}, fmt.Errorf("%s: cannot resolve target %q", c.channel, raw)
	}
	return c.toTarget(t), nil
}

// ResolveTargets implements pluginsdk.DirectoryPort.
func (c *channelPlugin) ResolveTargets(raws []string) ([]pluginsdk.Target, error) {
	resolved := directory.ResolveAll(raws)
	out := make([]pluginsdk.Target, 0, len(resolved))
	for _, t := range resolved {
		out = append(out, c.toTarget(t))
	}
	return out, nil
}

func (c *channelPlugin) toTarget(t directory.Target) pluginsdk.Target {
	accountID := t.AccountID
	if accountID == "" {
		accountID = c.defaultAccountID()
	}
	return pluginsdk.Target{AccountID: accountID, To: t.To, IsGroup: t.IsGroup}
}

func (c *channelPlugin) defaultAccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts["default"]; ok {
		return "default"
	}
	for id := range c.accounts {
		return id
	}
	return "default"
}

// GetTargetFormats implements pluginsdk.DirectoryPort.
func (c *channelPlugin) GetTargetFormats() []string {
	return directory.TargetFormats()
}

// SendText implements pluginsdk.OutboundPort.
func (c *channelPlugin) SendText(ctx context.Context, accountID, to string, isGroup bool, text string) error {
	a, err := c.lookup(accountID)
	if err != nil {
		return err
	}
	return a.sendText(ctx, to, isGroup, text)
}

// SendMedia implements pluginsdk.OutboundPort.
func (c *channelPlugin) SendMedia(ctx context.Context, accountID, to string, isGroup bool, req pluginsdk.MediaRequest) error {
	a, err := c.lookup(accountID)
	if err != nil {
		return err
	}
	return a.sendMedia(ctx, to, isGroup, req)
}

func (c *channelPlugin) lookup(accountID string) (*account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%s: unknown account %q", c.channel, accountID)
	}
	return a, nil
}

// StartAccount implements pluginsdk.GatewayPort. ctx is accepted for
// interface symmetry with a Host-driven request lifetime, but the
// task's own lifetime is governed by lifecycle.Manager, not by ctx
// cancellation -- use StopAccount to end it.
func (c *channelPlugin) StartAccount(ctx context.Context, accountID string) error {
	a, err := c.lookup(accountID)
	if err != nil {
		return err
	}
	if c.mgr.IsRunning(c.channel, accountID) {
		return nil
	}
	return c.mgr.StartAccount(c.channel, accountID, a.runtime)
}

// StopAccount implements pluginsdk.GatewayPort.
func (c *channelPlugin) StopAccount(accountID string) error {
	return c.mgr.StopAccount(c.channel, accountID)
}

func toOutboundMedia(req pluginsdk.MediaRequest) outbound.MediaRequest {
	return outbound.MediaRequest{
		Kind:      envelope.AttachmentKind(req.Kind),
		LocalPath: req.LocalPath,
		FileName:  req.FileName,
		Caption:   req.Caption,
		SourceURL: req.SourceURL,
	}
}
