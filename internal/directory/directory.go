// Package directory resolves free-form "target" strings into the
// structured {channel, accountId, to} tuples the outbound sender and
// the Host plug-in surface's directory capability need (§4.K).
package directory

import "strings"

// knownChannels is the closed set of channel prefixes this gateway
// recognizes, used both to strip an explicit prefix and to reject a
// target addressed at a channel this plug-in does not own.
var knownChannels = map[string]bool{
	"dingtalk": true,
	"feishu":   true,
	"wecom":    true,
	"wecomapp": true,
	"qqbot":    true,
}

// Target is the resolved shape of a raw directory string.
type Target struct {
	Channel   string
	AccountID string
	To        string
	IsGroup   bool
}

// Resolve parses a raw target string of the form
// "<channel>:<peerId>@<accountId>" (each segment optional) into a
// Target. Segment rules, in order:
//
//  1. An optional "<channel>:" prefix, recognized only against
//     knownChannels ("wecom-app:" is accepted as a spelling of
//     "wecomapp:").
//  2. An optional "@<accountId>" suffix, recognized only when the
//     suffix itself contains neither ":" nor "/" (so an email-shaped
//     peer id is never mistaken for an account suffix).
//  3. An optional "user:" or "group:" type prefix on what remains,
//     stripped off and recorded as IsGroup.
func Resolve(raw string) Target {
	rest := strings.TrimSpace(raw)

	channel := ""
	if idx := strings.Index(rest, ":"); idx > 0 {
		candidate := rest[:idx]
		if candidate == "wecom-app" {
			candidate = "wecomapp"
		}
		if knownChannels[candidate] {
			channel = candidate
			rest = rest[idx+1:]
		}
	}

	accountID := ""
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		suffix := rest[idx+1:]
		if suffix != "" && !strings.ContainsAny(suffix, ":/") {
			accountID = suffix
			rest = rest[:idx]
		}
	}

	isGroup := false
	if strings.HasPrefix(rest, "group:") {
		isGroup = true
		rest = strings.TrimPrefix(rest, "group:")
	} else {
		rest = strings.TrimPrefix(rest, "user:")
	}

	return Target{Channel: channel, AccountID: accountID, To: rest, IsGroup: isGroup}
}

// CanResolve reports whether raw may be addressed by ownChannel: it is
// resolvable when the target carries no explicit channel prefix, or
// its prefix matches ownChannel exactly.
func CanResolve(raw, ownChannel string) bool {
	t := Resolve(raw)
	return t.Channel == "" || t.Channel == ownChannel
}

// ResolveAll resolves a batch of raw target strings, preserving order
// and skipping any that resolve to an empty "To" (a blank or
// malformed entry in a comma-separated broadcast list).
func ResolveAll(raws []string) []Target {
	var out []Target
	for _, raw := range raws {
		t := Resolve(raw)
		if t.To == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TargetFormats documents the raw string shapes Resolve accepts, for
// a Host's onboarding/config UI to show next to a channel's account
// list.
func TargetFormats() []string {
	return []string{
		"<peerId>",
		"<channel>:<peerId>",
		"<channel>:<peerId>@<accountId>",
		"group:<peerId>",
		"<channel>:group:<peerId>@<accountId>",
	}
}
