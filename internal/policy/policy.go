// Package policy implements the admission gate (direct-message and group
// checks) shared by every channel transport.
package policy

import (
	"github.com/wendell1224/openclaw-china/internal/config"
)

// ChatType distinguishes a direct conversation from a group one.
type ChatType string

const (
	Direct ChatType = "direct"
	Group  ChatType = "group"
)

// Decision is the result of evaluating one inbound message against an
// account's policy.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate implements §4.E: DM allow iff dmPolicy=open, or
// dmPolicy=allowlist and senderId is listed, or dmPolicy=pairing (the
// Host owns pairing bookkeeping, so pairing always admits here). Group
// allow iff groupPolicy != disabled, peer is listed when allowlist, and
// mention is satisfied when required.
func Evaluate(chatType ChatType, senderID, peerID string, wasMentioned bool, pol config.Policy) Decision {
	switch chatType {
	case Direct:
		return evaluateDM(senderID, pol)
	case Group:
		return evaluateGroup(peerID, wasMentioned, pol)
	default:
		return Decision{Allowed: false, Reason: "unknown chat type"}
	}
}

func evaluateDM(senderID string, pol config.Policy) Decision {
	switch pol.DMPolicy {
	case "open":
		return Decision{Allowed: true}
	case "pairing":
		return Decision{Allowed: true}
	case "allowlist":
		if contains(pol.AllowFrom, senderID) {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: "sender not in allowFrom"}
	case "disabled":
		return Decision{Allowed: false, Reason: "dmPolicy disabled"}
	default:
		return Decision{Allowed: false, Reason: "unknown dmPolicy"}
	}
}

func evaluateGroup(peerID string, wasMentioned bool, pol config.Policy) Decision {
	if pol.GroupPolicy == "disabled" {
		return Decision{Allowed: false, Reason: "groupPolicy disabled"}
	}
	if pol.GroupPolicy == "allowlist" && !contains(pol.GroupAllowFrom, peerID) {
		return Decision{Allowed: false, Reason: "group not in groupAllowFrom"}
	}
	if pol.RequireMention && !wasMentioned {
		return Decision{Allowed: false, Reason: "mention required"}
	}
	return Decision{Allowed: true}
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
