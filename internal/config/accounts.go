package config

import "sort"

// accountIDSet collects the ids a channel's accounts map plus its
// implicit default-account id, mirroring resolveAccountID's fallback
// so a plug-in's account list matches what Resolve*Account would
// actually serve for each id.
func accountIDSet(defaultAccount string, overrideIDs []string) []string {
	ids := make(map[string]struct{}, len(overrideIDs)+1)
	if defaultAccount != "" {
		ids[defaultAccount] = struct{}{}
	}
	for _, id := range overrideIDs {
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		ids["default"] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AccountIDs lists every DingTalk account id this config block knows
// about: the channel's default account plus every key under
// accounts.
func (ch DingTalkChannelConfig) AccountIDs() []string {
	return accountIDSet(ch.DefaultAccount, mapKeys(ch.Accounts))
}

// AccountIDs lists every Feishu/Lark account id this config block
// knows about.
func (ch FeishuChannelConfig) AccountIDs() []string {
	return accountIDSet(ch.DefaultAccount, mapKeys(ch.Accounts))
}

// AccountIDs lists every WeCom AI Robot account id this config block
// knows about.
func (ch WeComChannelConfig) AccountIDs() []string {
	return accountIDSet(ch.DefaultAccount, mapKeys(ch.Accounts))
}

// AccountIDs lists every WeCom Self-built Application account id this
// config block knows about.
func (ch WeComAppChannelConfig) AccountIDs() []string {
	return accountIDSet(ch.DefaultAccount, mapKeys(ch.Accounts))
}

// AccountIDs lists every QQ Open Platform bot account id this config
// block knows about.
func (ch QQBotChannelConfig) AccountIDs() []string {
	return accountIDSet(ch.DefaultAccount, mapKeys(ch.Accounts))
}

func mapKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
