// Package sessions — durable per-conversation session entries with
// hash-based optimistic concurrency.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:            {channel}:direct:{peerId}
//	Group:         {channel}:group:{groupId}
//	Named account: {channel}:{accountId}:{kind}:{peerId}
//	Main:          {mainKey}
//	Cron:          cron:{jobId}
//
// Examples:
//
//	agent:main:mezon:direct:1833682843671203840
//	agent:main:discord:group:995511
//	agent:main:slack:work:direct:U0123
//	agent:main:main
//	agent:main:cron:standup
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical session key for a channel
// conversation. accountID is empty for the channel's default account;
// named accounts get their own segment so their sessions never collide.
func BuildSessionKey(agentID, channel, accountID string, kind PeerKind, peerID string) string {
	if accountID != "" {
		return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, accountID, kind, peerID)
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, peerID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildCronSessionKey builds the session key for a cron job.
// Guards against double-prefixing when jobID is already canonical.
func BuildCronSessionKey(agentID, jobID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = strings.TrimPrefix(rest, "cron:")
	}
	return fmt.Sprintf("agent:%s:cron:%s", agentID, jobID)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
