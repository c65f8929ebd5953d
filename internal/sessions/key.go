// Package sessions persists the mapping between chat conversations and
// agent session IDs.
//
// Session keys follow the canonical format:
//
//	{channel}:{chatId}
//
// Where {channel} is a connector name ("telegram", "dingtalk", ...) or a
// system source ("cron", "heartbeat"). Examples:
//
//	telegram:386246614
//	dingtalk:cidAbCdEf123
//	cron:morning-report
//	heartbeat:main
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

// BuildKey builds the canonical session map key for a conversation.
func BuildKey(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// SplitKey splits a session key into channel and chat ID on the first
// colon. Keys without a colon map to (key, "").
func SplitKey(key string) (channel, chatID string) {
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}

// IsCronKey reports whether a session key belongs to a scheduler run.
func IsCronKey(key string) bool {
	return strings.HasPrefix(key, "cron:")
}

// IsHeartbeatKey reports whether a session key belongs to the heartbeat.
func IsHeartbeatKey(key string) bool {
	return key == "heartbeat" || strings.HasPrefix(key, "heartbeat:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
