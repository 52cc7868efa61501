// Package presence holds the in-memory presence state of a single huddle process:
// the global connection registry, per-room membership, and the two ephemeral
// signal maps (cursor positions and typing indicators).
//
// Every type here owns its own maps behind its own mutex. No type reads another's
// state; the realtime hub composes them. State is intentionally ephemeral and is
// lost on restart.
package presence

import "strings"

// Placeholders substituted for missing identity fields. Presence is advisory,
// so a connection without identity is accepted rather than rejected.
const (
	AnonymousUserID   = "anonymous"
	AnonymousUserName = "Anonymous"
)

// Member is one connection's identity as seen by presence observers.
type Member struct {
	ConnectionID string
	UserID       string
	UserName     string
}

// NormalizeIdentity trims identity fields and substitutes placeholders for missing ones.
func NormalizeIdentity(userID, userName string) (string, string) {
	userID = strings.TrimSpace(userID)
	userName = strings.TrimSpace(userName)
	if userID == "" {
		userID = AnonymousUserID
	}
	if userName == "" {
		userName = AnonymousUserName
	}
	return userID, userName
}
