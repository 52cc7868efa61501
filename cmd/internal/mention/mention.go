// Package mention extracts @-mention markers from chat text and plans the
// real-time mention:received fan-out to the mentioned users' live connections.
//
// Marker format: @[Display Name](userId).
package mention

import (
	"regexp"
	"strings"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/tidwall/gjson"
)

// PreviewLimit is the maximum preview length in characters (runes).
const PreviewLimit = 100

var markerRE = regexp.MustCompile(`@\[([^\]\n]+)\]\(([^)\s]+)\)`)

// Mention is one mentioned user.
type Mention struct {
	UserID string
	Name   string
}

// Parse returns the mentioned users in first-appearance order, one entry per user id.
func Parse(text string) []Mention {
	matches := markerRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]Mention, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSpace(m[2])
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Mention{UserID: id, Name: strings.TrimSpace(m[1])})
	}
	return out
}

// Clean replaces every marker with a plain "@Name".
func Clean(text string) string {
	return strings.TrimSpace(markerRE.ReplaceAllString(text, "@$1"))
}

// Preview returns the cleaned text truncated to at most limit runes.
func Preview(text string, limit int) string {
	if limit <= 0 {
		limit = PreviewLimit
	}
	clean := Clean(text)
	r := []rune(clean)
	if len(r) <= limit {
		return clean
	}
	return string(r[:limit])
}

// Source is the message a fan-out is computed for.
type Source struct {
	MessageID  string
	RoomID     string
	SenderID   string
	SenderName string
	Text       string
}

// SourceFromPayload reads a message:new payload ({roomId, message:{...}}) without a full decode.
// Missing fields come back empty.
func SourceFromPayload(payload []byte) Source {
	res := gjson.ParseBytes(payload)
	msg := res.Get("message")
	return Source{
		MessageID:  firstString(msg, "id", "messageId"),
		RoomID:     firstString(res, "roomId", "message.roomId", "message.room_id"),
		SenderID:   firstString(msg, "userId", "user_id", "senderId"),
		SenderName: firstString(msg, "userName", "user_name", "senderName"),
		Text:       firstString(msg, "text", "content", "body"),
	}
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// Index resolves a user to their currently registered connections.
type Index interface {
	ConnectionsOf(userID string) []string
}

// Notice is one mention:received delivery.
type Notice struct {
	ConnectionID string
	UserID       string
	Payload      v1.MentionReceivedPayload
}

// Plan computes the deliveries for src: one notice per online connection of
// every distinct mentioned user, excluding the sender. Offline users yield nothing.
func Plan(idx Index, src Source) []Notice {
	if idx == nil {
		return nil
	}
	mentions := Parse(src.Text)
	if len(mentions) == 0 {
		return nil
	}

	payload := v1.MentionReceivedPayload{
		MessageID:  src.MessageID,
		RoomID:     src.RoomID,
		SenderID:   src.SenderID,
		SenderName: src.SenderName,
		Text:       Preview(src.Text, PreviewLimit),
	}

	var out []Notice
	delivered := make(map[string]struct{})
	for _, m := range mentions {
		if m.UserID == src.SenderID {
			continue
		}
		for _, connID := range idx.ConnectionsOf(m.UserID) {
			if _, dup := delivered[connID]; dup {
				continue
			}
			delivered[connID] = struct{}{}
			out = append(out, Notice{ConnectionID: connID, UserID: m.UserID, Payload: payload})
		}
	}
	return out
}
