package v1

import (
	"encoding/json"
	"time"
)

// ---- Payloads ----

// HelloAckPayload tells a client which connection id and identity the server assigned.
type HelloAckPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

// JoinRoomPayload requests membership in a room.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// Member is one connection's entry in a room or in the online directory.
type Member struct {
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	ConnectionID string `json:"connectionId"`
}

// RoomUsersPayload is the full membership snapshot of a room.
type RoomUsersPayload struct {
	RoomID string   `json:"roomId"`
	Users  []Member `json:"users"`
}

// OnlineUsersPayload is the global presence list.
type OnlineUsersPayload struct {
	Users []Member `json:"users"`
}

// CursorMovePayload is sent by a client and re-broadcast with the connection id filled in.
type CursorMovePayload struct {
	RoomID       string  `json:"roomId,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	UserName     string  `json:"userName,omitempty"`
	ConnectionID string  `json:"connectionId,omitempty"`
}

// CursorLeavePayload tells observers to clear a stale cursor.
type CursorLeavePayload struct {
	RoomID       string `json:"roomId,omitempty"`
	ConnectionID string `json:"connectionId"`
}

// TypingPayload is used for both typing:start and typing:stop.
type TypingPayload struct {
	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// TaskEventPayload is the relayed task lifecycle event. Task is opaque to the server.
type TaskEventPayload struct {
	RoomID string          `json:"roomId"`
	Task   json.RawMessage `json:"task,omitempty"`
	TaskID string          `json:"taskId,omitempty"`
	Actor  *Member         `json:"actor,omitempty"`
}

// MessageNewPayload is the relayed chat message event. Message is opaque to the server.
type MessageNewPayload struct {
	RoomID  string          `json:"roomId"`
	Message json.RawMessage `json:"message"`
}

// MentionReceivedPayload is the trimmed notification a mentioned user receives.
type MentionReceivedPayload struct {
	MessageID  string `json:"messageId"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
}

// UserTargetedPayload is sent by clients (or the notify endpoint) for user-scoped kinds.
type UserTargetedPayload struct {
	TargetUserID string          `json:"targetUserId"`
	Data         json.RawMessage `json:"data,omitempty"`
	From         *Member         `json:"from,omitempty"`
}

// ErrorPayload is a generic protocol error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds an envelope with a marshalled payload.
// A payload that fails to marshal yields an envelope with an empty JSON object.
func NewEnvelope(kind, id, room string, ts time.Time, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = json.RawMessage(`{}`)
	}
	return Envelope{
		V:       Version,
		Type:    kind,
		ID:      id,
		Room:    room,
		TS:      ts,
		Payload: raw,
	}
}
