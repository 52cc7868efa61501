// Package v1 defines the Huddle Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the Go client and the smoke tool to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is offered during the WebSocket handshake.
const Subprotocol = "huddle.realtime.v1"

// Kind constants (wire-stable). Names match the event kinds browsers already emit.
const (
	// KindHelloAck carries the connection identity (server -> client, once per connection).
	KindHelloAck = "hello.ack"

	// KindJoinRoom requests room membership (client -> server).
	KindJoinRoom = "join-room"
	// KindLeaveRoom leaves a room (client -> server).
	KindLeaveRoom = "leave-room"
	// KindRoomUsers is the authoritative membership snapshot (server -> room).
	KindRoomUsers = "room-users"
	// KindUserJoined announces a new member (server -> room, excluding the joiner).
	KindUserJoined = "user-joined"
	// KindUserLeft announces a departed member (server -> remaining members).
	KindUserLeft = "user-left"
	// KindOnlineUsers is the global presence list (server -> all).
	KindOnlineUsers = "online-users"

	KindCursorMove  = "cursor:move"
	KindCursorLeave = "cursor:leave"
	KindTypingStart = "typing:start"
	KindTypingStop  = "typing:stop"

	KindTaskCreated   = "task:created"
	KindTaskUpdated   = "task:updated"
	KindTaskMoved     = "task:moved"
	KindTaskCompleted = "task:completed"
	KindTaskDeleted   = "task:deleted"
	KindMessageNew    = "message:new"

	// KindMentionReceived is delivered to every online connection of a mentioned user.
	KindMentionReceived = "mention:received"

	KindNotificationNew = "notification:new"
	KindUserFollowed    = "user:followed"
	KindUserUnfollowed  = "user:unfollowed"

	// KindError is a protocol-level error envelope (server -> client).
	KindError = "error"
)

var knownKinds = map[string]struct{}{
	KindHelloAck:        {},
	KindJoinRoom:        {},
	KindLeaveRoom:       {},
	KindRoomUsers:       {},
	KindUserJoined:      {},
	KindUserLeft:        {},
	KindOnlineUsers:     {},
	KindCursorMove:      {},
	KindCursorLeave:     {},
	KindTypingStart:     {},
	KindTypingStop:      {},
	KindTaskCreated:     {},
	KindTaskUpdated:     {},
	KindTaskMoved:       {},
	KindTaskCompleted:   {},
	KindTaskDeleted:     {},
	KindMessageNew:      {},
	KindMentionReceived: {},
	KindNotificationNew: {},
	KindUserFollowed:    {},
	KindUserUnfollowed:  {},
	KindError:           {},
}

// IsKnownKind reports whether kind is part of the v1 contract.
func IsKnownKind(kind string) bool {
	_, ok := knownKinds[kind]
	return ok
}

// IsTaskKind reports whether kind is a task lifecycle event.
func IsTaskKind(kind string) bool {
	switch kind {
	case KindTaskCreated, KindTaskUpdated, KindTaskMoved, KindTaskCompleted, KindTaskDeleted:
		return true
	}
	return false
}

// IsUserTargetedKind reports whether kind is delivered to a single user's connections.
func IsUserTargetedKind(kind string) bool {
	switch kind {
	case KindNotificationNew, KindUserFollowed, KindUserUnfollowed:
		return true
	}
	return false
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsKnownKind(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}
