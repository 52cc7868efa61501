package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"huddle/cmd/internal/mention"
	"huddle/cmd/internal/presence"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/tidwall/gjson"
)

// Handlers are functions of (presence state, event) -> deliveries. They mutate only
// the presence components and never touch a transport; the loop delivers afterwards.

func (h *Hub) onConnect(c *Client) []Delivery {
	h.clients[c.ConnectionID] = c
	online := h.registry.Register(c.ConnectionID, c.UserID, c.UserName)

	self, _ := h.registry.Lookup(c.ConnectionID)

	h.log.Info("hub.connection.register",
		"connection_id", c.ConnectionID,
		"user_id", self.UserID,
		"online", len(online),
	)

	now := h.now()
	return []Delivery{
		{
			To: []string{c.ConnectionID},
			Env: v1.NewEnvelope(v1.KindHelloAck, newEnvelopeID(now), "", now, v1.HelloAckPayload{
				ConnectionID: c.ConnectionID,
				UserID:       self.UserID,
				UserName:     self.UserName,
			}),
		},
		h.onlineUsers(online, now),
	}
}

func (h *Hub) onDisconnect(connID string) []Delivery {
	if _, ok := h.clients[connID]; !ok {
		return nil
	}
	delete(h.clients, connID)

	var out []Delivery
	for _, res := range h.rooms.Purge(connID) {
		out = append(out, h.afterLeave(res)...)
	}

	online, _ := h.registry.Unregister(connID)
	out = append(out, h.onlineUsers(online, h.now()))

	h.log.Info("hub.connection.purge", "connection_id", connID, "online", len(online))
	return out
}

func (h *Hub) onInbound(connID string, env v1.Envelope) []Delivery {
	switch {
	case env.Type == v1.KindJoinRoom:
		return h.onJoin(connID, env)
	case env.Type == v1.KindLeaveRoom:
		return h.onLeave(connID, roomOf(env))
	case env.Type == v1.KindCursorMove:
		return h.onCursorMove(connID, env)
	case env.Type == v1.KindTypingStart, env.Type == v1.KindTypingStop:
		return h.onTyping(connID, env)
	case isRelayKind(env.Type):
		return h.onRelay(connID, env)
	case v1.IsUserTargetedKind(env.Type):
		return h.onUserTargeted(connID, env)
	default:
		return []Delivery{h.protocolError(connID, "unsupported", "unsupported type: "+env.Type)}
	}
}

func (h *Hub) onJoin(connID string, env v1.Envelope) []Delivery {
	var p v1.JoinRoomPayload
	_ = json.Unmarshal(env.Payload, &p)

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		roomID = roomOf(env)
	}
	if roomID == "" {
		return []Delivery{h.protocolError(connID, "bad_payload", "missing roomId")}
	}

	self, _ := h.registry.Lookup(connID)
	userID, userName := self.UserID, self.UserName
	if c := h.clients[connID]; c != nil && !c.Verified {
		if s := strings.TrimSpace(p.UserID); s != "" {
			userID = s
		}
		if s := strings.TrimSpace(p.UserName); s != "" {
			userName = s
		}
	}

	res, ok := h.rooms.Join(roomID, connID, userID, userName)
	if !ok {
		return nil
	}

	h.log.Info("hub.room.join",
		"room_id", roomID,
		"connection_id", connID,
		"user_id", res.Member.UserID,
		"fresh", res.Fresh,
		"members", len(res.Snapshot),
	)

	now := h.now()
	var out []Delivery
	if res.Fresh && len(res.Others) > 0 {
		out = append(out, Delivery{
			To:  res.Others,
			Env: v1.NewEnvelope(v1.KindUserJoined, newEnvelopeID(now), roomID, now, toWireMember(res.Member)),
		})
	}
	out = append(out, h.roomUsers(roomID, res.Snapshot, now))

	// An unverified join may rename the connection; typing and mentions read the registry.
	if res.Member.UserID != self.UserID || res.Member.UserName != self.UserName {
		online := h.registry.Register(connID, res.Member.UserID, res.Member.UserName)
		h.log.Info("hub.connection.rename", "connection_id", connID, "user_id", res.Member.UserID)
		out = append(out, h.onlineUsers(online, now))
	}
	return out
}

func (h *Hub) onLeave(connID, roomID string) []Delivery {
	res, ok := h.rooms.Leave(roomID, connID)
	if !ok {
		return nil
	}
	return h.afterLeave(res)
}

// afterLeave emits the cleanup deltas for one departed (room, connection) pair:
// cursor:leave (when the connection had a cursor), user-left and a refreshed snapshot.
func (h *Hub) afterLeave(res presence.LeaveResult) []Delivery {
	now := h.now()
	connID := res.Member.ConnectionID
	hadCursor := h.cursors.Remove(res.RoomID, connID)

	h.log.Info("hub.room.leave",
		"room_id", res.RoomID,
		"connection_id", connID,
		"pruned", res.Pruned,
		"members", len(res.Remaining),
	)

	if res.Pruned {
		h.cursors.DropRoom(res.RoomID)
		h.typing.DropRoom(res.RoomID)
		return nil
	}

	to := connectionIDs(res.Remaining)
	var out []Delivery
	if hadCursor {
		out = append(out, Delivery{
			To: to,
			Env: v1.NewEnvelope(v1.KindCursorLeave, newEnvelopeID(now), res.RoomID, now, v1.CursorLeavePayload{
				RoomID:       res.RoomID,
				ConnectionID: connID,
			}),
		})
	}
	out = append(out,
		Delivery{
			To:  to,
			Env: v1.NewEnvelope(v1.KindUserLeft, newEnvelopeID(now), res.RoomID, now, toWireMember(res.Member)),
		},
		h.roomUsers(res.RoomID, res.Remaining, now),
	)
	return out
}

func (h *Hub) onCursorMove(connID string, env v1.Envelope) []Delivery {
	roomID := roomOf(env)
	if !h.rooms.IsMember(roomID, connID) {
		return nil
	}

	var p v1.CursorMovePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil
	}
	name := strings.TrimSpace(p.UserName)
	if name == "" {
		self, _ := h.registry.Lookup(connID)
		name = self.UserName
	}

	now := h.now()
	cur := h.cursors.Move(roomID, connID, p.X, p.Y, name, now)

	return []Delivery{{
		To: h.othersIn(roomID, connID),
		Env: v1.NewEnvelope(v1.KindCursorMove, newEnvelopeID(now), roomID, now, v1.CursorMovePayload{
			RoomID:       roomID,
			X:            cur.X,
			Y:            cur.Y,
			UserName:     cur.UserName,
			ConnectionID: connID,
		}),
	}}
}

func (h *Hub) onTyping(connID string, env v1.Envelope) []Delivery {
	roomID := roomOf(env)
	if !h.rooms.IsMember(roomID, connID) {
		return nil
	}

	self, _ := h.registry.Lookup(connID)
	p := gjson.ParseBytes(env.Payload)
	userName := strings.TrimSpace(p.Get("userName").String())
	if userName == "" {
		userName = self.UserName
	}

	typing := env.Type == v1.KindTypingStart
	changed := h.typing.Set(roomID, self.UserID, userName, typing)
	h.log.Debug("hub.typing", "room_id", roomID, "user_id", self.UserID, "typing", typing, "changed", changed)

	// Repeated typing:start is still forwarded: observers use it to extend their
	// client-side quiet-period timer.
	now := h.now()
	return []Delivery{{
		To: h.othersIn(roomID, connID),
		Env: v1.NewEnvelope(env.Type, newEnvelopeID(now), roomID, now, v1.TypingPayload{
			RoomID:   roomID,
			UserID:   self.UserID,
			UserName: userName,
		}),
	}}
}

func (h *Hub) onRelay(connID string, env v1.Envelope) []Delivery {
	roomID := roomOf(env)
	if !h.rooms.IsMember(roomID, connID) {
		h.log.Debug("hub.relay.not_member", "room_id", roomID, "connection_id", connID, "kind", env.Type)
		return nil
	}

	now := h.now()
	members := h.rooms.Members(roomID)
	out := []Delivery{{
		To: relayTargets(members, connID, env.Type),
		Env: v1.Envelope{
			V:       v1.Version,
			Type:    env.Type,
			ID:      newEnvelopeID(now),
			Room:    roomID,
			TS:      now,
			Payload: env.Payload,
		},
	}}

	h.log.Info("hub.relay",
		"room_id", roomID,
		"connection_id", connID,
		"kind", env.Type,
		"entity_id", entityID(env.Type, env.Payload),
		"recipients", len(out[0].To),
	)

	if env.Type == v1.KindMessageNew {
		out = append(out, h.mentionFanOut(connID, roomID, env.Payload, now)...)
	}
	return out
}

func (h *Hub) mentionFanOut(connID, roomID string, payload []byte, now time.Time) []Delivery {
	src := mention.SourceFromPayload(payload)
	src.RoomID = roomID
	if self, ok := h.registry.Lookup(connID); ok {
		src.SenderID = self.UserID
		if src.SenderName == "" {
			src.SenderName = self.UserName
		}
	}

	notices := mention.Plan(h.registry, src)
	if len(notices) == 0 {
		return nil
	}

	out := make([]Delivery, 0, len(notices))
	for _, n := range notices {
		out = append(out, Delivery{
			To:  []string{n.ConnectionID},
			Env: v1.NewEnvelope(v1.KindMentionReceived, newEnvelopeID(now), roomID, now, n.Payload),
		})
	}
	h.metrics.observeMentions(len(out))
	h.log.Info("hub.mention.fanout", "room_id", roomID, "message_id", src.MessageID, "deliveries", len(out))
	return out
}

func (h *Hub) onUserTargeted(connID string, env v1.Envelope) []Delivery {
	var p v1.UserTargetedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.TargetUserID) == "" {
		return []Delivery{h.protocolError(connID, "bad_payload", "missing targetUserId")}
	}

	self, _ := h.registry.Lookup(connID)
	from := toWireMember(self)
	p.From = &from

	targets := h.registry.ConnectionsOf(strings.TrimSpace(p.TargetUserID))
	if len(targets) == 0 {
		return nil
	}
	now := h.now()
	return []Delivery{{
		To:  targets,
		Env: v1.NewEnvelope(env.Type, newEnvelopeID(now), "", now, p),
	}}
}

func (h *Hub) onNotify(n UserNotice) []Delivery {
	targets := h.registry.ConnectionsOf(n.UserID)
	if len(targets) == 0 {
		return nil
	}
	payload := json.RawMessage(n.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	now := h.now()
	return []Delivery{{
		To: targets,
		Env: v1.Envelope{
			V:       v1.Version,
			Type:    n.Kind,
			ID:      newEnvelopeID(now),
			TS:      now,
			Payload: payload,
		},
	}}
}

// ---- envelope builders ----

func (h *Hub) onlineUsers(online []presence.Member, now time.Time) Delivery {
	to := make([]string, 0, len(h.clients))
	for id := range h.clients {
		to = append(to, id)
	}
	return Delivery{
		To:  to,
		Env: v1.NewEnvelope(v1.KindOnlineUsers, newEnvelopeID(now), "", now, v1.OnlineUsersPayload{Users: toWireMembers(online)}),
	}
}

func (h *Hub) roomUsers(roomID string, members []presence.Member, now time.Time) Delivery {
	return Delivery{
		To: connectionIDs(members),
		Env: v1.NewEnvelope(v1.KindRoomUsers, newEnvelopeID(now), roomID, now, v1.RoomUsersPayload{
			RoomID: roomID,
			Users:  toWireMembers(members),
		}),
	}
}

func (h *Hub) protocolError(connID, code, msg string) Delivery {
	now := h.now()
	return Delivery{
		To:  []string{connID},
		Env: v1.NewEnvelope(v1.KindError, newEnvelopeID(now), "", now, v1.ErrorPayload{Code: code, Message: msg}),
	}
}

func (h *Hub) othersIn(roomID, connID string) []string {
	members := h.rooms.Members(roomID)
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.ConnectionID != connID {
			out = append(out, m.ConnectionID)
		}
	}
	return out
}

func connectionIDs(ms []presence.Member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ConnectionID
	}
	return out
}

func toWireMember(m presence.Member) v1.Member {
	return v1.Member{UserID: m.UserID, UserName: m.UserName, ConnectionID: m.ConnectionID}
}

func toWireMembers(ms []presence.Member) []v1.Member {
	out := make([]v1.Member, len(ms))
	for i, m := range ms {
		out[i] = toWireMember(m)
	}
	return out
}
