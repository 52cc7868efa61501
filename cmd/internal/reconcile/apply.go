package reconcile

import (
	"encoding/json"
	"slices"
	"strings"

	"huddle/cmd/internal/mention"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/tidwall/gjson"
)

// Apply merges one inbound envelope into the mirror.
func (s *State) Apply(env v1.Envelope) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inScope(env) {
		return ignored(env.Type)
	}

	switch env.Type {
	case v1.KindHelloAck:
		return s.applyHello(env)
	case v1.KindRoomUsers:
		return s.applyRoomUsers(env)
	case v1.KindUserJoined:
		return s.applyUserJoined(env)
	case v1.KindUserLeft:
		return s.applyUserLeft(env)
	case v1.KindOnlineUsers:
		return s.applyOnline(env)
	case v1.KindCursorMove:
		return s.applyCursorMove(env)
	case v1.KindCursorLeave:
		return s.applyCursorLeave(env)
	case v1.KindTypingStart, v1.KindTypingStop:
		return s.applyTyping(env)
	case v1.KindTaskCreated, v1.KindTaskUpdated, v1.KindTaskMoved, v1.KindTaskCompleted:
		return s.applyTaskUpsert(env)
	case v1.KindTaskDeleted:
		return s.applyTaskDelete(env)
	case v1.KindMessageNew:
		return s.applyMessage(env)
	case v1.KindMentionReceived:
		return s.applyMention(env)
	case v1.KindNotificationNew, v1.KindUserFollowed, v1.KindUserUnfollowed:
		s.notices = append(s.notices, Notice{Kind: env.Type, Payload: slices.Clone(env.Payload)})
		return applied(env.Type, env.ID, ChangeInsert)
	case v1.KindError:
		var p v1.ErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return ignored(env.Type)
		}
		s.lastError = &p
		return applied(env.Type, p.Code, ChangeReplace)
	}
	return ignored(env.Type)
}

// inScope drops room-scoped envelopes addressed to another room.
func (s *State) inScope(env v1.Envelope) bool {
	if s.roomID == "" {
		return true
	}
	room := strings.TrimSpace(env.Room)
	if room == "" {
		room = strings.TrimSpace(gjson.GetBytes(env.Payload, "roomId").String())
	}
	return room == "" || room == s.roomID
}

func (s *State) applyHello(env v1.Envelope) Result {
	var p v1.HelloAckPayload
	if json.Unmarshal(env.Payload, &p) != nil || p.ConnectionID == "" {
		return ignored(env.Type)
	}
	s.connectionID, s.userID, s.userName = p.ConnectionID, p.UserID, p.UserName
	return applied(env.Type, p.ConnectionID, ChangeReplace)
}

func (s *State) applyRoomUsers(env v1.Envelope) Result {
	var p v1.RoomUsersPayload
	if json.Unmarshal(env.Payload, &p) != nil {
		return ignored(env.Type)
	}
	s.members = slices.Clone(p.Users)

	// Cursors of connections that are no longer members cannot be live.
	for id := range s.cursors {
		if !s.isMember(id) {
			delete(s.cursors, id)
		}
	}
	return applied(env.Type, p.RoomID, ChangeReplace)
}

func (s *State) applyUserJoined(env v1.Envelope) Result {
	var m v1.Member
	if json.Unmarshal(env.Payload, &m) != nil || m.ConnectionID == "" {
		return ignored(env.Type)
	}
	if s.isMember(m.ConnectionID) {
		return ignored(env.Type)
	}
	s.members = append(s.members, m)
	return applied(env.Type, m.ConnectionID, ChangeInsert)
}

func (s *State) applyUserLeft(env v1.Envelope) Result {
	var m v1.Member
	if json.Unmarshal(env.Payload, &m) != nil || m.ConnectionID == "" {
		return ignored(env.Type)
	}
	delete(s.cursors, m.ConnectionID)
	before := len(s.members)
	s.members = slices.DeleteFunc(s.members, func(x v1.Member) bool { return x.ConnectionID == m.ConnectionID })
	if len(s.members) == before {
		return ignored(env.Type)
	}
	return applied(env.Type, m.ConnectionID, ChangeRemove)
}

func (s *State) applyOnline(env v1.Envelope) Result {
	var p v1.OnlineUsersPayload
	if json.Unmarshal(env.Payload, &p) != nil {
		return ignored(env.Type)
	}
	s.online = slices.Clone(p.Users)
	return applied(env.Type, "", ChangeReplace)
}

func (s *State) applyCursorMove(env v1.Envelope) Result {
	var p v1.CursorMovePayload
	if json.Unmarshal(env.Payload, &p) != nil || p.ConnectionID == "" || p.ConnectionID == s.connectionID {
		return ignored(env.Type)
	}
	_, existed := s.cursors[p.ConnectionID]
	s.cursors[p.ConnectionID] = Cursor{ConnectionID: p.ConnectionID, UserName: p.UserName, X: p.X, Y: p.Y}
	if existed {
		return applied(env.Type, p.ConnectionID, ChangeMerge)
	}
	return applied(env.Type, p.ConnectionID, ChangeInsert)
}

func (s *State) applyCursorLeave(env v1.Envelope) Result {
	var p v1.CursorLeavePayload
	if json.Unmarshal(env.Payload, &p) != nil {
		return ignored(env.Type)
	}
	if _, ok := s.cursors[p.ConnectionID]; !ok {
		return ignored(env.Type)
	}
	delete(s.cursors, p.ConnectionID)
	return applied(env.Type, p.ConnectionID, ChangeRemove)
}

func (s *State) applyTyping(env v1.Envelope) Result {
	var p v1.TypingPayload
	if json.Unmarshal(env.Payload, &p) != nil || p.UserID == "" {
		return ignored(env.Type)
	}
	if env.Type == v1.KindTypingStop {
		if _, ok := s.typing[p.UserID]; !ok {
			return ignored(env.Type)
		}
		delete(s.typing, p.UserID)
		return applied(env.Type, p.UserID, ChangeRemove)
	}
	s.typing[p.UserID] = typingEntry{userName: p.UserName, expires: s.now().Add(TypingTTL)}
	return applied(env.Type, p.UserID, ChangeMerge)
}

// taskFields locates the task object and id in a task event payload. Both the
// {task:{...}} and the flat {taskId, status, position} shapes are accepted.
func taskFields(payload []byte) (gjson.Result, string) {
	root := gjson.ParseBytes(payload)
	obj := root.Get("task")
	if !obj.IsObject() {
		obj = root
	}
	id := strings.TrimSpace(obj.Get("id").String())
	if id == "" {
		id = strings.TrimSpace(root.Get("taskId").String())
	}
	return obj, id
}

func (s *State) applyTaskUpsert(env v1.Envelope) Result {
	if !json.Valid(env.Payload) {
		return ignored(env.Type)
	}
	obj, id := taskFields(env.Payload)
	if id == "" {
		return ignored(env.Type)
	}

	t, exists := s.tasks[id]
	if !exists {
		// A partial event for a task this client never saw carries nothing to render.
		if env.Type != v1.KindTaskCreated && !obj.Get("title").Exists() {
			return ignored(env.Type)
		}
		t = &Task{ID: id}
	}

	mergeTask(t, obj)
	if env.Type == v1.KindTaskCompleted && !obj.Get("completed").Exists() {
		t.Completed = true
	}
	t.Pending = false

	if exists {
		return applied(env.Type, id, ChangeMerge)
	}
	s.tasks[id] = t
	s.taskOrder = append(s.taskOrder, id)
	return applied(env.Type, id, ChangeInsert)
}

func mergeTask(t *Task, obj gjson.Result) {
	if v := obj.Get("title"); v.Exists() {
		t.Title = v.String()
	}
	if v := obj.Get("status"); v.Exists() {
		t.Status = v.String()
	}
	if v := obj.Get("position"); v.Exists() {
		t.Position = v.Float()
	}
	if v := obj.Get("completed"); v.Exists() {
		t.Completed = v.Bool()
	}
	if obj.Get("id").Exists() {
		t.Data = json.RawMessage(obj.Raw)
	}
}

func (s *State) applyTaskDelete(env v1.Envelope) Result {
	_, id := taskFields(env.Payload)
	if _, ok := s.tasks[id]; !ok || id == "" {
		return ignored(env.Type)
	}
	delete(s.tasks, id)
	s.taskOrder = slices.DeleteFunc(s.taskOrder, func(x string) bool { return x == id })
	return applied(env.Type, id, ChangeRemove)
}

func (s *State) applyMessage(env v1.Envelope) Result {
	if !json.Valid(env.Payload) {
		return ignored(env.Type)
	}
	src := mention.SourceFromPayload(env.Payload)
	if src.MessageID == "" {
		return ignored(env.Type)
	}

	if m, ok := s.messages[src.MessageID]; ok {
		m.Pending = false
		if src.Text != "" {
			m.Text = src.Text
		}
		if src.SenderID != "" {
			m.UserID = src.SenderID
		}
		if src.SenderName != "" {
			m.UserName = src.SenderName
		}
		return applied(env.Type, src.MessageID, ChangeMerge)
	}

	raw := gjson.GetBytes(env.Payload, "message")
	data := json.RawMessage(env.Payload)
	if raw.IsObject() {
		data = json.RawMessage(raw.Raw)
	}
	s.messages[src.MessageID] = &Message{
		ID:       src.MessageID,
		UserID:   src.SenderID,
		UserName: src.SenderName,
		Text:     src.Text,
		Data:     slices.Clone(data),
	}
	s.messageOrder = append(s.messageOrder, src.MessageID)
	return applied(env.Type, src.MessageID, ChangeInsert)
}

func (s *State) applyMention(env v1.Envelope) Result {
	var p v1.MentionReceivedPayload
	if json.Unmarshal(env.Payload, &p) != nil || p.MessageID == "" {
		return ignored(env.Type)
	}
	if _, dup := s.mentionIDs[p.MessageID]; dup {
		return ignored(env.Type)
	}
	s.mentionIDs[p.MessageID] = struct{}{}
	s.mentions = append(s.mentions, p)
	return applied(env.Type, p.MessageID, ChangeInsert)
}

func (s *State) isMember(connID string) bool {
	return slices.ContainsFunc(s.members, func(m v1.Member) bool { return m.ConnectionID == connID })
}
