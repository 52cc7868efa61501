package presence

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Cursor is the last reported pointer position of one connection in one room.
type Cursor struct {
	ConnectionID string
	UserName     string
	X            float64
	Y            float64
	UpdatedAt    time.Time
}

// Cursors is the per-room cursor map. It is a lossy overwrite store: no history,
// no coalescing, no server-side throttling.
type Cursors struct {
	mu    sync.Mutex
	rooms map[string]map[string]Cursor
}

// NewCursors constructs an empty cursor map.
func NewCursors() *Cursors {
	return &Cursors{rooms: make(map[string]map[string]Cursor)}
}

// Move overwrites connID's cursor in roomID and returns the stored value.
func (c *Cursors) Move(roomID, connID string, x, y float64, userName string, now time.Time) Cursor {
	cur := Cursor{
		ConnectionID: connID,
		UserName:     strings.TrimSpace(userName),
		X:            x,
		Y:            y,
		UpdatedAt:    now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.rooms[roomID]
	if m == nil {
		m = make(map[string]Cursor)
		c.rooms[roomID] = m
	}
	m[connID] = cur
	return cur
}

// Remove deletes connID's cursor in roomID, reporting whether one existed.
func (c *Cursors) Remove(roomID, connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.rooms[roomID]
	if m == nil {
		return false
	}
	if _, ok := m[connID]; !ok {
		return false
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(c.rooms, roomID)
	}
	return true
}

// DropRoom forgets every cursor in roomID.
func (c *Cursors) DropRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// Snapshot returns roomID's cursors ordered by connection id.
func (c *Cursors) Snapshot(roomID string) []Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.rooms[roomID]
	out := make([]Cursor, 0, len(m))
	for _, cur := range m {
		out = append(out, cur)
	}
	slices.SortFunc(out, func(a, b Cursor) int { return strings.Compare(a.ConnectionID, b.ConnectionID) })
	return out
}

// TypingUser is one entry of a room's typing set.
type TypingUser struct {
	UserID   string
	UserName string
}

// Typing is the per-room set of users currently typing.
//
// Entries change only on explicit start/stop signals. There is no server-side
// expiry: clients hide stale indicators after their own quiet period.
type Typing struct {
	mu    sync.Mutex
	rooms map[string]map[string]TypingUser
}

// NewTyping constructs an empty typing tracker.
func NewTyping() *Typing {
	return &Typing{rooms: make(map[string]map[string]TypingUser)}
}

// Set adds or removes userID from roomID's typing set and reports whether the set changed.
func (t *Typing) Set(roomID, userID, userName string, typing bool) bool {
	userID, userName = NormalizeIdentity(userID, userName)

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.rooms[roomID]
	if !typing {
		if m == nil {
			return false
		}
		if _, ok := m[userID]; !ok {
			return false
		}
		delete(m, userID)
		if len(m) == 0 {
			delete(t.rooms, roomID)
		}
		return true
	}

	if m == nil {
		m = make(map[string]TypingUser)
		t.rooms[roomID] = m
	}
	prev, ok := m[userID]
	m[userID] = TypingUser{UserID: userID, UserName: userName}
	return !ok || prev.UserName != userName
}

// Active returns roomID's typing users ordered by user id.
func (t *Typing) Active(roomID string) []TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.rooms[roomID]
	out := make([]TypingUser, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b TypingUser) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// DropRoom forgets roomID's typing set. Called when the room itself is pruned.
func (t *Typing) DropRoom(roomID string) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}
