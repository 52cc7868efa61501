// Package reconcile is the receiving side of the realtime channel: it merges inbound
// envelopes into client-local mirrors of one room's tasks, messages, membership,
// cursors and typing indicators.
//
// Every durable entity is keyed by its stable id. An inbound event for an id that is
// already present (typically because the local user applied it optimistically) is a
// merge, never an insert. Membership snapshots replace local membership wholesale.
// Cursor and typing events are overwrites keyed by connection/user id.
//
// Malformed or partial payloads never panic and never error: they are reported as
// not applied and leave state untouched.
package reconcile

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"
)

// TypingTTL is the client-side quiet period after which a typing indicator expires
// without an explicit typing:stop.
const TypingTTL = 2 * time.Second

// Task is the local mirror of a task. Data holds the last full task object seen.
type Task struct {
	ID        string
	Title     string
	Status    string
	Position  float64
	Completed bool
	// Pending is true for an optimistic insert that has not been echoed yet.
	Pending bool
	Data    json.RawMessage
}

// Message is the local mirror of a chat message.
type Message struct {
	ID       string
	UserID   string
	UserName string
	Text     string
	Pending  bool
	Data     json.RawMessage
}

// Cursor is another connection's pointer position.
type Cursor struct {
	ConnectionID string
	UserName     string
	X, Y         float64
}

// Typer is a user currently shown as typing.
type Typer struct {
	UserID   string
	UserName string
}

type typingEntry struct {
	userName string
	expires  time.Time
}

// Notice is a user-targeted event (notification, follow) kept for display.
type Notice struct {
	Kind    string
	Payload json.RawMessage
}

// Change classifies what Apply did.
type Change uint8

const (
	ChangeNone Change = iota
	ChangeInsert
	ChangeMerge
	ChangeRemove
	ChangeReplace
)

func (c Change) String() string {
	switch c {
	case ChangeInsert:
		return "insert"
	case ChangeMerge:
		return "merge"
	case ChangeRemove:
		return "remove"
	case ChangeReplace:
		return "replace"
	default:
		return "none"
	}
}

// Result reports the outcome of applying one envelope.
type Result struct {
	Kind    string
	ID      string
	Change  Change
	Applied bool
}

func applied(kind, id string, c Change) Result {
	return Result{Kind: kind, ID: id, Change: c, Applied: true}
}

func ignored(kind string) Result {
	return Result{Kind: kind}
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the time source used for typing expiry.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// State mirrors one room for one connection. It is safe for concurrent use.
type State struct {
	mu  sync.Mutex
	now func() time.Time

	roomID       string
	connectionID string
	userID       string
	userName     string

	tasks     map[string]*Task
	taskOrder []string

	messages     map[string]*Message
	messageOrder []string

	members []v1.Member
	online  []v1.Member
	cursors map[string]Cursor
	typing  map[string]typingEntry

	mentionIDs map[string]struct{}
	mentions   []v1.MentionReceivedPayload
	notices    []Notice
	lastError  *v1.ErrorPayload
}

// New returns an empty mirror for roomID.
func New(roomID string, opts ...Option) *State {
	s := &State{
		now:        time.Now,
		roomID:     strings.TrimSpace(roomID),
		tasks:      make(map[string]*Task),
		messages:   make(map[string]*Message),
		cursors:    make(map[string]Cursor),
		typing:     make(map[string]typingEntry),
		mentionIDs: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RoomID returns the mirrored room.
func (s *State) RoomID() string { return s.roomID }

// Self returns the connection id and identity assigned by hello.ack.
func (s *State) Self() (connectionID, userID, userName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID, s.userID, s.userName
}

// AddTaskOptimistic inserts a locally created task before the server echo arrives.
// It returns false when a task with the same id already exists.
func (s *State) AddTaskOptimistic(t Task) bool {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return false
	}
	t.Pending = true
	s.tasks[t.ID] = &t
	s.taskOrder = append(s.taskOrder, t.ID)
	return true
}

// MoveTaskOptimistic applies a local drag before the server echo arrives.
func (s *State) MoveTaskOptimistic(id, status string, position float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.Status = status
	t.Position = position
	return true
}

// AddMessageOptimistic inserts a locally sent message before the server echo arrives.
func (s *State) AddMessageOptimistic(m Message) bool {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return false
	}
	m.Pending = true
	s.messages[m.ID] = &m
	s.messageOrder = append(s.messageOrder, m.ID)
	return true
}

// Tasks returns the tasks in insertion order.
func (s *State) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Task returns one task by id.
func (s *State) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Messages returns the messages in arrival order.
func (s *State) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messageOrder))
	for _, id := range s.messageOrder {
		out = append(out, *s.messages[id])
	}
	return out
}

// Members returns the last room-users snapshot.
func (s *State) Members() []v1.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members)
}

// Online returns the last online-users list.
func (s *State) Online() []v1.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.online)
}

// Cursors returns other connections' cursors ordered by connection id.
func (s *State) Cursors() []Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Cursor) int { return strings.Compare(a.ConnectionID, b.ConnectionID) })
	return out
}

// Typing returns users whose typing indicator has not expired, ordered by user id.
// Expiry is evaluated lazily against the clock.
func (s *State) Typing() []Typer {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Typer, 0, len(s.typing))
	for id, e := range s.typing {
		if !now.Before(e.expires) {
			delete(s.typing, id)
			continue
		}
		out = append(out, Typer{UserID: id, UserName: e.userName})
	}
	slices.SortFunc(out, func(a, b Typer) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Mentions returns received mention notifications, one per source message.
func (s *State) Mentions() []v1.MentionReceivedPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.mentions)
}

// Notices returns user-targeted events received so far.
func (s *State) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.notices)
}

// LastError returns the last protocol error sent by the server, if any.
func (s *State) LastError() (v1.ErrorPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError == nil {
		return v1.ErrorPayload{}, false
	}
	return *s.lastError, true
}
