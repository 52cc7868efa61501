// Package client is a Go realtime client. It keeps one reconciliation mirror per
// joined room plus a global mirror for connection-scoped events.
//
// Reconnecting is not resumption: every Dial yields a new connection id and rooms
// must be joined again.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"huddle/cmd/internal/reconcile"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// CursorInterval is the minimum spacing between cursor:move sends (~60 Hz).
const CursorInterval = 16 * time.Millisecond

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	eventBuffer         = 256
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

var errBadFrame = errors.New("client: undecodable frame")

// Config describes how to reach the server and who is connecting.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL      string
	UserID   string
	UserName string
	// Token is an optional identity ticket sent as a Bearer header.
	Token  string
	Origin string

	Logger *slog.Logger
}

// Client is one realtime connection.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	cursor *rate.Limiter

	mu     sync.Mutex
	hello  v1.Envelope
	global *reconcile.State
	rooms  map[string]*reconcile.State

	events chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects and waits for the server's hello.ack.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	if cfg.UserID != "" {
		q.Set("userId", cfg.UserID)
	}
	if cfg.UserName != "" {
		q.Set("userName", cfg.UserName)
	}
	u.RawQuery = q.Encode()

	h := http.Header{}
	if cfg.Origin != "" {
		h.Set("Origin", cfg.Origin)
	}
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		log:    log.With("component", "client"),
		conn:   conn,
		cursor: rate.NewLimiter(rate.Every(CursorInterval), 1),
		global: reconcile.New(""),
		rooms:  make(map[string]*reconcile.State),
		events: make(chan v1.Envelope, eventBuffer),
		done:   make(chan struct{}),
	}

	hello, err := c.readOne(dialCtx)
	if err != nil || hello.Type != v1.KindHelloAck {
		_ = conn.Close(websocket.StatusProtocolError, "expected hello.ack")
		if err == nil {
			err = fmt.Errorf("unexpected %q", hello.Type)
		}
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	c.hello = hello
	c.global.Apply(hello)

	go c.readLoop()
	return c, nil
}

// ConnectionID returns the id the server assigned to this connection.
func (c *Client) ConnectionID() string {
	id, _, _ := c.global.Self()
	return id
}

// Global returns the mirror of connection-scoped state (online users, notices, errors).
func (c *Client) Global() *reconcile.State { return c.global }

// Room returns the mirror of a joined room, or nil.
func (c *Client) Room(roomID string) *reconcile.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

// Events returns a copy of every inbound envelope after it was applied. Envelopes
// are dropped when the consumer falls behind.
func (c *Client) Events() <-chan v1.Envelope { return c.events }

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that stopped the read loop.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Join creates the room mirror and asks the server to join.
func (c *Client) Join(ctx context.Context, roomID string) (*reconcile.State, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errors.New("client: empty room id")
	}
	c.mu.Lock()
	st, ok := c.rooms[roomID]
	if !ok {
		st = reconcile.New(roomID)
		st.Apply(c.hello)
		c.rooms[roomID] = st
	}
	c.mu.Unlock()

	return st, c.send(ctx, v1.KindJoinRoom, "", v1.JoinRoomPayload{RoomID: roomID})
}

// Leave asks the server to leave roomID and drops the local mirror.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()

	b, _ := json.Marshal(roomID)
	return c.sendRaw(ctx, v1.Envelope{V: v1.Version, Type: v1.KindLeaveRoom, Room: roomID, Payload: b})
}

// MoveCursor sends the pointer position unless the previous send was less than
// CursorInterval ago. It reports whether the move was sent.
func (c *Client) MoveCursor(ctx context.Context, roomID string, x, y float64) (bool, error) {
	if !c.cursor.Allow() {
		return false, nil
	}
	_, _, name := c.global.Self()
	return true, c.send(ctx, v1.KindCursorMove, roomID, v1.CursorMovePayload{RoomID: roomID, X: x, Y: y, UserName: name})
}

// SetTyping sends typing:start or typing:stop.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	kind := v1.KindTypingStop
	if typing {
		kind = v1.KindTypingStart
	}
	_, uid, name := c.global.Self()
	return c.send(ctx, kind, roomID, v1.TypingPayload{RoomID: roomID, UserID: uid, UserName: name})
}

// NewTask describes a task the caller has already committed to the persistence service.
type NewTask struct {
	// ID may be left empty; a UUID is generated.
	ID       string
	Title    string
	Status   string
	Position float64
}

// CreateTask inserts the task optimistically into the room mirror and announces it.
// The server echo is merged by id.
func (c *Client) CreateTask(ctx context.Context, roomID string, t NewTask) (string, error) {
	st := c.Room(roomID)
	if st == nil {
		return "", fmt.Errorf("client: room %q not joined", roomID)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	task := map[string]any{"id": t.ID, "title": t.Title, "status": t.Status, "position": t.Position}
	raw, _ := json.Marshal(task)
	st.AddTaskOptimistic(reconcile.Task{ID: t.ID, Title: t.Title, Status: t.Status, Position: t.Position, Data: raw})

	return t.ID, c.send(ctx, v1.KindTaskCreated, roomID, v1.TaskEventPayload{RoomID: roomID, Task: raw, TaskID: t.ID, Actor: c.actor()})
}

// MoveTask applies a drag locally and announces it.
func (c *Client) MoveTask(ctx context.Context, roomID, taskID, status string, position float64) error {
	if st := c.Room(roomID); st != nil {
		st.MoveTaskOptimistic(taskID, status, position)
	}
	raw, _ := json.Marshal(map[string]any{"id": taskID, "status": status, "position": position})
	return c.send(ctx, v1.KindTaskMoved, roomID, v1.TaskEventPayload{RoomID: roomID, Task: raw, TaskID: taskID, Actor: c.actor()})
}

// SendMessage inserts the message optimistically and announces it. Mention markers
// in text are delivered by the server to the mentioned users.
func (c *Client) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	st := c.Room(roomID)
	if st == nil {
		return "", fmt.Errorf("client: room %q not joined", roomID)
	}
	_, uid, name := c.global.Self()
	id := uuid.NewString()
	msg := map[string]any{"id": id, "roomId": roomID, "userId": uid, "userName": name, "content": text}
	raw, _ := json.Marshal(msg)
	st.AddMessageOptimistic(reconcile.Message{ID: id, UserID: uid, UserName: name, Text: text, Data: raw})

	return id, c.send(ctx, v1.KindMessageNew, roomID, v1.MessageNewPayload{RoomID: roomID, Message: raw})
}

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return err
}

func (c *Client) actor() *v1.Member {
	connID, uid, name := c.global.Self()
	return &v1.Member{UserID: uid, UserName: name, ConnectionID: connID}
}

func (c *Client) send(ctx context.Context, kind, room string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.sendRaw(ctx, v1.Envelope{V: v1.Version, Type: kind, ID: uuid.NewString(), Room: room, TS: time.Now().UTC(), Payload: b})
}

func (c *Client) sendRaw(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

func (c *Client) readOne(ctx context.Context) (v1.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return env, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		env, err := c.readOne(context.Background())
		if err != nil {
			if errors.Is(err, errBadFrame) {
				c.log.Warn("client.read.bad_json", "err", err)
				continue
			}
			c.readErr = err
			c.log.Debug("client.read.stop", "close_status", websocket.CloseStatus(err), "err", err)
			return
		}
		c.dispatch(env)

		select {
		case c.events <- env:
		default:
		}
	}
}

// dispatch routes an envelope to the mirror it belongs to. Room-scoped envelopes
// for a room without a mirror (never joined, or already left) are dropped.
func (c *Client) dispatch(env v1.Envelope) {
	if !roomScoped(env.Type) {
		c.global.Apply(env)
		return
	}

	room := strings.TrimSpace(env.Room)
	if room == "" {
		room = strings.TrimSpace(gjson.GetBytes(env.Payload, "roomId").String())
	}
	if st := c.Room(room); st != nil {
		st.Apply(env)
		return
	}
	c.log.Debug("client.dispatch.no_room", "room_id", room, "kind", env.Type)
}

func roomScoped(kind string) bool {
	switch kind {
	case v1.KindRoomUsers, v1.KindUserJoined, v1.KindUserLeft,
		v1.KindCursorMove, v1.KindCursorLeave,
		v1.KindTypingStart, v1.KindTypingStop, v1.KindMessageNew:
		return true
	}
	return v1.IsTaskKind(kind)
}
