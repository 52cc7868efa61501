package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"huddle/cmd/internal/presence"
	v1 "huddle/shared/contracts/realtime/v1"
)

// ErrHubClosed is returned when submitting to a hub whose loop has stopped.
var ErrHubClosed = errors.New("realtime: hub closed")

// Delivery is one outbound envelope addressed to a set of connection ids.
type Delivery struct {
	To  []string
	Env v1.Envelope
}

type hubEventKind uint8

const (
	hubConnect hubEventKind = iota + 1
	hubInbound
	hubDisconnect
	hubNotify
)

type hubEvent struct {
	kind   hubEventKind
	client *Client
	connID string
	env    v1.Envelope
	notify UserNotice

	// reply, when set, receives the number of connections reached and is closed.
	reply chan int
}

// UserNotice is a user-targeted event injected by the persistence collaborator.
type UserNotice struct {
	UserID  string
	Kind    string
	Payload []byte
}

// Hub is the single writer of all presence state.
//
// Connection goroutines submit events into one inbox; Run processes them one at a
// time to completion (state mutation, then delivery) so no two handlers interleave.
// Events from one connection are handled in submission order. Events from a
// connection that has already been purged are discarded.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	registry *presence.Registry
	rooms    *presence.Rooms
	cursors  *presence.Cursors
	typing   *presence.Typing

	// clients is owned by the loop goroutine.
	clients map[string]*Client

	inbox    chan hubEvent
	done     chan struct{}
	stopOnce sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock overrides the hub's time source.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithInboxSize overrides the inbox capacity.
func WithInboxSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.inbox = make(chan hubEvent, n)
		}
	}
}

// NewHub constructs a Hub. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:      log.With("component", "hub"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		registry: presence.NewRegistry(),
		rooms:    presence.NewRooms(),
		cursors:  presence.NewCursors(),
		typing:   presence.NewTyping(),
		clients:  make(map[string]*Client),
		inbox:    make(chan hubEvent, hubInboxSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run processes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Info("hub.start")
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("hub.stop", "connections", len(h.clients))
			return nil
		case ev := <-h.inbox:
			n := h.handle(ev)
			if ev.reply != nil {
				ev.reply <- n
				close(ev.reply)
			}
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Connect registers c and announces it. It returns once the hub has processed the connect.
func (h *Hub) Connect(ctx context.Context, c *Client) error {
	if c == nil || c.ConnectionID == "" {
		return errors.New("realtime: invalid client")
	}
	_, err := h.call(ctx, hubEvent{kind: hubConnect, client: c, connID: c.ConnectionID})
	return err
}

// Submit queues an inbound client envelope for connID.
func (h *Hub) Submit(ctx context.Context, connID string, env v1.Envelope) error {
	if h.closed() {
		return ErrHubClosed
	}
	select {
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	case h.inbox <- hubEvent{kind: hubInbound, connID: connID, env: env}:
		return nil
	}
}

// Disconnect purges connID from every room and from the online directory, and waits
// until the purge has been applied. It is deliberately not cancellable by the
// connection's context: teardown must always run.
func (h *Hub) Disconnect(connID string) {
	_, _ = h.call(context.Background(), hubEvent{kind: hubDisconnect, connID: connID})
}

// NotifyUser delivers a user-targeted envelope to every online connection of n.UserID
// and returns how many connections it reached.
func (h *Hub) NotifyUser(ctx context.Context, n UserNotice) (int, error) {
	return h.call(ctx, hubEvent{kind: hubNotify, notify: n})
}

func (h *Hub) call(ctx context.Context, ev hubEvent) (int, error) {
	if h.closed() {
		return 0, ErrHubClosed
	}
	ev.reply = make(chan int, 1)
	select {
	case <-h.done:
		return 0, ErrHubClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	case h.inbox <- ev:
	}

	select {
	case n := <-ev.reply:
		return n, nil
	case <-h.done:
		return 0, ErrHubClosed
	}
}

// handle runs one event to completion and returns the number of connections reached.
func (h *Hub) handle(ev hubEvent) int {
	var out []Delivery

	switch ev.kind {
	case hubConnect:
		out = h.onConnect(ev.client)
	case hubDisconnect:
		out = h.onDisconnect(ev.connID)
	case hubInbound:
		if _, live := h.clients[ev.connID]; !live {
			h.log.Debug("hub.inbound.drop_purged", "connection_id", ev.connID, "kind", ev.env.Type)
			return 0
		}
		h.metrics.observeInbound(ev.env.Type)
		out = h.onInbound(ev.connID, ev.env)
	case hubNotify:
		out = h.onNotify(ev.notify)
	}

	n := h.deliver(out)

	rooms, _ := h.rooms.Stats()
	h.metrics.setPresence(len(h.clients), rooms)
	return n
}

// deliver queues each envelope to its live recipients. Recipients that are gone or
// backed up are skipped; there is no retry.
func (h *Hub) deliver(out []Delivery) int {
	reached := 0
	for _, d := range out {
		for _, id := range d.To {
			c := h.clients[id]
			if c == nil {
				continue
			}
			ok := c.offer(d.Env)
			h.metrics.observeDelivery(ok)
			if ok {
				reached++
			} else {
				h.log.Debug("hub.deliver.drop", "connection_id", id, "kind", d.Env.Type)
			}
		}
	}
	return reached
}

// PresenceSnapshot is a read-only view used by introspection endpoints.
type PresenceSnapshot struct {
	Online []v1.Member    `json:"online"`
	Rooms  map[string]int `json:"rooms"`
}

// Snapshot reads presence state through the components' own locks.
func (h *Hub) Snapshot() PresenceSnapshot {
	return PresenceSnapshot{
		Online: toWireMembers(h.registry.List()),
		Rooms:  h.rooms.Sizes(),
	}
}

// ConnectionsOf returns userID's live connection ids.
func (h *Hub) ConnectionsOf(userID string) []string {
	return h.registry.ConnectionsOf(userID)
}
