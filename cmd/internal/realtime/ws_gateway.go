package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig tunes the websocket entrypoint. Zero values fall back to defaults.
type GatewayConfig struct {
	Origin OriginPolicy

	// InsecureSkipVerify disables websocket.Accept's origin verification. Dev only.
	InsecureSkipVerify bool

	// RequireTicket rejects handshakes without a valid identity ticket.
	RequireTicket bool

	// MaxConnsPerUser caps simultaneous connections per identified user. 0 disables the cap.
	MaxConnsPerUser int

	SendQueueSize int
	WriteTimeout  time.Duration
	// ReadIdleTimeout closes sessions that send nothing for this long. 0 leaves
	// liveness to the heartbeat alone.
	ReadIdleTimeout time.Duration

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Origin: OriginPolicy{
			Required: true,
			Allowed:  []string{"http://localhost", "http://127.0.0.1"},
		},
		SendQueueSize:    wsDefaultSendQueueSize,
		WriteTimeout:     wsDefaultWriteTimeout,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint for huddle realtime.
//
// It enforces origin policy, identity, per-user connection caps, rate limits and
// heartbeats, and forwards validated envelopes to the Hub. It owns no presence state.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	access   RoomAccess
	verifier *TicketVerifier
	metrics  *Metrics
	cfg      GatewayConfig
}

// NewWSGateway constructs a gateway. access defaults to AllowAll; verifier may be nil.
func NewWSGateway(log *slog.Logger, hub *Hub, access RoomAccess, verifier *TicketVerifier, metrics *Metrics, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if access == nil {
		access = AllowAll{}
	}
	return &WSGateway{
		log:      log,
		hub:      hub,
		access:   access,
		verifier: verifier,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.cfg.Origin.Check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.observeRejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id, err := resolveIdentity(r, g.verifier, g.cfg.RequireTicket)
	if err != nil {
		g.log.Info("ws.reject.ticket", "err", err, "remote", r.RemoteAddr)
		g.metrics.observeRejected("ticket")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if g.cfg.MaxConnsPerUser > 0 && id.UserID != "" && len(g.hub.ConnectionsOf(id.UserID)) >= g.cfg.MaxConnsPerUser {
		g.log.Info("ws.reject.conn_cap", "user_id", id.UserID, "cap", g.cfg.MaxConnsPerUser)
		g.metrics.observeRejected("conn_cap")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	// Server-wide read/write timeouts must not outlive the upgrade; liveness is
	// the heartbeat's job.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Offered, not required: browsers that omit it are still served.
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.cfg.Origin.Patterns(),
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	connID, err := NewConnectionID(now)
	if err != nil {
		g.log.Error("ws.connection_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	client := NewClient(connID, id.UserID, id.UserName, g.cfg.SendQueueSize)
	client.Verified = id.Verified

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := g.hub.Connect(ctx, client); err != nil {
		g.log.Error("ws.register.fail", "connection_id", connID, "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "unavailable")
		return
	}
	g.log.Info("ws.open",
		"connection_id", connID,
		"user_id", id.UserID,
		"verified", id.Verified,
		"subprotocol", conn.Subprotocol(),
	)

	var closeOnce sync.Once

	// shutdown is idempotent. Presence is purged before the client is closed so the
	// hub never addresses a connection that is half torn down. Send is never closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Disconnect(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.close", "connection_id", connID, "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					go shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						go shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := g.read(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			// Written inline: the writer goroutine stops as soon as shutdown closes the client.
			g.writeError(ctx, conn, "rate_limited", "too many events")
			g.metrics.observeRejected("rate_limited")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.KindJoinRoom {
			if code, msg := g.authorizeJoin(ctx, client, env); code != "" {
				g.sendError(client, code, msg)
				continue readLoop
			}
		}

		if err := g.hub.Submit(ctx, connID, env); err != nil {
			g.log.Info("ws.submit.fail", "connection_id", connID, "err", err)
			shutdown(websocket.StatusGoingAway, "server shutting down")
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// authorizeJoin consults RoomAccess for a join-room request. It returns an error
// code and message when the join must not reach the hub.
func (g *WSGateway) authorizeJoin(ctx context.Context, client *Client, env v1.Envelope) (string, string) {
	var p v1.JoinRoomPayload
	_ = json.Unmarshal(env.Payload, &p)

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		roomID = roomOf(env)
	}
	if roomID == "" {
		// The hub reports the missing room id.
		return "", ""
	}

	userID := client.UserID
	if !client.Verified {
		if s := strings.TrimSpace(p.UserID); s != "" {
			userID = s
		}
	}

	ok, err := g.access.CanJoin(ctx, userID, roomID)
	if err != nil {
		g.log.Error("ws.join.access_fail", "connection_id", client.ConnectionID, "room_id", roomID, "err", err)
		return "join_failed", "access check failed"
	}
	if !ok {
		g.log.Info("ws.join.denied", "connection_id", client.ConnectionID, "room_id", roomID, "user_id", userID)
		return "join_denied", fmt.Sprintf("%v: %s", ErrNotAllowed, roomID)
	}
	return "", ""
}

func (g *WSGateway) read(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	if g.cfg.ReadIdleTimeout <= 0 {
		return readEnvelope(ctx, conn)
	}
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
	defer cancel()
	return readEnvelope(readCtx, conn)
}

// sendError queues a protocol error for the origin connection only.
func (g *WSGateway) sendError(client *Client, code, msg string) {
	now := time.Now().UTC()
	_ = client.offer(v1.NewEnvelope(v1.KindError, newEnvelopeID(now), "", now, v1.ErrorPayload{Code: code, Message: msg}))
}

func (g *WSGateway) writeError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	now := time.Now().UTC()
	env := v1.NewEnvelope(v1.KindError, newEnvelopeID(now), "", now, v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// ---- envelope IO ----

var errBadJSON = errors.New("realtime: bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
