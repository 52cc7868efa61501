package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"huddle/cmd/internal/realtime"
	"huddle/cmd/internal/reconcile"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	cfg := realtime.DefaultGatewayConfig()
	cfg.Origin = realtime.OriginPolicy{}
	mux := http.NewServeMux()
	mux.Handle("/ws", realtime.NewWSGateway(log, hub, nil, nil, nil, cfg))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, userID, userName string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: url, UserID: userID, UserName: userName})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, c *Client, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-c.Events():
			if match(env) {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for envelope")
			return v1.Envelope{}
		}
	}
}

func ofType(kind string) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool { return env.Type == kind }
}

func roomUsersWith(n int) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool {
		return env.Type == v1.KindRoomUsers && strings.Count(string(env.Payload), "connectionId") == n
	}
}

func TestClient_OptimisticTaskIsNotDuplicatedByEcho(t *testing.T) {
	url := startServer(t)
	ann := dial(t, url, "u1", "Ann")
	bob := dial(t, url, "u2", "Bob")

	ctx := context.Background()
	annRoom, err := ann.Join(ctx, "board-1")
	require.NoError(t, err)
	waitFor(t, ann, roomUsersWith(1))
	bobRoom, err := bob.Join(ctx, "board-1")
	require.NoError(t, err)
	waitFor(t, ann, roomUsersWith(2))
	waitFor(t, bob, roomUsersWith(2))

	id, err := ann.CreateTask(ctx, "board-1", NewTask{Title: "Write tests", Status: "todo", Position: 1})
	require.NoError(t, err)

	tk, ok := annRoom.Task(id)
	require.True(t, ok)
	assert.True(t, tk.Pending)

	waitFor(t, ann, ofType(v1.KindTaskCreated))
	waitFor(t, bob, ofType(v1.KindTaskCreated))

	require.Len(t, annRoom.Tasks(), 1)
	tk, _ = annRoom.Task(id)
	assert.False(t, tk.Pending)

	bt, ok := bobRoom.Task(id)
	require.True(t, ok)
	assert.Equal(t, "Write tests", bt.Title)

	require.NoError(t, ann.MoveTask(ctx, "board-1", id, "done", 3))
	waitFor(t, bob, ofType(v1.KindTaskMoved))
	bt, _ = bobRoom.Task(id)
	assert.Equal(t, "done", bt.Status)
	assert.Equal(t, 3.0, bt.Position)
}

func TestClient_MentionReachesEveryTabOnce(t *testing.T) {
	url := startServer(t)
	ann := dial(t, url, "u1", "Ann")
	bobTab1 := dial(t, url, "u2", "Bob")
	bobTab2 := dial(t, url, "u2", "Bob")

	ctx := context.Background()
	_, err := ann.Join(ctx, "board-1")
	require.NoError(t, err)
	waitFor(t, ann, ofType(v1.KindRoomUsers))

	_, err = ann.SendMessage(ctx, "board-1", "@[Bob](u2) @[Bob](u2) please review")
	require.NoError(t, err)

	for _, tab := range []*Client{bobTab1, bobTab2} {
		env := waitFor(t, tab, ofType(v1.KindMentionReceived))
		assert.Contains(t, string(env.Payload), `"text":"@Bob @Bob please review"`)
		assert.Eventually(t, func() bool { return len(tab.Global().Mentions()) == 1 }, time.Second, 10*time.Millisecond)
	}
}

func TestClient_CursorThrottleAndDelivery(t *testing.T) {
	url := startServer(t)
	ann := dial(t, url, "u1", "Ann")
	bob := dial(t, url, "u2", "Bob")

	ctx := context.Background()
	_, err := ann.Join(ctx, "board-1")
	require.NoError(t, err)
	waitFor(t, ann, roomUsersWith(1))
	bobRoom, err := bob.Join(ctx, "board-1")
	require.NoError(t, err)
	waitFor(t, bob, roomUsersWith(2))

	sent, err := ann.MoveCursor(ctx, "board-1", 10, 20)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = ann.MoveCursor(ctx, "board-1", 11, 21)
	require.NoError(t, err)
	assert.False(t, sent, "second move inside the interval is throttled")

	waitFor(t, bob, ofType(v1.KindCursorMove))
	cursors := bobRoom.Cursors()
	require.Len(t, cursors, 1)
	assert.Equal(t, ann.ConnectionID(), cursors[0].ConnectionID)
	assert.Equal(t, 10.0, cursors[0].X)

	time.Sleep(2 * CursorInterval)
	sent, err = ann.MoveCursor(ctx, "board-1", 12, 22)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestClient_ReconnectGetsNewConnection(t *testing.T) {
	url := startServer(t)
	first := dial(t, url, "u1", "Ann")
	firstID := first.ConnectionID()
	require.NoError(t, first.Close())

	second := dial(t, url, "u1", "Ann")
	assert.NotEmpty(t, second.ConnectionID())
	assert.NotEqual(t, firstID, second.ConnectionID())
	assert.Nil(t, second.Room("board-1"))
}

func offlineClient(rooms ...string) *Client {
	c := &Client{
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		global: reconcile.New(""),
		rooms:  make(map[string]*reconcile.State),
	}
	for _, r := range rooms {
		c.rooms[r] = reconcile.New(r)
	}
	return c
}

func rawEnvelope(kind, room, payload string) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: kind, Room: room, Payload: json.RawMessage(payload)}
}

func TestClient_DispatchDropsEventsForRoomWithoutMirror(t *testing.T) {
	c := offlineClient("board-1")

	c.dispatch(rawEnvelope(v1.KindTaskCreated, "board-2", `{"roomId":"board-2","task":{"id":"t9","title":"Late"}}`))
	c.dispatch(rawEnvelope(v1.KindMessageNew, "", `{"roomId":"board-2","message":{"id":"m9","content":"late"}}`))
	c.dispatch(rawEnvelope(v1.KindTaskMoved, "", `{"taskId":"t9","status":"done"}`))
	assert.Empty(t, c.Global().Tasks())
	assert.Empty(t, c.Global().Messages())

	c.dispatch(rawEnvelope(v1.KindTaskCreated, "board-1", `{"roomId":"board-1","task":{"id":"t1","title":"Kept"}}`))
	require.Len(t, c.Room("board-1").Tasks(), 1)
	assert.Empty(t, c.Global().Tasks())
}

func TestClient_DispatchRoutesMentionsToGlobal(t *testing.T) {
	c := offlineClient("board-1")

	c.dispatch(rawEnvelope(v1.KindMentionReceived, "board-1", `{"messageId":"m1","roomId":"board-1","senderId":"u2","text":"@Ann hi"}`))

	require.Len(t, c.Global().Mentions(), 1)
	assert.Empty(t, c.Room("board-1").Mentions())
}

func TestClient_UndecodableFrameKeepsReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		hello, _ := json.Marshal(v1.NewEnvelope(v1.KindHelloAck, "h1", "", time.Now(), v1.HelloAckPayload{ConnectionID: "c1", UserID: "u1", UserName: "Ann"}))
		frames := [][]byte{
			hello,
			[]byte(`{"v":"v1","type":"online-users","ts":42}`),
			[]byte(`{not json`),
			[]byte(`{"v":"v1","type":"error","payload":{"code":"bad_json","message":"x"}}`),
		}
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, f); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	c := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), "u1", "Ann")

	waitFor(t, c, ofType(v1.KindError))
	assert.NoError(t, c.Err())
	p, ok := c.Global().LastError()
	require.True(t, ok)
	assert.Equal(t, "bad_json", p.Code)
}
