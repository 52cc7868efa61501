package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(t *testing.T) (*Hub, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), m, WithClock(func() time.Time { return fixed }))
	return h, m
}

func connect(t *testing.T, h *Hub, connID, userID, userName string) *Client {
	t.Helper()
	c := NewClient(connID, userID, userName, 256)
	h.handle(hubEvent{kind: hubConnect, client: c, connID: connID})
	return c
}

func send(h *Hub, connID, kind, room string, payload any) int {
	return h.handle(hubEvent{kind: hubInbound, connID: connID, env: v1.NewEnvelope(kind, "", room, time.Time{}, payload)})
}

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func kinds(envs []v1.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func ofKind(envs []v1.Envelope, kind string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func join(h *Hub, connID, room string) {
	send(h, connID, v1.KindJoinRoom, "", v1.JoinRoomPayload{RoomID: room})
}

func TestHub_ConnectSendsHelloAndOnlineUsers(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")

	got := drain(a)
	require.Equal(t, []string{v1.KindHelloAck, v1.KindOnlineUsers}, kinds(got))
	ack := decode[v1.HelloAckPayload](t, got[0])
	assert.Equal(t, v1.HelloAckPayload{ConnectionID: "c1", UserID: "u1", UserName: "Ann"}, ack)

	b := connect(t, h, "c2", "", "")
	ackB := decode[v1.HelloAckPayload](t, drain(b)[0])
	assert.Equal(t, "anonymous", ackB.UserID)
	assert.Equal(t, "Anonymous", ackB.UserName)

	online := decode[v1.OnlineUsersPayload](t, ofKind(drain(a), v1.KindOnlineUsers)[0])
	assert.Len(t, online.Users, 2)
}

func TestHub_JoinAnnouncesAndSnapshots(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	b := connect(t, h, "c2", "u2", "Bob")
	join(h, "c1", "r1")
	drain(a)
	drain(b)

	join(h, "c2", "r1")

	gotA := drain(a)
	require.Equal(t, []string{v1.KindUserJoined, v1.KindRoomUsers}, kinds(gotA))
	joined := decode[v1.Member](t, gotA[0])
	assert.Equal(t, v1.Member{UserID: "u2", UserName: "Bob", ConnectionID: "c2"}, joined)

	gotB := drain(b)
	require.Equal(t, []string{v1.KindRoomUsers}, kinds(gotB))
	users := decode[v1.RoomUsersPayload](t, gotB[0])
	assert.Equal(t, "r1", users.RoomID)
	require.Len(t, users.Users, 2)
	assert.Equal(t, "c1", users.Users[0].ConnectionID)
	assert.Equal(t, "c2", users.Users[1].ConnectionID)
}

func TestHub_RejoinDoesNotDuplicate(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	b := connect(t, h, "c2", "u2", "Bob")
	join(h, "c1", "r1")
	join(h, "c2", "r1")
	drain(a)
	drain(b)

	send(h, "c2", v1.KindJoinRoom, "", v1.JoinRoomPayload{RoomID: "r1", UserName: "Bobby"})

	gotA := drain(a)
	assert.Empty(t, ofKind(gotA, v1.KindUserJoined))
	users := decode[v1.RoomUsersPayload](t, ofKind(gotA, v1.KindRoomUsers)[0])
	require.Len(t, users.Users, 2)
	assert.Equal(t, "Bobby", users.Users[1].UserName)
}

func TestHub_VerifiedIdentityIgnoresJoinPayload(t *testing.T) {
	h, _ := testHub(t)
	c := NewClient("c1", "u1", "Ann", 16)
	c.Verified = true
	h.handle(hubEvent{kind: hubConnect, client: c, connID: "c1"})
	drain(c)

	send(h, "c1", v1.KindJoinRoom, "", v1.JoinRoomPayload{RoomID: "r1", UserID: "admin", UserName: "Root"})

	users := decode[v1.RoomUsersPayload](t, drain(c)[0])
	assert.Equal(t, []v1.Member{{UserID: "u1", UserName: "Ann", ConnectionID: "c1"}}, users.Users)
}

func TestHub_UnverifiedJoinIdentityReachesTypingAndMentions(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "cA", "", "")
	b := connect(t, h, "cB", "u2", "Bob")
	drain(a)
	drain(b)

	send(h, "cA", v1.KindJoinRoom, "", v1.JoinRoomPayload{RoomID: "r1", UserID: "u1", UserName: "Ann"})
	join(h, "cB", "r1")

	online := ofKind(drain(a), v1.KindOnlineUsers)
	require.NotEmpty(t, online)
	users := decode[v1.OnlineUsersPayload](t, online[0]).Users
	assert.Contains(t, users, v1.Member{UserID: "u1", UserName: "Ann", ConnectionID: "cA"})
	assert.Equal(t, []string{"cA"}, h.registry.ConnectionsOf("u1"))
	assert.Empty(t, h.registry.ConnectionsOf("anonymous"))
	drain(b)

	send(h, "cA", v1.KindTypingStart, "r1", map[string]string{})
	got := drain(b)
	require.Equal(t, []string{v1.KindTypingStart}, kinds(got))
	typing := decode[v1.TypingPayload](t, got[0])
	assert.Equal(t, "u1", typing.UserID)
	assert.Equal(t, "Ann", typing.UserName)

	send(h, "cB", v1.KindMessageNew, "r1", map[string]any{
		"roomId":  "r1",
		"message": map[string]string{"id": "m1", "content": "@[Ann](u1) ping"},
	})
	mentions := ofKind(drain(a), v1.KindMentionReceived)
	require.Len(t, mentions, 1)
	assert.Equal(t, "m1", decode[v1.MentionReceivedPayload](t, mentions[0]).MessageID)
}

func TestHub_DisconnectCleansEveryRoom(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	b := connect(t, h, "c2", "u2", "Bob")
	c := connect(t, h, "c3", "u3", "Cy")
	join(h, "c1", "r1")
	join(h, "c1", "r2")
	join(h, "c2", "r1")
	join(h, "c3", "r2")
	send(h, "c1", v1.KindCursorMove, "r1", v1.CursorMovePayload{X: 1, Y: 2})
	drain(a)
	drain(b)
	drain(c)

	h.handle(hubEvent{kind: hubDisconnect, connID: "c1"})

	gotB := drain(b)
	assert.Equal(t, []string{v1.KindCursorLeave, v1.KindUserLeft, v1.KindRoomUsers, v1.KindOnlineUsers}, kinds(gotB))
	leave := decode[v1.CursorLeavePayload](t, gotB[0])
	assert.Equal(t, "c1", leave.ConnectionID)

	// c1 never moved a cursor in r2.
	gotC := drain(c)
	assert.Equal(t, []string{v1.KindUserLeft, v1.KindRoomUsers, v1.KindOnlineUsers}, kinds(gotC))

	assert.Empty(t, drain(a))
	assert.Empty(t, h.rooms.RoomsOf("c1"))
	_, ok := h.registry.Lookup("c1")
	assert.False(t, ok)
	assert.Empty(t, h.cursors.Snapshot("r1"))
}

func TestHub_LastLeavePrunesRoom(t *testing.T) {
	h, _ := testHub(t)
	connect(t, h, "c1", "u1", "Ann")
	join(h, "c1", "r1")
	send(h, "c1", v1.KindTypingStart, "r1", map[string]string{})
	require.Len(t, h.typing.Active("r1"), 1)

	send(h, "c1", v1.KindLeaveRoom, "r1", nil)

	assert.Empty(t, h.rooms.Sizes())
	assert.Empty(t, h.typing.Active("r1"))
}

func TestHub_LeaveUnknownRoomIsNoop(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	drain(a)

	n := send(h, "c1", v1.KindLeaveRoom, "nowhere", nil)
	assert.Zero(t, n)
	assert.Empty(t, drain(a))
}

func TestHub_RelayOriginPolicy(t *testing.T) {
	cases := []struct {
		kind       string
		wantOrigin bool
	}{
		{kind: v1.KindTaskCreated, wantOrigin: true},
		{kind: v1.KindMessageNew, wantOrigin: true},
		{kind: v1.KindTaskUpdated, wantOrigin: false},
		{kind: v1.KindTaskMoved, wantOrigin: false},
		{kind: v1.KindTaskCompleted, wantOrigin: false},
		{kind: v1.KindTaskDeleted, wantOrigin: false},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			h, _ := testHub(t)
			a := connect(t, h, "c1", "u1", "Ann")
			b := connect(t, h, "c2", "u2", "Bob")
			outsider := connect(t, h, "c3", "u3", "Cy")
			join(h, "c1", "r1")
			join(h, "c2", "r1")
			drain(a)
			drain(b)
			drain(outsider)

			send(h, "c1", tc.kind, "r1", map[string]any{"taskId": "t1", "task": map[string]string{"id": "t1"}})

			gotB := drain(b)
			require.Len(t, gotB, 1)
			assert.Equal(t, "r1", gotB[0].Room)
			assert.JSONEq(t, `{"taskId":"t1","task":{"id":"t1"}}`, string(gotB[0].Payload))

			assert.Equal(t, tc.wantOrigin, len(drain(a)) == 1)
			assert.Empty(t, drain(outsider))
		})
	}
}

func TestHub_RelayFromNonMemberIsDropped(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	b := connect(t, h, "c2", "u2", "Bob")
	join(h, "c2", "r1")
	drain(a)
	drain(b)

	n := send(h, "c1", v1.KindTaskUpdated, "r1", map[string]string{"taskId": "t1"})
	assert.Zero(t, n)
	assert.Empty(t, drain(b))
}

func TestHub_MentionFanOut(t *testing.T) {
	h, m := testHub(t)
	sender := connect(t, h, "c1", "u1", "Ann")
	bobPhone := connect(t, h, "c2", "u2", "Bob")
	bobLaptop := connect(t, h, "c3", "u2", "Bob")
	join(h, "c1", "r1")
	drain(sender)
	drain(bobPhone)
	drain(bobLaptop)

	send(h, "c1", v1.KindMessageNew, "r1", map[string]any{
		"roomId":  "r1",
		"message": map[string]string{"id": "m1", "content": "@[Bob](u2) @[Bob](u2) @[Ann](u1) look"},
	})

	for _, c := range []*Client{bobPhone, bobLaptop} {
		got := drain(c)
		require.Equal(t, []string{v1.KindMentionReceived}, kinds(got))
		p := decode[v1.MentionReceivedPayload](t, got[0])
		assert.Equal(t, "m1", p.MessageID)
		assert.Equal(t, "r1", p.RoomID)
		assert.Equal(t, "u1", p.SenderID)
		assert.Equal(t, "Ann", p.SenderName)
		assert.Equal(t, "@Bob @Bob @Ann look", p.Text)
	}

	// The sender gets the echo of its own message but no self-mention.
	assert.Equal(t, []string{v1.KindMessageNew}, kinds(drain(sender)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.mentions))
}

func TestHub_CursorAndTyping(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	b := connect(t, h, "c2", "u2", "Bob")
	join(h, "c1", "r1")
	join(h, "c2", "r1")
	drain(a)
	drain(b)

	send(h, "c1", v1.KindCursorMove, "r1", v1.CursorMovePayload{X: 10, Y: 20})
	got := drain(b)
	require.Len(t, got, 1)
	cur := decode[v1.CursorMovePayload](t, got[0])
	assert.Equal(t, v1.CursorMovePayload{RoomID: "r1", X: 10, Y: 20, UserName: "Ann", ConnectionID: "c1"}, cur)
	assert.Empty(t, drain(a))

	send(h, "c1", v1.KindTypingStart, "r1", map[string]string{})
	send(h, "c1", v1.KindTypingStart, "r1", map[string]string{})
	send(h, "c1", v1.KindTypingStop, "r1", map[string]string{})
	assert.Equal(t, []string{v1.KindTypingStart, v1.KindTypingStart, v1.KindTypingStop}, kinds(drain(b)))
	assert.Empty(t, drain(a))
	assert.Empty(t, h.typing.Active("r1"))
}

func TestHub_InboundAfterPurgeIsDropped(t *testing.T) {
	h, m := testHub(t)
	connect(t, h, "c1", "u1", "Ann")
	b := connect(t, h, "c2", "u2", "Bob")
	join(h, "c1", "r1")
	join(h, "c2", "r1")
	h.handle(hubEvent{kind: hubDisconnect, connID: "c1"})
	drain(b)

	before := testutil.ToFloat64(m.inbound.WithLabelValues(v1.KindJoinRoom))
	join(h, "c1", "r1")

	assert.Empty(t, drain(b))
	assert.Equal(t, before, testutil.ToFloat64(m.inbound.WithLabelValues(v1.KindJoinRoom)))
	assert.Equal(t, 1, h.rooms.Sizes()["r1"])
}

func TestHub_UserTargetedAndNotify(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	b := connect(t, h, "c2", "u2", "Bob")
	drain(a)
	drain(b)

	send(h, "c1", v1.KindUserFollowed, "", v1.UserTargetedPayload{TargetUserID: "u2", Data: json.RawMessage(`{"x":1}`)})
	got := drain(b)
	require.Len(t, got, 1)
	p := decode[v1.UserTargetedPayload](t, got[0])
	require.NotNil(t, p.From)
	assert.Equal(t, "u1", p.From.UserID)
	assert.JSONEq(t, `{"x":1}`, string(p.Data))

	n := h.handle(hubEvent{kind: hubNotify, notify: UserNotice{UserID: "u2", Kind: v1.KindNotificationNew, Payload: []byte(`{"id":"n1"}`)}})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{v1.KindNotificationNew}, kinds(drain(b)))

	assert.Zero(t, h.handle(hubEvent{kind: hubNotify, notify: UserNotice{UserID: "ghost", Kind: v1.KindNotificationNew}}))
}

func TestHub_UnsupportedKindReturnsError(t *testing.T) {
	h, _ := testHub(t)
	a := connect(t, h, "c1", "u1", "Ann")
	drain(a)

	send(h, "c1", "bogus:kind", "", nil)
	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, v1.KindError, got[0].Type)
	assert.Equal(t, "unsupported", decode[v1.ErrorPayload](t, got[0]).Code)
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	h, m := testHub(t)
	slow := NewClient("c1", "u1", "Ann", 1)
	h.handle(hubEvent{kind: hubConnect, client: slow, connID: "c1"})
	connect(t, h, "c2", "u2", "Bob")

	// slow's single slot holds hello.ack; the two online-users broadcasts were dropped.
	assert.Len(t, drain(slow), 1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.dropped), 2.0)
}

func TestHub_RunProcessesInOrder(t *testing.T) {
	h, _ := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()

	a := NewClient("c1", "u1", "Ann", 64)
	b := NewClient("c2", "u2", "Bob", 64)
	require.NoError(t, h.Connect(ctx, a))
	require.NoError(t, h.Connect(ctx, b))

	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, h.Submit(ctx, id, v1.NewEnvelope(v1.KindJoinRoom, "", "", time.Time{}, v1.JoinRoomPayload{RoomID: "r1"})))
	}
	for i := 0; i < 3; i++ {
		payload := map[string]string{"taskId": string(rune('a' + i))}
		require.NoError(t, h.Submit(ctx, "c1", v1.NewEnvelope(v1.KindTaskUpdated, "", "r1", time.Time{}, payload)))
	}
	// A round-trip through the loop guarantees everything above was handled.
	_, err := h.NotifyUser(ctx, UserNotice{UserID: "nobody", Kind: v1.KindNotificationNew})
	require.NoError(t, err)

	var ids []string
	for _, env := range ofKind(drain(b), v1.KindTaskUpdated) {
		ids = append(ids, decode[map[string]string](t, env)["taskId"])
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	h.Disconnect("c1")
	assert.Equal(t, 1, h.registry.Len())

	cancel()
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, h.Submit(context.Background(), "c2", v1.Envelope{}), ErrHubClosed)
}
