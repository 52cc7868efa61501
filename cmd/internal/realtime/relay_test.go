package realtime

import (
	"encoding/json"
	"reflect"
	"testing"

	"huddle/cmd/internal/presence"
	v1 "huddle/shared/contracts/realtime/v1"
)

func TestRelayTargets(t *testing.T) {
	t.Parallel()

	members := []presence.Member{{ConnectionID: "c1"}, {ConnectionID: "c2"}, {ConnectionID: "c3"}}

	cases := []struct {
		kind string
		want []string
	}{
		{kind: v1.KindTaskCreated, want: []string{"c1", "c2", "c3"}},
		{kind: v1.KindMessageNew, want: []string{"c1", "c2", "c3"}},
		{kind: v1.KindTaskUpdated, want: []string{"c1", "c3"}},
		{kind: v1.KindTaskMoved, want: []string{"c1", "c3"}},
		{kind: v1.KindTaskCompleted, want: []string{"c1", "c3"}},
		{kind: v1.KindTaskDeleted, want: []string{"c1", "c3"}},
	}
	for _, tc := range cases {
		if got := relayTargets(members, "c2", tc.kind); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("relayTargets(%s)=%v want=%v", tc.kind, got, tc.want)
		}
	}
}

func TestRoomOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  v1.Envelope
		want string
	}{
		{name: "envelope room wins", env: v1.Envelope{Room: " r1 ", Payload: json.RawMessage(`{"roomId":"r2"}`)}, want: "r1"},
		{name: "payload roomId", env: v1.Envelope{Payload: json.RawMessage(`{"roomId":"r2"}`)}, want: "r2"},
		{name: "bare string payload", env: v1.Envelope{Payload: json.RawMessage(`"r3"`)}, want: "r3"},
		{name: "no room", env: v1.Envelope{Payload: json.RawMessage(`{"x":1}`)}, want: ""},
		{name: "empty payload", env: v1.Envelope{}, want: ""},
	}
	for _, tc := range cases {
		if got := roomOf(tc.env); got != tc.want {
			t.Fatalf("%s: roomOf()=%q want=%q", tc.name, got, tc.want)
		}
	}
}

func TestEntityID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind    string
		payload string
		want    string
	}{
		{kind: v1.KindTaskMoved, payload: `{"taskId":"t1","status":"done"}`, want: "t1"},
		{kind: v1.KindTaskCreated, payload: `{"task":{"id":"t2"}}`, want: "t2"},
		{kind: v1.KindMessageNew, payload: `{"message":{"id":"m1"}}`, want: "m1"},
		{kind: v1.KindMessageNew, payload: `{"messageId":"m2"}`, want: "m2"},
		{kind: v1.KindTaskDeleted, payload: `not json`, want: ""},
	}
	for _, tc := range cases {
		if got := entityID(tc.kind, []byte(tc.payload)); got != tc.want {
			t.Fatalf("entityID(%s, %s)=%q want=%q", tc.kind, tc.payload, got, tc.want)
		}
	}
}
