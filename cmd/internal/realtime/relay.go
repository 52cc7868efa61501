package realtime

import (
	"strings"

	"huddle/cmd/internal/presence"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/tidwall/gjson"
)

// The durable event relay is a pass-through: the change was already committed by the
// persistence collaborator before the client emitted the event. The relay never decodes
// or validates the payload beyond locating its room and entity id.

// relayIncludesOrigin reports whether a relayed kind is echoed back to the originating
// connection. Creations and chat messages are echoed so the sender's own view converges
// through the same id-keyed reconciliation as every other observer.
func relayIncludesOrigin(kind string) bool {
	switch kind {
	case v1.KindTaskCreated, v1.KindMessageNew:
		return true
	}
	return false
}

// isRelayKind reports whether kind is handled by the durable relay.
func isRelayKind(kind string) bool {
	return v1.IsTaskKind(kind) || kind == v1.KindMessageNew
}

// relayTargets selects the recipients of a relayed event among the room members.
func relayTargets(members []presence.Member, origin, kind string) []string {
	withOrigin := relayIncludesOrigin(kind)
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.ConnectionID == origin && !withOrigin {
			continue
		}
		out = append(out, m.ConnectionID)
	}
	return out
}

// roomOf locates the room an inbound envelope is scoped to: the envelope's room
// field first, then payload.roomId. leave-room also accepts a bare JSON string payload.
func roomOf(env v1.Envelope) string {
	if r := strings.TrimSpace(env.Room); r != "" {
		return r
	}
	if len(env.Payload) == 0 {
		return ""
	}
	p := gjson.ParseBytes(env.Payload)
	if p.Type == gjson.String {
		return strings.TrimSpace(p.String())
	}
	return strings.TrimSpace(p.Get("roomId").String())
}

// entityID extracts the identifier a relayed payload is keyed by, for logging.
func entityID(kind string, payload []byte) string {
	p := gjson.ParseBytes(payload)
	paths := []string{"taskId", "task.id"}
	if kind == v1.KindMessageNew {
		paths = []string{"message.id", "messageId"}
	}
	for _, path := range paths {
		if v := p.Get(path); v.Exists() {
			return v.String()
		}
	}
	return ""
}
