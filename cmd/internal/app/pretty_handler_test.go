package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "hub").Info("hub.room.join",
		"connection_id", "01J0",
		"room_id", "board 1",
		"status", 200,
		"duration_ms", int64(4),
	)

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"INF hub.room.join",
		"component=hub",
		"conn=01J0",
		`room_id="board 1"`,
		"status=200",
		"ms=4",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but line has escapes: %q", line)
	}
}

func TestPrettyHandler_ColorAndLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))

	log.Info("dropped")
	log.Error("ws.accept.fail", "err", "boom")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record passed a warn level filter: %q", out)
	}
	if !strings.Contains(out, ansiRed) {
		t.Fatalf("expected red escapes in %q", out)
	}
	if got := stripANSI(out); !strings.Contains(got, "ERR ws.accept.fail err=boom") {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestPrettyHandler_Groups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.WithGroup("ws").Info("ws.accept", slog.Group("peer", "ip", "10.0.0.1"))

	if got := buf.String(); !strings.Contains(got, "ws.peer.ip=10.0.0.1") {
		t.Fatalf("group key missing in %q", got)
	}
}
