// Command huddle-smoke is a CI-friendly end-to-end check against a running huddle server.
//
// It validates:
//   - handshake and hello.ack
//   - join snapshots on both connections
//   - task:created relay with optimistic merge on the sender
//   - message:new relay and mention:received on the mentioned user
//   - typing relay
//   - leave-room announcements
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"huddle/cmd/internal/client"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

type options struct {
	url     string
	origin  string
	room    string
	timeout time.Duration
	verbose bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("huddle-smoke", pflag.ContinueOnError)
	flags.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
	flags.StringVar(&opts.origin, "origin", "http://localhost", "Origin header to send (browser-like handshake)")
	flags.StringVar(&opts.room, "room", "", "room id to join (default: random)")
	flags.DurationVar(&opts.timeout, "timeout", 7*time.Second, "per-step timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatalf("flags: %v", err)
	}
	if err := validateWSURL(opts.url); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if opts.room == "" {
		opts.room = "smoke-" + uuid.NewString()
	}

	if err := run(context.Background(), opts); err != nil {
		fatalf("%v", err)
	}
}

func run(ctx context.Context, opts options) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	suffix := uuid.NewString()[:8]
	ann, err := dial(ctx, opts, log, "smoke-ann-"+suffix, "Ann")
	if err != nil {
		return err
	}
	defer ann.Close()

	bobID := "smoke-bob-" + suffix
	bob, err := dial(ctx, opts, log, bobID, "Bob")
	if err != nil {
		return err
	}
	defer bob.Close()

	if opts.verbose {
		fmt.Printf("connected: ann=%s bob=%s room=%s\n", ann.ConnectionID(), bob.ConnectionID(), opts.room)
	}

	annRoom, err := ann.Join(ctx, opts.room)
	if err != nil {
		return fmt.Errorf("ann join: %w", err)
	}
	if _, err := waitFor(ann, opts.timeout, membersIs(1)); err != nil {
		return fmt.Errorf("ann room-users: %w", err)
	}
	bobRoom, err := bob.Join(ctx, opts.room)
	if err != nil {
		return fmt.Errorf("bob join: %w", err)
	}
	if _, err := waitFor(bob, opts.timeout, membersIs(2)); err != nil {
		return fmt.Errorf("bob room-users: %w", err)
	}
	if _, err := waitFor(ann, opts.timeout, membersIs(2)); err != nil {
		return fmt.Errorf("ann sees bob: %w", err)
	}

	taskID, err := ann.CreateTask(ctx, opts.room, client.NewTask{Title: "smoke task", Status: "todo", Position: 1})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if _, err := waitFor(bob, opts.timeout, ofType(v1.KindTaskCreated)); err != nil {
		return fmt.Errorf("bob task:created: %w", err)
	}
	if _, err := waitFor(ann, opts.timeout, ofType(v1.KindTaskCreated)); err != nil {
		return fmt.Errorf("ann task:created echo: %w", err)
	}
	if t, ok := bobRoom.Task(taskID); !ok || t.Title != "smoke task" {
		return fmt.Errorf("bob mirror missing task %s", taskID)
	}
	if n := len(annRoom.Tasks()); n != 1 {
		return fmt.Errorf("ann mirror has %d tasks after echo, want 1", n)
	}
	if t, _ := annRoom.Task(taskID); t.Pending {
		return errors.New("ann task still pending after echo")
	}

	msgID, err := ann.SendMessage(ctx, opts.room, fmt.Sprintf("@[Bob](%s) smoke check", bobID))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if _, err := waitFor(bob, opts.timeout, ofType(v1.KindMentionReceived)); err != nil {
		return fmt.Errorf("bob mention:received: %w", err)
	}
	mentions := bob.Global().Mentions()
	if len(mentions) != 1 || mentions[0].MessageID != msgID {
		return fmt.Errorf("bob mentions=%+v, want one for %s", mentions, msgID)
	}

	if err := bob.SetTyping(ctx, opts.room, true); err != nil {
		return fmt.Errorf("typing: %w", err)
	}
	if _, err := waitFor(ann, opts.timeout, ofType(v1.KindTypingStart)); err != nil {
		return fmt.Errorf("ann typing:start: %w", err)
	}

	if err := bob.Leave(ctx, opts.room); err != nil {
		return fmt.Errorf("bob leave: %w", err)
	}
	if _, err := waitFor(ann, opts.timeout, ofType(v1.KindUserLeft)); err != nil {
		return fmt.Errorf("ann user-left: %w", err)
	}
	if _, err := waitFor(ann, opts.timeout, membersIs(1)); err != nil {
		return fmt.Errorf("ann room-users after leave: %w", err)
	}

	fmt.Printf("OK: ann=%s bob=%s room=%s task=%s message=%s\n", ann.ConnectionID(), bob.ConnectionID(), opts.room, taskID, msgID)
	return nil
}

func dial(ctx context.Context, opts options, log *slog.Logger, userID, userName string) (*client.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	c, err := client.Dial(dctx, client.Config{
		URL:      opts.url,
		UserID:   userID,
		UserName: userName,
		Origin:   opts.origin,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", userName, err)
	}
	return c, nil
}

func waitFor(c *client.Client, timeout time.Duration, match func(v1.Envelope) bool) (v1.Envelope, error) {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.Events():
			if env.Type == v1.KindError {
				return env, fmt.Errorf("server error: %s", env.Payload)
			}
			if match(env) {
				return env, nil
			}
		case <-c.Done():
			return v1.Envelope{}, fmt.Errorf("connection closed: %w", c.Err())
		case <-deadline:
			return v1.Envelope{}, errors.New("timeout")
		}
	}
}

func ofType(kind string) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool { return env.Type == kind }
}

func membersIs(n int) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool {
		return env.Type == v1.KindRoomUsers && strings.Count(string(env.Payload), `"connectionId"`) == n
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
