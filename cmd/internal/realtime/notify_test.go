package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingNotifier struct {
	got []UserNotice
	n   int
	err error
}

func (r *recordingNotifier) NotifyUser(_ context.Context, n UserNotice) (int, error) {
	r.got = append(r.got, n)
	return r.n, r.err
}

func TestNotifyHandler(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name       string
		method     string
		secret     string
		auth       string
		body       string
		notifier   *recordingNotifier
		wantStatus int
		wantBody   string
	}{
		{
			name: "delivered", method: http.MethodPost, secret: "s3cret", auth: "Bearer s3cret",
			body:       `{"userId":"u2","kind":"notification:new","payload":{"id":"n1"}}`,
			notifier:   &recordingNotifier{n: 2},
			wantStatus: http.StatusOK, wantBody: `{"delivered":2}`,
		},
		{
			name: "wrong secret", method: http.MethodPost, secret: "s3cret", auth: "Bearer nope",
			body:       `{"userId":"u2","kind":"notification:new"}`,
			notifier:   &recordingNotifier{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "disabled", method: http.MethodPost, secret: "", auth: "Bearer ",
			body:       `{"userId":"u2","kind":"notification:new"}`,
			notifier:   &recordingNotifier{},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "room kind rejected", method: http.MethodPost, secret: "s3cret", auth: "Bearer s3cret",
			body:       `{"userId":"u2","kind":"task:created"}`,
			notifier:   &recordingNotifier{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "bad json", method: http.MethodPost, secret: "s3cret", auth: "Bearer s3cret",
			body:       `{`,
			notifier:   &recordingNotifier{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "hub closed", method: http.MethodPost, secret: "s3cret", auth: "Bearer s3cret",
			body:       `{"userId":"u2","kind":"user:followed"}`,
			notifier:   &recordingNotifier{err: ErrHubClosed},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "get", method: http.MethodGet, secret: "s3cret", auth: "Bearer s3cret",
			notifier:   &recordingNotifier{},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewNotifyHandler(log, tc.notifier, tc.secret)
			req := httptest.NewRequest(tc.method, "/internal/notify", strings.NewReader(tc.body))
			req.Header.Set("Authorization", tc.auth)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d want=%d body=%s", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.wantBody != "" && strings.TrimSpace(rec.Body.String()) != tc.wantBody {
				t.Fatalf("body=%s want=%s", rec.Body.String(), tc.wantBody)
			}
			if tc.wantStatus == http.StatusOK {
				if len(tc.notifier.got) != 1 || tc.notifier.got[0].UserID != "u2" {
					t.Fatalf("unexpected notices: %+v", tc.notifier.got)
				}
				if !json.Valid(tc.notifier.got[0].Payload) {
					t.Fatalf("payload not forwarded: %q", tc.notifier.got[0].Payload)
				}
			}
			if tc.wantStatus == http.StatusUnauthorized && len(tc.notifier.got) != 0 {
				t.Fatalf("unauthorized request reached the hub")
			}
		})
	}
}

func TestNotifyHandler_ThroughHub(t *testing.T) {
	t.Parallel()

	h, _ := testHub(t)
	c := connect(t, h, "c1", "u2", "Bob")
	drain(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()

	srv := httptest.NewServer(NewNotifyHandler(nil, h, "s3cret"))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"userId":"u2","kind":"notification:new","payload":{"id":"n1"}}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out notifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Delivered != 1 {
		t.Fatalf("delivered=%d want=1", out.Delivered)
	}
	env := <-c.Send
	if env.Type != "notification:new" || string(env.Payload) != `{"id":"n1"}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}
