package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"articlecast/internal/delivery"
	"articlecast/internal/retry"
	logx "articlecast/pkg/logx"
)

type fakeDiscord struct {
	mu       sync.Mutex
	calls    []string
	bodies   []messageBody
	hookCode int
	dmCode   int
	limited  int // respond 429 this many times
	retryHdr string
	retryBod string
}

func (f *fakeDiscord) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		if f.limited > 0 {
			f.limited--
			if f.retryHdr != "" {
				w.Header().Set("Retry-After", f.retryHdr)
			}
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(f.retryBod))
			return
		}
		switch {
		case r.URL.Path == "/hook":
			if r.URL.Query().Get("wait") != "true" {
				t.Errorf("webhook posted without wait=true")
			}
			if f.hookCode != 0 {
				w.WriteHeader(f.hookCode)
				_, _ = w.Write([]byte(`{"message":"Unknown Webhook","code":10015}`))
				return
			}
			var b messageBody
			_ = json.NewDecoder(r.Body).Decode(&b)
			f.bodies = append(f.bodies, b)
			_, _ = w.Write([]byte(`{"id":"wh-msg"}`))
		case r.URL.Path == "/users/@me/channels":
			if r.Header.Get("Authorization") != "Bot tok" {
				t.Errorf("auth=%q", r.Header.Get("Authorization"))
			}
			if f.dmCode != 0 {
				w.WriteHeader(f.dmCode)
				_, _ = w.Write([]byte(`{"message":"Cannot send messages to this user"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"dm-1"}`))
		case r.URL.Path == "/channels/dm-1/messages":
			_, _ = w.Write([]byte(`{"id":"dm-msg"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func setup(t *testing.T, f *fakeDiscord) (*Adapter, string) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	a, err := New(Config{BotToken: "tok", DMEnabled: true, Webhooks: []string{srv.URL + "/hook"}, BaseURL: srv.URL, Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a, srv.URL + "/hook"
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{DMEnabled: true}, logx.Nop()); !delivery.IsConfiguration(err) {
		t.Fatalf("dm without token: %v", err)
	}
	if _, err := New(Config{Webhooks: []string{"discord.com/api/webhooks/1"}}, logx.Nop()); !delivery.IsConfiguration(err) {
		t.Fatalf("non-url webhook: %v", err)
	}
	if _, err := New(Config{}, logx.Nop()); !delivery.IsConfiguration(err) {
		t.Fatalf("nothing to deliver to: %v", err)
	}
	// Webhook-only delivery needs no bot token.
	if _, err := New(Config{Webhooks: []string{"https://discord.com/api/webhooks/1/x"}}, logx.Nop()); err != nil {
		t.Fatalf("webhook only: %v", err)
	}
}

func TestSendWebhookEmbed(t *testing.T) {
	t.Parallel()
	f := &fakeDiscord{}
	a, hook := setup(t, f)
	rc, err := a.Send(context.Background(), delivery.Recipient{Address: hook}, delivery.Payload{Title: "S3 update", Summary: "sum", URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rc.ProviderMessageID != "wh-msg" {
		t.Fatalf("id=%q", rc.ProviderMessageID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) != 1 || f.bodies[0].Embeds[0].Title != "S3 update" || f.bodies[0].Embeds[0].URL != "https://example.com/a" {
		t.Fatalf("body=%+v", f.bodies)
	}
}

func TestSendDMTwoStep(t *testing.T) {
	t.Parallel()
	f := &fakeDiscord{}
	a, _ := setup(t, f)
	rc, err := a.Send(context.Background(), delivery.Recipient{UserID: "u1", Address: "1001"}, delivery.Payload{Title: "t"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rc.ProviderMessageID != "dm-msg" {
		t.Fatalf("id=%q", rc.ProviderMessageID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want := []string{"POST /users/@me/channels", "POST /channels/dm-1/messages"}
	if len(f.calls) != 2 || f.calls[0] != want[0] || f.calls[1] != want[1] {
		t.Fatalf("calls=%v", f.calls)
	}
}

func TestDMChannelFailureIsTerminal(t *testing.T) {
	t.Parallel()
	for _, code := range []int{400, 403, 404} {
		f := &fakeDiscord{dmCode: code}
		a, _ := setup(t, f)
		_, err := a.Send(context.Background(), delivery.Recipient{Address: "1001"}, delivery.Payload{})
		de, ok := delivery.AsError(err)
		if !ok || de.Kind != delivery.Terminal {
			t.Fatalf("%d: expected terminal, got %v", code, err)
		}
	}
}

func TestDMChannelServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	for _, code := range []int{500, 503} {
		f := &fakeDiscord{dmCode: code}
		a, _ := setup(t, f)
		_, err := a.Send(context.Background(), delivery.Recipient{Address: "1001"}, delivery.Payload{})
		de, ok := delivery.AsError(err)
		if !ok || de.Kind != delivery.Transient || de.ProviderCode != strconv.Itoa(code) {
			t.Fatalf("%d: expected transient, got %v", code, err)
		}
	}
}

func TestWebhookGoneIsTerminal(t *testing.T) {
	t.Parallel()
	f := &fakeDiscord{hookCode: 404}
	a, hook := setup(t, f)
	_, err := a.Send(context.Background(), delivery.Recipient{Address: hook}, delivery.Payload{})
	de, ok := delivery.AsError(err)
	if !ok || de.Kind != delivery.Terminal || de.ProviderCode != "404" {
		t.Fatalf("expected terminal 404, got %v", err)
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		hdr  string
		body string
		want time.Duration
	}{
		{"header", "2", `{"message":"You are being rate limited.","retry_after":2}`, 2 * time.Second},
		{"fractional body", "", `{"message":"You are being rate limited.","retry_after":0.75,"global":false}`, 750 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeDiscord{limited: 1, retryHdr: tc.hdr, retryBod: tc.body}
			a, hook := setup(t, f)

			var slept []time.Duration
			ex := retry.Executor{Sleep: func(_ context.Context, d time.Duration) error {
				slept = append(slept, d)
				return nil
			}}
			var rc delivery.Receipt
			res := ex.Do(context.Background(), retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}, delivery.ChannelDiscord, a.Classify,
				func(ctx context.Context, _ int) error {
					var err error
					rc, err = a.Send(ctx, delivery.Recipient{Address: hook}, delivery.Payload{Title: "t"})
					return err
				})
			if !res.OK() || res.Attempts != 2 {
				t.Fatalf("result=%+v", res)
			}
			if len(slept) != 1 || slept[0] != tc.want {
				t.Fatalf("slept=%v want [%v]", slept, tc.want)
			}
			if rc.ProviderMessageID != "wh-msg" {
				t.Fatalf("id=%q", rc.ProviderMessageID)
			}
		})
	}
}

func TestSendAlert(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got messageBody
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	a, err := New(Config{AlertWebhook: srv.URL + "/alerts"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.SendAlert(context.Background(), "[WARN] ledger entry dropped"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.Content != "[WARN] ledger entry dropped" {
		t.Fatalf("content=%q", got.Content)
	}
}
