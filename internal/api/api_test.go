package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"articlecast/internal/delivery"
	"articlecast/internal/ledger"
	"articlecast/internal/notifier"
	logx "articlecast/pkg/logx"
)

const testSecret = "test-secret"

type fakeNotifier struct {
	replayErr   error
	replayPanic bool
	articles    []delivery.Article
}

func (f *fakeNotifier) BroadcastNewArticle(ctx context.Context, art delivery.Article) (notifier.Summary, error) {
	if art.ID == "" || art.Title == "" {
		return notifier.Summary{}, fmt.Errorf("%w: id and title are required", notifier.ErrInvalidArticle)
	}
	f.articles = append(f.articles, art)
	return notifier.Summary{
		RunID:     "run-" + art.ID,
		Kind:      "broadcast",
		ArticleID: art.ID,
		Channels: map[delivery.Channel]notifier.ChannelSummary{
			delivery.ChannelEmail: {Recipients: 3, Sent: 2, Queued: 1},
		},
	}, nil
}

func (f *fakeNotifier) Replay(ctx context.Context) (ledger.ReplayReport, error) {
	if f.replayPanic {
		panic("replay exploded")
	}
	if f.replayErr != nil {
		return ledger.ReplayReport{}, f.replayErr
	}
	return ledger.ReplayReport{Attempted: 2, Succeeded: 1, Requeued: 1, Remaining: 1}, nil
}

func (f *fakeNotifier) Channels() []delivery.Channel {
	return []delivery.Channel{delivery.ChannelEmail}
}

type fakeLedger []ledger.Entry

func (l fakeLedger) Snapshot() []ledger.Entry { return l }

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, cfg Config, svc Notifier, l LedgerView, hist HistoryView) *httptest.Server {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	srv := httptest.NewServer(NewRouter(NewHandler(cfg, svc, l, hist, logx.Nop())))
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := GenerateToken(testSecret, "", sub, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, srv *httptest.Server, method, path, tok, body string) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestHealthzIsPublic(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeNotifier{}, fakeLedger{}, notifier.NewHistory(10, 0))
	resp, env := do(t, srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", env.Status)

	resp, _ = do(t, srv, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestV1RequiresValidToken(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeNotifier{}, fakeLedger{}, notifier.NewHistory(10, 0))

	resp, env := do(t, srv, http.MethodGet, "/v1/ledger", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", env.Code)

	forged, err := GenerateToken("other-secret", "", "ops", time.Hour)
	require.NoError(t, err)
	resp, _ = do(t, srv, http.MethodGet, "/v1/ledger", forged, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	noSub, err := GenerateToken(testSecret, "", "", time.Hour)
	require.NoError(t, err)
	resp, _ = do(t, srv, http.MethodGet, "/v1/ledger", noSub, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	resp, _ = do(t, srv, http.MethodGet, "/v1/ledger", expired, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/v1/ledger", token(t, "ops"), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssuerIsEnforced(t *testing.T) {
	srv := newTestServer(t, Config{Issuer: "articlecast"}, &fakeNotifier{}, fakeLedger{}, notifier.NewHistory(10, 0))
	resp, _ := do(t, srv, http.MethodGet, "/v1/ledger", token(t, "ops"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := GenerateToken(testSecret, "articlecast", "ops", time.Hour)
	require.NoError(t, err)
	resp, _ = do(t, srv, http.MethodGet, "/v1/ledger", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBroadcastArticle(t *testing.T) {
	svc := &fakeNotifier{}
	srv := newTestServer(t, Config{}, svc, fakeLedger{}, notifier.NewHistory(10, 0))

	body := `{"id":"a1","title":"New in S3","url":"https://example.com/a1"}`
	resp, env := do(t, srv, http.MethodPost, "/v1/articles", token(t, "ops"), body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out broadcastResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "run-a1", out.Summary.RunID)
	assert.Equal(t, 2, out.Totals.Sent)
	assert.Equal(t, 1, out.Totals.Queued)
	require.Len(t, svc.articles, 1)
	assert.Equal(t, "New in S3", svc.articles[0].Title)
}

func TestBroadcastRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeNotifier{}, fakeLedger{}, notifier.NewHistory(10, 0))
	tok := token(t, "ops")

	resp, env := do(t, srv, http.MethodPost, "/v1/articles", tok, `{"id":"a1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARTICLE", env.Code)

	resp, env = do(t, srv, http.MethodPost, "/v1/articles", tok, `{"id":"a1","nope":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", env.Code)
}

func TestReplay(t *testing.T) {
	svc := &fakeNotifier{}
	srv := newTestServer(t, Config{}, svc, fakeLedger{}, notifier.NewHistory(10, 0))
	tok := token(t, "ops")

	resp, env := do(t, srv, http.MethodPost, "/v1/ledger/replay", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out replayResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, replayResponse{Attempted: 2, Succeeded: 1, Requeued: 1, Remaining: 1}, out)

	svc.replayErr = ledger.ErrReplayRunning
	resp, env = do(t, srv, http.MethodPost, "/v1/ledger/replay", tok, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "REPLAY_RUNNING", env.Code)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeNotifier{replayPanic: true}, fakeLedger{}, notifier.NewHistory(10, 0))
	resp, env := do(t, srv, http.MethodPost, "/v1/ledger/replay", token(t, "ops"), "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", env.Code)
}

func TestListLedger(t *testing.T) {
	entries := fakeLedger{}
	for i := 0; i < 5; i++ {
		r := delivery.Recipient{Address: "u" + strconv.Itoa(i) + "@example.com"}
		entries = append(entries, ledger.Entry{
			Request:    delivery.NewRequest(r, delivery.ChannelEmail, delivery.Payload{ArticleID: "a1"}),
			LastError:  delivery.Transient,
			RetryCount: i,
		})
	}
	srv := newTestServer(t, Config{}, &fakeNotifier{}, entries, notifier.NewHistory(10, 0))

	resp, env := do(t, srv, http.MethodGet, "/v1/ledger?limit=2", token(t, "ops"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out ledgerResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, 5, out.Count)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "a1|u0@example.com|email", out.Entries[0].Key())
}

func TestBroadcastHistory(t *testing.T) {
	hist := notifier.NewHistory(10, 0)
	hist.Add(notifier.Summary{RunID: "r1", Kind: "broadcast", ArticleID: "a1", StartedAt: time.Now()})
	hist.Add(notifier.Summary{RunID: "r2", Kind: "replay", StartedAt: time.Now()})
	srv := newTestServer(t, Config{}, &fakeNotifier{}, fakeLedger{}, hist)
	tok := token(t, "ops")

	resp, env := do(t, srv, http.MethodGet, "/v1/broadcasts/r1", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum notifier.Summary
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, "a1", sum.ArticleID)

	resp, env = do(t, srv, http.MethodGet, "/v1/broadcasts/missing", tok, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Code)

	resp, env = do(t, srv, http.MethodGet, "/v1/broadcasts?limit=5", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []notifier.Summary
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	assert.Len(t, runs, 2)
}

func TestThrottlePerCaller(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: 2, RateWindow: time.Minute}, &fakeNotifier{}, fakeLedger{}, notifier.NewHistory(10, 0))
	alice, bob := token(t, "alice"), token(t, "bob")

	for i := 0; i < 2; i++ {
		resp, _ := do(t, srv, http.MethodGet, "/v1/ledger", alice, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, env := do(t, srv, http.MethodGet, "/v1/ledger", alice, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Code)
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.True(t, secs >= 1 && secs <= 60, "Retry-After = %d", secs)

	resp, _ = do(t, srv, http.MethodGet, "/v1/ledger", bob, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
