package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"articlecast/internal/delivery"
	"articlecast/internal/ledger"
	"articlecast/internal/notifier"
	"articlecast/internal/ratelimit"
	logx "articlecast/pkg/logx"
)

// Config controls the operator API.
type Config struct {
	Addr       string
	Secret     string
	Issuer     string
	RateLimit  int // requests per RateWindow per caller; <= 0 disables
	RateWindow time.Duration
	Pprof      bool
	// BroadcastTimeout bounds a broadcast started over HTTP. The broadcast
	// is detached from the client connection.
	BroadcastTimeout time.Duration
}

// Notifier is the delivery engine as seen by the API.
type Notifier interface {
	BroadcastNewArticle(ctx context.Context, art delivery.Article) (notifier.Summary, error)
	Replay(ctx context.Context) (ledger.ReplayReport, error)
	Channels() []delivery.Channel
}

// LedgerView lists pending failed notifications.
type LedgerView interface {
	Snapshot() []ledger.Entry
}

// HistoryView looks up recent run summaries.
type HistoryView interface {
	Get(runID string) (notifier.Summary, bool)
	Recent(n int) []notifier.Summary
}

type Handler struct {
	cfg     Config
	svc     Notifier
	ledger  LedgerView
	history HistoryView
	window  *ratelimit.SlidingWindow
	log     logx.Logger
}

func NewHandler(cfg Config, svc Notifier, l LedgerView, h HistoryView, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 10 * time.Minute
	}
	return &Handler{
		cfg:     cfg,
		svc:     svc,
		ledger:  l,
		history: h,
		window:  ratelimit.NewSlidingWindow(cfg.RateLimit, cfg.RateWindow),
		log:     log.With(logx.String("comp", "api")),
	}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok") })
	r.Get("/readyz", h.ready)

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Use(throttleMiddleware(h.window))

		r.Post("/articles", h.broadcast)
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/", h.listLedger)
			r.Post("/replay", h.replay)
		})
		r.Route("/broadcasts", func(r chi.Router) {
			r.Get("/", h.recentRuns)
			r.Get("/{id}", h.getRun)
		})
	})

	if h.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.log.Error("handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", rec), logx.String("request_id", requestID(r)))
				writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", requestID(r)),
		)
	})
}
