package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"articlecast/internal/delivery"
	"articlecast/internal/ledger"
	"articlecast/internal/notifier"
	logx "articlecast/pkg/logx"
)

const maxBodyBytes = 1 << 20

type broadcastResponse struct {
	Summary notifier.Summary        `json:"summary"`
	Totals  notifier.ChannelSummary `json:"totals"`
	Errors  []string                `json:"errors,omitempty"`
}

type replayResponse struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

type ledgerResponse struct {
	Count   int            `json:"count"`
	Entries []ledger.Entry `json:"entries"`
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	chs := h.svc.Channels()
	if len(chs) == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "NO_CHANNELS", notifier.ErrNoChannels.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"channels": chs})
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var art delivery.Article
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&art); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.BroadcastTimeout)
	defer cancel()
	sum, err := h.svc.BroadcastNewArticle(ctx, art)
	if err != nil && sum.RunID == "" {
		status, code, msg := mapDomainError(err)
		writeError(w, r, status, code, msg)
		return
	}
	resp := broadcastResponse{Summary: sum, Totals: sum.Totals()}
	if err != nil {
		resp.Errors = []string{err.Error()}
	}
	h.log.Info("broadcast requested",
		logx.String("caller", callerFromContext(r.Context())),
		logx.String("article", sum.ArticleID),
		logx.String("run", sum.RunID))
	writeSuccess(w, http.StatusOK, resp)
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Replay(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		status, code, msg := mapDomainError(err)
		writeError(w, r, status, code, msg)
		return
	}
	writeSuccess(w, http.StatusOK, replayResponse{
		Attempted: rep.Attempted,
		Succeeded: rep.Succeeded,
		Requeued:  rep.Requeued,
		Dropped:   rep.Dropped,
		Remaining: rep.Remaining,
	})
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	entries := h.ledger.Snapshot()
	count := len(entries)
	if n := queryInt(r, "limit"); n > 0 && n < len(entries) {
		entries = entries[:n]
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeSuccess(w, http.StatusOK, ledgerResponse{Count: count, Entries: entries})
}

func (h *Handler) recentRuns(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit")
	if n <= 0 {
		n = 20
	}
	runs := h.history.Recent(n)
	if runs == nil {
		runs = []notifier.Summary{}
	}
	writeSuccess(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	sum, ok := h.history.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	writeSuccess(w, http.StatusOK, sum)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
