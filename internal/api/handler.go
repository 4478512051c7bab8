package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/gamedata"
	"github.com/nidhogg/amc-memory/internal/gateway"
	"github.com/nidhogg/amc-memory/internal/ingest"
	"github.com/nidhogg/amc-memory/internal/knowledge"
	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/rag"
	"github.com/nidhogg/amc-memory/internal/router"
	"github.com/nidhogg/amc-memory/internal/service"
)

// Service is the knowledge service surface the handlers call.
type Service interface {
	Store(ctx context.Context, rec memory.NewRecord) (int64, error)
	TrySubmit(rec memory.NewRecord) error
	GetRecentMessages(ctx context.Context, playerID string, limit int, sources ...memory.Source) ([]memory.Record, error)
	RetrieveRelevant(ctx context.Context, playerID, query string, n int, timeout time.Duration, sources ...memory.Source) ([]rag.MemoryHit, error)
	Retrieve(ctx context.Context, req rag.Request) (*rag.Context, error)
	Route(ctx context.Context, q router.Query) (*router.Bundle, error)
	Stats(ctx context.Context) (*service.Stats, error)
	Sweep(ctx context.Context) (memory.SweepReport, error)
	Cleanup(ctx context.Context, days int, minRelevance float64) (memory.SweepReport, error)
	IndexThread(ctx context.Context, th knowledge.Thread) (knowledge.Report, error)
	Requeue(ctx context.Context, ids ...int64) (int, error)
	Backfill(ctx context.Context) (rag.BackfillReport, error)
	RawQuery(ctx context.Context, sql string) (*gamedata.RawResult, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc     Service
	gw      *gateway.Gateway
	cleanup memory.DecayConfig
	logger  *zap.Logger
}

// NewHandler creates a new API handler. gw may be nil.
func NewHandler(svc Service, gw *gateway.Gateway, cleanup memory.DecayConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, gw: gw, cleanup: cleanup, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/memories", h.storeMemory)
		r.Post("/events", h.submitEvent)
		r.Get("/players/{id}/messages", h.recentMessages)
		r.Get("/players/{id}/relevant", h.relevant)
		r.Get("/players/{id}/context", h.playerContext)

		r.Post("/route", h.route)
		r.Get("/stats", h.stats)

		// Maintenance
		r.Post("/sweep", h.sweep)
		r.Post("/cleanup", h.cleanupMemories)
		r.Post("/index/requeue", h.requeue)
		r.Post("/index/backfill", h.backfill)

		r.Post("/knowledge/threads", h.indexThread)
		r.Post("/gamedata/query", h.gameQuery)
		r.Get("/gateway/status", h.gatewayStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	var rec memory.NewRecord
	if !decode(w, r, &rec) {
		return
	}
	id, err := h.svc.Store(r.Context(), rec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var rec memory.NewRecord
	if !decode(w, r, &rec) {
		return
	}
	if err := h.svc.TrySubmit(rec); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) recentMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.svc.GetRecentMessages(r.Context(), chi.URLParam(r, "id"), limit, sources(r)...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) relevant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	hits, err := h.svc.RetrieveRelevant(r.Context(), chi.URLParam(r, "id"), q, n, timeoutParam(r), sources(r)...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) playerContext(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	out, err := h.svc.Retrieve(r.Context(), rag.Request{
		PlayerID:    chi.URLParam(r, "id"),
		Query:       r.URL.Query().Get("q"),
		RecentLimit: limit,
		NResults:    n,
		Sources:     sources(r),
		Timeout:     timeoutParam(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type routeRequest struct {
	Text      string `json:"text"`
	PlayerID  string `json:"player_id"`
	TimeoutMS int    `json:"timeout_ms"`
}

type routeResponse struct {
	*router.Bundle
	Prompt string `json:"prompt"`
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	b, err := h.svc.Route(r.Context(), router.Query{
		Text:     req.Text,
		PlayerID: req.PlayerID,
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeResponse{Bundle: b, Prompt: router.FormatBundle(b)})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type cleanupRequest struct {
	Days         int     `json:"days"`
	MinRelevance float64 `json:"min_relevance"`
}

func (h *Handler) cleanupMemories(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{Days: h.cleanup.CleanupDays, MinRelevance: h.cleanup.CleanupMinRelevance}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	rep, err := h.svc.Cleanup(r.Context(), req.Days, req.MinRelevance)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	n, err := h.svc.Requeue(r.Context(), req.IDs...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Backfill(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) indexThread(w http.ResponseWriter, r *http.Request) {
	var th knowledge.Thread
	if !decode(w, r, &th) {
		return
	}
	rep, err := h.svc.IndexThread(r.Context(), th)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) gameQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SQL string `json:"sql"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.RawQuery(r.Context(), req.SQL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, h.gw.Statuses())
}

// sources reads a comma-separated source filter.
func sources(r *http.Request) []memory.Source {
	var out []memory.Source
	for _, s := range rag.SplitList(r.URL.Query().Get("source")) {
		out = append(out, memory.Source(s))
	}
	return out
}

// timeoutParam reads timeout_ms; zero leaves the service default.
func timeoutParam(r *http.Request) time.Duration {
	ms, _ := strconv.Atoi(r.URL.Query().Get("timeout_ms"))
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps service errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case memory.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrRetrievalTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ingest.ErrQueueFull),
		errors.Is(err, ingest.ErrQueueClosed),
		errors.Is(err, service.ErrGameDataUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
