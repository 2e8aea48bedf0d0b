package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/naturalstream/internal/config"
	"github.com/ent0n29/naturalstream/internal/fusion"
	"github.com/ent0n29/naturalstream/internal/memory"
	"github.com/ent0n29/naturalstream/internal/observability"
	"github.com/ent0n29/naturalstream/internal/turns"
)

// TurnStarter launches fusion turns. *fusion.Controller satisfies it.
type TurnStarter interface {
	Start(ctx context.Context, req fusion.StartRequest) (*fusion.Turn, error)
}

type Server struct {
	cfg       config.Config
	starter   TurnStarter
	registry  *turns.Registry
	store     memory.Store
	metrics   *observability.Metrics
	admission *semaphore.Weighted
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, starter TurnStarter, registry *turns.Registry, store memory.Store, metrics *observability.Metrics) *Server {
	maxTurns := cfg.MaxConcurrent
	if maxTurns <= 0 {
		maxTurns = 32
	}
	return &Server{
		cfg:       cfg,
		starter:   starter,
		registry:  registry,
		store:     store,
		metrics:   metrics,
		admission: semaphore.NewWeighted(int64(maxTurns)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/turns", s.handleListTurns)
	r.Get("/v1/turns/{id}", s.handleGetTurn)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.registry != nil {
		active = s.registry.ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_turns": active,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.starter == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "fusion controller not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"delivery_mode":  s.cfg.DeliveryMode,
		"reasoning_mode": s.cfg.ReasoningMode,
		"store_mode":     s.storeMode(),
	})
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_turn_id", "missing turn id")
		return
	}
	if s.registry == nil {
		respondError(w, http.StatusNotFound, "turn_not_found", turns.ErrNotFound.Error())
		return
	}
	t, err := s.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "turn_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 200)
	}
	if s.store == nil {
		respondJSON(w, http.StatusOK, map[string]any{"turns": []memory.TurnRecord{}})
		return
	}
	records, err := s.store.RecentTurns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []memory.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": records})
}

func (s *Server) storeMode() string {
	raw := strings.TrimSpace(s.cfg.TranscriptStoreURL)
	if raw == "" {
		return "in-memory"
	}
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return "unknown"
	}
	return strings.ToLower(scheme)
}

func (s *Server) countEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.TurnEvents.WithLabelValues(event).Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
