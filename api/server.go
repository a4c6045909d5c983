// Package api exposes the local HTTP surface of the energy mirror: status
// projection, action submission and operational probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"energyd/chain"
	"energyd/core/energy"
	"energyd/metadata"
	"energyd/session"
)

// Sessioner is the slice of the energy session the API drives.
// *session.Session satisfies it.
type Sessioner interface {
	Status() session.Status
	Harvest(requested float64, source energy.SourceID) (session.HarvestResult, error)
	Burn(ctx context.Context, amount float64) (chain.Receipt, error)
	Select(subject string)
	Reconnect()
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Session   Sessioner
	Directory *metadata.SourceDirectory
	Logger    *slog.Logger
	// RatePerSecond and Burst bound how fast actions may be submitted.
	RatePerSecond float64
	Burst         int
}

// Server is the configured HTTP router over one energy session.
type Server struct {
	session   Sessioner
	directory *metadata.SourceDirectory
	logger    *slog.Logger
	limiter   *rate.Limiter

	router http.Handler
}

// New constructs the router with action rate limiting.
func New(cfg Config) *Server {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		session:   cfg.Session,
		directory: cfg.Directory,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/actions", func(actions chi.Router) {
		actions.Use(s.withRateLimit)
		actions.Post("/harvest", s.handleHarvest)
		actions.Post("/burn", s.handleBurn)
	})
	r.Route("/session", func(sess chi.Router) {
		sess.Post("/select", s.handleSelect)
		sess.Post("/reconnect", s.handleReconnect)
	})
	return r
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "too many actions", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// statusResponse decorates the session status with display names for each
// accrual source.
type statusResponse struct {
	session.Status
	SourceNames map[energy.SourceID]string `json:"sourceNames,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.session.Status()
	resp := statusResponse{Status: status}
	if len(status.Display.RemainingPerSource) > 0 {
		resp.SourceNames = make(map[energy.SourceID]string, len(status.Display.RemainingPerSource))
		for id := range status.Display.RemainingPerSource {
			resp.SourceNames[id] = s.directory.DisplayName(id)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount float64 `json:"amount"`
		Source string  `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.session.Harvest(req.Amount, energy.SourceID(req.Source))
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	receipt, err := s.session.Burn(r.Context(), req.Amount)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		http.Error(w, "subject required", http.StatusBadRequest)
		return
	}
	s.session.Select(req.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.session.Reconnect()
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeActionError maps session and submission failures onto HTTP codes:
// validation problems are the caller's fault, burn rejections carry the
// rejection reason, and anything else is a gateway failure.
func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidAmount), errors.Is(err, session.ErrNoSpendableBalance):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		var rejection *chain.Rejection
		if errors.As(err, &rejection) {
			status := http.StatusBadGateway
			if rejection.Reason == chain.RejectInvalid {
				status = http.StatusUnprocessableEntity
			}
			writeJSON(w, status, errorResponse{Error: err.Error(), Reason: rejection.Reason.String()})
			return
		}
		s.logger.Error("action failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
