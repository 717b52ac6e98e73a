// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github-topic-harvester/internal/errors"
	"github-topic-harvester/internal/harvester"
)

// Runner performs a single harvest invocation.
type Runner interface {
	Run(ctx context.Context) (harvester.Result, error)
}

// Preflight verifies the search API is reachable before a run is attempted.
type Preflight interface {
	CheckConnectivity(ctx context.Context) error
}

// Handler is the container for API dependencies.
type Handler struct {
	runner    Runner
	preflight Preflight
	logger    *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
// No timeout middleware wraps the harvest route: a run bounds its own wall
// clock and routinely outlives a generic request timeout.
func NewRouter(runner Runner, preflight Preflight, logger *slog.Logger) http.Handler {
	h := &Handler{
		runner:    runner,
		preflight: preflight,
		logger:    logger,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/harvest", h.runHarvest)
	})

	return r
}

// harvestResponse is the JSON body of every terminal harvest outcome.
type harvestResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Inserted   int     `json:"inserted"`
	Skipped    int     `json:"skipped"`
	Elapsed    string  `json:"elapsed"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runHarvest triggers a single bounded harvest invocation.
// POST /v1/harvest
func (h *Handler) runHarvest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.preflight.CheckConnectivity(ctx); err != nil {
		h.logger.Error("search API pre-check failed", "error", err)
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "github search API unreachable",
			"detail": err.Error(),
		})
		return
	}

	res, err := h.runner.Run(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrLeaseHeld) {
			respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("harvest run failed", "error", err)
		respondWithJSON(w, http.StatusInternalServerError, harvestResponse{
			Status:   string(harvester.StatusFailed),
			Message:  err.Error(),
			Inserted: res.Inserted,
			Skipped:  res.Skipped,
			Elapsed:  res.Elapsed.String(),
		})
		return
	}

	respondWithJSON(w, http.StatusOK, harvestResponse{
		Status:     string(res.Status),
		Message:    res.Message,
		Inserted:   res.Inserted,
		Skipped:    res.Skipped,
		Elapsed:    res.Elapsed.String(),
		NextCursor: res.NextCursor,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
