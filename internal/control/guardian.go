package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// Supervisor is the guardian-side view of the watchdog.
type Supervisor interface {
	Shutdown(ctx context.Context, credential string) error
	Record() domain.WatchdogRecord
}

// GuardianAPI is the guardian's authenticated command channel.
type GuardianAPI struct {
	supervisor Supervisor
	logger     *zap.Logger
	router     chi.Router
}

// NewGuardianAPI creates the command channel for supervisor.
func NewGuardianAPI(supervisor Supervisor, logger *zap.Logger) *GuardianAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &GuardianAPI{supervisor: supervisor, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))
	r.Get("/status", g.handleStatus)
	r.Post("/shutdown", g.handleShutdown)
	g.router = r
	return g
}

// ServeHTTP implements http.Handler.
func (g *GuardianAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *GuardianAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, g.logger, http.StatusOK, g.supervisor.Record())
}

func (g *GuardianAPI) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, g.logger, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	if err := g.supervisor.Shutdown(r.Context(), req.Credential); err != nil {
		status := statusFor(err)
		if status != http.StatusForbidden {
			g.logger.Error("guardian shutdown failed", zap.Error(err))
		}
		writeJSON(w, g.logger, status, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, g.logger, http.StatusOK, MessageResponse{Message: "supervision stopped"})
}
