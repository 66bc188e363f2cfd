// Package control exposes the loopback control plane of the enforcement
// daemon and the guardian's command channel, plus a client for both.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/proxy"
)

// Engine is what the control API drives.
type Engine interface {
	StartProxy(ctx context.Context) error
	StopProxy(ctx context.Context, credential string) error
	ProxyStatus() domain.ProxyStatus
	SecurityStatus() domain.SecurityStatus
	ScanSecurity(ctx context.Context) (domain.SecurityStatus, error)
	RecordWatchdogEvent(event domain.SecurityEvent) error
	InstallCertificate(ctx context.Context) (bool, error)
	CertificateInstalled(ctx context.Context) bool
	ListRules(ctx context.Context) ([]domain.BlockRule, error)
	AddRule(ctx context.Context, raw string, matchType domain.MatchType, category string) (domain.BlockRule, error)
	RemoveRule(ctx context.Context, id, credential string) error
	ReloadRules(ctx context.Context) (int, error)
	Shutdown(ctx context.Context, credential string) error
}

// API serves the enforcement daemon's control routes.
type API struct {
	engine  Engine
	metrics http.Handler
	logger  *zap.Logger
	router  chi.Router
}

// NewAPI creates the control API. metricsHandler may be nil.
func NewAPI(engine Engine, metricsHandler http.Handler, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{engine: engine, metrics: metricsHandler, logger: logger}
	a.buildRouter()
	return a
}

func (a *API) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/status", a.handleStatus)
		r.Post("/proxy/start", a.handleStartProxy)
		r.Post("/proxy/stop", a.handleStopProxy)

		r.Get("/security", a.handleSecurity)
		r.Post("/security/scan", a.handleScan)
		r.Post("/security/events", a.handleWatchdogEvent)

		r.Get("/certificate", a.handleCertificate)
		r.Post("/certificate/install", a.handleInstallCertificate)

		r.Get("/rules", a.handleListRules)
		r.Post("/rules", a.handleAddRule)
		r.Delete("/rules/{id}", a.handleRemoveRule)
		r.Post("/rules/reload", a.handleReload)

		r.Post("/shutdown", a.handleShutdown)
	})

	a.router = r
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Running           bool                 `json:"running"`
	BoundPorts        []int                `json:"boundPorts"`
	ActiveConnections int64                `json:"activeConnections"`
	TodayBlockedCount int64                `json:"todayBlockedCount"`
	AllowedCount      int64                `json:"allowedCount"`
	TopBlocked        []domain.DomainCount `json:"topBlocked,omitempty"`
}

// SecurityResponse is returned by GET /api/security and the scan route.
type SecurityResponse struct {
	Overall      domain.OverallStatus   `json:"overall"`
	RecentEvents []domain.SecurityEvent `json:"recentEvents"`
}

// CertificateResponse is returned by the certificate routes.
type CertificateResponse struct {
	Installed bool `json:"installed"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Count int                `json:"count"`
	Rules []domain.BlockRule `json:"rules"`
}

// RuleRequest is the body of POST /api/rules.
type RuleRequest struct {
	Pattern   string `json:"pattern"`
	MatchType string `json:"matchType,omitempty"`
	Category  string `json:"category,omitempty"`
}

// ReloadResponse is returned by POST /api/rules/reload.
type ReloadResponse struct {
	Enabled int `json:"enabled"`
}

// CredentialRequest is the body of the credential-gated routes.
type CredentialRequest struct {
	Credential string `json:"credential"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.engine.ProxyStatus()
	ports := st.BoundPorts
	if ports == nil {
		ports = []int{}
	}
	writeJSON(w, a.logger, http.StatusOK, StatusResponse{
		Running:           st.Running,
		BoundPorts:        ports,
		ActiveConnections: st.ActiveConnections,
		TodayBlockedCount: st.TodayBlockedCount,
		AllowedCount:      st.AllowedCount,
		TopBlocked:        st.TopBlocked,
	})
}

func (a *API) handleStartProxy(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.StartProxy(r.Context()); err != nil {
		a.writeError(w, "start proxy", err)
		return
	}
	a.logger.Info("proxy started via control API")
	writeJSON(w, a.logger, http.StatusOK, MessageResponse{Message: "proxy started"})
}

func (a *API) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredential(w, r, a.logger)
	if !ok {
		return
	}
	if err := a.engine.StopProxy(r.Context(), req.Credential); err != nil {
		a.writeError(w, "stop proxy", err)
		return
	}
	a.logger.Info("proxy stopped via control API")
	writeJSON(w, a.logger, http.StatusOK, MessageResponse{Message: "proxy stopped"})
}

func (a *API) handleSecurity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.logger, http.StatusOK, securityResponse(a.engine.SecurityStatus()))
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	st, err := a.engine.ScanSecurity(r.Context())
	if err != nil {
		a.writeError(w, "security scan", err)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, securityResponse(st))
}

func (a *API) handleWatchdogEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.SecurityEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, a.logger, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := a.engine.RecordWatchdogEvent(ev); err != nil {
		a.writeError(w, "record watchdog event", err)
		return
	}
	writeJSON(w, a.logger, http.StatusAccepted, MessageResponse{Message: "event recorded"})
}

func (a *API) handleCertificate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.logger, http.StatusOK, CertificateResponse{Installed: a.engine.CertificateInstalled(r.Context())})
}

func (a *API) handleInstallCertificate(w http.ResponseWriter, r *http.Request) {
	installed, err := a.engine.InstallCertificate(r.Context())
	if err != nil {
		a.logger.Warn("root certificate install failed", zap.Error(err))
	}
	writeJSON(w, a.logger, http.StatusOK, CertificateResponse{Installed: installed})
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := a.engine.ListRules(r.Context())
	if err != nil {
		a.writeError(w, "list rules", err)
		return
	}
	if list == nil {
		list = []domain.BlockRule{}
	}
	writeJSON(w, a.logger, http.StatusOK, RulesResponse{Count: len(list), Rules: list})
}

func (a *API) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, a.logger, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Pattern == "" {
		writeJSON(w, a.logger, http.StatusBadRequest, ErrorResponse{Error: "pattern is required"})
		return
	}

	rule, err := a.engine.AddRule(r.Context(), req.Pattern, domain.MatchType(req.MatchType), req.Category)
	if err != nil {
		a.writeError(w, "add rule", err)
		return
	}
	a.logger.Info("rule added via control API",
		zap.String("id", rule.ID),
		zap.String("pattern", rule.Pattern()))
	writeJSON(w, a.logger, http.StatusCreated, rule)
}

func (a *API) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := decodeCredential(w, r, a.logger)
	if !ok {
		return
	}
	if err := a.engine.RemoveRule(r.Context(), id, req.Credential); err != nil {
		a.writeError(w, "remove rule", err)
		return
	}
	a.logger.Info("rule removed via control API", zap.String("id", id))
	writeJSON(w, a.logger, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.ReloadRules(r.Context())
	if err != nil {
		a.writeError(w, "reload rules", err)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, ReloadResponse{Enabled: n})
}

func (a *API) handleShutdown(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredential(w, r, a.logger)
	if !ok {
		return
	}
	if err := a.engine.Shutdown(r.Context(), req.Credential); err != nil {
		a.writeError(w, "shutdown", err)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, MessageResponse{Message: "shutting down"})
}

func (a *API) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("control request failed", zap.String("op", op), zap.Error(err))
	}
	writeJSON(w, a.logger, status, ErrorResponse{Error: err.Error()})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, matcher.ErrInvalidDomain), errors.Is(err, domain.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrPortInUse), errors.Is(err, proxy.ErrPermissionDenied):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func securityResponse(st domain.SecurityStatus) SecurityResponse {
	events := st.RecentEvents
	if events == nil {
		events = []domain.SecurityEvent{}
	}
	return SecurityResponse{Overall: st.Overall, RecentEvents: events}
}

func decodeCredential(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (CredentialRequest, bool) {
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, logger, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("control write error", zap.Error(err))
	}
}

// Serve runs handler on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("control listener started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
