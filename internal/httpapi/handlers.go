// Package httpapi serves the decision endpoint and the module
// configuration admin API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tenantry.org/internal/audit"
	"tenantry.org/internal/authz"
	"tenantry.org/internal/cascade"
	"tenantry.org/internal/invalidate"
	"tenantry.org/internal/obs"
)

const serviceName = "tenantryd"

// ReadyProbe reports whether backing stores are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API.
type Deps struct {
	Facade    *authz.Facade
	Overrides cascade.OverrideStore
	Bus       *invalidate.Bus
	Audit     *audit.Logger
	Ready     ReadyProbe
	Logger    *zap.Logger
}

// API is the HTTP layer.
type API struct {
	router    chi.Router
	facade    *authz.Facade
	overrides cascade.OverrideStore
	bus       *invalidate.Bus
	audit     *audit.Logger
	ready     ReadyProbe
	log       *zap.Logger
	version   string

	rateBurst      int
	ratePerSec     float64
	maxBodyBytes   int64
	trustedProxies []netip.Prefix
}

// Option tunes the API.
type Option func(*API)

func WithRateLimit(perSec float64, burst int) Option {
	return func(a *API) {
		if perSec > 0 && burst > 0 {
			a.ratePerSec = perSec
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For is believed.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = append([]netip.Prefix(nil), prefixes...)
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(deps Deps, version string, opts ...Option) *API {
	a := &API{
		facade:       deps.Facade,
		overrides:    deps.Overrides,
		bus:          deps.Bus,
		audit:        deps.Audit,
		ready:        deps.Ready,
		log:          deps.Logger,
		version:      version,
		rateBurst:    200,
		ratePerSec:   100,
		maxBodyBytes: 1 << 20,
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	if a.audit == nil {
		a.audit = audit.New(a.log)
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(ClientIP(a.trustedProxies))
	r.Use(AccessLog(a.log))
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(RateLimit(a.ratePerSec, a.rateBurst))
	r.Use(MaxBodyBytes(a.maxBodyBytes))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Post("/authorize", a.Authorize)
		r.Get("/workspaces/{workspaceID}/modules/{module}", a.EffectiveConfig)

		r.Get("/modules/{module}/config", a.GetSystemConfig)
		r.Put("/modules/{module}/config", a.PutSystemConfig)

		r.Get("/orgs/{orgID}/modules/{module}/config", a.GetOrgOverride)
		r.Put("/orgs/{orgID}/modules/{module}/config", a.PutOrgOverride)
		r.Delete("/orgs/{orgID}/modules/{module}/config", a.DeleteOrgOverride)

		r.Get("/workspaces/{workspaceID}/modules/{module}/config", a.GetWorkspaceOverride)
		r.Put("/workspaces/{workspaceID}/modules/{module}/config", a.PutWorkspaceOverride)
		r.Delete("/workspaces/{workspaceID}/modules/{module}/config", a.DeleteWorkspaceOverride)

		r.Get("/config/invalidations", a.Invalidations)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// Authorize is the decision endpoint. Every policy outcome, allow or deny,
// is a 200 carrying the decision.
func (a *API) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authz.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := authz.PrincipalFromContext(r.Context())
	d, err := a.facade.AuthorizePrincipal(r.Context(), p, req)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, code, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
