package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tenantry.org/internal/authz"
	"tenantry.org/internal/cascade"
	"tenantry.org/internal/invalidate"
)

const changeSource = "http"

// EffectiveConfig returns the resolved configuration of a module for a
// workspace member. Disabled modules are denied like any other request.
func (a *API) EffectiveConfig(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	d, ok := a.guard(w, r, authz.Request{
		Operation: authz.OpRead,
		Scope:     authz.ScopeWorkspace,
		ScopeID:   chi.URLParam(r, "workspaceID"),
		Module:    module,
	})
	if !ok {
		return
	}
	if d.Config == nil {
		writeError(w, r, http.StatusNotFound, "module not found")
		return
	}
	writeJSON(w, http.StatusOK, d.Config)
}

func (a *API) GetSystemConfig(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	if _, ok := a.guard(w, r, authz.Request{Operation: authz.OpAdminRead, Scope: authz.ScopeSystem}); !ok {
		return
	}
	cfg, err := a.overrides.System(r.Context(), module)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) PutSystemConfig(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	if _, ok := a.guard(w, r, authz.Request{Operation: authz.OpAdminWrite, Scope: authz.ScopeSystem}); !ok {
		return
	}
	var cfg cascade.SystemConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cfg.Module = module
	if err := a.overrides.PutSystem(r.Context(), cfg); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.changed(r, "config.system.put", invalidate.Event{Module: module})
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) GetOrgOverride(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	if _, ok := a.guard(w, r, orgRequest(authz.OpAdminRead, orgID)); !ok {
		return
	}
	o, err := a.overrides.OrgOverride(r.Context(), orgID, module)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) PutOrgOverride(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	if _, ok := a.guard(w, r, orgRequest(authz.OpAdminWrite, orgID)); !ok {
		return
	}
	var o cascade.Override
	if err := decodeJSON(r, &o); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.overrides.PutOrgOverride(r.Context(), orgID, module, o); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.changed(r, "config.org.put", invalidate.Event{Module: module, OrgID: orgID})
	writeJSON(w, http.StatusOK, o)
}

func (a *API) DeleteOrgOverride(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	if _, ok := a.guard(w, r, orgRequest(authz.OpAdminWrite, orgID)); !ok {
		return
	}
	if err := a.overrides.DeleteOrgOverride(r.Context(), orgID, module); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.changed(r, "config.org.delete", invalidate.Event{Module: module, OrgID: orgID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetWorkspaceOverride(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	wsID := chi.URLParam(r, "workspaceID")
	if _, ok := a.guard(w, r, workspaceRequest(authz.OpAdminRead, wsID)); !ok {
		return
	}
	o, err := a.overrides.WorkspaceOverride(r.Context(), wsID, module)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) PutWorkspaceOverride(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	wsID := chi.URLParam(r, "workspaceID")
	if _, ok := a.guard(w, r, workspaceRequest(authz.OpAdminWrite, wsID)); !ok {
		return
	}
	var o cascade.Override
	if err := decodeJSON(r, &o); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.overrides.PutWorkspaceOverride(r.Context(), wsID, module, o); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.changed(r, "config.workspace.put", invalidate.Event{Module: module, WorkspaceID: wsID})
	writeJSON(w, http.StatusOK, o)
}

func (a *API) DeleteWorkspaceOverride(w http.ResponseWriter, r *http.Request) {
	module, ok := moduleParam(w, r)
	if !ok {
		return
	}
	wsID := chi.URLParam(r, "workspaceID")
	if _, ok := a.guard(w, r, workspaceRequest(authz.OpAdminWrite, wsID)); !ok {
		return
	}
	if err := a.overrides.DeleteWorkspaceOverride(r.Context(), wsID, module); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.changed(r, "config.workspace.delete", invalidate.Event{Module: module, WorkspaceID: wsID})
	w.WriteHeader(http.StatusNoContent)
}

// changed audits a successful write and invalidates every cached
// resolution it may affect.
func (a *API) changed(r *http.Request, event string, evt invalidate.Event) {
	evt.Source = changeSource
	if a.bus != nil {
		a.bus.Publish(evt)
	}
	if err := a.audit.LogEvent(r.Context(), event, map[string]any{
		"module":       evt.Module,
		"org_id":       evt.OrgID,
		"workspace_id": evt.WorkspaceID,
	}); err != nil {
		a.log.Warn("audit event dropped", zap.String("event", event), zap.Error(err))
	}
}

func (a *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cascade.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, cascade.ErrInvalidSetting), errors.Is(err, cascade.ErrUnknownModule):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("config store failure", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "config store unavailable")
	}
}

// moduleParam rejects modules the platform does not ship.
func moduleParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	module := chi.URLParam(r, "module")
	if !cascade.IsKnownModule(module) {
		writeError(w, r, http.StatusNotFound, "unknown module")
		return "", false
	}
	return module, true
}

func orgRequest(op authz.Operation, orgID string) authz.Request {
	return authz.Request{Operation: op, Scope: authz.ScopeOrg, ScopeID: orgID}
}

func workspaceRequest(op authz.Operation, wsID string) authz.Request {
	return authz.Request{Operation: op, Scope: authz.ScopeWorkspace, ScopeID: wsID}
}
