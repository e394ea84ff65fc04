package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantry.org/internal/authz"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingToken = errors.New("missing bearer token")
	errBadScheme    = errors.New("invalid authorization scheme")
)

// authenticate resolves the bearer credential once per request and stores
// the principal in the context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tenantry"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		p, err := a.facade.ResolvePrincipal(r.Context(), token)
		if err != nil {
			a.writeAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(authz.ContextWithPrincipal(r.Context(), p)))
	})
}

// guard evaluates req for the authenticated principal and writes the
// failure response itself. Callers proceed only on true.
func (a *API) guard(w http.ResponseWriter, r *http.Request, req authz.Request) (authz.Decision, bool) {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return authz.Decision{}, false
	}
	d, err := a.facade.AuthorizePrincipal(r.Context(), p, req)
	if err != nil {
		a.writeAuthError(w, r, err)
		return authz.Decision{}, false
	}
	if !d.Allowed {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return d, false
	}
	return d, true
}

// writeAuthError maps evaluation failures onto status codes. Nothing about
// the failing lookup leaks into the body.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, authz.ErrInvalidRequest) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, _ := authz.KindOf(err)
	switch kind {
	case authz.KindInvalidCredential:
		w.Header().Set("WWW-Authenticate", `Bearer realm="tenantry", error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "invalid credential")
	case authz.KindExpiredCredential:
		w.Header().Set("WWW-Authenticate", `Bearer realm="tenantry", error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "credential expired")
	case authz.KindTimeout:
		writeError(w, r, http.StatusGatewayTimeout, "authorization timed out")
	case authz.KindLookupUnavailable:
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "authorization error")
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearer)) {
		return "", errMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
