package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"tenantry.org/internal/authz"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "case insensitive", header: "bearer xyz", want: "xyz"},
		{name: "surrounding whitespace", header: "  Bearer   tok  ", want: "tok"},
		{name: "missing", header: "", wantErr: errMissingToken},
		{name: "scheme only", header: "Bearer ", wantErr: errMissingToken},
		{name: "wrong scheme", header: "Basic abc", wantErr: errBadScheme},
		{name: "too short", header: "Bear", wantErr: errBadScheme},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("token=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWriteAuthErrorStatus(t *testing.T) {
	a := New(Deps{}, "test")
	tests := []struct {
		err    error
		status int
	}{
		{&authz.AuthError{Kind: authz.KindInvalidCredential, Op: "resolve"}, http.StatusUnauthorized},
		{&authz.AuthError{Kind: authz.KindExpiredCredential, Op: "resolve"}, http.StatusUnauthorized},
		{&authz.AuthError{Kind: authz.KindLookupUnavailable, Op: "lookup"}, http.StatusServiceUnavailable},
		{&authz.AuthError{Kind: authz.KindTimeout, Op: "lookup", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: bad scope", authz.ErrInvalidRequest), http.StatusBadRequest},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		a.writeAuthError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%v: status=%d, want %d", tc.err, rr.Code, tc.status)
		}
	}
}

func TestGuardWithoutPrincipal(t *testing.T) {
	a := New(Deps{}, "test")
	rr := httptest.NewRecorder()
	if _, ok := a.guard(rr, httptest.NewRequest(http.MethodGet, "/", nil), authz.Request{}); ok {
		t.Fatalf("guard must fail without a principal")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
}
