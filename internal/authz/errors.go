package authz

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential = errors.New("authz: invalid credential")
	ErrExpiredCredential = errors.New("authz: expired credential")
	ErrInvalidPrincipal  = errors.New("authz: invalid principal")
	ErrInvalidRequest    = errors.New("authz: invalid request")
	ErrResourceNotFound  = errors.New("authz: resource not found")
	ErrWorkspaceNotFound = errors.New("authz: workspace not found")
)

// ErrorKind classifies why an authorization could not be evaluated.
type ErrorKind string

const (
	KindInvalidCredential ErrorKind = "invalid-credential"
	KindExpiredCredential ErrorKind = "expired-credential"
	KindLookupUnavailable ErrorKind = "lookup-unavailable"
	KindTimeout           ErrorKind = "timeout"
)

// AuthError is returned when access could not be evaluated at all. It is
// never a denial: callers must fail closed and may retry.
type AuthError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authz: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("authz: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *AuthError) Retryable() bool {
	return e.Kind == KindLookupUnavailable || e.Kind == KindTimeout
}

// KindOf extracts the AuthError kind from err.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// classify wraps a lookup failure of op into an AuthError.
func classify(op string, err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	kind := KindLookupUnavailable
	switch {
	case errors.Is(err, ErrExpiredCredential):
		kind = KindExpiredCredential
	case errors.Is(err, ErrInvalidCredential), errors.Is(err, ErrInvalidPrincipal):
		kind = KindInvalidCredential
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	}
	return &AuthError{Kind: kind, Op: op, Err: err}
}
