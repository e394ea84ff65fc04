package auth

import (
	"context"
	"errors"
	"fmt"

	"tenantry.org/internal/authz"
)

var (
	// ErrUnknownSubject is returned by a Directory for users it does not know.
	ErrUnknownSubject = errors.New("auth: unknown subject")
	// ErrInconsistentProfile means the directory returned memberships that
	// cannot form a principal, such as a workspace outside every org.
	ErrInconsistentProfile = errors.New("auth: inconsistent directory profile")
)

// Profile is what the identity directory knows about a user.
type Profile struct {
	UserID     string
	SystemRole authz.SystemRole
	Disabled   bool
	Orgs       []authz.OrgMembership
	Workspaces []authz.WorkspaceMembership
}

// Directory is the identity store holding roles and memberships.
type Directory interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// Resolver turns a bearer token into a Principal using a fresh directory
// read on every call.
type Resolver struct {
	verifier *Verifier
	dir      Directory
}

var _ authz.PrincipalResolver = (*Resolver)(nil)

func NewResolver(v *Verifier, dir Directory) (*Resolver, error) {
	if v == nil {
		return nil, errors.New("auth: verifier is required")
	}
	if dir == nil {
		return nil, errors.New("auth: directory is required")
	}
	return &Resolver{verifier: v, dir: dir}, nil
}

// Resolve verifies the credential and loads the subject's memberships.
func (r *Resolver) Resolve(ctx context.Context, credential string) (authz.Principal, error) {
	claims, err := r.verifier.Verify(credential)
	if err != nil {
		return authz.Principal{}, err
	}
	prof, err := r.dir.Profile(ctx, claims.Subject)
	if errors.Is(err, ErrUnknownSubject) {
		return authz.Principal{}, fmt.Errorf("%w: %v", authz.ErrInvalidCredential, err)
	}
	if err != nil {
		return authz.Principal{}, fmt.Errorf("load profile: %w", err)
	}
	if prof.Disabled {
		return authz.Principal{}, fmt.Errorf("%w: user %s is disabled", authz.ErrInvalidCredential, claims.Subject)
	}
	p, err := authz.NewPrincipal(claims.Subject, prof.SystemRole, prof.Orgs, prof.Workspaces)
	if err != nil {
		// %v keeps ErrInvalidPrincipal out of the chain so the failure is
		// classified as a lookup fault.
		return authz.Principal{}, fmt.Errorf("%w: user %s: %v", ErrInconsistentProfile, claims.Subject, err)
	}
	return p, nil
}
