package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/authz"
	"tenantry.org/internal/cascade"
	"tenantry.org/internal/invalidate"
)

func TestStoreReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.PutSystem(ctx, cascade.SystemConfig{Module: "kb", Installed: true, Enabled: true, Settings: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("PutSystem: %v", err)
	}
	sys, err := s.System(ctx, "kb")
	if err != nil {
		t.Fatalf("System: %v", err)
	}
	sys.Settings["k"] = "mutated"

	lv, err := s.Load(ctx, "kb", "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lv.System.Settings["k"] != "v" {
		t.Fatalf("store was mutated through a returned value")
	}
}

func TestStoreNotFoundErrors(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Profile(ctx, "ghost"); !errors.Is(err, auth.ErrUnknownSubject) {
		t.Fatalf("Profile: %v", err)
	}
	if _, err := s.Lookup(ctx, "document", "nope"); !errors.Is(err, authz.ErrResourceNotFound) {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := s.WorkspaceOrg(ctx, "nope"); !errors.Is(err, authz.ErrWorkspaceNotFound) {
		t.Fatalf("WorkspaceOrg: %v", err)
	}
	if err := s.DeleteOrgOverride(ctx, "org", "kb"); !errors.Is(err, cascade.ErrNotFound) {
		t.Fatalf("DeleteOrgOverride: %v", err)
	}
	if _, err := s.WorkspaceOverride(ctx, "ws", "kb"); !errors.Is(err, cascade.ErrNotFound) {
		t.Fatalf("WorkspaceOverride: %v", err)
	}
	lv, err := s.Load(ctx, "kb", "org", "ws")
	if err != nil || lv.System != nil || lv.Org != nil || lv.Workspace != nil {
		t.Fatalf("expected empty levels, got %+v %v", lv, err)
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Profile(ctx, "u"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// Full stack: token, directory, locator, cache, invalidation.
func TestFacadeOverMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutWorkspace("ws-1", "org-1")
	s.PutWorkspace("ws-2", "org-1")
	s.PutUser(auth.Profile{UserID: "admin", SystemRole: authz.SystemRoleAdmin})
	s.PutUser(auth.Profile{
		UserID:     "member",
		Orgs:       []authz.OrgMembership{{OrgID: "org-1", Role: authz.OrgRoleMember}},
		Workspaces: []authz.WorkspaceMembership{{WorkspaceID: "ws-1", OrgID: "org-1", Role: authz.WorkspaceRoleMember}},
	})
	s.PutResource(authz.ResourceRecord{Type: "session", ID: "s-1", OwnerID: "member", OrgID: "org-1", WorkspaceID: "ws-1"})
	if err := s.PutSystem(ctx, cascade.SystemConfig{Module: cascade.ModuleVoice, Installed: true, Enabled: true}); err != nil {
		t.Fatalf("PutSystem: %v", err)
	}

	secret := []byte("memory-store-test-secret-0123456")
	issuer, _ := auth.NewIssuer(secret, "")
	verifier, _ := auth.NewVerifier(secret)
	resolver, err := auth.NewResolver(verifier, s)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	cache := cascade.NewCache(s)
	bus := invalidate.New()
	bus.Handle(func(e invalidate.Event) { cache.Invalidate(e.Key()) })

	f, err := authz.NewFacade(resolver,
		authz.WithResources(s),
		authz.WithWorkspaceLocator(s),
		authz.WithConfigs(cache),
		authz.WithLookupTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	member, _ := issuer.Issue("member", time.Minute)
	req := authz.Request{Operation: authz.OpRead, Scope: authz.ScopeWorkspace, ScopeID: "ws-1",
		ResourceType: "session", ResourceID: "s-1", Module: cascade.ModuleVoice}

	d, err := f.Authorize(ctx, member, req)
	if err != nil || !d.Allowed {
		t.Fatalf("expected allow, got %+v %v", d, err)
	}

	off := false
	if err := s.PutOrgOverride(ctx, "org-1", cascade.ModuleVoice, cascade.Override{Enabled: &off}); err != nil {
		t.Fatalf("PutOrgOverride: %v", err)
	}
	bus.Publish(invalidate.Event{Module: cascade.ModuleVoice, OrgID: "org-1"})

	d, err = f.Authorize(ctx, member, req)
	if err != nil || d.Reason != authz.ReasonModuleUnavailable {
		t.Fatalf("expected module-unavailable after org disable, got %+v %v", d, err)
	}

	admin, _ := issuer.Issue("admin", time.Minute)
	d, err = f.Authorize(ctx, admin, authz.Request{Operation: authz.OpAdminWrite, Scope: authz.ScopeOrg, ScopeID: "org-1"})
	if err != nil || !d.Allowed {
		t.Fatalf("module-agnostic admin request should pass, got %+v %v", d, err)
	}

	if _, err := f.Authorize(ctx, "forged", req); err == nil {
		t.Fatalf("expected error for forged token")
	} else if kind, _ := authz.KindOf(err); kind != authz.KindInvalidCredential {
		t.Fatalf("kind=%q", kind)
	}
}

func TestInconsistentProfileIsLookupFault(t *testing.T) {
	s := New()
	s.PutWorkspace("ws-1", "org-1")
	s.PutUser(auth.Profile{
		UserID:     "orphan",
		Workspaces: []authz.WorkspaceMembership{{WorkspaceID: "ws-1", OrgID: "org-1", Role: authz.WorkspaceRoleMember}},
	})

	secret := []byte("memory-store-test-secret-0123456")
	issuer, _ := auth.NewIssuer(secret, "")
	verifier, _ := auth.NewVerifier(secret)
	resolver, _ := auth.NewResolver(verifier, s)
	f, err := authz.NewFacade(resolver, authz.WithWorkspaceLocator(s))
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	token, _ := issuer.Issue("orphan", time.Minute)
	_, err = f.Authorize(context.Background(), token, authz.Request{Operation: authz.OpRead, Scope: authz.ScopeWorkspace, ScopeID: "ws-1"})
	kind, ok := authz.KindOf(err)
	if !ok || kind != authz.KindLookupUnavailable {
		t.Fatalf("expected lookup-unavailable, got %q (%v)", kind, err)
	}
	if !errors.Is(err, auth.ErrInconsistentProfile) {
		t.Fatalf("expected ErrInconsistentProfile in chain, got %v", err)
	}
}
