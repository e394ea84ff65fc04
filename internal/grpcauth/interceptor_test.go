package grpcauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/authz"
	"tenantry.org/internal/cascade"
	"tenantry.org/internal/store/memory"
)

const (
	methodListDocs  = "/tenantry.docs.v1.Documents/List"
	methodEditDoc   = "/tenantry.docs.v1.Documents/Edit"
	methodWatchDocs = "/tenantry.docs.v1.Documents/Watch"
)

var testRules = HealthRules.Merge(Rules{
	methodListDocs:  {Operation: authz.OpRead, Scope: authz.ScopeWorkspace, Module: cascade.ModuleKB},
	methodEditDoc:   {Operation: authz.OpWrite, Scope: authz.ScopeWorkspace, WithResource: true},
	methodWatchDocs: {Operation: authz.OpRead, Scope: authz.ScopeOrg},
})

func setup(t *testing.T) (*Authorizer, *auth.Issuer) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	s.PutWorkspace("ws-1", "org-1")
	s.PutUser(auth.Profile{
		UserID:     "alice",
		Orgs:       []authz.OrgMembership{{OrgID: "org-1", Role: authz.OrgRoleMember}},
		Workspaces: []authz.WorkspaceMembership{{WorkspaceID: "ws-1", OrgID: "org-1", Role: authz.WorkspaceRoleMember}},
	})
	s.PutUser(auth.Profile{UserID: "mallory"})
	s.PutResource(authz.ResourceRecord{Type: "document", ID: "d-1", OwnerID: "alice", OrgID: "org-1", WorkspaceID: "ws-1"})
	s.PutResource(authz.ResourceRecord{Type: "document", ID: "d-2", OwnerID: "someone", OrgID: "org-1", WorkspaceID: "ws-1"})
	if err := s.PutSystem(ctx, cascade.SystemConfig{Module: cascade.ModuleKB, Installed: true, Enabled: true}); err != nil {
		t.Fatalf("PutSystem: %v", err)
	}

	secret := []byte("grpcauth-test-secret-0123456789a")
	issuer, _ := auth.NewIssuer(secret, "")
	verifier, _ := auth.NewVerifier(secret)
	resolver, err := auth.NewResolver(verifier, s)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	f, err := authz.NewFacade(resolver,
		authz.WithResources(s),
		authz.WithWorkspaceLocator(s),
		authz.WithConfigs(cascade.NewCache(s)),
		authz.WithLogger(zap.NewNop()),
		authz.WithLookupTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	return New(f, testRules, zap.NewNop()), issuer
}

func incoming(t *testing.T, iss *auth.Issuer, user string, kv ...string) context.Context {
	t.Helper()
	if user != "" {
		tok, err := iss.Issue(user, time.Minute)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		kv = append(kv, MDAuthorization, "Bearer "+tok)
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
}

func callUnary(a *Authorizer, ctx context.Context, method string) (bool, context.Context, error) {
	var (
		called bool
		seen   context.Context
	)
	_, err := a.Unary()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, _ any) (any, error) {
		called = true
		seen = ctx
		return "ok", nil
	})
	return called, seen, err
}

func TestUnaryDecisions(t *testing.T) {
	a, iss := setup(t)
	cases := []struct {
		name   string
		method string
		user   string
		md     []string
		code   codes.Code
	}{
		{"health is public", "/grpc.health.v1.Health/Check", "", nil, codes.OK},
		{"unknown method fails closed", "/tenantry.docs.v1.Documents/Purge", "alice", nil, codes.PermissionDenied},
		{"missing token", methodListDocs, "", []string{MDWorkspace, "ws-1"}, codes.Unauthenticated},
		{"member lists", methodListDocs, "alice", []string{MDWorkspace, "ws-1"}, codes.OK},
		{"outsider denied", methodListDocs, "mallory", []string{MDWorkspace, "ws-1"}, codes.PermissionDenied},
		{"owner edits", methodEditDoc, "alice", []string{MDWorkspace, "ws-1", MDResourceType, "document", MDResourceID, "d-1"}, codes.OK},
		{"non owner cannot edit", methodEditDoc, "alice", []string{MDWorkspace, "ws-1", MDResourceType, "document", MDResourceID, "d-2"}, codes.PermissionDenied},
		{"missing scope id", methodListDocs, "alice", nil, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called, seen, err := callUnary(a, incoming(t, iss, tc.user, tc.md...), tc.method)
			if got := status.Code(err); got != tc.code {
				t.Fatalf("code=%v, want %v (%v)", got, tc.code, err)
			}
			if called != (tc.code == codes.OK) {
				t.Fatalf("handler called=%v for code %v", called, tc.code)
			}
			if tc.code == codes.OK && tc.user != "" {
				p, ok := authz.PrincipalFromContext(seen)
				if !ok || p.UserID != tc.user {
					t.Fatalf("principal not attached: %+v", p)
				}
				if d, ok := authz.DecisionFromContext(seen); !ok || !d.Allowed {
					t.Fatalf("decision not attached: %+v", d)
				}
			}
		})
	}
}

func TestUnaryForgedToken(t *testing.T) {
	a, _ := setup(t)
	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MDAuthorization, "Bearer forged", MDWorkspace, "ws-1"))
	if _, _, err := callUnary(a, ctx, methodListDocs); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestStreamInterceptor(t *testing.T) {
	a, iss := setup(t)
	info := &grpc.StreamServerInfo{FullMethod: methodWatchDocs, IsServerStream: true}

	var seen context.Context
	err := a.Stream()(nil, &fakeStream{ctx: incoming(t, iss, "alice", MDOrg, "org-1")}, info,
		func(_ any, ss grpc.ServerStream) error {
			seen = ss.Context()
			return nil
		})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, ok := authz.DecisionFromContext(seen); !ok {
		t.Fatalf("stream context should carry the decision")
	}

	err = a.Stream()(nil, &fakeStream{ctx: incoming(t, iss, "mallory", MDOrg, "org-1")}, info,
		func(any, grpc.ServerStream) error {
			t.Fatalf("handler must not run")
			return nil
		})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{&authz.AuthError{Kind: authz.KindInvalidCredential}, codes.Unauthenticated},
		{&authz.AuthError{Kind: authz.KindExpiredCredential}, codes.Unauthenticated},
		{&authz.AuthError{Kind: authz.KindLookupUnavailable}, codes.Unavailable},
		{&authz.AuthError{Kind: authz.KindTimeout}, codes.DeadlineExceeded},
		{authz.ErrInvalidRequest, codes.InvalidArgument},
		{errors.New("other"), codes.Internal},
	}
	for _, tc := range tests {
		if got := status.Code(toStatus(tc.err)); got != tc.code {
			t.Fatalf("%v: code=%v, want %v", tc.err, got, tc.code)
		}
	}
}

func TestRulesMerge(t *testing.T) {
	base := Rules{"/a": {Public: true}}
	merged := base.Merge(Rules{"/a": {Operation: authz.OpRead, Scope: authz.ScopeSystem}, "/b": {Public: true}})
	if merged["/a"].Public || !merged["/b"].Public {
		t.Fatalf("later tables should win: %+v", merged)
	}
	if !base["/a"].Public {
		t.Fatalf("merge must not mutate the receiver")
	}
}
