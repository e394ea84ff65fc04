// Package grpcauth enforces authorization decisions on gRPC methods.
package grpcauth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenantry.org/internal/audit"
	"tenantry.org/internal/authz"
	"tenantry.org/internal/obs"
)

// Metadata keys carrying the target of a call.
const (
	MDAuthorization = "authorization"
	MDRequestID     = "x-request-id"
	MDOrg           = "x-tenant-org"
	MDWorkspace     = "x-tenant-workspace"
	MDResourceType  = "x-resource-type"
	MDResourceID    = "x-resource-id"
)

// Rule describes how a method is authorized. Scope ids and the resource are
// taken from call metadata.
type Rule struct {
	Operation    authz.Operation
	Scope        authz.ScopeKind
	Module       string
	WithResource bool
	Public       bool
}

// Rules maps full method names ("/pkg.Service/Method") to rules. Methods
// without a rule are denied.
type Rules map[string]Rule

// HealthRules exposes the standard health service without credentials.
var HealthRules = Rules{
	"/grpc.health.v1.Health/Check": {Public: true},
	"/grpc.health.v1.Health/Watch": {Public: true},
	"/grpc.health.v1.Health/List":  {Public: true},
}

// Merge returns a new table holding every rule of r and others, later
// tables winning.
func (r Rules) Merge(others ...Rules) Rules {
	out := make(Rules, len(r))
	for k, v := range r {
		out[k] = v
	}
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

type Authorizer struct {
	facade *authz.Facade
	rules  Rules
	log    *zap.Logger
}

func New(f *authz.Facade, rules Rules, log *zap.Logger) *Authorizer {
	if log == nil {
		log = obs.Logger()
	}
	return &Authorizer{facade: f, rules: rules, log: log.Named("grpcauth")}
}

// Unary returns the unary server interceptor.
func (a *Authorizer) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.check(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor.
func (a *Authorizer) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.check(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func (a *Authorizer) check(ctx context.Context, method string) (context.Context, error) {
	rule, ok := a.rules[method]
	if !ok {
		a.log.Warn("no rule for method", zap.String("method", method))
		return ctx, status.Error(codes.PermissionDenied, "permission denied")
	}
	if rule.Public {
		return ctx, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	if rid := first(md, MDRequestID); rid != "" {
		ctx = audit.WithRequestID(ctx, rid)
	}
	token, err := bearerToken(first(md, MDAuthorization))
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}
	req := rule.request(md)

	p, err := a.facade.ResolvePrincipal(ctx, token)
	if err != nil {
		return ctx, toStatus(err)
	}
	d, err := a.facade.AuthorizePrincipal(ctx, p, req)
	if err != nil {
		return ctx, toStatus(err)
	}
	if !d.Allowed {
		a.log.Debug("call denied",
			zap.String("method", method),
			zap.String("user_id", p.UserID),
			zap.String("reason", string(d.Reason)))
		return ctx, status.Error(codes.PermissionDenied, "permission denied")
	}
	ctx = authz.ContextWithPrincipal(ctx, p)
	return authz.ContextWithDecision(ctx, d), nil
}

func (r Rule) request(md metadata.MD) authz.Request {
	req := authz.Request{Operation: r.Operation, Scope: r.Scope, Module: r.Module}
	switch r.Scope {
	case authz.ScopeOrg:
		req.ScopeID = first(md, MDOrg)
	case authz.ScopeWorkspace:
		req.ScopeID = first(md, MDWorkspace)
		req.OrgID = first(md, MDOrg)
	}
	if r.WithResource {
		req.ResourceType = first(md, MDResourceType)
		req.ResourceID = first(md, MDResourceID)
	}
	return req
}

// toStatus maps evaluation failures onto gRPC codes.
func toStatus(err error) error {
	if errors.Is(err, authz.ErrInvalidRequest) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	kind, _ := authz.KindOf(err)
	switch kind {
	case authz.KindInvalidCredential:
		return status.Error(codes.Unauthenticated, "invalid credential")
	case authz.KindExpiredCredential:
		return status.Error(codes.Unauthenticated, "credential expired")
	case authz.KindTimeout:
		return status.Error(codes.DeadlineExceeded, "authorization timed out")
	case authz.KindLookupUnavailable:
		return status.Error(codes.Unavailable, "authorization unavailable")
	}
	return status.Error(codes.Internal, "authorization error")
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func bearerToken(v string) (string, error) {
	const prefix = "bearer "
	if v == "" {
		return "", errors.New("missing bearer token")
	}
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization scheme")
	}
	return strings.TrimSpace(v[len(prefix):]), nil
}
