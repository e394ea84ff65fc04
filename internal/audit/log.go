package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"tenantry.org/internal/authz"
	"tenantry.org/internal/ids"
	"tenantry.org/internal/obs"
)

type requestIDKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Logger writes one audit entry per authorization decision and per
// configuration change.
type Logger struct {
	log *zap.Logger
}

var _ authz.Auditor = (*Logger)(nil)

// New returns an audit logger writing to l, or to the shared logger when l is nil.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = obs.Logger()
	}
	return &Logger{log: l.With(zap.String("type", "audit"))}
}

// Decision records the full decision, including the denial reason.
func (a *Logger) Decision(ctx context.Context, p authz.Principal, req authz.Request, d authz.Decision) {
	fields := append(a.base(ctx),
		zap.String("decision_id", d.ID),
		zap.String("user_id", p.UserID),
		zap.String("operation", string(req.Operation)),
		zap.String("scope", string(req.Scope)),
		zap.String("scope_id", req.ScopeID),
		zap.String("org_id", req.OrgID),
		zap.String("resource_type", req.ResourceType),
		zap.String("resource_id", req.ResourceID),
		zap.String("module", req.Module),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", string(d.Reason)),
		zap.Duration("duration", d.Duration),
	)
	if ts, err := ids.Time(d.ID); err == nil {
		fields = append(fields, zap.Time("decided_at", ts))
	}
	a.log.Info("authz.decision", fields...)
}

// Failure records an authorization that could not be evaluated.
func (a *Logger) Failure(ctx context.Context, req authz.Request, err *authz.AuthError) {
	fields := append(a.base(ctx),
		zap.String("operation", string(req.Operation)),
		zap.String("scope", string(req.Scope)),
		zap.String("scope_id", req.ScopeID),
		zap.String("resource_type", req.ResourceType),
		zap.String("resource_id", req.ResourceID),
		zap.String("module", req.Module),
		zap.String("kind", string(err.Kind)),
		zap.Error(err),
	)
	a.log.Warn("authz.failure", fields...)
}

// LogEvent writes a named audit entry enriched with request and user context.
func (a *Logger) LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := a.base(ctx)
	if p, ok := authz.PrincipalFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", p.UserID))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	a.log.Info(event, zf...)
	return nil
}

func (a *Logger) base(ctx context.Context) []zap.Field {
	if rid := RequestIDFromContext(ctx); rid != "" {
		return []zap.Field{zap.String("request_id", rid)}
	}
	return nil
}
