package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tenantry.org/internal/cascade"
	"tenantry.org/internal/ids"
	"tenantry.org/internal/obs"
)

// DefaultLookupTimeout bounds all external lookups of one authorization.
const DefaultLookupTimeout = 2 * time.Second

// PrincipalResolver turns a credential into a Principal. It must reject
// credentials without a subject and must not cache across calls.
type PrincipalResolver interface {
	Resolve(ctx context.Context, credential string) (Principal, error)
}

// ResourceLookup fetches a resource record. Missing resources are reported
// with ErrResourceNotFound.
type ResourceLookup interface {
	Lookup(ctx context.Context, resourceType, resourceID string) (ResourceRecord, error)
}

// WorkspaceLocator returns the parent org of a workspace, or ErrWorkspaceNotFound.
type WorkspaceLocator interface {
	WorkspaceOrg(ctx context.Context, workspaceID string) (string, error)
}

// ConfigSource returns the effective module config for a tenant.
type ConfigSource interface {
	Effective(ctx context.Context, module, orgID, workspaceID string) (cascade.Resolved, error)
}

// Auditor receives every decision and every evaluation that failed closed.
type Auditor interface {
	Decision(ctx context.Context, p Principal, req Request, d Decision)
	Failure(ctx context.Context, req Request, err *AuthError)
}

// State is a step of one evaluation.
type State int

const (
	StateUnresolved State = iota
	StatePrincipalResolved
	StateAvailabilityChecked
	StateScopeChecked
	StateResourceChecked
	StateDecided
)

var stateNames = [...]string{
	"unresolved",
	"principal-resolved",
	"availability-checked",
	"scope-checked",
	"resource-checked",
	"decided",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateObserver is told about every state an evaluation enters.
type StateObserver func(ctx context.Context, req Request, s State)

// Facade is the only entry point for authorization. Each call runs one
// fresh evaluation; the Facade itself holds no per-request state.
type Facade struct {
	principals PrincipalResolver
	resources  ResourceLookup
	configs    ConfigSource
	workspaces WorkspaceLocator
	scope      ScopeAuthorizer
	evaluator  *Evaluator
	auditor    Auditor
	observer   StateObserver
	timeout    time.Duration
	logger     *zap.Logger
}

// Option configures a Facade.
type Option func(*Facade) error

// WithResources sets the resource store used for Layer 2.
func WithResources(r ResourceLookup) Option {
	return func(f *Facade) error {
		f.resources = r
		return nil
	}
}

// WithConfigs sets the source of resolved module configs.
func WithConfigs(c ConfigSource) Option {
	return func(f *Facade) error {
		f.configs = c
		return nil
	}
}

// WithWorkspaceLocator sets the workspace to org lookup. When set, the org
// of a workspace scope always comes from the locator.
func WithWorkspaceLocator(l WorkspaceLocator) Option {
	return func(f *Facade) error {
		f.workspaces = l
		return nil
	}
}

// WithScopeAuthorizer replaces Layer 1.
func WithScopeAuthorizer(s ScopeAuthorizer) Option {
	return func(f *Facade) error {
		if s == nil {
			return errors.New("authz: nil scope authorizer")
		}
		f.scope = s
		return nil
	}
}

// WithEvaluator replaces Layer 2.
func WithEvaluator(e *Evaluator) Option {
	return func(f *Facade) error {
		if e == nil {
			return errors.New("authz: nil evaluator")
		}
		f.evaluator = e
		return nil
	}
}

// WithAuditor sets the decision auditor.
func WithAuditor(a Auditor) Option {
	return func(f *Facade) error {
		f.auditor = a
		return nil
	}
}

// WithStateObserver installs a hook called on every state transition.
func WithStateObserver(o StateObserver) Option {
	return func(f *Facade) error {
		f.observer = o
		return nil
	}
}

// WithLookupTimeout bounds the external lookups of one authorization.
func WithLookupTimeout(d time.Duration) Option {
	return func(f *Facade) error {
		if d <= 0 {
			return errors.New("authz: lookup timeout must be positive")
		}
		f.timeout = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Facade) error {
		if l != nil {
			f.logger = l
		}
		return nil
	}
}

// NewFacade builds a Facade around a principal resolver.
func NewFacade(principals PrincipalResolver, opts ...Option) (*Facade, error) {
	if principals == nil {
		return nil, errors.New("authz: principal resolver is required")
	}
	f := &Facade{
		principals: principals,
		scope:      DefaultScopeAuthorizer,
		timeout:    DefaultLookupTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if f.evaluator == nil {
		f.evaluator = NewEvaluator(WithEvaluatorScope(f.scope))
	}
	return f, nil
}

// Authorize resolves the credential and evaluates req. A returned error is
// always an *AuthError or wraps ErrInvalidRequest; callers must treat both
// as a denial.
func (f *Facade) Authorize(ctx context.Context, credential string, req Request) (Decision, error) {
	return f.authorize(ctx, req, func(ctx context.Context) (Principal, error) {
		return f.resolve(ctx, credential)
	})
}

// AuthorizePrincipal evaluates req for a principal resolved earlier in the
// same request.
func (f *Facade) AuthorizePrincipal(ctx context.Context, p Principal, req Request) (Decision, error) {
	if p.UserID == "" {
		return Decision{}, &AuthError{Kind: KindInvalidCredential, Op: "resolve principal", Err: ErrInvalidPrincipal}
	}
	return f.authorize(ctx, req, func(context.Context) (Principal, error) { return p, nil })
}

// ResolvePrincipal resolves a credential once so that several checks of one
// request can share it.
func (f *Facade) ResolvePrincipal(ctx context.Context, credential string) (Principal, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	start := time.Now()
	p, err := f.resolve(ctx, credential)
	obs.ObserveLookup("principal", time.Since(start), err)
	if err != nil {
		ae := classify("resolve principal", err)
		f.failed(ctx, Request{}, ae)
		return Principal{}, ae
	}
	return p, nil
}

func (f *Facade) resolve(ctx context.Context, credential string) (Principal, error) {
	if strings.TrimSpace(credential) == "" {
		return Principal{}, ErrInvalidCredential
	}
	return f.principals.Resolve(ctx, credential)
}

func (f *Facade) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

func (f *Facade) authorize(ctx context.Context, req Request, principal func(context.Context) (Principal, error)) (Decision, error) {
	if err := req.Validate(); err != nil {
		return Decision{}, err
	}
	if req.Scope == ScopeWorkspace && req.OrgID == "" && f.workspaces == nil {
		return Decision{}, fmt.Errorf("%w: workspace scope requires orgId", ErrInvalidRequest)
	}

	ctx, cancel := f.bound(ctx)
	defer cancel()

	ev := &evaluation{f: f, ctx: ctx, req: req, started: time.Now()}
	if err := ev.gather(principal); err != nil {
		ae := classify("gather", err)
		f.failed(ctx, req, ae)
		return Decision{}, ae
	}
	ev.advance(StatePrincipalResolved)

	reason, err := ev.decide()
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return Decision{}, err
		}
		ae := classify("decide", err)
		f.failed(ctx, ev.req, ae)
		return Decision{}, ae
	}
	return ev.finish(reason), nil
}

func (f *Facade) failed(ctx context.Context, req Request, ae *AuthError) {
	obs.ObserveAuthError(string(ae.Kind))
	f.logger.Warn("authorization could not be evaluated",
		zap.String("kind", string(ae.Kind)),
		zap.String("op", ae.Op),
		zap.String("operation", string(req.Operation)),
		zap.String("scope", string(req.Scope)),
		zap.String("scope_id", req.ScopeID),
		zap.Error(ae.Err))
	if f.auditor != nil {
		f.auditor.Failure(ctx, req, ae)
	}
}

// evaluation is one run of the state machine.
type evaluation struct {
	f       *Facade
	ctx     context.Context
	req     Request
	state   State
	started time.Time

	principal Principal
	config    *cascade.Resolved
	// unknownScope is set when the declared workspace does not exist or does
	// not belong to the declared org.
	unknownScope bool
}

func (ev *evaluation) advance(s State) {
	if s <= ev.state {
		return
	}
	ev.state = s
	if ev.f.observer != nil {
		ev.f.observer(ev.ctx, ev.req, s)
	}
}

// gather resolves the principal and the module config concurrently. Either
// failure cancels the other lookup and nothing partial is kept.
func (ev *evaluation) gather(principal func(context.Context) (Principal, error)) error {
	f := ev.f
	g, gctx := errgroup.WithContext(ev.ctx)

	var p Principal
	g.Go(func() error {
		start := time.Now()
		got, err := principal(gctx)
		obs.ObserveLookup("principal", time.Since(start), err)
		if err != nil {
			return classify("resolve principal", err)
		}
		p = got
		return nil
	})

	req := ev.req
	unknown := false
	var cfg *cascade.Resolved
	g.Go(func() error {
		if req.Scope == ScopeWorkspace && f.workspaces != nil {
			start := time.Now()
			orgID, err := f.workspaces.WorkspaceOrg(gctx, req.ScopeID)
			if errors.Is(err, ErrWorkspaceNotFound) {
				err = nil
				unknown = true
			}
			obs.ObserveLookup("workspace", time.Since(start), err)
			if err != nil {
				return classify("locate workspace", err)
			}
			if !unknown && req.OrgID != "" && req.OrgID != orgID {
				unknown = true
			}
			if unknown {
				req.OrgID = ""
			} else {
				req.OrgID = orgID
			}
		}
		if req.Module == "" {
			return nil
		}
		if f.configs == nil {
			return &AuthError{Kind: KindLookupUnavailable, Op: "resolve config", Err: errors.New("config source not configured")}
		}
		orgID, workspaceID := req.tenant()
		r, err := f.configs.Effective(gctx, req.Module, orgID, workspaceID)
		if err != nil {
			return classify("resolve config", err)
		}
		cfg = &r
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ev.ctx.Err(); err != nil {
		return classify("gather", err)
	}
	ev.principal = p
	ev.req = req
	ev.config = cfg
	ev.unknownScope = unknown
	return nil
}

// decide runs the gate, Layer 1 and Layer 2 in that order and returns the
// first denial, or ReasonOK.
func (ev *evaluation) decide() (Reason, error) {
	if ev.config != nil && !cascade.IsAvailable(*ev.config) {
		return ReasonModuleUnavailable, nil
	}
	ev.advance(StateAvailabilityChecked)

	if ev.unknownScope {
		return ReasonNotMember, nil
	}
	ref := ev.req.ScopeRef()
	admin := ev.f.scope.AuthorizeScope(ev.principal, ref)
	if reason, denied := ev.scopeDenial(ref, admin); denied {
		return reason, nil
	}
	ev.advance(StateScopeChecked)

	if ev.req.ResourceID == "" {
		return ReasonOK, nil
	}
	reason, err := ev.checkResource(ref, admin)
	if err != nil {
		return "", err
	}
	if reason == ReasonOK {
		ev.advance(StateResourceChecked)
	}
	return reason, nil
}

// scopeDenial applies the operation rules at the declared scope.
func (ev *evaluation) scopeDenial(ref ScopeRef, admin bool) (Reason, bool) {
	if admin {
		return "", false
	}
	req := ev.req
	switch {
	case req.Operation.Administrative():
		return ScopeDenyReason(ref.Kind), true
	case req.ResourceID != "":
		// membership and ownership are decided against the resource itself
		return "", false
	case req.Operation == OpDelete:
		return ScopeDenyReason(ref.Kind), true
	case ref.Kind == ScopeSystem:
		if req.Operation == OpRead {
			return "", false
		}
		return ReasonNotSystemAdmin, true
	case !ev.memberOfScope(ref):
		return ReasonNotMember, true
	}
	return "", false
}

func (ev *evaluation) memberOfScope(ref ScopeRef) bool {
	switch ref.Kind {
	case ScopeOrg:
		return ev.principal.memberOf(ref.ID, "")
	case ScopeWorkspace:
		return ev.principal.memberOf(ref.OrgID, ref.ID)
	}
	return false
}

func (ev *evaluation) checkResource(ref ScopeRef, admin bool) (Reason, error) {
	f := ev.f
	if f.resources == nil {
		return "", &AuthError{Kind: KindLookupUnavailable, Op: "lookup resource", Err: errors.New("resource store not configured")}
	}
	start := time.Now()
	rec, err := f.resources.Lookup(ev.ctx, ev.req.ResourceType, ev.req.ResourceID)
	notFound := errors.Is(err, ErrResourceNotFound)
	if notFound {
		err = nil
	}
	obs.ObserveLookup("resource", time.Since(start), err)
	if err != nil {
		return "", classify("lookup resource", err)
	}
	if notFound || !withinScope(rec, ref) {
		return ev.missing(ref, admin), nil
	}

	out, err := f.evaluator.AuthorizeResource(ev.ctx, ev.principal, rec, actionFor(ev.req.Operation))
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return "", err
		}
		return "", classify("authorize resource", err)
	}
	if out.Reason == ReasonResourceNotFound {
		return ev.missing(ref, admin), nil
	}
	return out.Reason, nil
}

// missing is the answer for a resource that is absent, deleted or outside the
// declared scope. Principals outside the scope get the same answer they
// would get for an existing resource.
func (ev *evaluation) missing(ref ScopeRef, admin bool) Reason {
	if admin || ev.memberOfScope(ref) {
		return ReasonResourceNotFound
	}
	return ReasonNotMember
}

func withinScope(rec ResourceRecord, ref ScopeRef) bool {
	switch ref.Kind {
	case ScopeOrg:
		return rec.OrgID == ref.ID
	case ScopeWorkspace:
		return rec.WorkspaceID == ref.ID && (ref.OrgID == "" || rec.OrgID == ref.OrgID)
	}
	return true
}

func (ev *evaluation) finish(reason Reason) Decision {
	d := Decision{
		ID:       ids.New(),
		Allowed:  reason == ReasonOK,
		Reason:   reason,
		Duration: time.Since(ev.started),
	}
	if d.Allowed && ev.config != nil {
		c := *ev.config
		d.Config = &c
	}
	ev.advance(StateDecided)

	f := ev.f
	obs.ObserveDecision(string(reason))
	f.logger.Debug("authorization decided",
		zap.String("decision_id", d.ID),
		zap.String("user_id", ev.principal.UserID),
		zap.String("operation", string(ev.req.Operation)),
		zap.String("scope", string(ev.req.Scope)),
		zap.String("scope_id", ev.req.ScopeID),
		zap.String("resource_type", ev.req.ResourceType),
		zap.String("resource_id", ev.req.ResourceID),
		zap.String("module", ev.req.Module),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", string(reason)),
		zap.Duration("duration", d.Duration))
	if f.auditor != nil {
		f.auditor.Decision(ev.ctx, ev.principal, ev.req, d)
	}
	return d
}
