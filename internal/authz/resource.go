package authz

import (
	"context"
	"fmt"
)

// Action is what the caller does with a resource instance.
type Action string

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// ResourceRecord is what the resource store knows about one instance.
type ResourceRecord struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	OrgID       string `json:"orgId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Deleted     bool   `json:"isDeleted"`
}

// Scope returns the innermost scope containing the resource.
func (r ResourceRecord) Scope() ScopeRef {
	if r.WorkspaceID != "" {
		return ScopeRef{Kind: ScopeWorkspace, ID: r.WorkspaceID, OrgID: r.OrgID}
	}
	return ScopeRef{Kind: ScopeOrg, ID: r.OrgID, OrgID: r.OrgID}
}

// ShareGrants is the extension point for non-owner, non-admin view access.
// The engine ships no sharing rule of its own.
type ShareGrants interface {
	Shared(ctx context.Context, p Principal, rec ResourceRecord) (bool, error)
}

// Outcome is the result of Layer 2.
type Outcome struct {
	Allowed bool
	Reason  Reason
}

// Evaluator is Layer 2, the per-resource permission check.
type Evaluator struct {
	scope  ScopeAuthorizer
	shares ShareGrants
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithShareGrants plugs a sharing rule into view checks.
func WithShareGrants(s ShareGrants) EvaluatorOption {
	return func(e *Evaluator) { e.shares = s }
}

// WithEvaluatorScope replaces the Layer 1 used for admin-over-resource checks.
func WithEvaluatorScope(s ScopeAuthorizer) EvaluatorOption {
	return func(e *Evaluator) {
		if s != nil {
			e.scope = s
		}
	}
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{scope: DefaultScopeAuthorizer}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AuthorizeResource decides whether p may perform action on rec. Checks
// short-circuit in order: soft deletion, membership in the resource's org
// and workspace, then ownership or administration of the resource's scope.
// Only view may additionally be granted by a share. An error means the
// share lookup failed, not a denial.
func (e *Evaluator) AuthorizeResource(ctx context.Context, p Principal, rec ResourceRecord, action Action) (Outcome, error) {
	switch action {
	case ActionView, ActionEdit, ActionDelete:
	default:
		return Outcome{}, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, action)
	}

	if rec.Deleted {
		return Outcome{Reason: ReasonResourceNotFound}, nil
	}

	admin := e.scope.AuthorizeScope(p, rec.Scope())
	if !admin && !p.memberOf(rec.OrgID, rec.WorkspaceID) {
		return Outcome{Reason: ReasonNotMember}, nil
	}

	if admin || (rec.OwnerID != "" && rec.OwnerID == p.UserID) {
		return Outcome{Allowed: true, Reason: ReasonOK}, nil
	}

	if action == ActionView && e.shares != nil {
		ok, err := e.shares.Shared(ctx, p, rec)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			return Outcome{Allowed: true, Reason: ReasonOK}, nil
		}
	}
	return Outcome{Reason: ReasonNotOwner}, nil
}

// actionFor maps a request operation onto a resource action.
func actionFor(op Operation) Action {
	switch op {
	case OpWrite, OpAdminWrite:
		return ActionEdit
	case OpDelete:
		return ActionDelete
	default:
		return ActionView
	}
}
