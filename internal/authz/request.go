package authz

import (
	"fmt"
	"strings"
	"time"

	"tenantry.org/internal/cascade"
)

// Operation is what the caller is about to do.
type Operation string

const (
	OpRead       Operation = "read"
	OpWrite      Operation = "write"
	OpAdminRead  Operation = "admin-read"
	OpAdminWrite Operation = "admin-write"
	OpDelete     Operation = "delete"
)

func (o Operation) valid() bool {
	switch o {
	case OpRead, OpWrite, OpAdminRead, OpAdminWrite, OpDelete:
		return true
	}
	return false
}

// Administrative reports whether the operation requires scope administration.
func (o Operation) Administrative() bool {
	return o == OpAdminRead || o == OpAdminWrite
}

// ScopeKind is the administrative level an operation is declared at.
type ScopeKind string

const (
	ScopeSystem    ScopeKind = "system"
	ScopeOrg       ScopeKind = "org"
	ScopeWorkspace ScopeKind = "workspace"
)

// ScopeRef names one scope. OrgID is the parent organization of a workspace.
type ScopeRef struct {
	Kind  ScopeKind
	ID    string
	OrgID string
}

// Request is the single declarative input of the Facade.
type Request struct {
	Operation    Operation `json:"operation"`
	Scope        ScopeKind `json:"scope"`
	ScopeID      string    `json:"scopeId,omitempty"`
	OrgID        string    `json:"orgId,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	ResourceID   string    `json:"resourceId,omitempty"`
	Module       string    `json:"module,omitempty"`
}

// Validate checks the shape of the request. It does not consult any store.
func (r Request) Validate() error {
	if !r.Operation.valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, r.Operation)
	}
	switch r.Scope {
	case ScopeSystem:
		if r.ScopeID != "" || r.OrgID != "" {
			return fmt.Errorf("%w: system scope takes no scope id", ErrInvalidRequest)
		}
	case ScopeOrg:
		if strings.TrimSpace(r.ScopeID) == "" {
			return fmt.Errorf("%w: org scope requires scopeId", ErrInvalidRequest)
		}
		if r.OrgID != "" && r.OrgID != r.ScopeID {
			return fmt.Errorf("%w: orgId must match scopeId for org scope", ErrInvalidRequest)
		}
	case ScopeWorkspace:
		if strings.TrimSpace(r.ScopeID) == "" {
			return fmt.Errorf("%w: workspace scope requires scopeId", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, r.Scope)
	}
	if r.ResourceID != "" && strings.TrimSpace(r.ResourceType) == "" {
		return fmt.Errorf("%w: resourceId requires resourceType", ErrInvalidRequest)
	}
	if r.ResourceType != "" && strings.TrimSpace(r.ResourceID) == "" {
		return fmt.Errorf("%w: resourceType requires resourceId", ErrInvalidRequest)
	}
	return nil
}

// ScopeRef returns the scope the request is declared at.
func (r Request) ScopeRef() ScopeRef {
	switch r.Scope {
	case ScopeOrg:
		return ScopeRef{Kind: ScopeOrg, ID: r.ScopeID, OrgID: r.ScopeID}
	case ScopeWorkspace:
		return ScopeRef{Kind: ScopeWorkspace, ID: r.ScopeID, OrgID: r.OrgID}
	default:
		return ScopeRef{Kind: ScopeSystem}
	}
}

// tenant returns the (org, workspace) pair used for config resolution.
func (r Request) tenant() (orgID, workspaceID string) {
	switch r.Scope {
	case ScopeOrg:
		return r.ScopeID, ""
	case ScopeWorkspace:
		return r.OrgID, r.ScopeID
	}
	return "", ""
}

// Reason explains a decision.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonNotSystemAdmin    Reason = "not-system-admin"
	ReasonNotOrgAdmin       Reason = "not-org-admin"
	ReasonNotWorkspaceAdmin Reason = "not-workspace-admin"
	ReasonNotMember         Reason = "not-member"
	ReasonNotOwner          Reason = "not-owner"
	ReasonResourceNotFound  Reason = "resource-not-found"
	ReasonModuleUnavailable Reason = "module-unavailable"
)

// Decision is the binding answer of the Facade. Config is set on allow when
// the request named a module.
type Decision struct {
	ID       string            `json:"id"`
	Allowed  bool              `json:"allowed"`
	Reason   Reason            `json:"reason"`
	Config   *cascade.Resolved `json:"config,omitempty"`
	Duration time.Duration     `json:"-"`
}
