package authz

import (
	"fmt"
	"sort"
	"strings"
)

// SystemRole is the platform-wide role of a user.
type SystemRole string

const (
	SystemRoleNone  SystemRole = "none"
	SystemRoleAdmin SystemRole = "sys_admin"
	SystemRoleOwner SystemRole = "sys_owner"
)

// OrgRole is a user's role inside one organization.
type OrgRole string

const (
	OrgRoleMember OrgRole = "org_member"
	OrgRoleAdmin  OrgRole = "org_admin"
	OrgRoleOwner  OrgRole = "org_owner"
)

// WorkspaceRole is a user's role inside one workspace.
type WorkspaceRole string

const (
	WorkspaceRoleMember WorkspaceRole = "ws_member"
	WorkspaceRoleAdmin  WorkspaceRole = "ws_admin"
	WorkspaceRoleOwner  WorkspaceRole = "ws_owner"
)

func (r SystemRole) valid() bool {
	switch r {
	case SystemRoleNone, SystemRoleAdmin, SystemRoleOwner:
		return true
	}
	return false
}

func (r OrgRole) valid() bool {
	switch r {
	case OrgRoleMember, OrgRoleAdmin, OrgRoleOwner:
		return true
	}
	return false
}

func (r WorkspaceRole) valid() bool {
	switch r {
	case WorkspaceRoleMember, WorkspaceRoleAdmin, WorkspaceRoleOwner:
		return true
	}
	return false
}

// OrgMembership places a user in an organization.
type OrgMembership struct {
	OrgID string  `json:"orgId"`
	Role  OrgRole `json:"orgRole"`
}

// WorkspaceMembership places a user in a workspace of an organization.
type WorkspaceMembership struct {
	WorkspaceID string        `json:"workspaceId"`
	OrgID       string        `json:"orgId"`
	Role        WorkspaceRole `json:"wsRole"`
}

// Principal is the verified identity of one request together with its role
// memberships. It is built once per request and never mutated.
type Principal struct {
	UserID     string
	SystemRole SystemRole

	orgs       map[string]OrgRole
	workspaces map[string]WorkspaceMembership
}

// NewPrincipal validates and assembles a Principal. Every workspace
// membership must belong to an organization the user is also a member of.
func NewPrincipal(userID string, role SystemRole, orgs []OrgMembership, workspaces []WorkspaceMembership) (Principal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: subject is required", ErrInvalidPrincipal)
	}
	if role == "" {
		role = SystemRoleNone
	}
	if !role.valid() {
		return Principal{}, fmt.Errorf("%w: unknown system role %q", ErrInvalidPrincipal, role)
	}

	p := Principal{
		UserID:     userID,
		SystemRole: role,
		orgs:       make(map[string]OrgRole, len(orgs)),
		workspaces: make(map[string]WorkspaceMembership, len(workspaces)),
	}
	for _, m := range orgs {
		if strings.TrimSpace(m.OrgID) == "" || !m.Role.valid() {
			return Principal{}, fmt.Errorf("%w: bad org membership %+v", ErrInvalidPrincipal, m)
		}
		if prev, ok := p.orgs[m.OrgID]; ok && prev != m.Role {
			return Principal{}, fmt.Errorf("%w: conflicting roles in org %s", ErrInvalidPrincipal, m.OrgID)
		}
		p.orgs[m.OrgID] = m.Role
	}
	for _, m := range workspaces {
		if strings.TrimSpace(m.WorkspaceID) == "" || !m.Role.valid() {
			return Principal{}, fmt.Errorf("%w: bad workspace membership %+v", ErrInvalidPrincipal, m)
		}
		if _, ok := p.orgs[m.OrgID]; !ok {
			return Principal{}, fmt.Errorf("%w: workspace %s belongs to org %s without org membership",
				ErrInvalidPrincipal, m.WorkspaceID, m.OrgID)
		}
		if prev, ok := p.workspaces[m.WorkspaceID]; ok && prev != m {
			return Principal{}, fmt.Errorf("%w: conflicting memberships in workspace %s", ErrInvalidPrincipal, m.WorkspaceID)
		}
		p.workspaces[m.WorkspaceID] = m
	}
	return p, nil
}

// IsSystemAdmin reports whether the user administers the whole platform.
func (p Principal) IsSystemAdmin() bool {
	return p.SystemRole == SystemRoleAdmin || p.SystemRole == SystemRoleOwner
}

// OrgRole returns the user's role in orgID.
func (p Principal) OrgRole(orgID string) (OrgRole, bool) {
	r, ok := p.orgs[orgID]
	return r, ok
}

// Workspace returns the user's membership in workspaceID.
func (p Principal) Workspace(workspaceID string) (WorkspaceMembership, bool) {
	m, ok := p.workspaces[workspaceID]
	return m, ok
}

func (p Principal) isOrgAdmin(orgID string) bool {
	r, ok := p.orgs[orgID]
	return ok && (r == OrgRoleAdmin || r == OrgRoleOwner)
}

// isWorkspaceAdmin requires the membership to belong to orgID when one is
// given.
func (p Principal) isWorkspaceAdmin(workspaceID, orgID string) bool {
	m, ok := p.workspaces[workspaceID]
	if !ok || (orgID != "" && m.OrgID != orgID) {
		return false
	}
	return m.Role == WorkspaceRoleAdmin || m.Role == WorkspaceRoleOwner
}

// memberOf reports membership, regardless of role, in orgID and, when
// workspaceID is set, in that workspace of orgID.
func (p Principal) memberOf(orgID, workspaceID string) bool {
	if _, ok := p.orgs[orgID]; !ok {
		return false
	}
	if workspaceID == "" {
		return true
	}
	m, ok := p.workspaces[workspaceID]
	return ok && m.OrgID == orgID
}

// Orgs lists the org memberships ordered by org id.
func (p Principal) Orgs() []OrgMembership {
	out := make([]OrgMembership, 0, len(p.orgs))
	for id, r := range p.orgs {
		out = append(out, OrgMembership{OrgID: id, Role: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}

// Workspaces lists the workspace memberships ordered by workspace id.
func (p Principal) Workspaces() []WorkspaceMembership {
	out := make([]WorkspaceMembership, 0, len(p.workspaces))
	for _, m := range p.workspaces {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out
}
