package authz

// ScopeAuthorizer answers whether a principal administers a scope.
type ScopeAuthorizer interface {
	AuthorizeScope(p Principal, ref ScopeRef) bool
}

// ScopeAuthorizerFunc adapts a function to ScopeAuthorizer.
type ScopeAuthorizerFunc func(p Principal, ref ScopeRef) bool

func (f ScopeAuthorizerFunc) AuthorizeScope(p Principal, ref ScopeRef) bool { return f(p, ref) }

type scopeStrategy struct {
	allowed func(p Principal, ref ScopeRef) bool
	deny    Reason
}

var scopeStrategies map[ScopeKind]scopeStrategy

func init() {
	scopeStrategies = map[ScopeKind]scopeStrategy{
		ScopeSystem: {
			allowed: func(p Principal, _ ScopeRef) bool { return p.IsSystemAdmin() },
			deny:    ReasonNotSystemAdmin,
		},
		ScopeOrg: {
			allowed: func(p Principal, ref ScopeRef) bool {
				return p.IsSystemAdmin() || p.isOrgAdmin(ref.ID)
			},
			deny: ReasonNotOrgAdmin,
		},
		ScopeWorkspace: {
			allowed: func(p Principal, ref ScopeRef) bool {
				return AuthorizeScope(p, ScopeRef{Kind: ScopeOrg, ID: ref.OrgID}) ||
					p.isWorkspaceAdmin(ref.ID, ref.OrgID)
			},
			deny: ReasonNotWorkspaceAdmin,
		},
	}
}

// AuthorizeScope is Layer 1: system admins administer every org, org admins
// every workspace of their org. There is no lateral inheritance between
// sibling orgs or workspaces, and a missing membership is a plain false.
func AuthorizeScope(p Principal, ref ScopeRef) bool {
	s, ok := scopeStrategies[ref.Kind]
	if !ok {
		return false
	}
	return s.allowed(p, ref)
}

// ScopeDenyReason is the reason reported when Layer 1 fails at kind.
func ScopeDenyReason(kind ScopeKind) Reason {
	if s, ok := scopeStrategies[kind]; ok {
		return s.deny
	}
	return ReasonNotSystemAdmin
}

// DefaultScopeAuthorizer is the built-in Layer 1.
var DefaultScopeAuthorizer ScopeAuthorizer = ScopeAuthorizerFunc(AuthorizeScope)
