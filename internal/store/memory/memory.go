// Package memory keeps every collaborator of the authorization engine in
// process memory. It backs tests and the server when no database is configured.
package memory

import (
	"context"
	"strings"
	"sync"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/authz"
	"tenantry.org/internal/cascade"
)

type overrideKey struct {
	scopeID string
	module  string
}

type Store struct {
	mu         sync.RWMutex
	users      map[string]auth.Profile
	workspaces map[string]string
	resources  map[string]authz.ResourceRecord
	systems    map[string]cascade.SystemConfig
	orgs       map[overrideKey]cascade.Override
	wss        map[overrideKey]cascade.Override
}

var (
	_ auth.Directory         = (*Store)(nil)
	_ authz.ResourceLookup   = (*Store)(nil)
	_ authz.WorkspaceLocator = (*Store)(nil)
	_ cascade.Store          = (*Store)(nil)
	_ cascade.OverrideStore  = (*Store)(nil)
)

func New() *Store {
	return &Store{
		users:      make(map[string]auth.Profile),
		workspaces: make(map[string]string),
		resources:  make(map[string]authz.ResourceRecord),
		systems:    make(map[string]cascade.SystemConfig),
		orgs:       make(map[overrideKey]cascade.Override),
		wss:        make(map[overrideKey]cascade.Override),
	}
}

// PutUser stores a user profile.
func (s *Store) PutUser(p auth.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Orgs = append([]authz.OrgMembership(nil), p.Orgs...)
	p.Workspaces = append([]authz.WorkspaceMembership(nil), p.Workspaces...)
	s.users[p.UserID] = p
}

// PutWorkspace records the parent org of a workspace.
func (s *Store) PutWorkspace(workspaceID, orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[workspaceID] = orgID
}

// PutResource stores a resource record.
func (s *Store) PutResource(rec authz.ResourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[resourceKey(rec.Type, rec.ID)] = rec
}

func resourceKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

func (s *Store) Profile(ctx context.Context, userID string) (auth.Profile, error) {
	if err := ctx.Err(); err != nil {
		return auth.Profile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[strings.TrimSpace(userID)]
	if !ok {
		return auth.Profile{}, auth.ErrUnknownSubject
	}
	p.Orgs = append([]authz.OrgMembership(nil), p.Orgs...)
	p.Workspaces = append([]authz.WorkspaceMembership(nil), p.Workspaces...)
	return p, nil
}

func (s *Store) Lookup(ctx context.Context, resourceType, resourceID string) (authz.ResourceRecord, error) {
	if err := ctx.Err(); err != nil {
		return authz.ResourceRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.resources[resourceKey(resourceType, resourceID)]
	if !ok {
		return authz.ResourceRecord{}, authz.ErrResourceNotFound
	}
	return rec, nil
}

func (s *Store) WorkspaceOrg(ctx context.Context, workspaceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgID, ok := s.workspaces[workspaceID]
	if !ok {
		return "", authz.ErrWorkspaceNotFound
	}
	return orgID, nil
}

func (s *Store) Load(ctx context.Context, module, orgID, workspaceID string) (cascade.Levels, error) {
	if err := ctx.Err(); err != nil {
		return cascade.Levels{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lv cascade.Levels
	if sys, ok := s.systems[module]; ok {
		c := sys.Clone()
		lv.System = &c
	}
	if orgID != "" {
		if o, ok := s.orgs[overrideKey{orgID, module}]; ok {
			c := o.Clone()
			lv.Org = &c
		}
	}
	if workspaceID != "" {
		if o, ok := s.wss[overrideKey{workspaceID, module}]; ok {
			c := o.Clone()
			lv.Workspace = &c
		}
	}
	return lv, nil
}

func (s *Store) System(ctx context.Context, module string) (cascade.SystemConfig, error) {
	if err := ctx.Err(); err != nil {
		return cascade.SystemConfig{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sys, ok := s.systems[module]
	if !ok {
		return cascade.SystemConfig{}, cascade.ErrNotFound
	}
	return sys.Clone(), nil
}

func (s *Store) PutSystem(ctx context.Context, cfg cascade.SystemConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systems[cfg.Module] = cfg.Clone()
	return nil
}

func (s *Store) OrgOverride(ctx context.Context, orgID, module string) (cascade.Override, error) {
	return s.getOverride(ctx, s.orgs, orgID, module)
}

func (s *Store) PutOrgOverride(ctx context.Context, orgID, module string, o cascade.Override) error {
	return s.putOverride(ctx, s.orgs, orgID, module, o)
}

func (s *Store) DeleteOrgOverride(ctx context.Context, orgID, module string) error {
	return s.deleteOverride(ctx, s.orgs, orgID, module)
}

func (s *Store) WorkspaceOverride(ctx context.Context, workspaceID, module string) (cascade.Override, error) {
	return s.getOverride(ctx, s.wss, workspaceID, module)
}

func (s *Store) PutWorkspaceOverride(ctx context.Context, workspaceID, module string, o cascade.Override) error {
	return s.putOverride(ctx, s.wss, workspaceID, module, o)
}

func (s *Store) DeleteWorkspaceOverride(ctx context.Context, workspaceID, module string) error {
	return s.deleteOverride(ctx, s.wss, workspaceID, module)
}

func (s *Store) getOverride(ctx context.Context, m map[overrideKey]cascade.Override, scopeID, module string) (cascade.Override, error) {
	if err := ctx.Err(); err != nil {
		return cascade.Override{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := m[overrideKey{scopeID, module}]
	if !ok {
		return cascade.Override{}, cascade.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) putOverride(ctx context.Context, m map[overrideKey]cascade.Override, scopeID, module string, o cascade.Override) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m[overrideKey{scopeID, module}] = o.Clone()
	return nil
}

func (s *Store) deleteOverride(ctx context.Context, m map[overrideKey]cascade.Override, scopeID, module string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := overrideKey{scopeID, module}
	if _, ok := m[k]; !ok {
		return cascade.ErrNotFound
	}
	delete(m, k)
	return nil
}
