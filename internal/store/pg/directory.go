package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/authz"
)

// Profile loads the system role and all memberships of a user.
func (s *Store) Profile(ctx context.Context, userID string) (auth.Profile, error) {
	if s.db == nil {
		return auth.Profile{}, errNoDB
	}
	prof := auth.Profile{UserID: userID}
	var role string
	err := s.db.QueryRowContext(ctx, `
		select system_role, disabled
		from users
		where id = $1
	`, userID).Scan(&role, &prof.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Profile{}, auth.ErrUnknownSubject
	}
	if err != nil {
		return auth.Profile{}, err
	}
	prof.SystemRole = authz.SystemRole(role)

	orgRows, err := s.db.QueryContext(ctx, `
		select org_id, role
		from org_memberships
		where user_id = $1
		order by org_id
	`, userID)
	if err != nil {
		return auth.Profile{}, err
	}
	defer orgRows.Close()
	for orgRows.Next() {
		var m authz.OrgMembership
		var r string
		if err := orgRows.Scan(&m.OrgID, &r); err != nil {
			return auth.Profile{}, err
		}
		m.Role = authz.OrgRole(r)
		prof.Orgs = append(prof.Orgs, m)
	}
	if err := orgRows.Err(); err != nil {
		return auth.Profile{}, err
	}

	wsRows, err := s.db.QueryContext(ctx, `
		select wm.workspace_id, w.org_id, wm.role
		from workspace_memberships wm
		join workspaces w on w.id = wm.workspace_id
		where wm.user_id = $1
		order by wm.workspace_id
	`, userID)
	if err != nil {
		return auth.Profile{}, err
	}
	defer wsRows.Close()
	for wsRows.Next() {
		var m authz.WorkspaceMembership
		var r string
		if err := wsRows.Scan(&m.WorkspaceID, &m.OrgID, &r); err != nil {
			return auth.Profile{}, fmt.Errorf("scan workspace membership: %w", err)
		}
		m.Role = authz.WorkspaceRole(r)
		prof.Workspaces = append(prof.Workspaces, m)
	}
	if err := wsRows.Err(); err != nil {
		return auth.Profile{}, err
	}
	return prof, nil
}

// WorkspaceOrg returns the parent org of a workspace.
func (s *Store) WorkspaceOrg(ctx context.Context, workspaceID string) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	var orgID string
	err := s.db.QueryRowContext(ctx, `select org_id from workspaces where id = $1`, workspaceID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", authz.ErrWorkspaceNotFound
	}
	if err != nil {
		return "", err
	}
	return orgID, nil
}

// Lookup reads a resource record. Soft-deleted rows are returned with
// Deleted set.
func (s *Store) Lookup(ctx context.Context, resourceType, resourceID string) (authz.ResourceRecord, error) {
	if s.db == nil {
		return authz.ResourceRecord{}, errNoDB
	}
	rec := authz.ResourceRecord{Type: resourceType, ID: resourceID}
	var workspaceID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select owner_id, org_id, workspace_id, deleted_at is not null
		from resources
		where resource_type = $1 and id = $2
	`, resourceType, resourceID).Scan(&rec.OwnerID, &rec.OrgID, &workspaceID, &rec.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.ResourceRecord{}, authz.ErrResourceNotFound
	}
	if err != nil {
		return authz.ResourceRecord{}, err
	}
	if workspaceID.Valid {
		rec.WorkspaceID = workspaceID.String
	}
	return rec, nil
}
